// Package config resolves runtime settings from flags, BOOKWORM_* environment
// variables, an optional config file and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "BOOKWORM"

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

const (
	DefaultListen         = ":8080"
	DefaultStore          = StoreMemory
	DefaultLoanLimit      = 5
	DefaultLockTimeout    = 5 * time.Second
	DefaultRetryAttempts  = 6
	DefaultRetryBaseDelay = 10 * time.Millisecond
	DefaultTokenTTL       = 24 * time.Hour
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
	DefaultShutdownGrace  = 10 * time.Second
)

// Config is the resolved configuration of the bookworm binary.
type Config struct {
	Listen         string
	Store          string
	DatabaseURL    string
	LoanLimit      int
	LockTimeout    time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	JWTSecret      string
	TokenTTL       time.Duration
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string
	CORSOrigins    []string
	AdminEmail     string
	AdminPassword  string
	ShutdownGrace  time.Duration
}

var keys = []string{
	"config",
	"listen", "store", "database-url",
	"loan-limit", "lock-timeout", "retry-attempts", "retry-base-delay",
	"jwt-secret", "token-ttl",
	"log-level", "log-format", "otlp-endpoint", "cors-origins",
	"admin-email", "admin-password", "shutdown-grace",
}

// RegisterFlags declares every configuration key on flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML, TOML or JSON config file")
	flags.String("listen", DefaultListen, "HTTP listen address")
	flags.String("store", DefaultStore, "record store: memory, sqlite or postgres")
	flags.String("database-url", "", "database DSN (file path for sqlite, URL for postgres)")
	flags.Int("loan-limit", DefaultLoanLimit, "maximum concurrent loans per member")
	flags.Duration("lock-timeout", DefaultLockTimeout, "maximum wait for a book or member lock")
	flags.Int("retry-attempts", DefaultRetryAttempts, "attempts for a conflicting record update")
	flags.Duration("retry-base-delay", DefaultRetryBaseDelay, "initial backoff between conflicting updates")
	flags.String("jwt-secret", "", "HMAC secret used to sign access tokens")
	flags.Duration("token-ttl", DefaultTokenTTL, "access token lifetime")
	flags.String("log-level", DefaultLogLevel, "log level: trace, debug, info, warn, error")
	flags.String("log-format", DefaultLogFormat, "log format: console or json")
	flags.String("otlp-endpoint", "", "OTLP/HTTP collector endpoint (host:port); tracing is off when empty")
	flags.StringSlice("cors-origins", nil, "allowed CORS origins")
	flags.String("admin-email", "", "bootstrap an admin account with this email")
	flags.String("admin-password", "", "password for the bootstrap admin account")
	flags.Duration("shutdown-grace", DefaultShutdownGrace, "time allowed for in-flight requests on shutdown")
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load binds flags and BOOKWORM_* variables to v and reads the optional
// config file. Callers validate what they need.
func Load(v *viper.Viper, flags *pflag.FlagSet) (Config, error) {
	for _, name := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			return Config{}, fmt.Errorf("flag %q not registered", name)
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := Config{
		Listen:         v.GetString("listen"),
		Store:          strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		DatabaseURL:    v.GetString("database-url"),
		LoanLimit:      v.GetInt("loan-limit"),
		LockTimeout:    v.GetDuration("lock-timeout"),
		RetryAttempts:  v.GetInt("retry-attempts"),
		RetryBaseDelay: v.GetDuration("retry-base-delay"),
		JWTSecret:      v.GetString("jwt-secret"),
		TokenTTL:       v.GetDuration("token-ttl"),
		LogLevel:       strings.ToLower(v.GetString("log-level")),
		LogFormat:      strings.ToLower(v.GetString("log-format")),
		OTLPEndpoint:   v.GetString("otlp-endpoint"),
		CORSOrigins:    splitList(v.GetStringSlice("cors-origins")),
		AdminEmail:     v.GetString("admin-email"),
		AdminPassword:  v.GetString("admin-password"),
		ShutdownGrace:  v.GetDuration("shutdown-grace"),
	}
	return cfg, nil
}

// Env values arrive as one comma separated string.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ValidateStorage checks the settings needed to open the record store.
func (c Config) ValidateStorage() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("store %q requires database-url", c.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry-attempts must be positive, got %d", c.RetryAttempts))
	}
	if c.RetryBaseDelay <= 0 {
		errs = append(errs, errors.New("retry-base-delay must be positive"))
	}
	return errors.Join(errs...)
}

// Validate reports every invalid server setting at once.
func (c Config) Validate() error {
	errs := []error{c.ValidateStorage()}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.LoanLimit < 1 {
		errs = append(errs, fmt.Errorf("loan-limit must be positive, got %d", c.LoanLimit))
	}
	if c.LockTimeout < 0 {
		errs = append(errs, errors.New("lock-timeout must not be negative"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt-secret must be at least 16 characters"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token-ttl must be positive"))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("admin-email and admin-password must be set together"))
	}
	return errors.Join(errs...)
}
