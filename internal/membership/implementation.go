package membership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"bookworm/internal/access"
	"bookworm/internal/store"
)

const DefaultTokenTTL = 24 * time.Hour

// service implements the Service interface.
type service struct {
	store       store.Store
	tokens      tokenIssuer
	rateLimiter *rate.Limiter
	logger      zerolog.Logger
}

type Option func(*service)

// WithRateLimit throttles registration and login attempts.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *service) { s.rateLimiter = rate.NewLimiter(limit, burst) }
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *service) {
		if ttl > 0 {
			s.tokens.ttl = ttl
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// NewService creates a new membership service signing tokens with secret.
func NewService(st store.Store, secret string, opts ...Option) Service {
	s := &service{
		store: st,
		tokens: tokenIssuer{
			secret: []byte(secret),
			ttl:    DefaultTokenTTL,
			now:    time.Now,
		},
		rateLimiter: rate.NewLimiter(rate.Every(time.Second), 30),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new member.
func (s *service) Register(ctx context.Context, cmd RegisterCommand) (store.User, error) {
	if !s.rateLimiter.Allow() {
		return store.User{}, ErrRateLimited
	}
	return s.register(ctx, cmd)
}

func (s *service) register(ctx context.Context, cmd RegisterCommand) (store.User, error) {
	if err := cmd.validate(); err != nil {
		return store.User{}, err
	}

	passwordHash, salt, err := hashPassword(cmd.Password)
	if err != nil {
		return store.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	roles := []access.Role{access.RoleMember}
	for _, r := range cmd.Roles {
		role, _ := access.ParseRole(string(r))
		if !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}

	u, err := s.store.CreateUser(ctx, store.User{
		Email:        cmd.Email,
		Name:         strings.TrimSpace(cmd.Name),
		PasswordHash: passwordHash,
		Salt:         salt,
		Roles:        roles,
		Status:       store.StatusNormal,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info().Str("user_id", u.ID.String()).Msg("member registered")
	return u, nil
}

// Authenticate verifies credentials and issues an access token. Failed
// attempts are counted; too many lock the account.
func (s *service) Authenticate(ctx context.Context, email, password string) (Session, error) {
	if !s.rateLimiter.Allow() {
		return Session{}, ErrRateLimited
	}

	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("authentication failed: %w", err)
	}
	if u.Status == store.StatusLocked {
		return Session{}, ErrAccountLocked
	}

	ok, err := verifyPassword(password, u.Salt, u.PasswordHash)
	if err != nil {
		return Session{}, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok {
		return Session{}, s.recordFailure(ctx, u.ID)
	}

	if u.LoginAttempts > 0 {
		u, err = s.store.UpdateUser(ctx, u.ID, func(u *store.User) error {
			u.LoginAttempts = 0
			return nil
		})
		if err != nil {
			return Session{}, fmt.Errorf("failed to reset login attempts: %w", err)
		}
	}

	token, expires, err := s.tokens.issue(u)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: expires, User: u}, nil
}

func (s *service) recordFailure(ctx context.Context, id uuid.UUID) error {
	u, err := s.store.UpdateUser(ctx, id, func(u *store.User) error {
		u.LoginAttempts++
		if u.LoginAttempts > MaxLoginAttempts {
			u.Status = store.StatusLocked
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	if u.Status == store.StatusLocked {
		s.logger.Warn().Str("user_id", id.String()).Int("attempts", u.LoginAttempts).Msg("account locked")
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

func (s *service) ParseToken(token string) (access.Principal, error) {
	return s.tokens.parse(token)
}

func (s *service) GetUser(ctx context.Context, id uuid.UUID) (store.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrUserNotFound
		}
		return store.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}
