package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookworm/internal/access"
	"bookworm/internal/catalog"
	"bookworm/internal/config"
	"bookworm/internal/membership"
	"bookworm/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Listen:         "127.0.0.1:0",
		Store:          config.StoreSQLite,
		DatabaseURL:    "file:" + filepath.Join(t.TempDir(), "bookworm.db"),
		LoanLimit:      2,
		LockTimeout:    time.Second,
		RetryAttempts:  20,
		RetryBaseDelay: time.Millisecond,
		JWTSecret:      "command-test-secret",
		TokenTTL:       time.Hour,
		LogFormat:      "json",
		AdminEmail:     "root@example.com",
		AdminPassword:  "root-password",
		ShutdownGrace:  time.Second,
	}
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "gameday"})
	assert.NotNil(t, root.PersistentFlags().Lookup("jwt-secret"))
}

func TestMigrateRejectsMemoryStore(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"migrate", "--store", "memory"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.ExecuteContext(context.Background()))
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"serve", "--store", "sqlite"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.ExecuteContext(context.Background()))
}

func TestNewAppWiresSQLiteAndJournal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := newApp(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.events)
	require.NotNil(t, a.history)
	assert.Equal(t, 2, a.lending.LoanLimit())

	session, err := a.members.Authenticate(ctx, cfg.AdminEmail, cfg.AdminPassword)
	require.NoError(t, err)
	assert.Contains(t, session.User.Roles, access.RoleAdmin)

	// A second bootstrap against the same database is a no-op.
	require.NoError(t, a.bootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, zerolog.Nop()))

	book, err := a.catalog.AddBook(ctx, catalog.AddBookCommand{Title: "Parable of the Sower", TotalCopies: 1})
	require.NoError(t, err)
	_, err = a.lending.CheckOut(ctx, session.User.ID, book.ID)
	require.NoError(t, err)

	version, err := a.events.CurrentVersion(ctx, book.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, 2, "catalog and lending events share the book stream")
}

func TestNewAppMemoryStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = config.StoreMemory
	cfg.AdminEmail, cfg.AdminPassword = "", ""

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.events)
	assert.Nil(t, a.history)
	_, ok := a.store.(*store.Memory)
	assert.True(t, ok)

	_, err = a.lending.Book(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestBootstrapAdminPromotesOwnedAccount(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store = config.StoreMemory
	cfg.AdminEmail, cfg.AdminPassword = "", ""

	a, err := newApp(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	owned, err := a.members.Register(ctx, membership.RegisterCommand{Email: "librarian@example.com", Name: "Librarian", Password: "shelf-password"})
	require.NoError(t, err)
	squatted, err := a.members.Register(ctx, membership.RegisterCommand{Email: "head@example.com", Name: "Someone", Password: "guessed-password"})
	require.NoError(t, err)

	require.NoError(t, a.bootstrapAdmin(ctx, "librarian@example.com", "shelf-password", zerolog.Nop()))
	u, err := a.members.GetUser(ctx, owned.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []access.Role{access.RoleMember, access.RoleAdmin}, u.Roles)

	require.NoError(t, a.bootstrapAdmin(ctx, "head@example.com", "configured-password", zerolog.Nop()))
	u, err = a.members.GetUser(ctx, squatted.ID)
	require.NoError(t, err)
	assert.Equal(t, []access.Role{access.RoleMember}, u.Roles)
}
