package membership

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"bookworm/internal/access"
	"bookworm/internal/store"
)

const testSecret = "test-secret-test-secret"

func newTestService(t *testing.T, opts ...Option) (Service, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	opts = append([]Option{WithRateLimit(rate.Inf, 0)}, opts...)
	return NewService(s, testSecret, opts...), s
}

func register(t *testing.T, svc Service, email string) store.User {
	t.Helper()
	u, err := svc.Register(context.Background(), RegisterCommand{Email: email, Name: "Le Guin", Password: "earthsea-1968"})
	require.NoError(t, err)
	return u
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	u := register(t, svc, "ursula@example.com")
	assert.Equal(t, []access.Role{access.RoleMember}, u.Roles)
	assert.Equal(t, store.StatusNormal, u.Status)
	assert.NotEmpty(t, u.PasswordHash)
	assert.NotEqual(t, "earthsea-1968", u.PasswordHash)

	_, err := svc.Register(ctx, RegisterCommand{Email: "URSULA@example.com", Name: "Again", Password: "earthsea-1968"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	admin, err := svc.Register(ctx, RegisterCommand{Email: "admin@example.com", Name: "Admin", Password: "long-enough", Roles: []access.Role{"ADMIN"}})
	require.NoError(t, err)
	assert.Equal(t, []access.Role{access.RoleMember, access.RoleAdmin}, admin.Roles)

	for _, cmd := range []RegisterCommand{
		{Email: "not-an-email", Name: "x", Password: "long-enough"},
		{Email: "a@example.com", Name: " ", Password: "long-enough"},
		{Email: "a@example.com", Name: "x", Password: "short"},
		{Email: "a@example.com", Name: "x", Password: "long-enough", Roles: []access.Role{"librarian"}},
	} {
		_, err := svc.Register(ctx, cmd)
		assert.ErrorIs(t, err, ErrInvalidRegistration)
	}
}

func TestAuthenticateIssuesParsableToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, WithTokenTTL(time.Hour))
	u := register(t, svc, "ursula@example.com")

	session, err := svc.Authenticate(ctx, "ursula@example.com", "earthsea-1968")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, time.Minute)

	p, err := svc.ParseToken(session.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.UserID)
	assert.Equal(t, []access.Role{access.RoleMember}, p.Roles)

	_, err = svc.ParseToken(session.Token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewService(store.NewMemory(), "another-secret")
	_, err = other.ParseToken(session.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	svc, _ := newTestService(t)
	issuer := tokenIssuer{secret: []byte(testSecret), ttl: time.Minute, now: func() time.Time { return time.Now().Add(-time.Hour) }}
	expired, _, err := issuer.issue(store.User{Roles: []access.Role{access.RoleMember}})
	require.NoError(t, err)
	_, err = svc.ParseToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	raw, err := foreign.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = svc.ParseToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLoginLockout(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)
	u := register(t, svc, "ursula@example.com")

	for range MaxLoginAttempts {
		_, err := svc.Authenticate(ctx, u.Email, "wrong-password")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, MaxLoginAttempts, got.LoginAttempts)
	assert.Equal(t, store.StatusNormal, got.Status)

	_, err = svc.Authenticate(ctx, u.Email, "wrong-password")
	assert.ErrorIs(t, err, ErrAccountLocked)

	_, err = svc.Authenticate(ctx, u.Email, "earthsea-1968")
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestSuccessfulLoginResetsAttempts(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)
	u := register(t, svc, "ursula@example.com")

	_, err := svc.Authenticate(ctx, u.Email, "nope-nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	session, err := svc.Authenticate(ctx, u.Email, "earthsea-1968")
	require.NoError(t, err)
	assert.Zero(t, session.User.LoginAttempts)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.LoginAttempts)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "earthsea-1968")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRateLimit(t *testing.T) {
	svc := NewService(store.NewMemory(), testSecret, WithRateLimit(rate.Every(time.Hour), 1))
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "a@example.com", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "a@example.com", "whatever")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestPasswordHashing(t *testing.T) {
	hash, salt, err := hashPassword("correct horse")
	require.NoError(t, err)

	ok, err := verifyPassword("correct horse", salt, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("battery staple", salt, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifyPassword("x", "%%%", hash)
	assert.Error(t, err)
}
