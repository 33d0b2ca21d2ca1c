package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"bookworm/internal/access"
	"bookworm/internal/catalog"
	"bookworm/internal/httpapi"
	"bookworm/internal/lending"
	"bookworm/internal/membership"
	"bookworm/internal/respond"
	"bookworm/internal/store"
)

func tripAfter(n uint32) gobreaker.Settings {
	return gobreaker.Settings{
		Timeout: time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n
		},
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		respond.Error(w, http.StatusInternalServerError, respond.Problem{Kind: "unexpected", Code: "internal", Message: "internal error"})
	}))
	defer srv.Close()

	c := NewLendingClient(srv.URL, WithBreakerSettings(tripAfter(3)))
	for range 3 {
		_, err := c.GetBook(context.Background(), uuid.New())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())

	_, err := c.GetBook(context.Background(), uuid.New())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 3, hits.Load())
}

func TestBreakerIgnoresDomainRefusals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/catalog/books" {
			w.Header().Set("Retry-After", "1")
			respond.Error(w, http.StatusServiceUnavailable, respond.Problem{Kind: "concurrency_conflict", Code: "lock_timeout"})
			return
		}
		respond.Error(w, http.StatusConflict, respond.Problem{Kind: "capacity_violation", Code: "insufficient_copies"})
	}))
	defer srv.Close()

	c := NewLendingClient(srv.URL, WithBreakerSettings(tripAfter(1))).WithToken("t")
	for range 5 {
		_, err := c.CheckOut(context.Background(), uuid.New())
		assert.True(t, IsKind(err, "capacity_violation"))
		assert.True(t, IsCode(err, "insufficient_copies"))

		_, err = c.ListBooks(context.Background())
		assert.True(t, IsKind(err, "concurrency_conflict"))
	}
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}

func TestBearerToken(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		respond.JSON(w, http.StatusOK, store.User{})
	}))
	defer srv.Close()

	base := NewLendingClient(srv.URL + "/")
	_, err := base.WithToken("abc").Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", got.Load())

	_, err = base.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", got.Load())
}

func TestAgainstRouter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	members := membership.NewService(st, "client-test-secret", membership.WithRateLimit(rate.Inf, 0))
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.Deps{
		Store:   st,
		Members: members,
		Catalog: catalog.NewService(st),
		Lending: lending.New(st),
		Logger:  zerolog.Nop(),
	}))
	defer srv.Close()

	_, err := members.Register(ctx, membership.RegisterCommand{Email: "admin@example.com", Name: "Admin", Password: "admin-pass", Roles: []access.Role{access.RoleAdmin}})
	require.NoError(t, err)

	c := NewLendingClient(srv.URL)
	admin, _, err := c.Login(ctx, "admin@example.com", "admin-pass")
	require.NoError(t, err)

	book, err := admin.AddBook(ctx, catalog.AddBookCommand{Title: "Kindred", Author: "Octavia E. Butler", TotalCopies: 1})
	require.NoError(t, err)

	_, err = c.Register(ctx, "dana@example.com", "Dana", "rufus-1815")
	require.NoError(t, err)
	dana, session, err := c.Login(ctx, "dana@example.com", "rufus-1815")
	require.NoError(t, err)
	assert.Equal(t, "dana@example.com", session.User.Email)

	res, err := dana.CheckOut(ctx, book.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Book.AvailableCopies)

	_, err = admin.Hold(ctx, book.ID)
	require.NoError(t, err)
	pos, err := admin.HoldPosition(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	ret, err := dana.Return(ctx, book.ID)
	require.NoError(t, err)
	require.NotNil(t, ret.Transfer)

	got, err := c.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AvailableCopies)

	_, err = dana.Return(ctx, book.ID)
	assert.True(t, IsKind(err, "state_conflict"))

	_, _, err = c.Login(ctx, "dana@example.com", "wrong")
	assert.True(t, IsCode(err, "invalid_credentials"))
}
