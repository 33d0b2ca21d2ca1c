package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"bookworm/internal/access"
	"bookworm/internal/catalog"
	"bookworm/internal/lending"
	"bookworm/internal/membership"
	"bookworm/internal/store"
)

type testServer struct {
	*httptest.Server
	members membership.Service
}

func newTestServer(t *testing.T, pinger Pinger) *testServer {
	t.Helper()
	st := store.NewMemory()
	members := membership.NewService(st, "router-test-secret", membership.WithRateLimit(rate.Inf, 0))
	if pinger == nil {
		pinger = st
	}
	srv := httptest.NewServer(NewRouter(Deps{
		Store:       pinger,
		Members:     members,
		Catalog:     catalog.NewService(st),
		Lending:     lending.New(st),
		Logger:      zerolog.Nop(),
		CORSOrigins: []string{"https://app.example"},
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, members: members}
}

func (s *testServer) token(t *testing.T, email string, roles ...access.Role) string {
	t.Helper()
	ctx := context.Background()
	_, err := s.members.Register(ctx, membership.RegisterCommand{Email: email, Name: email, Password: "password-123", Roles: roles})
	require.NoError(t, err)
	session, err := s.members.Authenticate(ctx, email, "password-123")
	require.NoError(t, err)
	return session.Token
}

func (s *testServer) call(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	var body map[string]string
	assert.Equal(t, http.StatusOK, srv.call(t, http.MethodGet, "/healthz", "", nil, &body))
	assert.Equal(t, "ok", body["status"])

	down := newTestServer(t, failingPinger{})
	assert.Equal(t, http.StatusServiceUnavailable, down.call(t, http.MethodGet, "/healthz", "", nil, nil))
}

func TestLendingFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	admin := srv.token(t, "admin@example.com", access.RoleAdmin)
	alice := srv.token(t, "alice@example.com")
	bob := srv.token(t, "bob@example.com")

	var book store.Book
	require.Equal(t, http.StatusCreated, srv.call(t, http.MethodPost, "/api/v1/catalog/books", admin,
		catalog.AddBookCommand{Title: "The Dispossessed", Author: "Ursula K. Le Guin", TotalCopies: 1}, &book))
	assert.Equal(t, 1, book.AvailableCopies)

	assert.Equal(t, http.StatusForbidden, srv.call(t, http.MethodPost, "/api/v1/catalog/books", alice,
		catalog.AddBookCommand{Title: "Nope", TotalCopies: 1}, nil))

	lendingPath := "/api/v1/lending/books/" + book.ID.String()
	assert.Equal(t, http.StatusUnauthorized, srv.call(t, http.MethodPost, lendingPath+"/checkout", "", nil, nil))

	var checkout lending.CheckoutResult
	require.Equal(t, http.StatusCreated, srv.call(t, http.MethodPost, lendingPath+"/checkout", alice, nil, &checkout))
	assert.Zero(t, checkout.Book.AvailableCopies)

	var problem struct {
		Error struct {
			Kind string `json:"kind"`
			Code string `json:"code"`
		} `json:"error"`
	}
	require.Equal(t, http.StatusConflict, srv.call(t, http.MethodPost, lendingPath+"/checkout", bob, nil, &problem))
	assert.Equal(t, "capacity_violation", problem.Error.Kind)
	assert.Equal(t, "insufficient_copies", problem.Error.Code)

	var hold lending.HoldResult
	require.Equal(t, http.StatusCreated, srv.call(t, http.MethodPost, lendingPath+"/hold", bob, nil, &hold))
	assert.Equal(t, 1, hold.Position)

	var position struct {
		Position int `json:"position"`
	}
	require.Equal(t, http.StatusOK, srv.call(t, http.MethodGet, lendingPath+"/hold", bob, nil, &position))
	assert.Equal(t, 1, position.Position)

	var ret lending.ReturnResult
	require.Equal(t, http.StatusOK, srv.call(t, http.MethodPost, lendingPath+"/return", alice, nil, &ret))
	require.NotNil(t, ret.Transfer)
	assert.Zero(t, ret.Book.AvailableCopies)
	assert.Empty(t, ret.Book.HoldQueue)

	var me store.User
	require.Equal(t, http.StatusOK, srv.call(t, http.MethodGet, "/api/v1/members/me", bob, nil, &me))
	assert.Equal(t, ret.Transfer.UserID, me.ID)
	assert.True(t, me.HasLoan(book.ID))

	assert.Equal(t, http.StatusConflict, srv.call(t, http.MethodDelete, "/api/v1/catalog/books/"+book.ID.String(), admin, nil, nil))
	require.Equal(t, http.StatusOK, srv.call(t, http.MethodPost, lendingPath+"/return", bob, nil, nil))
	assert.Equal(t, http.StatusNoContent, srv.call(t, http.MethodDelete, "/api/v1/catalog/books/"+book.ID.String(), admin, nil, nil))
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, srv.call(t, http.MethodGet, "/api/v2/anything", "", nil, nil))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/catalog/books", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}
