package catalog

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookworm/internal/access"
	"bookworm/internal/store"
)

func newCatalogRouter() chi.Router {
	r := chi.NewRouter()
	r.Route("/catalog", NewHandler(NewService(store.NewMemory())).Routes)
	return r
}

func send(t *testing.T, r http.Handler, method, path string, body any, p *access.Principal) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if p != nil {
		req = req.WithContext(access.WithPrincipal(req.Context(), *p))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCatalogHandlerAccessPolicy(t *testing.T) {
	r := newCatalogRouter()
	admin := &access.Principal{UserID: uuid.New(), Roles: []access.Role{access.RoleAdmin}}
	member := &access.Principal{UserID: uuid.New(), Roles: []access.Role{access.RoleMember}}
	cmd := AddBookCommand{Title: "Lilith's Brood", TotalCopies: 2}

	rec := send(t, r, http.MethodPost, "/catalog/books", cmd, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = send(t, r, http.MethodPost, "/catalog/books", cmd, member)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = send(t, r, http.MethodPost, "/catalog/books", cmd, admin)
	require.Equal(t, http.StatusCreated, rec.Code)
	var b store.Book
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&b))
	assert.Equal(t, 2, b.AvailableCopies)

	rec = send(t, r, http.MethodGet, "/catalog/books/"+b.ID.String(), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = send(t, r, http.MethodGet, "/catalog/books", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var books []store.Book
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&books))
	assert.Len(t, books, 1)

	rec = send(t, r, http.MethodPatch, "/catalog/books/"+b.ID.String(), map[string]any{"total_copies": 4}, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&b))
	assert.Equal(t, 4, b.AvailableCopies)

	rec = send(t, r, http.MethodPatch, "/catalog/books/"+b.ID.String(), map[string]any{"available_copies": 9}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(t, r, http.MethodDelete, "/catalog/books/"+b.ID.String(), nil, member)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = send(t, r, http.MethodDelete, "/catalog/books/"+b.ID.String(), nil, admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = send(t, r, http.MethodGet, "/catalog/books/"+b.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCatalogHandlerValidation(t *testing.T) {
	r := newCatalogRouter()
	admin := &access.Principal{UserID: uuid.New(), Roles: []access.Role{access.RoleAdmin}}

	rec := send(t, r, http.MethodPost, "/catalog/books", AddBookCommand{TotalCopies: 1}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(t, r, http.MethodGet, "/catalog/books/nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
