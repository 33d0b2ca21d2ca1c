package lending

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"bookworm/internal/access"
	"bookworm/internal/eventstore"
	"bookworm/internal/store"
)

func newEventStoreJournal(t *testing.T) (*EventStoreJournal, *eventstore.EventStore) {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	es := eventstore.NewEventStore(db)
	require.NoError(t, es.Migrate(context.Background()))
	return NewEventStoreJournal(es), es
}

func TestEventStoreJournalRecordsLendingHistory(t *testing.T) {
	ctx := context.Background()
	journal, es := newEventStoreJournal(t)
	s := store.NewMemory()
	c := New(s, WithJournal(journal))
	book := newBook(t, s, 1)
	reader, waiter := newUser(t, s), newUser(t, s)

	_, err := c.CheckOut(ctx, reader.ID, book.ID)
	require.NoError(t, err)
	_, err = c.Hold(ctx, waiter.ID, book.ID)
	require.NoError(t, err)
	_, err = c.Return(ctx, reader.ID, book.ID)
	require.NoError(t, err)

	history, err := journal.History(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, EventBookCheckedOut, history[0].Type)
	assert.Equal(t, reader.ID, history[0].UserID)
	assert.Equal(t, EventHoldPlaced, history[1].Type)
	assert.Equal(t, 1, history[1].Position)
	assert.Equal(t, EventBookReturned, history[2].Type)
	assert.Equal(t, EventHoldTransferred, history[3].Type)
	assert.Equal(t, waiter.ID, history[3].UserID)
	assert.Equal(t, reader.ID, history[3].FromUserID)

	version, err := es.CurrentVersion(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, version)
}

func TestEventStoreJournalSnapshots(t *testing.T) {
	ctx := context.Background()
	journal, es := newEventStoreJournal(t)
	s := store.NewMemory()
	c := New(s, WithJournal(journal))
	book := newBook(t, s, 1)
	u := newUser(t, s)

	for range snapshotInterval / 2 {
		_, err := c.CheckOut(ctx, u.ID, book.ID)
		require.NoError(t, err)
		_, err = c.Return(ctx, u.ID, book.ID)
		require.NoError(t, err)
	}

	snap, err := es.LoadSnapshot(ctx, book.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, snapshotInterval, snap.Version)
	assert.JSONEq(t, `{"available":1,"queue_len":0}`, string(snap.State))
}

func TestHistoryHandler(t *testing.T) {
	ctx := context.Background()
	journal, es := newEventStoreJournal(t)
	s := store.NewMemory()
	c := New(s, WithJournal(journal))
	book := newBook(t, s, 1)
	reader := newUser(t, s)
	_, err := c.CheckOut(ctx, reader.ID, book.ID)
	require.NoError(t, err)
	// Catalog events share the stream and are left out of the history.
	require.NoError(t, es.AppendEvents(ctx, book.ID, aggregateBook, 1, []eventstore.Event{{
		EventType: "BookCopiesUpdated",
		EventData: []byte(`{"new_total":1}`),
	}}))

	r := chi.NewRouter()
	r.Route("/lending", NewHandler(c, WithHistory(journal)).Routes)
	path := "/lending/books/" + book.ID.String() + "/history"
	get := func(p *access.Principal, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if p != nil {
			req = req.WithContext(access.WithPrincipal(req.Context(), *p))
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}
	admin := &access.Principal{UserID: uuid.New(), Roles: []access.Role{access.RoleMember, access.RoleAdmin}}
	member := &access.Principal{UserID: reader.ID, Roles: []access.Role{access.RoleMember}}

	rec := get(admin, path)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []struct {
			Type    EventType `json:"type"`
			UserID  uuid.UUID `json:"user_id"`
			Version int       `json:"version"`
		} `json:"events"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, EventBookCheckedOut, body.Events[0].Type)
	assert.Equal(t, reader.ID, body.Events[0].UserID)
	assert.Equal(t, 1, body.Events[0].Version)

	assert.Equal(t, http.StatusForbidden, get(member, path).Code)
	assert.Equal(t, http.StatusUnauthorized, get(nil, path).Code)
	assert.Equal(t, http.StatusNotFound, get(admin, "/lending/books/"+uuid.NewString()+"/history").Code)

	bare := chi.NewRouter()
	bare.Route("/lending", NewHandler(c).Routes)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(access.WithPrincipal(req.Context(), *admin))
	rec = httptest.NewRecorder()
	bare.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
