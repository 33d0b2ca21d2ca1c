package lending

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bookworm/internal/access"
	"bookworm/internal/store"
)

func newBook(t testing.TB, s store.Store, copies int) store.Book {
	t.Helper()
	b, err := s.CreateBook(context.Background(), store.Book{
		Title:           "The Left Hand of Darkness",
		TotalCopies:     copies,
		AvailableCopies: copies,
	})
	require.NoError(t, err)
	return b
}

func newUser(t testing.TB, s store.Store) store.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), store.User{
		Email: uuid.NewString() + "@example.com",
		Roles: []access.Role{access.RoleMember},
	})
	require.NoError(t, err)
	return u
}

func mustBook(t testing.TB, s store.Store, id uuid.UUID) store.Book {
	t.Helper()
	b, err := s.GetBook(context.Background(), id)
	require.NoError(t, err)
	return b
}

func mustUser(t testing.TB, s store.Store, id uuid.UUID) store.User {
	t.Helper()
	u, err := s.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

var errInjected = errors.New("injected store failure")

// faultyStore fails user or book updates on demand.
type faultyStore struct {
	store.Store
	failUserUpdates atomic.Int32
	failBookUpdates atomic.Int32
	failUserID      uuid.UUID
}

func (f *faultyStore) UpdateUser(ctx context.Context, id uuid.UUID, fn func(*store.User) error) (store.User, error) {
	if (f.failUserID == uuid.Nil || f.failUserID == id) && f.failUserUpdates.Load() > 0 {
		f.failUserUpdates.Add(-1)
		return store.User{}, errInjected
	}
	return f.Store.UpdateUser(ctx, id, fn)
}

func (f *faultyStore) UpdateBook(ctx context.Context, id uuid.UUID, fn func(*store.Book) error) (store.Book, error) {
	if f.failBookUpdates.Load() > 0 {
		f.failBookUpdates.Add(-1)
		return store.Book{}, errInjected
	}
	return f.Store.UpdateBook(ctx, id, fn)
}

type recordingJournal struct {
	events []Event
	err    error
}

func (j *recordingJournal) Record(_ context.Context, events ...Event) error {
	j.events = append(j.events, events...)
	return j.err
}

func (j *recordingJournal) types() []EventType {
	out := make([]EventType, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.Type)
	}
	return out
}
