package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"bookworm/internal/access"
	"bookworm/internal/eventstore"
	"bookworm/internal/lending"
	"bookworm/internal/store"
)

func ptr[T any](v T) *T { return &v }

func TestAddBook(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemory())

	b, err := svc.AddBook(ctx, AddBookCommand{Title: " Kindred ", Author: "Octavia E. Butler", ISBN: "978-0807083697", TotalCopies: 3})
	require.NoError(t, err)
	assert.Equal(t, "Kindred", b.Title)
	assert.Equal(t, 3, b.AvailableCopies)
	assert.Empty(t, b.HoldQueue)

	_, err = svc.AddBook(ctx, AddBookCommand{Title: "  ", TotalCopies: 1})
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, err = svc.AddBook(ctx, AddBookCommand{Title: "Negative", TotalCopies: -1})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	got, err := svc.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = svc.GetBook(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrBookNotFound)

	books, err := svc.ListBooks(ctx)
	require.NoError(t, err)
	assert.Len(t, books, 1)
}

func TestUpdateBookShiftsAvailable(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := NewService(s)
	b, err := svc.AddBook(ctx, AddBookCommand{Title: "Parable of the Sower", TotalCopies: 3})
	require.NoError(t, err)

	// Two copies go out on loan.
	_, err = s.UpdateBook(ctx, b.ID, func(b *store.Book) error {
		b.AvailableCopies = 1
		return nil
	})
	require.NoError(t, err)

	updated, err := svc.UpdateBook(ctx, b.ID, UpdateBookCommand{TotalCopies: ptr(5), Author: ptr("Octavia E. Butler")})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.TotalCopies)
	assert.Equal(t, 3, updated.AvailableCopies)
	assert.Equal(t, "Parable of the Sower", updated.Title)
	assert.Equal(t, "Octavia E. Butler", updated.Author)

	updated, err = svc.UpdateBook(ctx, b.ID, UpdateBookCommand{TotalCopies: ptr(2)})
	require.NoError(t, err)
	assert.Equal(t, 0, updated.AvailableCopies)

	_, err = svc.UpdateBook(ctx, b.ID, UpdateBookCommand{TotalCopies: ptr(1)})
	assert.ErrorIs(t, err, ErrCopiesInUse)

	_, err = svc.UpdateBook(ctx, b.ID, UpdateBookCommand{})
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, err = svc.UpdateBook(ctx, b.ID, UpdateBookCommand{Title: ptr("")})
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, err = svc.UpdateBook(ctx, uuid.New(), UpdateBookCommand{Title: ptr("x")})
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestAddedCopiesGoToQueuedHoldsFirst(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	coordinator := lending.New(s)
	svc := NewService(s, WithRestocker(coordinator))

	newMember := func() uuid.UUID {
		u, err := s.CreateUser(ctx, store.User{Email: uuid.NewString() + "@example.com", Roles: []access.Role{access.RoleMember}})
		require.NoError(t, err)
		return u.ID
	}
	reader, first, second, late := newMember(), newMember(), newMember(), newMember()

	b, err := svc.AddBook(ctx, AddBookCommand{Title: "Dawn", TotalCopies: 1})
	require.NoError(t, err)
	_, err = coordinator.CheckOut(ctx, reader, b.ID)
	require.NoError(t, err)
	_, err = coordinator.Hold(ctx, first, b.ID)
	require.NoError(t, err)
	_, err = coordinator.Hold(ctx, second, b.ID)
	require.NoError(t, err)

	updated, err := svc.UpdateBook(ctx, b.ID, UpdateBookCommand{TotalCopies: ptr(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.TotalCopies)
	assert.Equal(t, 0, updated.AvailableCopies)
	assert.Equal(t, []uuid.UUID{second}, updated.HoldQueue)

	holder, err := s.GetUser(ctx, first)
	require.NoError(t, err)
	assert.True(t, holder.HasLoan(b.ID))

	_, err = coordinator.CheckOut(ctx, late, b.ID)
	assert.ErrorIs(t, err, lending.ErrInsufficientCopies)

	// More copies than waiters: the rest go on the shelf.
	updated, err = svc.UpdateBook(ctx, b.ID, UpdateBookCommand{TotalCopies: ptr(4)})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.AvailableCopies)
	assert.Empty(t, updated.HoldQueue)
	holder, err = s.GetUser(ctx, second)
	require.NoError(t, err)
	assert.True(t, holder.HasLoan(b.ID))

	_, err = svc.UpdateBook(ctx, b.ID, UpdateBookCommand{TotalCopies: ptr(0)})
	assert.ErrorIs(t, err, ErrCopiesInUse)
}

func TestRemoveBookRefusesReferencedBooks(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := NewService(s)
	b, err := svc.AddBook(ctx, AddBookCommand{Title: "Dawn", TotalCopies: 1})
	require.NoError(t, err)

	_, err = s.UpdateBook(ctx, b.ID, func(b *store.Book) error {
		b.AvailableCopies = 0
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.RemoveBook(ctx, b.ID), ErrBookInUse)

	_, err = s.UpdateBook(ctx, b.ID, func(b *store.Book) error {
		b.AvailableCopies = 1
		b.HoldQueue = []uuid.UUID{uuid.New()}
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.RemoveBook(ctx, b.ID), ErrBookInUse)

	_, err = s.UpdateBook(ctx, b.ID, func(b *store.Book) error {
		b.HoldQueue = nil
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, svc.RemoveBook(ctx, b.ID))
	assert.ErrorIs(t, svc.RemoveBook(ctx, b.ID), ErrBookNotFound)
}

func TestCatalogEventsRecorded(t *testing.T) {
	ctx := context.Background()
	db, err := sqlx.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	es := eventstore.NewEventStore(db)
	require.NoError(t, es.Migrate(ctx))

	svc := NewService(store.NewMemory(), WithEventStore(es))
	b, err := svc.AddBook(ctx, AddBookCommand{Title: "Wild Seed", TotalCopies: 1})
	require.NoError(t, err)
	_, err = svc.UpdateBook(ctx, b.ID, UpdateBookCommand{TotalCopies: ptr(2)})
	require.NoError(t, err)
	_, err = svc.UpdateBook(ctx, b.ID, UpdateBookCommand{Title: ptr("Wild Seed (reissue)")})
	require.NoError(t, err)
	require.NoError(t, svc.RemoveBook(ctx, b.ID))

	events, err := es.LoadEvents(ctx, b.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "BookAdded", events[0].EventType)
	assert.Equal(t, "BookCopiesUpdated", events[1].EventType)
	assert.Equal(t, "BookRemoved", events[2].EventType)
}
