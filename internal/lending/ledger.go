package lending

import (
	"context"

	"github.com/google/uuid"

	"bookworm/internal/store"
)

// Ledger tracks total and available copies per book. Every call is a fresh
// atomic read-modify-write against the store.
type Ledger struct {
	store store.Store
}

func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// DecrementAvailable takes one copy off the shelf and returns the new
// available count.
func (l *Ledger) DecrementAvailable(ctx context.Context, bookID uuid.UUID) (int, error) {
	b, err := l.decrement(ctx, bookID)
	if err != nil {
		return 0, err
	}
	return b.AvailableCopies, nil
}

// IncrementAvailable puts one copy back on the shelf and returns the new
// available count.
func (l *Ledger) IncrementAvailable(ctx context.Context, bookID uuid.UUID) (int, error) {
	b, err := l.increment(ctx, bookID)
	if err != nil {
		return 0, err
	}
	return b.AvailableCopies, nil
}

func (l *Ledger) Available(ctx context.Context, bookID uuid.UUID) (int, error) {
	b, err := l.store.GetBook(ctx, bookID)
	if err != nil {
		return 0, storeErr("read book", err, ErrBookNotFound, bookID, uuid.Nil)
	}
	return b.AvailableCopies, nil
}

func (l *Ledger) decrement(ctx context.Context, bookID uuid.UUID) (store.Book, error) {
	b, err := l.store.UpdateBook(ctx, bookID, func(b *store.Book) error {
		if b.AvailableCopies <= 0 {
			return newError(ErrInsufficientCopies, bookID, uuid.Nil)
		}
		b.AvailableCopies--
		return nil
	})
	if err != nil {
		return store.Book{}, storeErr("decrement available", err, ErrBookNotFound, bookID, uuid.Nil)
	}
	return b, nil
}

func (l *Ledger) increment(ctx context.Context, bookID uuid.UUID) (store.Book, error) {
	b, err := l.store.UpdateBook(ctx, bookID, func(b *store.Book) error {
		if b.AvailableCopies >= b.TotalCopies {
			return newError(ErrOverCapacity, bookID, uuid.Nil)
		}
		b.AvailableCopies++
		return nil
	})
	if err != nil {
		return store.Book{}, storeErr("increment available", err, ErrBookNotFound, bookID, uuid.Nil)
	}
	return b, nil
}
