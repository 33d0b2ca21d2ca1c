package lending

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"bookworm/internal/store"
)

// HoldQueue is the FIFO of users waiting for a copy of a book. It lives on
// the book record so queue changes and copy counts update together.
type HoldQueue struct {
	store store.Store
}

func NewHoldQueue(s store.Store) *HoldQueue {
	return &HoldQueue{store: s}
}

type enqueueOptions struct {
	requireExhausted bool
}

// EnqueueOption adjusts Enqueue.
type EnqueueOption func(*enqueueOptions)

// RequireExhausted rejects the enqueue with ErrCopiesAvailableUseCheckout
// unless the book has no available copies at the time of the write.
func RequireExhausted() EnqueueOption {
	return func(o *enqueueOptions) { o.requireExhausted = true }
}

// Enqueue appends userID to the tail and returns its 1-based position.
func (q *HoldQueue) Enqueue(ctx context.Context, bookID, userID uuid.UUID, opts ...EnqueueOption) (int, error) {
	b, err := q.enqueue(ctx, bookID, userID, opts...)
	if err != nil {
		return 0, err
	}
	return len(b.HoldQueue), nil
}

func (q *HoldQueue) enqueue(ctx context.Context, bookID, userID uuid.UUID, opts ...EnqueueOption) (store.Book, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	b, err := q.store.UpdateBook(ctx, bookID, func(b *store.Book) error {
		if slices.Contains(b.HoldQueue, userID) {
			return newError(ErrAlreadyQueued, bookID, userID)
		}
		if o.requireExhausted && b.AvailableCopies > 0 {
			return newError(ErrCopiesAvailableUseCheckout, bookID, userID)
		}
		b.HoldQueue = append(b.HoldQueue, userID)
		return nil
	})
	if err != nil {
		return store.Book{}, storeErr("enqueue hold", err, ErrBookNotFound, bookID, userID)
	}
	return b, nil
}

// DequeueFront removes and returns the oldest entry. ok is false when the
// queue is empty.
func (q *HoldQueue) DequeueFront(ctx context.Context, bookID uuid.UUID) (userID uuid.UUID, ok bool, err error) {
	_, userID, ok, err = q.dequeue(ctx, bookID)
	return userID, ok, err
}

func (q *HoldQueue) dequeue(ctx context.Context, bookID uuid.UUID) (b store.Book, userID uuid.UUID, ok bool, err error) {
	b, err = q.store.UpdateBook(ctx, bookID, func(b *store.Book) error {
		userID, ok = uuid.Nil, false
		if len(b.HoldQueue) == 0 {
			return nil
		}
		userID, ok = b.HoldQueue[0], true
		b.HoldQueue = slices.Delete(b.HoldQueue, 0, 1)
		return nil
	})
	if err != nil {
		return store.Book{}, uuid.Nil, false, storeErr("dequeue hold", err, ErrBookNotFound, bookID, uuid.Nil)
	}
	return b, userID, ok, nil
}

// claim takes a shelved copy for the head of the queue in one update. ok is
// false when the queue is empty or nothing is on the shelf.
func (q *HoldQueue) claim(ctx context.Context, bookID uuid.UUID) (b store.Book, userID uuid.UUID, ok bool, err error) {
	b, err = q.store.UpdateBook(ctx, bookID, func(b *store.Book) error {
		userID, ok = uuid.Nil, false
		if len(b.HoldQueue) == 0 || b.AvailableCopies == 0 {
			return nil
		}
		userID, ok = b.HoldQueue[0], true
		b.HoldQueue = slices.Delete(b.HoldQueue, 0, 1)
		b.AvailableCopies--
		return nil
	})
	if err != nil {
		return store.Book{}, uuid.Nil, false, storeErr("claim copy for hold", err, ErrBookNotFound, bookID, uuid.Nil)
	}
	return b, userID, ok, nil
}

func (q *HoldQueue) Position(ctx context.Context, bookID, userID uuid.UUID) (int, error) {
	b, err := q.store.GetBook(ctx, bookID)
	if err != nil {
		return 0, storeErr("read book", err, ErrBookNotFound, bookID, userID)
	}
	i := slices.Index(b.HoldQueue, userID)
	if i < 0 {
		return 0, newError(ErrNotQueued, bookID, userID)
	}
	return i + 1, nil
}

// Remove deletes userID from the queue wherever it stands.
func (q *HoldQueue) Remove(ctx context.Context, bookID, userID uuid.UUID) error {
	_, err := q.store.UpdateBook(ctx, bookID, func(b *store.Book) error {
		i := slices.Index(b.HoldQueue, userID)
		if i < 0 {
			return newError(ErrNotQueued, bookID, userID)
		}
		b.HoldQueue = slices.Delete(b.HoldQueue, i, i+1)
		return nil
	})
	if err != nil {
		return storeErr("remove hold", err, ErrBookNotFound, bookID, userID)
	}
	return nil
}

// Restore puts a dequeued user back at the head. Used to undo a dequeue
// whose transfer could not complete.
func (q *HoldQueue) Restore(ctx context.Context, bookID, userID uuid.UUID) error {
	_, err := q.store.UpdateBook(ctx, bookID, func(b *store.Book) error {
		if slices.Contains(b.HoldQueue, userID) {
			return newError(ErrAlreadyQueued, bookID, userID)
		}
		b.HoldQueue = slices.Insert(b.HoldQueue, 0, userID)
		return nil
	})
	if err != nil {
		return storeErr("restore hold", err, ErrBookNotFound, bookID, userID)
	}
	return nil
}
