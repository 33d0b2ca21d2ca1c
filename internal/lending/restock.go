package lending

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"bookworm/internal/store"
)

// Restock applies a catalog change to bookID under the book lock, then
// hands any copies now on the shelf to queued holds, oldest first. Errors
// from apply and from the store are returned unchanged. Once the change is
// stored it stands; a hand-off that fails leaves the rest of the queue
// waiting and is only logged.
func (c *Coordinator) Restock(ctx context.Context, bookID uuid.UUID, apply func(*store.Book) error) (store.Book, error) {
	ctx, span := c.start(ctx, "lending.restock", uuid.Nil, bookID)
	// Refusals from apply belong to the caller and are not lending failures.
	var failure error
	defer func() { c.finish(ctx, span, "restock", failure) }()

	releaseBook, err := c.lock(ctx, c.bookLocks, bookID, uuid.Nil, bookID)
	if err != nil {
		failure = err
		return store.Book{}, err
	}
	defer releaseBook()

	var refused error
	b, err := c.store.UpdateBook(ctx, bookID, func(b *store.Book) error {
		refused = apply(b)
		return refused
	})
	if err != nil {
		if refused == nil {
			failure = storeErr("restock", err, ErrBookNotFound, bookID, uuid.Nil)
		}
		return store.Book{}, err
	}
	if b.AvailableCopies == 0 || len(b.HoldQueue) == 0 {
		return b, nil
	}
	return c.dispatchHolds(context.WithoutCancel(ctx), b), nil
}

// dispatchHolds gives shelved copies to queue heads until one side runs
// out. Heads that cannot take a copy are dropped as on return.
func (c *Coordinator) dispatchHolds(ctx context.Context, b store.Book) store.Book {
	log := c.logger.With().Str("book_id", b.ID.String()).Logger()
	for {
		next, head, ok, err := c.holds.claim(ctx, b.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to claim restocked copy for hold")
			return b
		}
		if !ok {
			return next
		}
		b = next

		err = c.grant(ctx, head, b.ID)
		if err == nil {
			c.metrics.transfers.Add(ctx, 1)
			log.Info().Str("to_user_id", head.String()).Msg("restocked copy transferred to hold queue head")
			c.record(ctx, Event{
				Type:      EventHoldTransferred,
				BookID:    b.ID,
				UserID:    head,
				Available: b.AvailableCopies,
				QueueLen:  len(b.HoldQueue),
			})
			continue
		}

		skip := errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrLoanLimitExceeded) || errors.Is(err, ErrAlreadyCheckedOut)
		if skip {
			log.Info().Err(err).Str("user_id", head.String()).Msg("dropping hold: queue head cannot take the copy")
			c.metrics.skipped.Add(ctx, 1)
		} else {
			log.Error().Err(err).Str("user_id", head.String()).Msg("stopped handing restocked copies to holds")
			if rerr := c.holds.Restore(ctx, b.ID, head); rerr != nil {
				log.Error().Err(rerr).Str("user_id", head.String()).Msg("failed to restore hold after aborted transfer")
			}
		}
		shelved, ierr := c.ledger.increment(ctx, b.ID)
		if ierr != nil {
			log.Error().Err(ierr).Msg("failed to shelve copy after aborted transfer")
			return b
		}
		b = shelved
		if !skip {
			return b
		}
	}
}
