package lending

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bookworm/internal/store"
)

const DefaultLockTimeout = 5 * time.Second

// CheckoutResult is the state after a successful checkout.
type CheckoutResult struct {
	Book store.Book `json:"book"`
	User store.User `json:"user"`
}

// Transfer notes that a returned copy went straight to a waiting user.
type Transfer struct {
	UserID uuid.UUID `json:"user_id"`
}

type ReturnResult struct {
	Book     store.Book `json:"book"`
	User     store.User `json:"user"`
	Transfer *Transfer  `json:"transfer,omitempty"`
	// Skipped lists queue heads dropped because they could no longer take
	// the copy.
	Skipped []uuid.UUID `json:"skipped_holds,omitempty"`
}

type HoldResult struct {
	Book     store.Book `json:"book"`
	Position int        `json:"position"`
}

// Coordinator runs the checkout, return and hold transitions. Operations on
// the same book are serialised by a per-book lock; loan-set changes also
// take a per-user lock. Lock order is always book then user, and at most
// one user lock is held at a time.
type Coordinator struct {
	store     store.Store
	ledger    *Ledger
	loans     *LoanSet
	holds     *HoldQueue
	bookLocks *keyedLocks
	userLocks *keyedLocks
	journal   Journal
	logger    zerolog.Logger
	tracer    trace.Tracer
	metrics   instruments

	loanLimit   int
	lockTimeout time.Duration
}

type Option func(*Coordinator)

func WithLoanLimit(n int) Option {
	return func(c *Coordinator) { c.loanLimit = n }
}

// WithLockTimeout bounds how long an operation waits for a book or user
// lock before failing with ErrLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTimeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		if j != nil {
			c.journal = j
		}
	}
}

func New(s store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       s,
		journal:     nopJournal{},
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer("bookworm/lending"),
		metrics:     newInstruments(),
		loanLimit:   DefaultLoanLimit,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ledger = NewLedger(s)
	c.loans = NewLoanSet(s, c.loanLimit)
	c.holds = NewHoldQueue(s)
	c.bookLocks = newKeyedLocks(c.lockTimeout)
	c.userLocks = newKeyedLocks(c.lockTimeout)
	return c
}

func (c *Coordinator) LoanLimit() int { return c.loans.Limit() }

// CheckOut lends one copy of bookID to userID.
func (c *Coordinator) CheckOut(ctx context.Context, userID, bookID uuid.UUID) (res CheckoutResult, err error) {
	ctx, span := c.start(ctx, "lending.checkout", userID, bookID)
	defer func() { c.finish(ctx, span, "checkout", err) }()

	releaseBook, err := c.lock(ctx, c.bookLocks, bookID, userID, bookID)
	if err != nil {
		return res, err
	}
	defer releaseBook()
	if _, err := c.Book(ctx, bookID); err != nil {
		return res, err
	}

	releaseUser, err := c.lock(ctx, c.userLocks, userID, userID, bookID)
	if err != nil {
		return res, err
	}
	defer releaseUser()
	u, err := c.user(ctx, userID, bookID)
	if err != nil {
		return res, err
	}
	// Reject before touching the ledger so a refused checkout leaves no trace.
	if err := c.loans.check(u, bookID); err != nil {
		return res, err
	}

	b, err := c.ledger.decrement(ctx, bookID)
	if err != nil {
		return res, err
	}
	u, err = c.loans.AddLoan(ctx, userID, bookID)
	if err != nil {
		c.compensateCheckout(ctx, userID, bookID, err)
		return res, err
	}

	// A waiting user who takes a copy directly no longer needs the hold.
	if slices.Contains(b.HoldQueue, userID) {
		detached := context.WithoutCancel(ctx)
		if err := c.holds.Remove(detached, bookID, userID); err != nil {
			c.logger.Warn().Err(err).
				Str("book_id", bookID.String()).
				Str("user_id", userID.String()).
				Msg("failed to drop hold after direct checkout")
		} else if fresh, err := c.store.GetBook(detached, bookID); err == nil {
			b = fresh
		}
	}

	c.record(ctx, Event{
		Type:      EventBookCheckedOut,
		BookID:    bookID,
		UserID:    userID,
		Available: b.AvailableCopies,
		QueueLen:  len(b.HoldQueue),
	})
	return CheckoutResult{Book: b, User: u}, nil
}

func (c *Coordinator) compensateCheckout(ctx context.Context, userID, bookID uuid.UUID, cause error) {
	// The caller may already be gone; the copy must go back regardless.
	detached := context.WithoutCancel(ctx)
	log := c.logger.With().
		Str("book_id", bookID.String()).
		Str("user_id", userID.String()).
		AnErr("cause", cause).
		Logger()

	log.Warn().Msg("compensating for failed checkout: rolling back available copy")
	if _, err := c.ledger.IncrementAvailable(detached, bookID); err != nil {
		log.Error().Err(err).Msg("failed to compensate available copy")
	}
}

// Return takes bookID back from userID. If anyone is waiting, the copy goes
// to the head of the hold queue and the available count is left alone.
func (c *Coordinator) Return(ctx context.Context, userID, bookID uuid.UUID) (res ReturnResult, err error) {
	ctx, span := c.start(ctx, "lending.return", userID, bookID)
	defer func() { c.finish(ctx, span, "return", err) }()

	releaseBook, err := c.lock(ctx, c.bookLocks, bookID, userID, bookID)
	if err != nil {
		return res, err
	}
	defer releaseBook()
	if _, err := c.Book(ctx, bookID); err != nil {
		return res, err
	}
	// Membership of bookID in any loan set only changes under the book lock,
	// so this read stays valid until we release it.
	returner, err := c.user(ctx, userID, bookID)
	if err != nil {
		return res, err
	}
	if !returner.HasLoan(bookID) {
		return res, newError(ErrNotCurrentlyCheckedOut, bookID, userID)
	}

	// Past this point the unit is moving; finish even if the caller leaves.
	detached := context.WithoutCancel(ctx)

	b, transfer, skipped, err := c.handOff(detached, userID, bookID)
	if err != nil {
		return res, err
	}

	returner, err = c.removeLoan(detached, userID, bookID)
	if err != nil {
		c.undoHandOff(detached, bookID, transfer, err)
		return res, err
	}

	events := []Event{{
		Type:      EventBookReturned,
		BookID:    bookID,
		UserID:    userID,
		Available: b.AvailableCopies,
		QueueLen:  len(b.HoldQueue),
	}}
	if transfer != nil {
		span.SetAttributes(attribute.String("transfer.user_id", transfer.UserID.String()))
		events = append(events, Event{
			Type:       EventHoldTransferred,
			BookID:     bookID,
			UserID:     transfer.UserID,
			FromUserID: userID,
			Available:  b.AvailableCopies,
			QueueLen:   len(b.HoldQueue),
		})
		c.metrics.transfers.Add(ctx, 1)
		c.logger.Info().
			Str("book_id", bookID.String()).
			Str("from_user_id", userID.String()).
			Str("to_user_id", transfer.UserID.String()).
			Msg("returned copy transferred to hold queue head")
	}
	c.record(ctx, events...)

	return ReturnResult{Book: b, User: returner, Transfer: transfer, Skipped: skipped}, nil
}

// handOff gives the freed unit to the first queued user able to take it,
// or puts it back on the shelf when nobody is waiting. Heads that cannot
// take the copy are dropped from the queue.
func (c *Coordinator) handOff(ctx context.Context, returnerID, bookID uuid.UUID) (store.Book, *Transfer, []uuid.UUID, error) {
	var skipped []uuid.UUID
	for {
		b, head, ok, err := c.holds.dequeue(ctx, bookID)
		if err != nil {
			return store.Book{}, nil, skipped, err
		}
		if !ok {
			b, err := c.ledger.increment(ctx, bookID)
			if err != nil {
				return store.Book{}, nil, skipped, err
			}
			return b, nil, skipped, nil
		}

		err = c.grant(ctx, head, bookID)
		if err == nil {
			return b, &Transfer{UserID: head}, skipped, nil
		}
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrLoanLimitExceeded) || errors.Is(err, ErrAlreadyCheckedOut) {
			c.logger.Info().Err(err).
				Str("book_id", bookID.String()).
				Str("user_id", head.String()).
				Str("returner_id", returnerID.String()).
				Msg("dropping hold: queue head cannot take the copy")
			c.metrics.skipped.Add(ctx, 1)
			skipped = append(skipped, head)
			continue
		}

		if rerr := c.holds.Restore(ctx, bookID, head); rerr != nil {
			c.logger.Error().Err(rerr).
				Str("book_id", bookID.String()).
				Str("user_id", head.String()).
				Msg("failed to restore hold after aborted transfer")
		}
		return store.Book{}, nil, skipped, err
	}
}

func (c *Coordinator) grant(ctx context.Context, userID, bookID uuid.UUID) error {
	release, err := c.lock(ctx, c.userLocks, userID, userID, bookID)
	if err != nil {
		return err
	}
	defer release()
	_, err = c.loans.AddLoan(ctx, userID, bookID)
	return err
}

func (c *Coordinator) removeLoan(ctx context.Context, userID, bookID uuid.UUID) (store.User, error) {
	release, err := c.lock(ctx, c.userLocks, userID, userID, bookID)
	if err != nil {
		return store.User{}, err
	}
	defer release()
	return c.loans.RemoveLoan(ctx, userID, bookID)
}

// undoHandOff reverses handOff after the returner's loan could not be
// removed: the recipient gives the copy back and regains the head of the
// queue, or the shelved copy is taken off the shelf again.
func (c *Coordinator) undoHandOff(ctx context.Context, bookID uuid.UUID, transfer *Transfer, cause error) {
	log := c.logger.With().Str("book_id", bookID.String()).AnErr("cause", cause).Logger()
	log.Warn().Msg("compensating for failed return")

	if transfer == nil {
		if _, err := c.ledger.DecrementAvailable(ctx, bookID); err != nil {
			log.Error().Err(err).Msg("failed to compensate available copy")
		}
		return
	}
	if _, err := c.removeLoan(ctx, transfer.UserID, bookID); err != nil {
		log.Error().Err(err).Str("user_id", transfer.UserID.String()).Msg("failed to take back transferred copy")
		return
	}
	if err := c.holds.Restore(ctx, bookID, transfer.UserID); err != nil {
		log.Error().Err(err).Str("user_id", transfer.UserID.String()).Msg("failed to restore hold")
	}
}

// Hold queues userID for bookID. Holds are only accepted while no copy is
// available and never for a book the user already has.
func (c *Coordinator) Hold(ctx context.Context, userID, bookID uuid.UUID) (res HoldResult, err error) {
	ctx, span := c.start(ctx, "lending.hold", userID, bookID)
	defer func() { c.finish(ctx, span, "hold", err) }()

	releaseBook, err := c.lock(ctx, c.bookLocks, bookID, userID, bookID)
	if err != nil {
		return res, err
	}
	defer releaseBook()
	if _, err := c.Book(ctx, bookID); err != nil {
		return res, err
	}
	u, err := c.user(ctx, userID, bookID)
	if err != nil {
		return res, err
	}
	if u.HasLoan(bookID) {
		return res, newError(ErrAlreadyCheckedOut, bookID, userID)
	}

	b, err := c.holds.enqueue(ctx, bookID, userID, RequireExhausted())
	if err != nil {
		return res, err
	}
	position := len(b.HoldQueue)
	span.SetAttributes(attribute.Int("hold.position", position))

	c.record(ctx, Event{
		Type:      EventHoldPlaced,
		BookID:    bookID,
		UserID:    userID,
		Available: b.AvailableCopies,
		QueueLen:  position,
		Position:  position,
	})
	return HoldResult{Book: b, Position: position}, nil
}

// HoldPosition reports userID's 1-based place in bookID's queue.
func (c *Coordinator) HoldPosition(ctx context.Context, userID, bookID uuid.UUID) (int, error) {
	return c.holds.Position(ctx, bookID, userID)
}

func (c *Coordinator) Book(ctx context.Context, bookID uuid.UUID) (store.Book, error) {
	b, err := c.store.GetBook(ctx, bookID)
	if err != nil {
		return store.Book{}, storeErr("read book", err, ErrBookNotFound, bookID, uuid.Nil)
	}
	return b, nil
}

func (c *Coordinator) User(ctx context.Context, userID uuid.UUID) (store.User, error) {
	return c.user(ctx, userID, uuid.Nil)
}

func (c *Coordinator) user(ctx context.Context, userID, bookID uuid.UUID) (store.User, error) {
	u, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return store.User{}, storeErr("read user", err, ErrUserNotFound, bookID, userID)
	}
	return u, nil
}

func (c *Coordinator) lock(ctx context.Context, locks *keyedLocks, key, userID, bookID uuid.UUID) (func(), error) {
	release, err := locks.acquire(ctx, key)
	switch {
	case errors.Is(err, ErrLockTimeout):
		return nil, newError(ErrLockTimeout, bookID, userID)
	case err != nil:
		return nil, fmt.Errorf("wait for lock: %w", err)
	}
	return release, nil
}

func (c *Coordinator) record(ctx context.Context, events ...Event) {
	if err := c.journal.Record(context.WithoutCancel(ctx), events...); err != nil {
		c.logger.Warn().Err(err).
			Str("book_id", events[0].BookID.String()).
			Str("event", string(events[0].Type)).
			Msg("failed to journal lending event")
	}
}

func (c *Coordinator) start(ctx context.Context, name string, userID, bookID uuid.UUID) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("book.id", bookID.String()),
		attribute.String("user.id", userID.String()),
	))
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, op string, err error) {
	c.metrics.observe(ctx, op, err)
	if err != nil {
		kind := KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		switch kind {
		case KindUnexpected:
			c.logger.Error().Err(err).Str("operation", op).Msg("lending operation failed")
		case KindCanceled:
			c.logger.Debug().Err(err).Str("operation", op).Msg("lending operation abandoned by caller")
		}
	}
	span.End()
}
