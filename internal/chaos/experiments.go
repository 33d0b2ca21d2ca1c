package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bookworm/internal/catalog"
	"bookworm/internal/clients"
)

type member struct {
	id     uuid.UUID
	client *clients.LendingClient
}

// Lending builds experiments that drive the lending API through a
// LendingClient. Members are provisioned on demand and reused across
// experiments.
type Lending struct {
	client *clients.LendingClient
	admin  *clients.LendingClient
	logger zerolog.Logger

	mu      sync.Mutex
	members []member
}

// NewLending logs in as the catalog administrator used to provision books.
func NewLending(ctx context.Context, client *clients.LendingClient, adminEmail, adminPassword string, logger zerolog.Logger) (*Lending, error) {
	admin, err := retryRateLimited(ctx, func() (*clients.LendingClient, error) {
		c, _, err := client.Login(ctx, adminEmail, adminPassword)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("admin login: %w", err)
	}
	return &Lending{client: client, admin: admin, logger: logger}, nil
}

// RegisterExperiments registers the lending experiments with the engine.
func (l *Lending) RegisterExperiments(e *Engine, concurrency, waiters int, duration time.Duration) {
	e.RegisterExperiment(l.ConcurrentCheckoutExperiment(concurrency, duration))
	e.RegisterExperiment(l.HoldFairnessExperiment(waiters, duration))
}

// InvariantViolations counts catalog books whose available count is outside
// [0, total].
func (l *Lending) InvariantViolations(ctx context.Context) (float64, error) {
	books, err := l.client.ListBooks(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, b := range books {
		if b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies {
			n++
		}
	}
	return float64(n), nil
}

func (l *Lending) invariantMetric() Metric {
	return Metric{
		Name:      "invariant_violations",
		Query:     l.InvariantViolations,
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// ConcurrentCheckoutExperiment fires concurrency simultaneous checkouts at a
// one-copy book.
func (l *Lending) ConcurrentCheckoutExperiment(concurrency int, duration time.Duration) Experiment {
	var (
		bookID    uuid.UUID
		successes atomic.Int64
		refusals  atomic.Int64
		winners   []member
		winnersMu sync.Mutex
	)

	return Experiment{
		Name:       "concurrent-checkout-race-condition",
		Hypothesis: "Exactly one of many simultaneous checkouts of a one-copy book succeeds",
		SteadyState: []Metric{
			l.invariantMetric(),
			{
				Name:      "checkout_successes",
				Query:     func(context.Context) (float64, error) { return float64(successes.Load()), nil },
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
			{
				Name:      "granted_copies",
				Query:     func(ctx context.Context) (float64, error) { return l.granted(ctx, bookID) },
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
		},
		Method: []Action{
			{
				Type:       "provision",
				Target:     "catalog",
				Parameters: map[string]any{"copies": 1, "members": concurrency},
				Execute: func(ctx context.Context) error {
					successes.Store(0)
					refusals.Store(0)
					winners = nil
					b, err := l.admin.AddBook(ctx, catalog.AddBookCommand{Title: "gameday concurrent " + uuid.NewString()[:8], TotalCopies: 1})
					if err != nil {
						return err
					}
					bookID = b.ID
					_, err = l.pool(ctx, concurrency)
					return err
				},
			},
			{
				Type:       "concurrent-requests",
				Target:     "lending",
				Parameters: map[string]any{"concurrency": concurrency},
				Execute: func(ctx context.Context) error {
					members, err := l.pool(ctx, concurrency)
					if err != nil {
						return err
					}
					var (
						wg   sync.WaitGroup
						errs = make(chan error, len(members))
					)
					start := make(chan struct{})
					for _, m := range members {
						wg.Add(1)
						go func() {
							defer wg.Done()
							<-start
							_, err := m.client.CheckOut(ctx, bookID)
							switch {
							case err == nil:
								successes.Add(1)
								winnersMu.Lock()
								winners = append(winners, m)
								winnersMu.Unlock()
							case clients.IsKind(err, "capacity_violation"), clients.IsKind(err, "concurrency_conflict"):
								refusals.Add(1)
							default:
								errs <- err
							}
						}()
					}
					close(start)
					wg.Wait()
					close(errs)

					var all []error
					for err := range errs {
						all = append(all, err)
					}
					l.logger.Info().Int64("successes", successes.Load()).Int64("refusals", refusals.Load()).Msg("concurrent checkouts finished")
					return errors.Join(all...)
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "release",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					var errs []error
					for _, w := range winners {
						if _, err := w.client.Return(ctx, bookID); err != nil {
							errs = append(errs, err)
						}
					}
					return errors.Join(errs...)
				},
			},
			l.removeBook(&bookID),
		},
		Validation: []Assertion{
			{
				Metric:    "checkout_successes",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "exactly one checkout should succeed",
			},
			{
				Metric:    "granted_copies",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "the ledger should show exactly one copy out",
			},
			{
				Metric:    "invariant_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "no book may have available outside [0, total]",
			},
		},
		Duration:    duration,
		BlastRadius: 0.1,
	}
}

// HoldFairnessExperiment queues waiters behind a borrowed one-copy book and
// checks that every return hands the copy to the queue head.
func (l *Lending) HoldFairnessExperiment(waiters int, duration time.Duration) Experiment {
	var (
		bookID     uuid.UUID
		transfers  atomic.Int64
		violations atomic.Int64
		current    *member
	)

	return Experiment{
		Name:       "hold-queue-fairness",
		Hypothesis: "A returned copy always goes to the member at the head of the hold queue",
		SteadyState: []Metric{
			l.invariantMetric(),
			{
				Name:      "fairness_violations",
				Query:     func(context.Context) (float64, error) { return float64(violations.Load()), nil },
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			{
				Name:      "hold_transfers",
				Query:     func(context.Context) (float64, error) { return float64(transfers.Load()), nil },
				Threshold: Threshold{Operator: ">=", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:       "queue",
				Target:     "lending",
				Parameters: map[string]any{"waiters": waiters},
				Execute: func(ctx context.Context) error {
					transfers.Store(0)
					violations.Store(0)
					current = nil
					members, err := l.pool(ctx, waiters+1)
					if err != nil {
						return err
					}
					b, err := l.admin.AddBook(ctx, catalog.AddBookCommand{Title: "gameday fairness " + uuid.NewString()[:8], TotalCopies: 1})
					if err != nil {
						return err
					}
					bookID = b.ID

					holder := members[0]
					if _, err := holder.client.CheckOut(ctx, bookID); err != nil {
						return fmt.Errorf("initial checkout: %w", err)
					}
					current = &holder
					for i, m := range members[1:] {
						res, err := m.client.Hold(ctx, bookID)
						if err != nil {
							return fmt.Errorf("hold %d: %w", i+1, err)
						}
						if res.Position != i+1 {
							violations.Add(1)
						}
					}
					return nil
				},
			},
			{
				Type:   "return-cascade",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					if current == nil {
						return errors.New("no holder to start the cascade")
					}
					members, err := l.pool(ctx, waiters+1)
					if err != nil {
						return err
					}
					for _, next := range members[1:] {
						res, err := current.client.Return(ctx, bookID)
						if err != nil {
							return fmt.Errorf("return: %w", err)
						}
						if res.Transfer == nil {
							violations.Add(1)
							current = nil
							return errors.New("return did not transfer to a waiting member")
						}
						transfers.Add(1)
						if res.Transfer.UserID != next.id {
							violations.Add(1)
							l.logger.Warn().Str("expected", next.id.String()).Str("got", res.Transfer.UserID.String()).Msg("copy skipped the queue head")
						}
						recipient, ok := l.lookup(res.Transfer.UserID)
						if !ok {
							current = nil
							return fmt.Errorf("copy went to unknown member %s", res.Transfer.UserID)
						}
						current = &recipient
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "release",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					if current == nil {
						return nil
					}
					_, err := current.client.Return(ctx, bookID)
					return err
				},
			},
			l.removeBook(&bookID),
		},
		Validation: []Assertion{
			{
				Metric:    "fairness_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "every transfer should go to the queue head",
			},
			{
				Metric:    "hold_transfers",
				Condition: func(v float64) bool { return v == float64(waiters) },
				Message:   "every waiter should receive the copy in turn",
			},
			{
				Metric:    "invariant_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "no book may have available outside [0, total]",
			},
		},
		Duration:    duration,
		BlastRadius: 0.1,
	}
}

func (l *Lending) removeBook(bookID *uuid.UUID) Action {
	return Action{
		Type:   "remove-book",
		Target: "catalog",
		Execute: func(ctx context.Context) error {
			if *bookID == uuid.Nil {
				return nil
			}
			return l.admin.RemoveBook(ctx, *bookID)
		},
	}
}

// granted is the number of copies of bookID currently out.
func (l *Lending) granted(ctx context.Context, bookID uuid.UUID) (float64, error) {
	if bookID == uuid.Nil {
		return 0, nil
	}
	b, err := l.client.GetBook(ctx, bookID)
	if err != nil {
		return 0, err
	}
	return float64(b.TotalCopies - b.AvailableCopies), nil
}

func (l *Lending) lookup(id uuid.UUID) (member, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.members {
		if m.id == id {
			return m, true
		}
	}
	return member{}, false
}

// pool returns the first n provisioned members, registering more as needed.
func (l *Lending) pool(ctx context.Context, n int) ([]member, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.members) < n {
		m, err := l.provision(ctx)
		if err != nil {
			return nil, fmt.Errorf("provision member: %w", err)
		}
		l.members = append(l.members, m)
	}
	return append([]member(nil), l.members[:n]...), nil
}

func (l *Lending) provision(ctx context.Context) (member, error) {
	email := "gameday-" + uuid.NewString() + "@bookworm.test"
	password := uuid.NewString()

	u, err := retryRateLimited(ctx, func() (uuid.UUID, error) {
		u, err := l.client.Register(ctx, email, "Game Day", password)
		return u.ID, err
	})
	if err != nil {
		return member{}, err
	}
	c, err := retryRateLimited(ctx, func() (*clients.LendingClient, error) {
		c, _, err := l.client.Login(ctx, email, password)
		return c, err
	})
	if err != nil {
		return member{}, err
	}
	return member{id: u, client: c}, nil
}

// retryRateLimited retries op while the server answers 429.
func retryRateLimited[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !clients.IsKind(err, "rate_limited") {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(time.Minute))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return v, err
}
