package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"bookworm/internal/catalog"
	"bookworm/internal/config"
	"bookworm/internal/eventstore"
	"bookworm/internal/lending"
	"bookworm/internal/membership"
	"bookworm/internal/store"
)

// app holds the wired services of one server process.
type app struct {
	store   store.Store
	events  *eventstore.EventStore
	members membership.Service
	catalog catalog.Service
	lending *lending.Coordinator
	history lending.HistoryReader
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, *eventstore.EventStore, error) {
	st, err := store.Open(ctx, cfg.Store, cfg.DatabaseURL,
		store.WithRetry(cfg.RetryAttempts, cfg.RetryBaseDelay),
		store.WithLogger(logger.With().Str("component", "store").Logger()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}

	sqlStore, ok := st.(*store.SQL)
	if !ok {
		return st, nil, nil
	}
	es := eventstore.NewEventStore(sqlStore.DB())
	if err := es.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("migrate event store: %w", err)
	}
	return st, es, nil
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	st, es, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{store: st, events: es}
	a.members = membership.NewService(st, cfg.JWTSecret,
		membership.WithTokenTTL(cfg.TokenTTL),
		membership.WithLogger(logger.With().Str("component", "membership").Logger()),
	)

	catalogOpts := []catalog.Option{catalog.WithLogger(logger.With().Str("component", "catalog").Logger())}
	lendingOpts := []lending.Option{
		lending.WithLoanLimit(cfg.LoanLimit),
		lending.WithLockTimeout(cfg.LockTimeout),
		lending.WithLogger(logger.With().Str("component", "lending").Logger()),
	}
	if es != nil {
		journal := lending.NewEventStoreJournal(es)
		a.history = journal
		catalogOpts = append(catalogOpts, catalog.WithEventStore(es))
		lendingOpts = append(lendingOpts, lending.WithJournal(journal))
	} else {
		logger.Warn().Msg("memory store: lending journal disabled and state is lost on exit")
	}
	a.lending = lending.New(st, lendingOpts...)
	a.catalog = catalog.NewService(st, append(catalogOpts, catalog.WithRestocker(a.lending))...)

	if cfg.AdminEmail != "" {
		if err := a.bootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, logger); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return a, nil
}

// bootstrapAdmin makes sure the configured administrator exists and holds
// the admin role. An account registered under the same email with another
// password is left alone.
func (a *app) bootstrapAdmin(ctx context.Context, email, password string, logger zerolog.Logger) error {
	u, outcome, err := a.members.BootstrapAdmin(ctx, email, password)
	switch {
	case errors.Is(err, membership.ErrInvalidCredentials):
		logger.Warn().Str("email", email).Str("user_id", u.ID.String()).
			Msg("admin email belongs to a member with a different password; not promoted")
		return nil
	case err != nil:
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	logger.Info().Str("email", email).Str("user_id", u.ID.String()).Str("outcome", string(outcome)).Msg("admin account ready")
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}
