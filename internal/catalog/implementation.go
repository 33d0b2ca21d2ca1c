package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bookworm/internal/eventstore"
	"bookworm/internal/store"
)

const aggregateBook = "book"

// Restocker applies a change to a book record while lending is held off
// for that book, so copies added to the catalog reach waiting holds before
// anyone else can check them out.
type Restocker interface {
	Restock(ctx context.Context, bookID uuid.UUID, apply func(*store.Book) error) (store.Book, error)
}

// service implements the Service interface.
type service struct {
	store      store.Store
	eventStore *eventstore.EventStore
	restocker  Restocker
	logger     zerolog.Logger
}

type Option func(*service)

// WithEventStore records catalog changes on each book's event stream.
func WithEventStore(es *eventstore.EventStore) Option {
	return func(s *service) { s.eventStore = es }
}

// WithRestocker routes book updates through r.
func WithRestocker(r Restocker) Option {
	return func(s *service) { s.restocker = r }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// NewService creates a new catalog service instance.
func NewService(st store.Store, opts ...Option) Service {
	s := &service{store: st, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) AddBook(ctx context.Context, cmd AddBookCommand) (store.Book, error) {
	if err := cmd.validate(); err != nil {
		return store.Book{}, err
	}

	b, err := s.store.CreateBook(ctx, store.Book{
		Title:           strings.TrimSpace(cmd.Title),
		Author:          strings.TrimSpace(cmd.Author),
		ISBN:            strings.TrimSpace(cmd.ISBN),
		TotalCopies:     cmd.TotalCopies,
		AvailableCopies: cmd.TotalCopies,
	})
	if err != nil {
		return store.Book{}, fmt.Errorf("failed to create book: %w", err)
	}

	s.record(ctx, b.ID, "BookAdded", BookAddedEvent{
		ID:          b.ID,
		ISBN:        b.ISBN,
		Title:       b.Title,
		Author:      b.Author,
		TotalCopies: b.TotalCopies,
	})
	s.logger.Info().Str("book_id", b.ID.String()).Str("title", b.Title).Int("copies", b.TotalCopies).Msg("book added")
	return b, nil
}

func (s *service) GetBook(ctx context.Context, id uuid.UUID) (store.Book, error) {
	b, err := s.store.GetBook(ctx, id)
	if err != nil {
		return store.Book{}, translate("failed to get book", err)
	}
	return b, nil
}

func (s *service) ListBooks(ctx context.Context) ([]store.Book, error) {
	books, err := s.store.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, cmd UpdateBookCommand) (store.Book, error) {
	if err := cmd.validate(); err != nil {
		return store.Book{}, err
	}

	var copiesChanged bool
	apply := func(b *store.Book) error {
		copiesChanged = false
		if cmd.Title != nil {
			b.Title = strings.TrimSpace(*cmd.Title)
		}
		if cmd.Author != nil {
			b.Author = strings.TrimSpace(*cmd.Author)
		}
		if cmd.ISBN != nil {
			b.ISBN = strings.TrimSpace(*cmd.ISBN)
		}
		if cmd.TotalCopies != nil && *cmd.TotalCopies != b.TotalCopies {
			delta := *cmd.TotalCopies - b.TotalCopies
			if b.AvailableCopies+delta < 0 {
				return ErrCopiesInUse
			}
			b.TotalCopies += delta
			b.AvailableCopies += delta
			copiesChanged = true
		}
		return nil
	}

	var (
		b   store.Book
		err error
	)
	if s.restocker != nil {
		b, err = s.restocker.Restock(ctx, id, apply)
	} else {
		b, err = s.store.UpdateBook(ctx, id, apply)
	}
	if err != nil {
		return store.Book{}, translate("failed to update book", err)
	}

	if copiesChanged {
		s.record(ctx, id, "BookCopiesUpdated", BookCopiesUpdatedEvent{
			ID:           id,
			NewTotal:     b.TotalCopies,
			NewAvailable: b.AvailableCopies,
		})
		s.logger.Info().Str("book_id", id.String()).Int("total", b.TotalCopies).Int("available", b.AvailableCopies).
			Msg("book copies updated")
	}
	return b, nil
}

// RemoveBook deletes a title that nobody has on loan or on hold.
func (s *service) RemoveBook(ctx context.Context, id uuid.UUID) error {
	err := s.store.DeleteBook(ctx, id, func(b store.Book) error {
		if b.AvailableCopies < b.TotalCopies || len(b.HoldQueue) > 0 {
			return ErrBookInUse
		}
		return nil
	})
	if err != nil {
		return translate("failed to remove book", err)
	}
	s.record(ctx, id, "BookRemoved", BookRemovedEvent{ID: id})
	return nil
}

// record appends a catalog event when an event store is configured. The
// catalog change has already happened, so failures are only logged.
func (s *service) record(ctx context.Context, id uuid.UUID, eventType string, data any) {
	if s.eventStore == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event data")
		return
	}
	version, err := s.eventStore.CurrentVersion(ctx, id)
	if err == nil {
		err = s.eventStore.AppendEvents(ctx, id, aggregateBook, version, []eventstore.Event{{
			EventType: eventType,
			EventData: payload,
		}})
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("book_id", id.String()).Str("event", eventType).Msg("failed to append event")
	}
}

func translate(msg string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrBookNotFound
	case errors.Is(err, ErrCopiesInUse), errors.Is(err, ErrBookInUse):
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}
