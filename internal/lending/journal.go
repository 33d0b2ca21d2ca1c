package lending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"bookworm/internal/eventstore"
)

type EventType string

const (
	EventBookCheckedOut  EventType = "BookCheckedOut"
	EventBookReturned    EventType = "BookReturned"
	EventHoldPlaced      EventType = "HoldPlaced"
	EventHoldTransferred EventType = "HoldTransferred"
)

// Event is an audit record of a completed lending transition.
type Event struct {
	Type       EventType `json:"-"`
	BookID     uuid.UUID `json:"-"`
	UserID     uuid.UUID `json:"user_id"`
	FromUserID uuid.UUID `json:"from_user_id,omitzero"`
	Available  int       `json:"available"`
	QueueLen   int       `json:"queue_len"`
	Position   int       `json:"position,omitempty"`
}

// Journal records lending events. Recording is best effort: a failure is
// logged by the coordinator and never undoes the operation.
type Journal interface {
	Record(ctx context.Context, events ...Event) error
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, ...Event) error { return nil }

const (
	aggregateBook     = "book"
	snapshotInterval  = 50
	journalMaxRetries = 5
)

// EventStoreJournal appends lending events to the book's event stream.
type EventStoreJournal struct {
	es *eventstore.EventStore
}

func NewEventStoreJournal(es *eventstore.EventStore) *EventStoreJournal {
	return &EventStoreJournal{es: es}
}

func (j *EventStoreJournal) Record(ctx context.Context, events ...Event) error {
	byBook := make(map[uuid.UUID][]eventstore.Event)
	var order []uuid.UUID
	latest := make(map[uuid.UUID]Event)
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Type, err)
		}
		if _, seen := byBook[e.BookID]; !seen {
			order = append(order, e.BookID)
		}
		byBook[e.BookID] = append(byBook[e.BookID], eventstore.Event{
			EventType: string(e.Type),
			EventData: data,
		})
		latest[e.BookID] = e
	}

	for _, bookID := range order {
		version, err := j.append(ctx, bookID, byBook[bookID])
		if err != nil {
			return err
		}
		if version/snapshotInterval != (version-len(byBook[bookID]))/snapshotInterval {
			if err := j.snapshot(ctx, bookID, version, latest[bookID]); err != nil {
				return err
			}
		}
	}
	return nil
}

// append writes the batch at the stream's current version, retrying when
// another writer got there first. It returns the new stream version.
func (j *EventStoreJournal) append(ctx context.Context, bookID uuid.UUID, batch []eventstore.Event) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (int, error) {
		current, err := j.es.CurrentVersion(ctx, bookID)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		err = j.es.AppendEvents(ctx, bookID, aggregateBook, current, batch)
		if err != nil {
			if errors.Is(err, eventstore.ErrConcurrencyConflict) {
				return 0, err
			}
			return 0, backoff.Permanent(err)
		}
		return current + len(batch), nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(journalMaxRetries))
}

func (j *EventStoreJournal) snapshot(ctx context.Context, bookID uuid.UUID, version int, last Event) error {
	state, err := json.Marshal(struct {
		Available int `json:"available"`
		QueueLen  int `json:"queue_len"`
	}{last.Available, last.QueueLen})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return j.es.SaveSnapshot(ctx, eventstore.Snapshot{
		AggregateID:   bookID,
		AggregateType: aggregateBook,
		Version:       version,
		State:         state,
	})
}

// RecordedEvent is a journaled lending event with its place in the book's
// stream.
type RecordedEvent struct {
	Event
	Type       EventType `json:"type"`
	Version    int       `json:"version"`
	RecordedAt time.Time `json:"recorded_at"`
}

// HistoryReader returns the journaled lending events of a book, oldest
// first.
type HistoryReader interface {
	History(ctx context.Context, bookID uuid.UUID) ([]RecordedEvent, error)
}

var lendingEventTypes = map[EventType]bool{
	EventBookCheckedOut:  true,
	EventBookReturned:    true,
	EventHoldPlaced:      true,
	EventHoldTransferred: true,
}

// History reads the book's stream and keeps the lending events. Catalog
// events on the same stream are skipped.
func (j *EventStoreJournal) History(ctx context.Context, bookID uuid.UUID) ([]RecordedEvent, error) {
	stored, err := j.es.LoadEvents(ctx, bookID, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]RecordedEvent, 0, len(stored))
	for _, s := range stored {
		typ := EventType(s.EventType)
		if !lendingEventTypes[typ] {
			continue
		}
		var e Event
		if err := json.Unmarshal(s.EventData, &e); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", s.ID, err)
		}
		e.Type = typ
		e.BookID = bookID
		out = append(out, RecordedEvent{Event: e, Type: typ, Version: s.Version, RecordedAt: s.CreatedAt})
	}
	return out, nil
}
