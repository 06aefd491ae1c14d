package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Event is a recorded change to one aggregate (a book, a member or a loan)
type Event struct {
	ID            int64                  `json:"id" db:"id"`
	AggregateID   uuid.UUID              `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type" db:"aggregate_type"`
	EventType     string                 `json:"event_type" db:"event_type"`
	EventData     jsoniter.RawMessage    `json:"event_data" db:"event_data"`
	Metadata      map[string]interface{} `json:"metadata" db:"-"`
	Version       int                    `json:"version" db:"version"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// NewEvent marshals data into an event of the given type.
func NewEvent(eventType string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{EventType: eventType, EventData: raw}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}

// Store is an append-only log with optimistic concurrency per aggregate.
// Appends made with a ctx that carries a unit of work commit with it.
type Store interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error)
	GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
	StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error)
}

// Append adds events after whatever the aggregate already holds. Callers run
// it inside a unit of work so the version read and the append are atomic.
func Append(ctx context.Context, s Store, aggregateID uuid.UUID, aggregateType string, events ...Event) error {
	version, err := s.GetCurrentVersion(ctx, aggregateID)
	if err != nil {
		return err
	}
	return s.AppendEvents(ctx, aggregateID, aggregateType, version, events)
}
