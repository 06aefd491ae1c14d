package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kitabu/internal/memdb"
)

// MemoryStore keeps the log in a memdb table, so appends commit together
// with the rest of the unit of work.
type MemoryStore struct {
	db     *memdb.DB
	events *memdb.Table[Event]
	nextID atomic.Int64
}

// NewMemoryStore creates an event store on db.
func NewMemoryStore(db *memdb.DB) *MemoryStore {
	return &MemoryStore{
		db:     db,
		events: memdb.NewTable[Event](db, "events"),
	}
}

func aggregateKey(id uuid.UUID) string {
	return "events.aggregate/" + id.String()
}

func (es *MemoryStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}
	return es.db.RunInTx(ctx, func(ctx context.Context) error {
		current, err := es.GetCurrentVersion(ctx, aggregateID)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return ErrConcurrencyConflict
		}
		for i, event := range events {
			event.ID = es.nextID.Add(1)
			event.AggregateID = aggregateID
			event.AggregateType = aggregateType
			event.Version = expectedVersion + i + 1
			event.CreatedAt = time.Now().UTC()
			if err := es.events.Put(ctx, fmt.Sprintf("%020d", event.ID), event); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCurrentVersion locks the aggregate when called inside a unit of work,
// so a following append cannot race another writer.
func (es *MemoryStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	if memdb.InTx(ctx) {
		if err := es.db.Lock(ctx, aggregateKey(aggregateID)); err != nil {
			return 0, err
		}
	}
	version := 0
	for _, e := range es.events.Scan(ctx, func(e Event) bool { return e.AggregateID == aggregateID }) {
		if e.Version > version {
			version = e.Version
		}
	}
	return version, nil
}

func (es *MemoryStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	events := es.events.Scan(ctx, func(e Event) bool {
		return e.AggregateID == aggregateID &&
			e.Version >= fromVersion &&
			(toVersion <= 0 || e.Version <= toVersion)
	})
	sort.Slice(events, func(i, j int) bool { return events[i].Version < events[j].Version })
	return events, nil
}

func (es *MemoryStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	events := es.events.Scan(ctx, func(e Event) bool { return e.ID > fromID })
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	if batchSize > 0 && len(events) > batchSize {
		events = events[:batchSize]
	}
	return events, nil
}
