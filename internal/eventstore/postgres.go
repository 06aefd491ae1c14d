package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kitabu/internal/storage/postgres"
)

// PostgresStore keeps the log in the events table.
type PostgresStore struct {
	db     *sqlx.DB
	tx     *postgres.Transactor
	tracer trace.Tracer
}

// NewPostgresStore creates an event store on db
func NewPostgresStore(db *sqlx.DB, tx *postgres.Transactor) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tx:     tx,
		tracer: otel.Tracer("kitabu/eventstore"),
	}
}

// AppendEvents atomically appends events with optimistic concurrency control
func (es *PostgresStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	return es.tx.RunInTx(ctx, func(ctx context.Context) error {
		conn := postgres.Conn(ctx, es.db)

		currentVersion, err := es.currentVersion(ctx, conn, aggregateID)
		if err != nil {
			return err
		}

		// Optimistic concurrency check
		if currentVersion != expectedVersion {
			span.SetAttributes(
				attribute.Int("actual.version", currentVersion),
				attribute.Bool("conflict.detected", true),
			)
			return ErrConcurrencyConflict
		}

		for i, event := range events {
			version := expectedVersion + i + 1
			metadataJSON, err := json.Marshal(event.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata %d: %w", i, err)
			}

			ds := postgres.Dialect.Insert("events").Prepared(true).
				Rows(goqu.Record{
					"aggregate_id":   aggregateID,
					"aggregate_type": aggregateType,
					"event_type":     event.EventType,
					"event_data":     string(event.EventData),
					"metadata":       string(metadataJSON),
					"version":        version,
					"created_at":     time.Now().UTC(),
				}).
				Returning("id")

			var eventID int64
			if err := postgres.Get(ctx, conn, &eventID, ds); err != nil {
				// Unique (aggregate_id, version) lost a race
				if _, ok := postgres.UniqueViolation(err); ok {
					return ErrConcurrencyConflict
				}
				return fmt.Errorf("insert event %d: %w", i, err)
			}

			span.AddEvent("event.appended", trace.WithAttributes(
				attribute.Int64("event.id", eventID),
				attribute.Int("event.version", version),
				attribute.String("event.type", event.EventType),
			))
		}

		span.SetAttributes(attribute.Bool("append.success", true))
		return nil
	})
}

func (es *PostgresStore) currentVersion(ctx context.Context, conn sqlx.QueryerContext, aggregateID uuid.UUID) (int, error) {
	ds := postgres.Dialect.From("events").Prepared(true).
		Select(goqu.COALESCE(goqu.MAX("version"), 0)).
		Where(goqu.Ex{"aggregate_id": aggregateID})

	var version int
	if err := postgres.Get(ctx, conn, &version, ds); err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("query current version: %w", err)
	}
	return version, nil
}

// GetCurrentVersion returns the latest version for an aggregate
func (es *PostgresStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
		),
	)
	defer span.End()

	version, err := es.currentVersion(ctx, postgres.Conn(ctx, es.db), aggregateID)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

// LoadEvents retrieves all events for an aggregate with optional version range
func (es *PostgresStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	ds := postgres.Dialect.From("events").Prepared(true).
		Where(goqu.Ex{"aggregate_id": aggregateID}, goqu.C("version").Gte(fromVersion)).
		Order(goqu.C("version").Asc())
	if toVersion > 0 {
		ds = ds.Where(goqu.C("version").Lte(toVersion))
	}

	events, err := es.query(ctx, ds)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// StreamEvents provides a cursor-based event stream for projections
func (es *PostgresStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	ds := postgres.Dialect.From("events").Prepared(true).
		Where(goqu.C("id").Gt(fromID)).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize))

	events, err := es.query(ctx, ds)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func (es *PostgresStore) query(ctx context.Context, ds *goqu.SelectDataset) ([]Event, error) {
	query, args, err := ds.Select(
		"id", "aggregate_id", "aggregate_type", "event_type",
		"event_data", "metadata", "version", "created_at",
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := postgres.Conn(ctx, es.db).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var eventData, metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&eventData,
			&metadataJSON,
			&event.Version,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EventData = eventData

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
