package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/event"
)

// EventStore implements event.Store backed by Postgres.
type EventStore struct {
	db    sqlx.ExtContext
	clock clock.Clock
}

// NewEventStore returns a new EventStore.
func NewEventStore(db *sqlx.DB, clk clock.Clock) *EventStore {
	return &EventStore{db: db, clock: clk}
}

// Append inserts events. Outside a transaction the batch gets its own one.
func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.insert(ctx, tx, events); err != nil {
			return err
		}
		return tx.Commit()
	}
	return s.insert(ctx, s.db, events)
}

func (s *EventStore) insert(ctx context.Context, db sqlx.ExtContext, events []event.Event) error {
	now := s.clock.Now().UTC()
	for i := range events {
		e := &events[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if len(e.Data) == 0 {
			e.Data = []byte(`{}`)
		}
		e.CreatedAt = now
		_, err := db.ExecContext(ctx,
			`INSERT INTO auction_events (id, aggregate_id, type, trigger, external_ref, data, version, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.AggregateID, e.Type, e.Trigger, e.ExternalRef, []byte(e.Data), e.Version, e.CreatedAt,
		)
		if err != nil {
			return translate(err, fmt.Sprintf("inserting event (aggregate=%s, version=%d)", e.AggregateID, e.Version))
		}
	}
	return nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	var events []event.Event
	err := sqlx.SelectContext(ctx, s.db, &events,
		`SELECT id, aggregate_id, type, trigger, external_ref, data, version, created_at
		 FROM auction_events WHERE aggregate_id = $1 ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}

func (s *EventStore) LoadByType(ctx context.Context, eventType event.Type) ([]event.Event, error) {
	var events []event.Event
	err := sqlx.SelectContext(ctx, s.db, &events,
		`SELECT id, aggregate_id, type, trigger, external_ref, data, version, created_at
		 FROM auction_events WHERE type = $1 ORDER BY created_at ASC`, eventType)
	if err != nil {
		return nil, fmt.Errorf("loading events by type: %w", err)
	}
	return events, nil
}

func (s *EventStore) HasExternalRef(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.db, &exists,
		`SELECT EXISTS (SELECT 1 FROM auction_events WHERE external_ref = $1)`, ref)
	if err != nil {
		return false, fmt.Errorf("checking event ref: %w", err)
	}
	return exists, nil
}
