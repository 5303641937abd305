package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

const eventColumns = `
	id, tenant_id, event_type, entity_type, entity_id, source,
	occurred_at, received_at, payload, dedupe_key, processed,
	created_at, updated_at`

// InsertEvent persists a new event. The unique index on
// (tenant_id, dedupe_key) surfaces duplicates as ErrDuplicateEvent.
func (s *Store) InsertEvent(ctx context.Context, evt *event.Event) error {
	payload, err := marshalJSON(evt.Payload)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sequent_events (
			id, tenant_id, event_type, entity_type, entity_id, source,
			occurred_at, received_at, payload, dedupe_key, processed,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		evt.ID.String(), evt.TenantID, string(evt.Type), evt.EntityType,
		evt.EntityID, evt.Source, evt.OccurredAt, evt.ReceivedAt,
		payload, evt.DedupeKey, evt.Processed,
		evt.CreatedAt, evt.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return sequent.ErrDuplicateEvent
		}
		return fmt.Errorf("sequent/postgres: insert event: %w", err)
	}
	return nil
}

// GetEventByDedupeKey retrieves an event by its tenant-scoped dedupe key.
func (s *Store) GetEventByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*event.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM sequent_events
		WHERE tenant_id = $1 AND dedupe_key = $2`,
		tenantID, dedupeKey,
	)

	evt, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrEventNotFound
		}
		return nil, fmt.Errorf("sequent/postgres: get event by dedupe key: %w", err)
	}
	return evt, nil
}

// ListEventsInWindow returns matching events with OccurredAt inside the
// trailing window, oldest first.
func (s *Store) ListEventsInWindow(ctx context.Context, tenantID, entityID string, eventType event.Type, window time.Duration) ([]*event.Event, error) {
	cutoff := time.Now().UTC().Add(-window)

	query := `
		SELECT ` + eventColumns + `
		FROM sequent_events
		WHERE tenant_id = $1 AND entity_id = $2 AND occurred_at >= $3`
	args := []any{tenantID, entityID, cutoff}
	if eventType != "" {
		query += ` AND event_type = $4`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY occurred_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/postgres: list events in window: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// MarkEventProcessed flips the Processed flag to true.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID id.EventID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sequent_events
		SET processed = TRUE, updated_at = NOW()
		WHERE id = $1`,
		eventID.String(),
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sequent.ErrEventNotFound
	}
	return nil
}

// ListUnprocessedEvents returns unprocessed events, oldest first.
func (s *Store) ListUnprocessedEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM sequent_events
		WHERE processed = FALSE
		ORDER BY received_at ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/postgres: list unprocessed events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// scanEvent scans a single event row.
func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		evt     event.Event
		idStr   string
		typeStr string
		payload []byte
	)
	err := row.Scan(
		&idStr, &evt.TenantID, &typeStr, &evt.EntityType, &evt.EntityID,
		&evt.Source, &evt.OccurredAt, &evt.ReceivedAt, &payload,
		&evt.DedupeKey, &evt.Processed, &evt.CreatedAt, &evt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	evt.Type = event.Type(typeStr)
	if err := unmarshalJSON(payload, &evt.Payload); err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseEventID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/postgres: parse event id %q: %w", idStr, parseErr)
	}
	evt.ID = parsedID

	return &evt, nil
}

func collectEvents(rows pgx.Rows) ([]*event.Event, error) {
	var events []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sequent/postgres: scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/postgres: iterate events: %w", err)
	}
	return events, nil
}
