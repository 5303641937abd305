package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

const eventColumns = `
	id, tenant_id, event_type, entity_type, entity_id, source,
	occurred_at, received_at, payload, dedupe_key, processed,
	created_at, updated_at`

// InsertEvent persists a new event, enforcing per-tenant dedupe-key
// uniqueness.
func (s *Store) InsertEvent(ctx context.Context, evt *event.Event) error {
	var payload []byte
	if evt.Payload != nil {
		var err error
		payload, err = json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("sequent/sqlite: marshal payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequent_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID.String(), evt.TenantID, string(evt.Type), evt.EntityType,
		evt.EntityID, evt.Source, evt.OccurredAt, evt.ReceivedAt,
		payload, evt.DedupeKey, evt.Processed,
		evt.CreatedAt, evt.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return sequent.ErrDuplicateEvent
		}
		return fmt.Errorf("sequent/sqlite: insert event: %w", err)
	}
	return nil
}

// GetEventByDedupeKey retrieves an event by its tenant-scoped dedupe key.
func (s *Store) GetEventByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM sequent_events
		WHERE tenant_id = ? AND dedupe_key = ?`,
		tenantID, dedupeKey,
	)

	evt, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrEventNotFound
		}
		return nil, fmt.Errorf("sequent/sqlite: get event by dedupe key: %w", err)
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
		WHERE tenant_id = ? AND entity_id = ? AND occurred_at >= ?`
	args := []any{tenantID, entityID, cutoff}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY occurred_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/sqlite: list events in window: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// MarkEventProcessed flips the Processed flag to true.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID id.EventID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequent_events
		SET processed = 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), eventID.String(),
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: mark event processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sequent.ErrEventNotFound
	}
	return nil
}

// ListUnprocessedEvents returns unprocessed events, oldest first.
func (s *Store) ListUnprocessedEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM sequent_events
		WHERE processed = 0
		ORDER BY received_at ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/sqlite: list unprocessed events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
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
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return nil, fmt.Errorf("sequent/sqlite: unmarshal payload: %w", err)
		}
	}

	parsedID, parseErr := id.ParseEventID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/sqlite: parse event id %q: %w", idStr, parseErr)
	}
	evt.ID = parsedID

	return &evt, nil
}

func collectEvents(rows *sql.Rows) ([]*event.Event, error) {
	var events []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sequent/sqlite: scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/sqlite: iterate events: %w", err)
	}
	return events, nil
}
