package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// InsertEvent persists a new event. A SETNX guard on the dedupe key
// makes duplicate ingestion race-free.
func (s *Store) InsertEvent(ctx context.Context, evt *event.Event) error {
	eID := evt.ID.String()

	claimed, err := s.client.SetNX(ctx, eventDedupeKey(evt.TenantID, evt.DedupeKey), eID, 0).Result()
	if err != nil {
		return fmt.Errorf("sequent/redis: claim dedupe key: %w", err)
	}
	if !claimed {
		return sequent.ErrDuplicateEvent
	}

	blob, err := encode(toEventModel(evt))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, eventKey(eID), blob, 0)
	pipe.ZAdd(ctx, eventsByEntityKey(evt.TenantID, evt.EntityID), goredis.Z{
		Score:  float64(evt.OccurredAt.UnixNano()),
		Member: eID,
	})
	if !evt.Processed {
		pipe.ZAdd(ctx, eventsUnprocessedKey, goredis.Z{
			Score:  float64(evt.ReceivedAt.UnixNano()),
			Member: eID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequent/redis: insert event: %w", err)
	}
	return nil
}

// GetEventByDedupeKey retrieves an event by its tenant-scoped dedupe key.
func (s *Store) GetEventByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*event.Event, error) {
	eID, err := s.client.Get(ctx, eventDedupeKey(tenantID, dedupeKey)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrEventNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get dedupe key: %w", err)
	}
	return s.getEvent(ctx, eID)
}

// ListEventsInWindow returns matching events with OccurredAt inside the
// trailing window, oldest first.
func (s *Store) ListEventsInWindow(ctx context.Context, tenantID, entityID string, eventType event.Type, window time.Duration) ([]*event.Event, error) {
	cutoff := time.Now().UTC().Add(-window)

	ids, err := s.client.ZRangeByScore(ctx, eventsByEntityKey(tenantID, entityID), &goredis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff.UnixNano()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: list events in window: %w", err)
	}

	var events []*event.Event
	for _, eID := range ids {
		evt, getErr := s.getEvent(ctx, eID)
		if getErr != nil {
			if errors.Is(getErr, sequent.ErrEventNotFound) {
				continue
			}
			return nil, getErr
		}
		if eventType != "" && evt.Type != eventType {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// MarkEventProcessed flips the Processed flag to true.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID id.EventID) error {
	evt, err := s.getEvent(ctx, eventID.String())
	if err != nil {
		return err
	}

	evt.Processed = true
	blob, err := encode(toEventModel(evt))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, eventKey(eventID.String()), blob, 0)
	pipe.ZRem(ctx, eventsUnprocessedKey, eventID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequent/redis: mark event processed: %w", err)
	}
	return nil
}

// ListUnprocessedEvents returns unprocessed events, oldest first.
func (s *Store) ListUnprocessedEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	count := int64(limit)
	if limit <= 0 {
		count = -1
	}

	ids, err := s.client.ZRangeByScore(ctx, eventsUnprocessedKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: list unprocessed events: %w", err)
	}

	var events []*event.Event
	for _, eID := range ids {
		evt, getErr := s.getEvent(ctx, eID)
		if getErr != nil {
			if errors.Is(getErr, sequent.ErrEventNotFound) {
				continue
			}
			return nil, getErr
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *Store) getEvent(ctx context.Context, eID string) (*event.Event, error) {
	blob, err := s.client.Get(ctx, eventKey(eID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrEventNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get event: %w", err)
	}

	var m eventModel
	if err := decode(blob, &m); err != nil {
		return nil, err
	}
	return fromEventModel(&m)
}
