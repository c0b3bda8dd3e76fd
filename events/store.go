package events

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"questline/core/types"
	"questline/models"
)

// Store wraps the append-only event log. It backs both the durable ingest
// queue and the history-aware condition predicates.
type Store struct {
	db *gorm.DB
}

// NewStore constructs an event store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Insert appends one event row. The caller guarantees a unique id; duplicate
// ids surface as a translated duplicate-key error.
func (s *Store) Insert(ctx context.Context, evt *types.Event) error {
	row := toModel(evt)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	return nil
}

// Get loads one event by id.
func (s *Store) Get(ctx context.Context, id string) (*types.Event, error) {
	var row models.Event
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("load event %s: %w", id, err)
	}
	evt := toDomain(row)
	return &evt, nil
}

// Unprocessed returns events without a processing marker in admission order.
func (s *Store) Unprocessed(ctx context.Context) ([]types.Event, error) {
	var rows []models.Event
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("received_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load unprocessed events: %w", err)
	}
	out := make([]types.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomain(row))
	}
	return out, nil
}

// MarkProcessed sets the processing marker for an event.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", id).
		Updates(map[string]any{"processed": true, "processed_at": &now}).Error
	if err != nil {
		return fmt.Errorf("mark event %s processed: %w", id, err)
	}
	return nil
}

// RecordAttempts persists the retry counter for an event.
func (s *Store) RecordAttempts(ctx context.Context, id string, attempts int) error {
	err := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", id).
		Update("attempts", attempts).Error
	if err != nil {
		return fmt.Errorf("record attempts for event %s: %w", id, err)
	}
	return nil
}

// CountEvents counts a user's events of eventType with occurredAt in
// [since, until], both bounds inclusive. A zero since leaves the window
// open-ended. The excluded id keeps the trigger event out of the count so
// live and dry-run evaluation observe identical history.
func (s *Store) CountEvents(ctx context.Context, userID, eventType string, since, until time.Time, excludeID string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("user_id = ? AND event_type = ?", userID, eventType).
		Where("occurred_at <= ?", until)
	if !since.IsZero() {
		q = q.Where("occurred_at >= ?", since)
	}
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// AnyEventBetween reports whether the user has an event of eventType with
// occurredAt strictly inside (after, before).
func (s *Store) AnyEventBetween(ctx context.Context, userID, eventType string, after, before time.Time, excludeID string) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("user_id = ? AND event_type = ?", userID, eventType).
		Where("occurred_at > ? AND occurred_at < ?", after, before)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var count int64
	if err := q.Limit(1).Count(&count).Error; err != nil {
		return false, fmt.Errorf("scan events between: %w", err)
	}
	return count > 0, nil
}

// AnyEventBefore reports whether the user has an event of eventType strictly
// before the given instant.
func (s *Store) AnyEventBefore(ctx context.Context, userID, eventType string, before time.Time, excludeID string) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("user_id = ? AND event_type = ?", userID, eventType).
		Where("occurred_at < ?", before)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var count int64
	if err := q.Limit(1).Count(&count).Error; err != nil {
		return false, fmt.Errorf("scan events before: %w", err)
	}
	return count > 0, nil
}

// RecentEvents returns up to limit of the user's events with occurredAt no
// later than until, most recent first.
func (s *Store) RecentEvents(ctx context.Context, userID string, until time.Time, limit int, excludeID string) ([]types.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("occurred_at <= ?", until)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var rows []models.Event
	err := q.Order("occurred_at DESC, received_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}
	out := make([]types.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomain(row))
	}
	return out, nil
}

// DeleteOlderThan removes up to batch processed events older than cutoff and
// returns how many rows went away. Reward history is never touched.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if batch <= 0 {
		return 0, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("processed = ? AND occurred_at < ?", true, cutoff).
		Order("occurred_at").
		Limit(batch).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("select expired events: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PendingCount returns the number of unprocessed events.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("processed = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return count, nil
}

func toModel(evt *types.Event) models.Event {
	attrs := models.JSONMap{}
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	return models.Event{
		ID:           evt.ID,
		EventType:    evt.Type,
		UserID:       evt.UserID,
		OccurredAt:   evt.OccurredAt.UTC(),
		Attributes:   attrs,
		CascadeDepth: evt.CascadeDepth,
		ReceivedAt:   evt.ReceivedAt.UTC(),
		Attempts:     evt.Attempts,
	}
}

func toDomain(row models.Event) types.Event {
	attrs := make(map[string]any, len(row.Attributes))
	for k, v := range row.Attributes {
		attrs[k] = v
	}
	return types.Event{
		ID:           row.ID,
		Type:         row.EventType,
		UserID:       row.UserID,
		OccurredAt:   row.OccurredAt,
		Attributes:   attrs,
		CascadeDepth: row.CascadeDepth,
		ReceivedAt:   row.ReceivedAt,
		Attempts:     row.Attempts,
	}
}
