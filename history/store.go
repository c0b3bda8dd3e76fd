// Package history records every reward materialization, successful or not,
// plus the bookkeeping entries that make processing auditable.
package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"questline/core/types"
	"questline/models"
)

// Reward type tags used in history entries. The first four mirror the reward
// kinds a rule can emit; the rest are bookkeeping.
const (
	TypePoints      = "points"
	TypeBadge       = "badge"
	TypeTrophy      = "trophy"
	TypeLevel       = "level"
	TypeTransaction = "transaction"
	TypeTransfer    = "transfer"
	TypeEvaluation  = "evaluation"
	TypeNoMatch     = "no_match"
	TypeFailure     = "processing_failure"
)

// Store persists reward history rows.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Append writes one history entry, filling the id and timestamp when absent.
func (s *Store) Append(ctx context.Context, entry *models.RewardHistory) error {
	if entry.ID == "" {
		entry.ID = types.NewEventID()
	}
	if entry.AwardedAt.IsZero() {
		entry.AwardedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

// ForUser lists a user's history newest first. rewardType narrows the result
// when non-empty.
func (s *Store) ForUser(ctx context.Context, userID, rewardType string, limit int) ([]models.RewardHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if rewardType != "" {
		q = q.Where("reward_type = ?", rewardType)
	}
	var entries []models.RewardHistory
	if err := q.Order("awarded_at DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load history for %s: %w", userID, err)
	}
	return entries, nil
}

// SuccessfulGrants lists a user's successful badge, trophy and level entries
// oldest first, for projection rebuilds.
func (s *Store) SuccessfulGrants(ctx context.Context, userID string) ([]models.RewardHistory, error) {
	var entries []models.RewardHistory
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND success = ? AND reward_type IN ?", userID, true, []string{TypeBadge, TypeTrophy, TypeLevel}).
		Order("awarded_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load grants for %s: %w", userID, err)
	}
	return entries, nil
}

// HasGrant reports whether the user already holds the badge or trophy. Used
// for idempotent granting.
func (s *Store) HasGrant(ctx context.Context, userID, rewardType, rewardID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.RewardHistory{}).
		Where("user_id = ? AND reward_type = ? AND reward_id = ? AND success = ?", userID, rewardType, rewardID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check grant %s/%s: %w", rewardType, rewardID, err)
	}
	return count > 0, nil
}
