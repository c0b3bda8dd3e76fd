// Package state maintains the denormalized per-user projection: point
// balances by category, earned badges and trophies, and current levels. The
// projection is derived data and can be rebuilt from the wallet ledger and
// the reward history at any time.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"questline/catalog"
	"questline/history"
	"questline/models"
	"questline/wallet"
)

// Store reads and mutates user state rows.
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

// Get returns the projection for a user. Unknown users read as an empty
// state rather than an error.
func (s *Store) Get(ctx context.Context, userID string) (*models.UserState, error) {
	var st models.UserState
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return emptyState(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", userID, err)
	}
	normalize(&st)
	return &st, nil
}

// ApplyPoints sets the projected balance for one category.
func (s *Store) ApplyPoints(ctx context.Context, userID, categoryID string, balance int64) error {
	return s.mutate(ctx, userID, func(st *models.UserState) {
		st.PointsByCategory[categoryID] = balance
	})
}

// GrantBadge records a badge in the projection. Granting twice is a no-op.
func (s *Store) GrantBadge(ctx context.Context, userID, badgeID string) error {
	return s.mutate(ctx, userID, func(st *models.UserState) {
		st.BadgeIDs = appendUnique(st.BadgeIDs, badgeID)
	})
}

// GrantTrophy records a trophy in the projection. Granting twice is a no-op.
func (s *Store) GrantTrophy(ctx context.Context, userID, trophyID string) error {
	return s.mutate(ctx, userID, func(st *models.UserState) {
		st.TrophyIDs = appendUnique(st.TrophyIDs, trophyID)
	})
}

// SetLevel records the user's current level for a category.
func (s *Store) SetLevel(ctx context.Context, userID, categoryID, levelID string) error {
	return s.mutate(ctx, userID, func(st *models.UserState) {
		st.LevelsByCategory[categoryID] = levelID
	})
}

func (s *Store) mutate(ctx context.Context, userID string, apply func(*models.UserState)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var st models.UserState
		err := tx.Where("user_id = ?", userID).First(&st).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			st = *emptyState(userID)
		} else if err != nil {
			return fmt.Errorf("load state for %s: %w", userID, err)
		}
		normalize(&st)
		apply(&st)
		st.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&st).Error; err != nil {
			return fmt.Errorf("save state for %s: %w", userID, err)
		}
		return nil
	})
}

// Rebuild recomputes the projection from source data and swaps it in as one
// write. Balances come from the wallet ledger, badges and trophies from
// successful history grants, and levels from the current catalog thresholds.
func (s *Store) Rebuild(ctx context.Context, userID string, wallets *wallet.Store, entries *history.Store, snap *catalog.Snapshot) (*models.UserState, error) {
	sums, err := wallets.LedgerSums(ctx, userID)
	if err != nil {
		return nil, err
	}
	grants, err := entries.SuccessfulGrants(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := emptyState(userID)
	for category, total := range sums {
		st.PointsByCategory[category] = total
	}
	for _, grant := range grants {
		switch grant.RewardType {
		case history.TypeBadge:
			st.BadgeIDs = appendUnique(st.BadgeIDs, grant.RewardID)
		case history.TypeTrophy:
			st.TrophyIDs = appendUnique(st.TrophyIDs, grant.RewardID)
		}
	}
	// Walk the catalog's level categories, not the ledger sums: a user with
	// no transactions in a category still qualifies for levels whose
	// threshold a zero balance meets.
	for category := range snap.Levels {
		if level, ok := snap.LevelFor(category, st.PointsByCategory[category]); ok {
			st.LevelsByCategory[category] = level.ID
		}
	}
	st.UpdatedAt = time.Now().UTC()

	if err := s.db.WithContext(ctx).Save(st).Error; err != nil {
		return nil, fmt.Errorf("save rebuilt state for %s: %w", userID, err)
	}
	return st, nil
}

func emptyState(userID string) *models.UserState {
	return &models.UserState{
		UserID:           userID,
		PointsByCategory: models.Int64Map{},
		BadgeIDs:         models.StringList{},
		TrophyIDs:        models.StringList{},
		LevelsByCategory: models.StringMap{},
	}
}

func normalize(st *models.UserState) {
	if st.PointsByCategory == nil {
		st.PointsByCategory = models.Int64Map{}
	}
	if st.BadgeIDs == nil {
		st.BadgeIDs = models.StringList{}
	}
	if st.TrophyIDs == nil {
		st.TrophyIDs = models.StringList{}
	}
	if st.LevelsByCategory == nil {
		st.LevelsByCategory = models.StringMap{}
	}
}

func appendUnique(list models.StringList, id string) models.StringList {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
