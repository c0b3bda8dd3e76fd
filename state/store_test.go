package state_test

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"questline/catalog"
	"questline/config"
	"questline/history"
	"questline/models"
	"questline/state"
	"questline/storage"
	"questline/wallet"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(config.Database{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return db
}

func TestGetUnknownUserIsEmpty(t *testing.T) {
	store := state.NewStore(testDB(t))
	st, err := store.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.UserID != "nobody" || len(st.PointsByCategory) != 0 || len(st.BadgeIDs) != 0 {
		t.Fatalf("expected empty state, got %+v", st)
	}
}

func TestGrantsAreIdempotent(t *testing.T) {
	store := state.NewStore(testDB(t))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.GrantBadge(ctx, "u1", "first-comment"); err != nil {
			t.Fatalf("grant badge: %v", err)
		}
		if err := store.GrantTrophy(ctx, "u1", "veteran"); err != nil {
			t.Fatalf("grant trophy: %v", err)
		}
	}
	st, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(st.BadgeIDs) != 1 || len(st.TrophyIDs) != 1 {
		t.Fatalf("expected one badge and one trophy, got %+v", st)
	}
}

func TestApplyPointsAndLevel(t *testing.T) {
	store := state.NewStore(testDB(t))
	ctx := context.Background()

	if err := store.ApplyPoints(ctx, "u1", "xp", 120); err != nil {
		t.Fatalf("apply points: %v", err)
	}
	if err := store.SetLevel(ctx, "u1", "xp", "silver"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	st, _ := store.Get(ctx, "u1")
	if st.PointsByCategory["xp"] != 120 || st.LevelsByCategory["xp"] != "silver" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestRebuildMatchesIncrementalState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	states := state.NewStore(db)
	wallets := wallet.NewStore(db)
	entries := history.NewStore(db)

	policy := wallet.CategoryPolicy{AllowSpend: true}
	balance, err := wallets.Credit(ctx, "u1", "xp", 150, policy, "e1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance, err = wallets.Debit(ctx, "u1", "xp", 30, policy, "e2"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := states.ApplyPoints(ctx, "u1", "xp", balance); err != nil {
		t.Fatalf("apply points: %v", err)
	}
	if err := states.GrantBadge(ctx, "u1", "first-purchase"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := entries.Append(ctx, &models.RewardHistory{
		UserID: "u1", RewardType: history.TypeBadge, RewardID: "first-purchase", Success: true,
	}); err != nil {
		t.Fatalf("append history: %v", err)
	}
	// Failed grants must not surface in a rebuild.
	if err := entries.Append(ctx, &models.RewardHistory{
		UserID: "u1", RewardType: history.TypeBadge, RewardID: "never-earned", Success: false,
	}); err != nil {
		t.Fatalf("append history: %v", err)
	}
	if err := states.SetLevel(ctx, "u1", "xp", "silver"); err != nil {
		t.Fatalf("set level: %v", err)
	}

	snap := snapshotWithLevels(t, db)
	before, _ := states.Get(ctx, "u1")
	rebuilt, err := states.Rebuild(ctx, "u1", wallets, entries, snap)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if rebuilt.PointsByCategory["xp"] != before.PointsByCategory["xp"] {
		t.Errorf("points diverge: %d vs %d", rebuilt.PointsByCategory["xp"], before.PointsByCategory["xp"])
	}
	if len(rebuilt.BadgeIDs) != 1 || rebuilt.BadgeIDs[0] != "first-purchase" {
		t.Errorf("badges diverge: %v", rebuilt.BadgeIDs)
	}
	if rebuilt.LevelsByCategory["xp"] != "silver" {
		t.Errorf("expected silver at 120 points, got %q", rebuilt.LevelsByCategory["xp"])
	}
}

func TestRebuildAssignsBaseLevelWithoutTransactions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	states := state.NewStore(db)
	wallets := wallet.NewStore(db)
	entries := history.NewStore(db)
	snap := snapshotWithLevels(t, db)

	// A user with an empty ledger still qualifies for the zero-threshold level.
	rebuilt, err := states.Rebuild(ctx, "fresh", wallets, entries, snap)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.LevelsByCategory["xp"] != "bronze" {
		t.Fatalf("expected bronze at zero balance, got %q", rebuilt.LevelsByCategory["xp"])
	}
	if len(rebuilt.PointsByCategory) != 0 {
		t.Fatalf("expected no balances, got %v", rebuilt.PointsByCategory)
	}
}

func snapshotWithLevels(t *testing.T, db *gorm.DB) *catalog.Snapshot {
	t.Helper()
	cat := catalog.NewStore(db, nil)
	ctx := context.Background()
	for _, level := range []catalog.Level{
		{ID: "bronze", Name: "Bronze", Category: "xp", MinPoints: 0},
		{ID: "silver", Name: "Silver", Category: "xp", MinPoints: 100},
		{ID: "gold", Name: "Gold", Category: "xp", MinPoints: 500},
	} {
		if err := cat.SaveLevel(ctx, level); err != nil {
			t.Fatalf("save level: %v", err)
		}
	}
	return cat.Current()
}
