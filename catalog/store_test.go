package catalog_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"questline/catalog"
	"questline/conditions"
	"questline/config"
	"questline/models"
	"questline/storage"
)

func testStore(t *testing.T) *catalog.Store {
	t.Helper()
	db, err := storage.Open(config.Database{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "catalog.db")})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return catalog.NewStore(db, slog.Default())
}

func TestSaveRuleRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rule := &catalog.Rule{
		ID:       "r-big-spender",
		Name:     "big spender",
		Triggers: []string{"PURCHASE"},
		Conditions: []catalog.ConditionSpec{
			{ID: "c1", Type: conditions.TypeThreshold, Parameters: map[string]any{
				"attribute": "amount", "operator": "ge", "value": float64(50),
			}},
		},
		Rewards: []catalog.RewardSpec{
			{ID: "rw1", Type: catalog.RewardPoints, TargetID: "xp", Amount: float64(100)},
		},
		Active: true,
	}
	if err := store.SaveRule(ctx, rule); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	matched := store.Current().RulesForTrigger("purchase")
	if len(matched) != 1 {
		t.Fatalf("expected 1 rule for trigger, got %d", len(matched))
	}
	got := matched[0]
	if len(got.Compiled) != 1 || got.Compiled[0].Type() != conditions.TypeThreshold {
		t.Fatalf("conditions not compiled: %+v", got.Compiled)
	}
	if got.Logic != catalog.LogicAnd {
		t.Fatalf("expected default logic and, got %q", got.Logic)
	}
}

func TestSaveRuleRejectsInvalid(t *testing.T) {
	store := testStore(t)
	rule := &catalog.Rule{ID: "r-bad", Name: "bad", Triggers: []string{"X"}}
	if err := store.SaveRule(context.Background(), rule); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRefreshSkipsCorruptRuleRow(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	good := &catalog.Rule{
		ID:       "r-good",
		Name:     "good",
		Triggers: []string{"LOGIN"},
		Conditions: []catalog.ConditionSpec{
			{ID: "c1", Type: conditions.TypeAlwaysTrue},
		},
		Rewards: []catalog.RewardSpec{
			{ID: "rw1", Type: catalog.RewardPoints, TargetID: "xp", Amount: float64(1)},
		},
		Active: true,
	}
	if err := store.SaveRule(ctx, good); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	// A row with an unknown condition type slips past compiled validation
	// only if written directly.
	bad := models.Rule{
		ID:       "r-bad",
		Name:     "bad",
		Triggers: models.StringList{"LOGIN"},
		Conditions: models.DocList{
			{"id": "c1", "type": "mystery"},
		},
		Rewards: models.DocList{
			{"id": "rw1", "type": "points", "targetId": "xp", "amount": float64(1)},
		},
		Active: true,
	}
	if err := store.DB().WithContext(ctx).Create(&bad).Error; err != nil {
		t.Fatalf("insert corrupt rule: %v", err)
	}

	if err := store.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := store.Current()
	if len(snap.Rules) != 1 || snap.Rules[0].ID != "r-good" {
		t.Fatalf("expected corrupt rule skipped, got %d rules", len(snap.Rules))
	}
}

func TestCategoryAggregationImmutable(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveCategory(ctx, catalog.PointCategory{ID: "xp", Name: "XP", Aggregation: "sum"}); err != nil {
		t.Fatalf("save category: %v", err)
	}
	err := store.SaveCategory(ctx, catalog.PointCategory{ID: "xp", Name: "XP", Aggregation: "max"})
	if err == nil {
		t.Fatal("expected aggregation change to be rejected")
	}
}

func TestLevelsSortedInSnapshot(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for _, level := range []catalog.Level{
		{ID: "gold", Name: "Gold", Category: "xp", MinPoints: 500},
		{ID: "bronze", Name: "Bronze", Category: "xp", MinPoints: 0},
		{ID: "silver", Name: "Silver", Category: "xp", MinPoints: 100},
	} {
		if err := store.SaveLevel(ctx, level); err != nil {
			t.Fatalf("save level %s: %v", level.ID, err)
		}
	}
	level, ok := store.Current().LevelFor("xp", 250)
	if !ok || level.ID != "silver" {
		t.Fatalf("expected silver at 250, got %q", level.ID)
	}
}
