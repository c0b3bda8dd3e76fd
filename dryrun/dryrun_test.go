package dryrun_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"questline/catalog"
	"questline/conditions"
	"questline/config"
	"questline/core/types"
	"questline/dryrun"
	"questline/events"
	"questline/executor"
	"questline/history"
	"questline/rules"
	"questline/state"
	"questline/storage"
	"questline/wallet"
)

type fixture struct {
	events  *events.Store
	wallets *wallet.Store
	entries *history.Store
	states  *state.Store
	cat     *catalog.Store
	engine  *rules.Engine
	exec    *executor.Executor
	svc     *dryrun.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(config.Database{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "dryrun.db")})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	f := &fixture{
		events:  events.NewStore(db),
		wallets: wallet.NewStore(db),
		entries: history.NewStore(db),
		states:  state.NewStore(db),
		cat:     catalog.NewStore(db, nil),
	}
	f.engine = rules.NewEngine(f.events, 0)
	f.exec = executor.New(db, f.wallets, f.states, f.entries, nil, 8, nil)
	f.svc = dryrun.NewService(f.cat, f.engine, false)

	ctx := context.Background()
	if err := f.cat.SaveCategory(ctx, catalog.PointCategory{ID: "xp", Name: "XP"}); err != nil {
		t.Fatalf("save category: %v", err)
	}
	rule := &catalog.Rule{
		ID:       "r-purchase",
		Name:     "purchase points",
		Triggers: []string{"PURCHASE"},
		Conditions: []catalog.ConditionSpec{
			{ID: "c1", Type: conditions.TypeThreshold, Parameters: map[string]any{
				"attribute": "amount", "operator": "ge", "value": float64(50),
			}},
		},
		Rewards: []catalog.RewardSpec{
			{ID: "rw1", Type: catalog.RewardPoints, TargetID: "xp", Amount: "attr:amount"},
		},
		Active: true,
	}
	if err := f.cat.SaveRule(ctx, rule); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	idle := &catalog.Rule{
		ID:       "r-login",
		Name:     "login rule",
		Triggers: []string{"LOGIN"},
		Conditions: []catalog.ConditionSpec{
			{ID: "c1", Type: conditions.TypeAlwaysTrue},
		},
		Rewards: []catalog.RewardSpec{
			{ID: "rw1", Type: catalog.RewardPoints, TargetID: "xp", Amount: float64(1)},
		},
		Active: true,
	}
	if err := f.cat.SaveRule(ctx, idle); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	return f
}

func TestDryRunPredictsWithoutPersisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evt := &types.Event{
		Type:       "PURCHASE",
		UserID:     "u1",
		Attributes: map[string]any{"amount": float64(75)},
	}
	resp, err := f.svc.Run(ctx, evt)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}

	if resp.Summary.RulesThatWouldExecute != 1 || resp.Summary.TotalPredictedRewards != 1 {
		t.Fatalf("unexpected summary %+v", resp.Summary)
	}
	var matched *rules.RuleTrace
	for i := range resp.Rules {
		if resp.Rules[i].RuleID == "r-purchase" {
			matched = &resp.Rules[i]
		}
	}
	if matched == nil || !matched.WouldExecute {
		t.Fatalf("expected r-purchase to execute, got %+v", resp.Rules)
	}
	if len(matched.PredictedRewards) != 1 || matched.PredictedRewards[0].Amount == nil || *matched.PredictedRewards[0].Amount != 75 {
		t.Fatalf("expected predicted amount 75, got %+v", matched.PredictedRewards)
	}

	// Non-triggered rules still appear, unmatched.
	var idle *rules.RuleTrace
	for i := range resp.Rules {
		if resp.Rules[i].RuleID == "r-login" {
			idle = &resp.Rules[i]
		}
	}
	if idle == nil || idle.TriggerMatched {
		t.Fatalf("expected r-login listed as not trigger-matched, got %+v", idle)
	}

	// Nothing persisted: no wallet movement, no history, no event rows.
	balance, _ := f.wallets.Balance(ctx, "u1", "xp")
	if balance != 0 {
		t.Fatalf("dry run moved points: %d", balance)
	}
	entries, _ := f.entries.ForUser(ctx, "u1", "", 10)
	if len(entries) != 0 {
		t.Fatalf("dry run wrote history: %+v", entries)
	}
	if _, err := f.events.Get(ctx, resp.TriggerEventID); err == nil {
		t.Fatal("dry run persisted the trigger event")
	}
}

// A dry run and live processing of the same event see identical history,
// because predicates always exclude the trigger id.
func TestDryRunMatchesLiveOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evt := &types.Event{
		ID:         types.NewEventID(),
		Type:       "PURCHASE",
		UserID:     "u1",
		OccurredAt: time.Now().UTC(),
		Attributes: map[string]any{"amount": float64(60)},
	}
	resp, err := f.svc.Run(ctx, evt)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if resp.Summary.RulesThatWouldExecute != 1 {
		t.Fatalf("expected prediction of 1 executing rule, got %+v", resp.Summary)
	}

	// Live: persist the same event, then evaluate and apply.
	if err := f.events.Insert(ctx, evt); err != nil {
		t.Fatalf("insert: %v", err)
	}
	snap := f.cat.Current()
	plan, traces, err := f.engine.Evaluate(ctx, snap, evt)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	executed := 0
	for _, trace := range traces {
		if trace.WouldExecute {
			executed++
		}
	}
	if executed != resp.Summary.RulesThatWouldExecute {
		t.Fatalf("live executed %d rules, dry run predicted %d", executed, resp.Summary.RulesThatWouldExecute)
	}
	if err := f.exec.Apply(ctx, snap, plan, traces); err != nil {
		t.Fatalf("apply: %v", err)
	}
	balance, _ := f.wallets.Balance(ctx, "u1", "xp")
	if balance != 60 {
		t.Fatalf("expected live balance 60 matching the prediction, got %d", balance)
	}
}

func TestDryRunReportsValidationErrors(t *testing.T) {
	f := newFixture(t)
	svc := dryrun.NewService(f.cat, f.engine, true)
	resp, err := svc.Run(context.Background(), &types.Event{Type: "MYSTERY", UserID: "u1"})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if resp.Summary.EventValid || len(resp.Summary.ValidationErrors) == 0 {
		t.Fatalf("expected validation errors for unknown type, got %+v", resp.Summary)
	}
}
