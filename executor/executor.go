// Package executor materializes execution plans: it mutates wallets and user
// state, appends reward history, and emits cascade events for downstream
// rules. Every mutation pairs with a history entry, including failures, so
// processing stays auditable.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"

	"questline/catalog"
	"questline/core/types"
	"questline/history"
	"questline/models"
	"questline/observability"
	"questline/rules"
	"questline/state"
	"questline/wallet"
)

// EnqueueFunc feeds cascade events back into the ingest queue.
type EnqueueFunc func(ctx context.Context, evt *types.Event) error

// Executor applies plans produced by the rule engine.
type Executor struct {
	db       *gorm.DB
	wallets  *wallet.Store
	states   *state.Store
	entries  *history.Store
	enqueue  EnqueueFunc
	maxDepth int
	metrics  *observability.PipelineMetrics
	log      *slog.Logger
}

// New constructs an executor. maxDepth bounds cascade chains; enqueue may be
// nil when cascades are not wanted, as in tests.
func New(db *gorm.DB, wallets *wallet.Store, states *state.Store, entries *history.Store, enqueue EnqueueFunc, maxDepth int, log *slog.Logger) *Executor {
	if maxDepth <= 0 {
		maxDepth = 8
	}
	return &Executor{
		db:       db,
		wallets:  wallets,
		states:   states,
		entries:  entries,
		enqueue:  enqueue,
		maxDepth: maxDepth,
		metrics:  observability.Pipeline(),
		log:      log,
	}
}

// Apply executes a plan against the given catalog snapshot. Business
// failures, such as an insufficient balance or a reference to a missing
// catalog entry, are recorded as failed history entries and execution
// continues with the next item. Infrastructure failures abort the remaining
// items with plan_aborted entries and surface as the returned error so the
// worker can retry the whole event.
func (x *Executor) Apply(ctx context.Context, snap *catalog.Snapshot, plan *rules.Plan, traces []rules.RuleTrace) error {
	evt := plan.Event

	if len(traces) == 0 {
		entry := &models.RewardHistory{
			UserID:         evt.UserID,
			RewardType:     history.TypeNoMatch,
			TriggerEventID: evt.ID,
			Success:        true,
			Message:        fmt.Sprintf("no rule triggered by %s", evt.Type),
		}
		if err := x.entries.Append(ctx, entry); err != nil {
			return err
		}
		x.metrics.RecordProcessed("no_match")
		return nil
	}

	// Trigger-matched rules that did not pass their conditions still leave an
	// audit trail.
	for _, trace := range traces {
		if trace.WouldExecute {
			continue
		}
		entry := &models.RewardHistory{
			UserID:         evt.UserID,
			RewardType:     history.TypeEvaluation,
			RewardID:       trace.RuleID,
			TriggerEventID: evt.ID,
			Success:        true,
			Message:        "conditions not met",
			Details:        models.JSONMap{"rule": trace.RuleID},
		}
		if err := x.entries.Append(ctx, entry); err != nil {
			return err
		}
	}

	for i, item := range plan.Items {
		var err error
		switch {
		case item.Reward != nil:
			err = x.applyReward(ctx, snap, evt, item.RuleID, *item.Reward)
		case item.Spending != nil:
			err = x.applySpending(ctx, snap, evt, item.RuleID, *item.Spending)
		}
		if err != nil {
			x.abortRemaining(ctx, evt, plan.Items[i:], err)
			x.metrics.RecordProcessed("failed")
			return err
		}
	}
	x.metrics.RecordProcessed("success")
	return nil
}

// abortRemaining records a plan_aborted entry for every item that never ran,
// the failing item included, so a later replay can see what was pending.
func (x *Executor) abortRemaining(ctx context.Context, evt *types.Event, remaining []rules.PlanItem, cause error) {
	for _, item := range remaining {
		itemID := ""
		itemType := ""
		if item.Reward != nil {
			itemID, itemType = item.Reward.ID, item.Reward.Type
		} else if item.Spending != nil {
			itemID, itemType = item.Spending.ID, item.Spending.Type
		}
		entry := &models.RewardHistory{
			UserID:         evt.UserID,
			RewardType:     itemType,
			RewardID:       itemID,
			TriggerEventID: evt.ID,
			Success:        false,
			Message:        "plan_aborted",
			Details:        models.JSONMap{"rule": item.RuleID, "cause": cause.Error()},
		}
		if err := x.entries.Append(ctx, entry); err != nil && x.log != nil {
			x.log.Error("recording aborted plan item", "event", evt.ID, "error", err)
		}
	}
}

func (x *Executor) applyReward(ctx context.Context, snap *catalog.Snapshot, evt *types.Event, ruleID string, reward catalog.RewardSpec) error {
	switch reward.Type {
	case catalog.RewardPoints:
		return x.applyPoints(ctx, snap, evt, ruleID, reward)
	case catalog.RewardBadge:
		return x.applyGrant(ctx, snap, evt, ruleID, reward, history.TypeBadge)
	case catalog.RewardTrophy:
		return x.applyGrant(ctx, snap, evt, ruleID, reward, history.TypeTrophy)
	case catalog.RewardLevel:
		return x.applyLevel(ctx, snap, evt, ruleID, reward)
	default:
		return x.recordFailure(ctx, evt, ruleID, reward.Type, reward.ID, fmt.Sprintf("unknown reward type %q", reward.Type))
	}
}

func (x *Executor) applyPoints(ctx context.Context, snap *catalog.Snapshot, evt *types.Event, ruleID string, reward catalog.RewardSpec) error {
	amount, err := rules.ResolveAmount(reward.Amount, evt)
	if err != nil {
		return x.recordFailure(ctx, evt, ruleID, history.TypePoints, reward.ID, err.Error())
	}
	category, ok := snap.Categories[reward.TargetID]
	if !ok {
		return x.recordFailure(ctx, evt, ruleID, history.TypePoints, reward.ID, fmt.Sprintf("unknown point category %q", reward.TargetID))
	}
	policy := wallet.CategoryPolicy{AllowNegative: category.AllowNegative, AllowSpend: category.AllowSpend}

	var balance int64
	err = x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := x.wallets.WithTx(tx).Credit(ctx, evt.UserID, category.ID, amount, policy, evt.ID)
		if err != nil {
			return err
		}
		balance = b
		return x.states.WithTx(tx).ApplyPoints(ctx, evt.UserID, category.ID, b)
	})
	if errors.Is(err, wallet.ErrInsufficientBalance) {
		x.metrics.RecordReward(history.TypePoints, false)
		return x.recordFailure(ctx, evt, ruleID, history.TypePoints, reward.ID, err.Error())
	}
	if err != nil {
		return fmt.Errorf("apply points reward %s: %w", reward.ID, err)
	}

	entry := &models.RewardHistory{
		UserID:         evt.UserID,
		RewardType:     history.TypePoints,
		RewardID:       reward.ID,
		PointsAmount:   &amount,
		PointCategory:  category.ID,
		TriggerEventID: evt.ID,
		Success:        true,
		Details:        models.JSONMap{"rule": ruleID, "balance": balance},
	}
	if err := x.entries.Append(ctx, entry); err != nil {
		return err
	}
	x.metrics.RecordReward(history.TypePoints, true)
	return x.recomputeLevel(ctx, snap, evt, category.ID, balance)
}

// recomputeLevel compares the level the new balance qualifies for with the
// projected level and, on change, records it and emits a LEVEL_UP cascade.
func (x *Executor) recomputeLevel(ctx context.Context, snap *catalog.Snapshot, evt *types.Event, categoryID string, balance int64) error {
	level, ok := snap.LevelFor(categoryID, balance)
	if !ok {
		return nil
	}
	current, err := x.states.Get(ctx, evt.UserID)
	if err != nil {
		return err
	}
	previous := current.LevelsByCategory[categoryID]
	if previous == level.ID {
		return nil
	}
	if err := x.states.SetLevel(ctx, evt.UserID, categoryID, level.ID); err != nil {
		return fmt.Errorf("set level: %w", err)
	}
	entry := &models.RewardHistory{
		UserID:         evt.UserID,
		RewardType:     history.TypeLevel,
		RewardID:       level.ID,
		PointCategory:  categoryID,
		TriggerEventID: evt.ID,
		Success:        true,
		Details:        models.JSONMap{"from": previous, "to": level.ID},
	}
	if err := x.entries.Append(ctx, entry); err != nil {
		return err
	}
	x.metrics.RecordReward(history.TypeLevel, true)
	x.emitCascade(ctx, evt, types.EventLevelUp, map[string]any{
		"category": categoryID,
		"from":     previous,
		"to":       level.ID,
	})
	return nil
}

func (x *Executor) applyGrant(ctx context.Context, snap *catalog.Snapshot, evt *types.Event, ruleID string, reward catalog.RewardSpec, grantType string) error {
	if grantType == history.TypeBadge {
		if _, ok := snap.Badges[reward.TargetID]; !ok {
			return x.recordFailure(ctx, evt, ruleID, grantType, reward.ID, fmt.Sprintf("unknown badge %q", reward.TargetID))
		}
	} else {
		if _, ok := snap.Trophies[reward.TargetID]; !ok {
			return x.recordFailure(ctx, evt, ruleID, grantType, reward.ID, fmt.Sprintf("unknown trophy %q", reward.TargetID))
		}
	}

	held, err := x.entries.HasGrant(ctx, evt.UserID, grantType, reward.TargetID)
	if err != nil {
		return err
	}
	if held {
		entry := &models.RewardHistory{
			UserID:         evt.UserID,
			RewardType:     grantType,
			RewardID:       reward.TargetID,
			TriggerEventID: evt.ID,
			Success:        true,
			Message:        "already_granted",
			Details:        models.JSONMap{"rule": ruleID},
		}
		return x.entries.Append(ctx, entry)
	}

	err = x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if grantType == history.TypeBadge {
			return x.states.WithTx(tx).GrantBadge(ctx, evt.UserID, reward.TargetID)
		}
		return x.states.WithTx(tx).GrantTrophy(ctx, evt.UserID, reward.TargetID)
	})
	if err != nil {
		return fmt.Errorf("grant %s %s: %w", grantType, reward.TargetID, err)
	}

	entry := &models.RewardHistory{
		UserID:         evt.UserID,
		RewardType:     grantType,
		RewardID:       reward.TargetID,
		TriggerEventID: evt.ID,
		Success:        true,
		Details:        models.JSONMap{"rule": ruleID},
	}
	if err := x.entries.Append(ctx, entry); err != nil {
		return err
	}
	x.metrics.RecordReward(grantType, true)

	cascadeType := types.EventBadgeGranted
	attrKey := "badgeId"
	if grantType == history.TypeTrophy {
		cascadeType = types.EventTrophyGranted
		attrKey = "trophyId"
	}
	x.emitCascade(ctx, evt, cascadeType, map[string]any{attrKey: reward.TargetID})
	return nil
}

// applyLevel recomputes the user's level standing from the current balance.
// Levels are always derived from points: the reward's target optionally names
// the point category to recompute, never a level to assign.
func (x *Executor) applyLevel(ctx context.Context, snap *catalog.Snapshot, evt *types.Event, ruleID string, reward catalog.RewardSpec) error {
	var categories []string
	if reward.TargetID != "" {
		if _, ok := snap.Categories[reward.TargetID]; !ok {
			return x.recordFailure(ctx, evt, ruleID, history.TypeLevel, reward.ID, fmt.Sprintf("unknown point category %q", reward.TargetID))
		}
		categories = []string{reward.TargetID}
	} else {
		categories = make([]string, 0, len(snap.Levels))
		for category := range snap.Levels {
			categories = append(categories, category)
		}
		sort.Strings(categories)
	}
	for _, category := range categories {
		balance, err := x.wallets.Balance(ctx, evt.UserID, category)
		if err != nil {
			return err
		}
		if err := x.recomputeLevel(ctx, snap, evt, category, balance); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) applySpending(ctx context.Context, snap *catalog.Snapshot, evt *types.Event, ruleID string, spending catalog.SpendingSpec) error {
	amount, err := rules.ResolveAmount(spending.Amount, evt)
	if err != nil {
		return x.recordFailure(ctx, evt, ruleID, spending.Type, spending.ID, err.Error())
	}
	category, ok := snap.Categories[spending.Category]
	if !ok {
		return x.recordFailure(ctx, evt, ruleID, spending.Type, spending.ID, fmt.Sprintf("unknown point category %q", spending.Category))
	}
	policy := wallet.CategoryPolicy{AllowNegative: category.AllowNegative, AllowSpend: category.AllowSpend}

	switch spending.Type {
	case catalog.SpendingTransaction:
		return x.applyDebit(ctx, evt, ruleID, spending, category.ID, amount, policy)
	case catalog.SpendingTransfer:
		return x.applyTransfer(ctx, evt, ruleID, spending, category.ID, amount, policy)
	default:
		return x.recordFailure(ctx, evt, ruleID, spending.Type, spending.ID, fmt.Sprintf("unknown spending type %q", spending.Type))
	}
}

func (x *Executor) applyDebit(ctx context.Context, evt *types.Event, ruleID string, spending catalog.SpendingSpec, categoryID string, amount int64, policy wallet.CategoryPolicy) error {
	if !policy.AllowSpend {
		return x.recordFailure(ctx, evt, ruleID, history.TypeTransaction, spending.ID, fmt.Sprintf("category %s does not allow spending", categoryID))
	}
	var balance int64
	err := x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := x.wallets.WithTx(tx).Debit(ctx, evt.UserID, categoryID, amount, policy, evt.ID)
		if err != nil {
			return err
		}
		balance = b
		return x.states.WithTx(tx).ApplyPoints(ctx, evt.UserID, categoryID, b)
	})
	if errors.Is(err, wallet.ErrInsufficientBalance) {
		x.metrics.RecordReward(history.TypeTransaction, false)
		return x.recordFailure(ctx, evt, ruleID, history.TypeTransaction, spending.ID, err.Error())
	}
	if err != nil {
		return fmt.Errorf("apply spending %s: %w", spending.ID, err)
	}
	debited := -amount
	entry := &models.RewardHistory{
		UserID:         evt.UserID,
		RewardType:     history.TypeTransaction,
		RewardID:       spending.ID,
		PointsAmount:   &debited,
		PointCategory:  categoryID,
		TriggerEventID: evt.ID,
		Success:        true,
		Details:        models.JSONMap{"rule": ruleID, "balance": balance},
	}
	if err := x.entries.Append(ctx, entry); err != nil {
		return err
	}
	x.metrics.RecordReward(history.TypeTransaction, true)
	return nil
}

func (x *Executor) applyTransfer(ctx context.Context, evt *types.Event, ruleID string, spending catalog.SpendingSpec, categoryID string, amount int64, policy wallet.CategoryPolicy) error {
	source, err := rules.ResolveString(spending.Source, evt)
	if err != nil {
		return x.recordFailure(ctx, evt, ruleID, history.TypeTransfer, spending.ID, err.Error())
	}
	destination, err := rules.ResolveString(spending.Destination, evt)
	if err != nil {
		return x.recordFailure(ctx, evt, ruleID, history.TypeTransfer, spending.ID, err.Error())
	}

	transfer, err := x.wallets.Transfer(ctx, source, destination, categoryID, amount, policy)
	if errors.Is(err, wallet.ErrInsufficientBalance) {
		x.metrics.RecordReward(history.TypeTransfer, false)
		return x.recordFailure(ctx, evt, ruleID, history.TypeTransfer, spending.ID, err.Error())
	}
	if err != nil {
		return fmt.Errorf("apply transfer %s: %w", spending.ID, err)
	}

	for _, uid := range []string{source, destination} {
		balance, err := x.wallets.Balance(ctx, uid, categoryID)
		if err != nil {
			return err
		}
		if err := x.states.ApplyPoints(ctx, uid, categoryID, balance); err != nil {
			return err
		}
	}

	entry := &models.RewardHistory{
		UserID:         evt.UserID,
		RewardType:     history.TypeTransfer,
		RewardID:       spending.ID,
		PointsAmount:   &amount,
		PointCategory:  categoryID,
		TriggerEventID: evt.ID,
		Success:        true,
		Details: models.JSONMap{
			"rule":     ruleID,
			"transfer": transfer.ID,
			"from":     source,
			"to":       destination,
		},
	}
	if err := x.entries.Append(ctx, entry); err != nil {
		return err
	}
	x.metrics.RecordReward(history.TypeTransfer, true)
	return nil
}

// recordFailure writes a failed history entry for a business-level problem
// and lets the rest of the plan continue.
func (x *Executor) recordFailure(ctx context.Context, evt *types.Event, ruleID, rewardType, rewardID, message string) error {
	entry := &models.RewardHistory{
		UserID:         evt.UserID,
		RewardType:     rewardType,
		RewardID:       rewardID,
		TriggerEventID: evt.ID,
		Success:        false,
		Message:        message,
		Details:        models.JSONMap{"rule": ruleID},
	}
	return x.entries.Append(ctx, entry)
}

// emitCascade enqueues a synthetic event produced by a materialized reward.
// Depth is bounded to keep mutually-triggering rules from looping forever.
func (x *Executor) emitCascade(ctx context.Context, trigger *types.Event, eventType string, attributes map[string]any) {
	if x.enqueue == nil {
		return
	}
	depth := trigger.CascadeDepth + 1
	if depth > x.maxDepth {
		if x.log != nil {
			x.log.Warn("cascade depth exceeded", "event", trigger.ID, "type", eventType, "depth", depth)
		}
		return
	}
	now := time.Now().UTC()
	cascade := &types.Event{
		ID:           types.NewEventID(),
		Type:         eventType,
		UserID:       trigger.UserID,
		OccurredAt:   now,
		Attributes:   attributes,
		CascadeDepth: depth,
		ReceivedAt:   now,
	}
	if err := x.enqueue(ctx, cascade); err != nil {
		if x.log != nil {
			x.log.Error("enqueueing cascade event", "type", eventType, "user", trigger.UserID, "error", err)
		}
		return
	}
	x.metrics.RecordCascade(eventType)
}
