// Package rules matches events against the catalog and produces execution
// plans. Evaluation is side-effect free; the executor applies the plan.
package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"questline/catalog"
	"questline/conditions"
	"questline/core/types"
	"questline/observability"
)

// PlanItem is one reward or spending scheduled for execution. Exactly one of
// Reward and Spending is set.
type PlanItem struct {
	RuleID   string
	Reward   *catalog.RewardSpec
	Spending *catalog.SpendingSpec
}

// Plan is the ordered list of mutations an event earned. Items preserve rule
// order, rewards before spendings within a rule.
type Plan struct {
	Event *types.Event
	Items []PlanItem
}

// RuleTrace explains one rule's evaluation for a trigger event.
type RuleTrace struct {
	RuleID             string              `json:"ruleId"`
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	TriggerMatched     bool                `json:"triggerMatched"`
	Logic              string              `json:"conditionLogic,omitempty"`
	Conditions         []conditions.Result `json:"conditions,omitempty"`
	WouldExecute       bool                `json:"wouldExecute"`
	PredictedRewards   []PredictedReward   `json:"predictedRewards,omitempty"`
	PredictedSpendings []PredictedSpending `json:"predictedSpendings,omitempty"`
	EvaluationTimeMs   int64               `json:"evaluationTimeMs"`
	Degraded           bool                `json:"degraded,omitempty"`
}

// PredictedReward is the resolved form of a reward for trace output.
type PredictedReward struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TargetID string `json:"targetId,omitempty"`
	Amount   *int64 `json:"amount,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PredictedSpending is the resolved form of a spending for trace output.
type PredictedSpending struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Category    string `json:"category"`
	Amount      *int64 `json:"amount,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Engine evaluates events against the current catalog snapshot.
type Engine struct {
	history conditions.History
	maxEval time.Duration
	metrics *observability.PipelineMetrics
}

// NewEngine constructs an engine. maxEval bounds the wall time spent per rule
// before its trace is flagged degraded; zero disables the bound.
func NewEngine(history conditions.History, maxEval time.Duration) *Engine {
	return &Engine{history: history, maxEval: maxEval, metrics: observability.Pipeline()}
}

// Evaluate matches the event against every rule triggered by its type and
// returns the plan plus one trace per evaluated rule. The returned plan is
// nil-safe: zero matched rules yield an empty item list.
func (e *Engine) Evaluate(ctx context.Context, snap *catalog.Snapshot, evt *types.Event) (*Plan, []RuleTrace, error) {
	if evt == nil {
		return nil, nil, fmt.Errorf("event is nil")
	}
	env := &conditions.Env{Trigger: evt, History: e.history, Now: time.Now().UTC()}
	plan := &Plan{Event: evt}
	matched := snap.RulesForTrigger(evt.Type)
	traces := make([]RuleTrace, 0, len(matched))

	for _, rule := range matched {
		start := time.Now()
		trace := RuleTrace{
			RuleID:         rule.ID,
			Name:           rule.Name,
			Description:    rule.Description,
			TriggerMatched: true,
			Logic:          rule.Logic,
		}
		trace.WouldExecute = e.evaluateConditions(ctx, rule, env, &trace)
		trace.EvaluationTimeMs = time.Since(start).Milliseconds()
		if e.maxEval > 0 && time.Since(start) > e.maxEval {
			trace.Degraded = true
		}
		e.metrics.ObserveEvaluation(time.Since(start))

		if trace.WouldExecute {
			for i := range rule.Rewards {
				reward := rule.Rewards[i]
				plan.Items = append(plan.Items, PlanItem{RuleID: rule.ID, Reward: &reward})
				trace.PredictedRewards = append(trace.PredictedRewards, predictReward(reward, evt))
			}
			for i := range rule.Spendings {
				spending := rule.Spendings[i]
				plan.Items = append(plan.Items, PlanItem{RuleID: rule.ID, Spending: &spending})
				trace.PredictedSpendings = append(trace.PredictedSpendings, predictSpending(spending, evt))
			}
		}
		traces = append(traces, trace)
	}
	return plan, traces, nil
}

// evaluateConditions applies AND or OR logic with short-circuiting. Skipped
// conditions still appear in the trace so dry-run output is complete.
func (e *Engine) evaluateConditions(ctx context.Context, rule *catalog.Rule, env *conditions.Env, trace *RuleTrace) bool {
	logic := rule.Logic
	if logic == "" {
		logic = catalog.LogicAnd
	}
	decided := false
	outcome := logic == catalog.LogicAnd
	for _, bound := range rule.Compiled {
		if decided {
			trace.Conditions = append(trace.Conditions, bound.Skipped())
			continue
		}
		result := bound.Evaluate(ctx, env)
		trace.Conditions = append(trace.Conditions, result)
		switch logic {
		case catalog.LogicOr:
			if result.Result {
				outcome = true
				decided = true
			}
		default:
			if !result.Result {
				outcome = false
				decided = true
			}
		}
	}
	return outcome
}

// ResolveAmount resolves a reward or spending amount against the trigger
// event. Literals pass through; "attr:name" references read the attribute.
func ResolveAmount(amount any, evt *types.Event) (int64, error) {
	if ref, ok := amount.(string); ok {
		name, isRef := strings.CutPrefix(ref, "attr:")
		if !isRef {
			return 0, fmt.Errorf("amount %q is not an attribute reference", ref)
		}
		raw, present := evt.Attribute(name)
		if !present {
			return 0, fmt.Errorf("amount attribute %q is missing", name)
		}
		num, numeric := types.Numeric(raw)
		if !numeric {
			return 0, fmt.Errorf("amount attribute %q is not numeric", name)
		}
		return int64(num), nil
	}
	num, ok := types.Numeric(amount)
	if !ok {
		return 0, fmt.Errorf("amount is not numeric")
	}
	return int64(num), nil
}

// ResolveString resolves a string field that may be an "attr:name" reference.
func ResolveString(value string, evt *types.Event) (string, error) {
	name, isRef := strings.CutPrefix(value, "attr:")
	if !isRef {
		return value, nil
	}
	resolved, present := evt.StringAttribute(name)
	if !present || strings.TrimSpace(resolved) == "" {
		return "", fmt.Errorf("attribute %q is missing", name)
	}
	return resolved, nil
}

func predictReward(reward catalog.RewardSpec, evt *types.Event) PredictedReward {
	out := PredictedReward{ID: reward.ID, Type: reward.Type, TargetID: reward.TargetID}
	if reward.Type == catalog.RewardPoints {
		amount, err := ResolveAmount(reward.Amount, evt)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Amount = &amount
	}
	return out
}

func predictSpending(spending catalog.SpendingSpec, evt *types.Event) PredictedSpending {
	out := PredictedSpending{ID: spending.ID, Type: spending.Type, Category: spending.Category}
	amount, err := ResolveAmount(spending.Amount, evt)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Amount = &amount
	if spending.Type == catalog.SpendingTransfer {
		source, err := ResolveString(spending.Source, evt)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		destination, err := ResolveString(spending.Destination, evt)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Source = source
		out.Destination = destination
	}
	return out
}
