// Package dryrun evaluates a hypothetical event without persisting anything.
// Because condition predicates always exclude the trigger event id from
// history queries, the traces reported here match what live processing of
// the same event would do.
package dryrun

import (
	"context"
	"time"

	"questline/catalog"
	"questline/core/types"
	"questline/rules"
)

// Response is the wire shape of one dry-run evaluation.
type Response struct {
	TriggerEventID string            `json:"triggerEventId"`
	UserID         string            `json:"userId"`
	EventType      string            `json:"eventType"`
	Rules          []rules.RuleTrace `json:"rules"`
	Summary        Summary           `json:"summary"`
	EvaluatedAt    string            `json:"evaluatedAt"`
}

// Summary aggregates the evaluation for quick inspection.
type Summary struct {
	TotalRulesEvaluated   int      `json:"totalRulesEvaluated"`
	RulesThatWouldExecute int      `json:"rulesThatWouldExecute"`
	TotalPredictedRewards int      `json:"totalPredictedRewards"`
	TotalEvaluationTimeMs int64    `json:"totalEvaluationTimeMs"`
	EventValid            bool     `json:"eventValid"`
	ValidationErrors      []string `json:"validationErrors,omitempty"`
}

// Service runs dry evaluations against the live catalog and history.
type Service struct {
	catalog           *catalog.Store
	engine            *rules.Engine
	requireKnownTypes bool
}

func NewService(cat *catalog.Store, engine *rules.Engine, requireKnownTypes bool) *Service {
	return &Service{catalog: cat, engine: engine, requireKnownTypes: requireKnownTypes}
}

// Run evaluates the event against every active rule. Rules the event type
// does not trigger appear in the output with a bare non-matched trace so the
// caller sees the full rule set considered.
func (s *Service) Run(ctx context.Context, evt *types.Event) (*Response, error) {
	if evt.ID == "" {
		evt.ID = types.NewEventID()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	snap := s.catalog.Current()
	validationErrors := catalog.ValidateEvent(snap, evt, s.requireKnownTypes)

	_, traces, err := s.engine.Evaluate(ctx, snap, evt)
	if err != nil {
		return nil, err
	}

	evaluated := make(map[string]bool, len(traces))
	for _, trace := range traces {
		evaluated[trace.RuleID] = true
	}
	for _, rule := range snap.ActiveRules() {
		if evaluated[rule.ID] {
			continue
		}
		traces = append(traces, rules.RuleTrace{
			RuleID:         rule.ID,
			Name:           rule.Name,
			Description:    rule.Description,
			TriggerMatched: false,
		})
	}

	summary := Summary{
		TotalRulesEvaluated: len(traces),
		EventValid:          len(validationErrors) == 0,
		ValidationErrors:    validationErrors,
	}
	for _, trace := range traces {
		if trace.WouldExecute {
			summary.RulesThatWouldExecute++
			summary.TotalPredictedRewards += len(trace.PredictedRewards) + len(trace.PredictedSpendings)
		}
		summary.TotalEvaluationTimeMs += trace.EvaluationTimeMs
	}

	return &Response{
		TriggerEventID: evt.ID,
		UserID:         evt.UserID,
		EventType:      evt.Type,
		Rules:          traces,
		Summary:        summary,
		EvaluatedAt:    time.Now().UTC().Format(time.RFC3339),
	}, nil
}
