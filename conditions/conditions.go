// Package conditions implements the predicate variants a rule may attach to
// its trigger. Evaluation is a pure function of the trigger event and a
// bounded slice of user history; predicates never return errors, they fail
// closed with an explanatory detail instead.
package conditions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"questline/core/types"
)

// Condition type tags. The set is closed; unknown tags fail rule validation
// unless a plugin registers an evaluator for them.
const (
	TypeAlwaysTrue         = "alwaysTrue"
	TypeAttributeEquals    = "attributeEquals"
	TypeCount              = "count"
	TypeThreshold          = "threshold"
	TypeSequence           = "sequence"
	TypeTimeSinceLastEvent = "timeSinceLastEvent"
	TypeFirstOccurrence    = "firstOccurrence"
	TypeCustomScript       = "customScript"
)

// History is the read-only view of the event log a predicate may consult.
// Implementations exclude the supplied event id so that evaluation behaves
// identically whether or not the trigger event has been persisted yet.
type History interface {
	CountEvents(ctx context.Context, userID, eventType string, since, until time.Time, excludeID string) (int64, error)
	AnyEventBetween(ctx context.Context, userID, eventType string, after, before time.Time, excludeID string) (bool, error)
	AnyEventBefore(ctx context.Context, userID, eventType string, before time.Time, excludeID string) (bool, error)
	RecentEvents(ctx context.Context, userID string, until time.Time, limit int, excludeID string) ([]types.Event, error)
}

// Env carries the inputs for one evaluation.
type Env struct {
	Trigger *types.Event
	History History
	Now     time.Time
}

// Result is the structured trace for one condition evaluation.
type Result struct {
	ConditionID      string         `json:"conditionId"`
	Type             string         `json:"type"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Result           bool           `json:"result"`
	Details          string         `json:"details,omitempty"`
	EvaluationTimeMs int64          `json:"evaluationTimeMs"`
}

type evalFunc func(ctx context.Context, env *Env) (bool, string)

// Bound is a condition compiled from its rule document: the parameters are
// parsed once at catalog load, evaluation only touches the event and history.
type Bound struct {
	id     string
	typ    string
	params map[string]any
	eval   evalFunc
}

// ID returns the stable condition identifier from the rule document.
func (b *Bound) ID() string { return b.id }

// Type returns the condition type tag.
func (b *Bound) Type() string { return b.typ }

// Evaluate runs the predicate and produces its trace.
func (b *Bound) Evaluate(ctx context.Context, env *Env) Result {
	start := time.Now()
	ok, details := b.eval(ctx, env)
	return Result{
		ConditionID:      b.id,
		Type:             b.typ,
		Parameters:       b.params,
		Result:           ok,
		Details:          details,
		EvaluationTimeMs: time.Since(start).Milliseconds(),
	}
}

// Skipped produces the trace emitted for conditions short-circuiting skipped.
func (b *Bound) Skipped() Result {
	return Result{
		ConditionID: b.id,
		Type:        b.typ,
		Parameters:  b.params,
		Result:      false,
		Details:     "skipped",
	}
}

// Builder compiles a condition of one type from its parameter document.
type Builder func(params map[string]any) (evalFunc, error)

var registry = map[string]Builder{
	TypeAlwaysTrue:         buildAlwaysTrue,
	TypeAttributeEquals:    buildAttributeEquals,
	TypeCount:              buildCount,
	TypeThreshold:          buildThreshold,
	TypeSequence:           buildSequence,
	TypeTimeSinceLastEvent: buildTimeSinceLastEvent,
	TypeFirstOccurrence:    buildFirstOccurrence,
	TypeCustomScript:       buildCustomScript,
}

// Register adds or replaces the builder for a condition type. It exists for
// externally provided evaluators; the built-in set registers itself.
func Register(conditionType string, builder Builder) {
	registry[conditionType] = builder
}

// Known reports whether a builder exists for the condition type.
func Known(conditionType string) bool {
	_, ok := registry[conditionType]
	return ok
}

// Build compiles one condition. Unknown types and malformed parameters are
// rejected so invalid rules never reach evaluation.
func Build(id, conditionType string, params map[string]any) (*Bound, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("condition id must not be empty")
	}
	builder, ok := registry[conditionType]
	if !ok {
		return nil, fmt.Errorf("unknown condition type %q", conditionType)
	}
	eval, err := builder(params)
	if err != nil {
		return nil, fmt.Errorf("condition %s (%s): %w", id, conditionType, err)
	}
	return &Bound{id: id, typ: conditionType, params: params, eval: eval}, nil
}

// SortedTypes lists the registered condition types, for diagnostics.
func SortedTypes() []string {
	out := make([]string, 0, len(registry))
	for typ := range registry {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
