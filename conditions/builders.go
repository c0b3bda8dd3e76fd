package conditions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"questline/core/types"
)

// Comparison operators accepted by the threshold condition.
var thresholdOperators = map[string]func(a, b float64) bool{
	"lt": func(a, b float64) bool { return a < b },
	"le": func(a, b float64) bool { return a <= b },
	"eq": func(a, b float64) bool { return a == b },
	"ne": func(a, b float64) bool { return a != b },
	"ge": func(a, b float64) bool { return a >= b },
	"gt": func(a, b float64) bool { return a > b },
}

func buildAlwaysTrue(map[string]any) (evalFunc, error) {
	return func(context.Context, *Env) (bool, string) {
		return true, "always true"
	}, nil
}

func buildAttributeEquals(params map[string]any) (evalFunc, error) {
	attribute, err := paramString(params, "attribute")
	if err != nil {
		return nil, err
	}
	expected, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("parameter %q is required", "value")
	}
	return func(_ context.Context, env *Env) (bool, string) {
		actual, present := env.Trigger.Attribute(attribute)
		if !present {
			return false, fmt.Sprintf("attribute missing: %q", attribute)
		}
		if valuesEqual(actual, expected) {
			return true, fmt.Sprintf("attribute %q = %v", attribute, actual)
		}
		return false, fmt.Sprintf("attribute %q = %v, expected %v", attribute, actual, expected)
	}, nil
}

func buildCount(params map[string]any) (evalFunc, error) {
	eventType, err := paramString(params, "eventType")
	if err != nil {
		return nil, err
	}
	minCount, err := paramInt(params, "minCount")
	if err != nil {
		return nil, err
	}
	maxCount, err := optionalInt(params, "maxCount")
	if err != nil {
		return nil, err
	}
	if maxCount != nil && *maxCount < minCount {
		return nil, fmt.Errorf("maxCount must not be below minCount")
	}
	window, err := optionalMinutes(params, "timeWindow")
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, env *Env) (bool, string) {
		until := env.Trigger.OccurredAt
		var since time.Time
		if window != nil {
			since = until.Add(-*window)
		}
		count, err := env.History.CountEvents(ctx, env.Trigger.UserID, eventType, since, until, env.Trigger.ID)
		if err != nil {
			return false, fmt.Sprintf("history error: %v", err)
		}
		// The trigger event always counts toward its own window.
		if strings.EqualFold(env.Trigger.Type, eventType) {
			count++
		}
		inRange := count >= int64(minCount) && (maxCount == nil || count <= int64(*maxCount))
		bound := "unbounded"
		if maxCount != nil {
			bound = fmt.Sprintf("%d", *maxCount)
		}
		return inRange, fmt.Sprintf("count(%s) = %d, want [%d, %s]", eventType, count, minCount, bound)
	}, nil
}

func buildThreshold(params map[string]any) (evalFunc, error) {
	attribute, err := paramString(params, "attribute")
	if err != nil {
		return nil, err
	}
	operator, err := paramString(params, "operator")
	if err != nil {
		return nil, err
	}
	compare, ok := thresholdOperators[operator]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", operator)
	}
	value, err := paramNumber(params, "value")
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, env *Env) (bool, string) {
		raw, present := env.Trigger.Attribute(attribute)
		if !present {
			return false, fmt.Sprintf("attribute missing: %q", attribute)
		}
		actual, numeric := numericAttribute(raw)
		if !numeric {
			return false, fmt.Sprintf("attribute %q is not numeric: %v", attribute, raw)
		}
		ok := compare(actual, value)
		return ok, fmt.Sprintf("%v %s %v", actual, operator, value)
	}, nil
}

func buildSequence(params map[string]any) (evalFunc, error) {
	expected, err := paramStringList(params, "events")
	if err != nil {
		return nil, err
	}
	window, err := optionalMinutes(params, "timeWindow")
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, env *Env) (bool, string) {
		n := len(expected)
		recent, err := env.History.RecentEvents(ctx, env.Trigger.UserID, env.Trigger.OccurredAt, n-1, env.Trigger.ID)
		if err != nil {
			return false, fmt.Sprintf("history error: %v", err)
		}
		if len(recent) < n-1 {
			return false, fmt.Sprintf("only %d prior events, sequence needs %d", len(recent), n-1)
		}
		// recent is most-recent-first; rebuild ascending and append the trigger.
		actual := make([]string, 0, n)
		times := make([]time.Time, 0, n)
		for i := len(recent) - 1; i >= 0; i-- {
			actual = append(actual, recent[i].Type)
			times = append(times, recent[i].OccurredAt)
		}
		actual = append(actual, env.Trigger.Type)
		times = append(times, env.Trigger.OccurredAt)
		for i := range expected {
			if !strings.EqualFold(actual[i], expected[i]) {
				return false, fmt.Sprintf("recent events %v do not match %v", actual, expected)
			}
		}
		if window != nil {
			span := times[len(times)-1].Sub(times[0])
			if span > *window {
				return false, fmt.Sprintf("sequence span %s exceeds window %s", span, *window)
			}
		}
		return true, fmt.Sprintf("recent events match %v", expected)
	}, nil
}

func buildTimeSinceLastEvent(params map[string]any) (evalFunc, error) {
	eventType, err := paramString(params, "eventType")
	if err != nil {
		return nil, err
	}
	minGap, err := paramMinutes(params, "minMinutes")
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, env *Env) (bool, string) {
		after := env.Trigger.OccurredAt.Add(-minGap)
		found, err := env.History.AnyEventBetween(ctx, env.Trigger.UserID, eventType, after, env.Trigger.OccurredAt, env.Trigger.ID)
		if err != nil {
			return false, fmt.Sprintf("history error: %v", err)
		}
		if found {
			return false, fmt.Sprintf("%s seen within the last %s", eventType, minGap)
		}
		return true, fmt.Sprintf("no %s within the last %s", eventType, minGap)
	}, nil
}

func buildFirstOccurrence(params map[string]any) (evalFunc, error) {
	eventType, err := paramString(params, "eventType")
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, env *Env) (bool, string) {
		found, err := env.History.AnyEventBefore(ctx, env.Trigger.UserID, eventType, env.Trigger.OccurredAt, env.Trigger.ID)
		if err != nil {
			return false, fmt.Sprintf("history error: %v", err)
		}
		if found {
			return false, fmt.Sprintf("prior %s exists", eventType)
		}
		return true, fmt.Sprintf("first %s for user", eventType)
	}, nil
}

func buildCustomScript(map[string]any) (evalFunc, error) {
	return func(context.Context, *Env) (bool, string) {
		return false, "unsupported"
	}, nil
}

func numericAttribute(raw any) (float64, bool) {
	switch raw.(type) {
	case string, bool:
		return 0, false
	default:
	}
	return types.Numeric(raw)
}
