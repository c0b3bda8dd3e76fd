package conditions

import (
	"fmt"
	"math"
	"strings"
	"time"

	"questline/core/types"
)

func paramString(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return strings.TrimSpace(s), nil
}

func paramInt(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("parameter %q is required", key)
	}
	num, ok := types.Numeric(raw)
	if !ok || num != math.Trunc(num) {
		return 0, fmt.Errorf("parameter %q must be an integer", key)
	}
	return int(num), nil
}

func optionalInt(params map[string]any, key string) (*int, error) {
	if _, ok := params[key]; !ok {
		return nil, nil
	}
	v, err := paramInt(params, key)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func paramNumber(params map[string]any, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("parameter %q is required", key)
	}
	num, ok := types.Numeric(raw)
	if !ok {
		return 0, fmt.Errorf("parameter %q must be numeric", key)
	}
	return num, nil
}

// optionalMinutes reads a window expressed in minutes.
func optionalMinutes(params map[string]any, key string) (*time.Duration, error) {
	if _, ok := params[key]; !ok {
		return nil, nil
	}
	num, err := paramNumber(params, key)
	if err != nil {
		return nil, err
	}
	if num <= 0 {
		return nil, fmt.Errorf("parameter %q must be positive", key)
	}
	d := time.Duration(num * float64(time.Minute))
	return &d, nil
}

func paramMinutes(params map[string]any, key string) (time.Duration, error) {
	num, err := paramNumber(params, key)
	if err != nil {
		return 0, err
	}
	if num <= 0 {
		return 0, fmt.Errorf("parameter %q must be positive", key)
	}
	return time.Duration(num * float64(time.Minute)), nil
}

func paramStringList(params map[string]any, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("parameter %q is required", key)
	}
	list, ok := raw.([]any)
	if !ok {
		if typed, isTyped := raw.([]string); isTyped {
			if len(typed) == 0 {
				return nil, fmt.Errorf("parameter %q must not be empty", key)
			}
			return typed, nil
		}
		return nil, fmt.Errorf("parameter %q must be a list of strings", key)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("parameter %q must not be empty", key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, isString := item.(string)
		if !isString || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("parameter %q must contain only non-empty strings", key)
		}
		out = append(out, strings.TrimSpace(s))
	}
	return out, nil
}

// valuesEqual compares an event attribute against a rule literal. Numbers
// compare by numeric value regardless of representation; everything else
// compares by rendered string.
func valuesEqual(a, b any) bool {
	na, aNum := types.Numeric(a)
	nb, bNum := types.Numeric(b)
	if aNum && bNum {
		return na == nb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
