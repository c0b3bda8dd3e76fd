package catalog

import (
	"fmt"
	"strings"

	"questline/conditions"
	"questline/core/types"
)

var rewardTypes = map[string]bool{
	RewardPoints: true,
	RewardBadge:  true,
	RewardTrophy: true,
	RewardLevel:  true,
}

// ValidateRule checks a rule for internal well-formedness. It is applied both
// at catalog load and on every admin update; rules failing validation never
// reach the rule engine.
func ValidateRule(rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("rule is nil")
	}
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("rule %s: name must not be empty", rule.ID)
	}
	if len(rule.Triggers) == 0 {
		return fmt.Errorf("rule %s: at least one trigger is required", rule.ID)
	}
	for _, trigger := range rule.Triggers {
		if strings.TrimSpace(trigger) == "" {
			return fmt.Errorf("rule %s: triggers must not be empty strings", rule.ID)
		}
	}
	switch strings.ToLower(rule.Logic) {
	case "", LogicAnd, LogicOr:
	default:
		return fmt.Errorf("rule %s: unknown condition logic %q", rule.ID, rule.Logic)
	}
	if len(rule.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition is required", rule.ID)
	}
	seen := make(map[string]bool, len(rule.Conditions))
	for _, spec := range rule.Conditions {
		if seen[spec.ID] {
			return fmt.Errorf("rule %s: duplicate condition id %q", rule.ID, spec.ID)
		}
		seen[spec.ID] = true
		if _, err := conditions.Build(spec.ID, spec.Type, spec.Parameters); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	if len(rule.Rewards) == 0 {
		return fmt.Errorf("rule %s: at least one reward is required", rule.ID)
	}
	for _, reward := range rule.Rewards {
		if err := validateReward(reward); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	for _, spending := range rule.Spendings {
		if err := validateSpending(spending); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

func validateReward(reward RewardSpec) error {
	if strings.TrimSpace(reward.ID) == "" {
		return fmt.Errorf("reward id must not be empty")
	}
	if !rewardTypes[reward.Type] {
		return fmt.Errorf("reward %s: unknown type %q", reward.ID, reward.Type)
	}
	switch reward.Type {
	case RewardPoints:
		if strings.TrimSpace(reward.TargetID) == "" {
			return fmt.Errorf("reward %s: points rewards require a point category target", reward.ID)
		}
		if err := validateAmount(reward.Amount, true); err != nil {
			return fmt.Errorf("reward %s: %w", reward.ID, err)
		}
	case RewardBadge, RewardTrophy:
		if strings.TrimSpace(reward.TargetID) == "" {
			return fmt.Errorf("reward %s: %s rewards require a target id", reward.ID, reward.Type)
		}
	case RewardLevel:
		// Level standing is computed from points. The target optionally
		// names the point category to recompute; it is never a level id.
	}
	return nil
}

func validateSpending(spending SpendingSpec) error {
	if strings.TrimSpace(spending.ID) == "" {
		return fmt.Errorf("spending id must not be empty")
	}
	if strings.TrimSpace(spending.Category) == "" {
		return fmt.Errorf("spending %s: category is required", spending.ID)
	}
	switch spending.Type {
	case SpendingTransaction:
		if err := validateAmount(spending.Amount, false); err != nil {
			return fmt.Errorf("spending %s: %w", spending.ID, err)
		}
	case SpendingTransfer:
		if strings.TrimSpace(spending.Source) == "" || strings.TrimSpace(spending.Destination) == "" {
			return fmt.Errorf("spending %s: transfers require source and destination", spending.ID)
		}
		if err := validateAmount(spending.Amount, false); err != nil {
			return fmt.Errorf("spending %s: %w", spending.ID, err)
		}
	default:
		return fmt.Errorf("spending %s: unknown type %q", spending.ID, spending.Type)
	}
	return nil
}

// validateAmount accepts a numeric literal or an "attr:" reference. Rewards
// may carry negative literals; spendings must stay positive.
func validateAmount(amount any, allowNegative bool) error {
	if amount == nil {
		return fmt.Errorf("amount is required")
	}
	if ref, ok := amount.(string); ok {
		if strings.HasPrefix(ref, "attr:") && strings.TrimSpace(strings.TrimPrefix(ref, "attr:")) != "" {
			return nil
		}
		return fmt.Errorf("amount %q is neither numeric nor an attribute reference", ref)
	}
	num, ok := types.Numeric(amount)
	if !ok {
		return fmt.Errorf("amount must be numeric")
	}
	if !allowNegative && num <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if allowNegative && num == 0 {
		return fmt.Errorf("amount must not be zero")
	}
	return nil
}

// ValidateEvent checks an ingested document against the catalog: the payload
// schema of a known event definition must be satisfied, and unknown event
// types are rejected when the engine runs in strict mode.
func ValidateEvent(snap *Snapshot, evt *types.Event, requireKnownTypes bool) []string {
	var errs []string
	if evt == nil {
		return []string{"event is nil"}
	}
	if strings.TrimSpace(evt.Type) == "" {
		errs = append(errs, "eventType is required")
	}
	if strings.TrimSpace(evt.UserID) == "" {
		errs = append(errs, "userId is required")
	}
	if snap == nil || strings.TrimSpace(evt.Type) == "" {
		return errs
	}
	def, known := snap.Definitions[evt.Type]
	if !known {
		if requireKnownTypes && !isCascadeType(evt.Type) {
			errs = append(errs, fmt.Sprintf("unknown event type %q", evt.Type))
		}
		return errs
	}
	for field, label := range def.PayloadSchema {
		raw, present := evt.Attribute(field)
		if !present {
			errs = append(errs, fmt.Sprintf("attribute %q is required by the %s schema", field, def.ID))
			continue
		}
		if !matchesLabel(raw, label) {
			errs = append(errs, fmt.Sprintf("attribute %q must be of type %s", field, label))
		}
	}
	return errs
}

func isCascadeType(eventType string) bool {
	switch eventType {
	case types.EventBadgeGranted, types.EventTrophyGranted, types.EventLevelUp:
		return true
	}
	return false
}

func matchesLabel(raw any, label string) bool {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "string":
		_, ok := raw.(string)
		return ok
	case "number", "int", "float":
		switch raw.(type) {
		case string, bool:
			return false
		}
		_, ok := types.Numeric(raw)
		return ok
	case "bool", "boolean":
		_, ok := raw.(bool)
		return ok
	default:
		// Unknown labels only assert presence.
		return true
	}
}
