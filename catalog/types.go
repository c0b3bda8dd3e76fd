// Package catalog holds the read-mostly registry of event definitions, point
// categories, badges, trophies, levels and rules. Workers share an immutable
// snapshot that is replaced atomically whenever the catalog changes.
package catalog

import (
	"sort"
	"strings"
	"time"

	"questline/conditions"
)

// Reward type tags.
const (
	RewardPoints = "points"
	RewardBadge  = "badge"
	RewardTrophy = "trophy"
	RewardLevel  = "level"
)

// Spending type tags.
const (
	SpendingTransaction = "transaction"
	SpendingTransfer    = "transfer"
)

// Condition group logic.
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// ConditionSpec is the declarative form of one rule condition.
type ConditionSpec struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// RewardSpec is the declarative form of one reward. Amount may be a literal
// number or an attribute reference such as "attr:amount".
type RewardSpec struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TargetID string `json:"targetId,omitempty"`
	Amount   any    `json:"amount,omitempty"`
}

// SpendingSpec is the declarative form of one spending. Source, destination
// and amount accept attribute references.
type SpendingSpec struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Category    string `json:"category"`
	Amount      any    `json:"amount"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// Rule is a compiled reward rule. Compiled conditions are built once at load
// so evaluation does not re-parse parameter documents.
type Rule struct {
	ID          string
	Name        string
	Description string
	Triggers    []string
	Logic       string
	Conditions  []ConditionSpec
	Rewards     []RewardSpec
	Spendings   []SpendingSpec
	Active      bool
	UpdatedAt   time.Time

	Compiled []*conditions.Bound
}

// PointCategory mirrors the persisted category settings.
type PointCategory struct {
	ID            string
	Name          string
	Aggregation   string
	AllowNegative bool
	AllowSpend    bool
}

// Badge mirrors the persisted badge.
type Badge struct {
	ID          string
	Name        string
	Description string
	Image       string
	Visible     bool
}

// Trophy mirrors the persisted trophy.
type Trophy struct {
	ID          string
	Name        string
	Description string
	Image       string
	Visible     bool
}

// Level mirrors the persisted level threshold.
type Level struct {
	ID        string
	Name      string
	Category  string
	MinPoints int64
}

// EventDefinition mirrors the persisted event definition. PayloadSchema maps
// attribute names to type labels ("string", "number", "bool").
type EventDefinition struct {
	ID            string
	Description   string
	PayloadSchema map[string]string
}

// Snapshot is one immutable catalog generation.
type Snapshot struct {
	Rules       []*Rule
	Badges      map[string]Badge
	Trophies    map[string]Trophy
	Categories  map[string]PointCategory
	Levels      map[string][]Level
	Definitions map[string]EventDefinition
	LoadedAt    time.Time

	rulesByTrigger map[string][]*Rule
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Badges:         map[string]Badge{},
		Trophies:       map[string]Trophy{},
		Categories:     map[string]PointCategory{},
		Levels:         map[string][]Level{},
		Definitions:    map[string]EventDefinition{},
		rulesByTrigger: map[string][]*Rule{},
	}
}

// SnapshotOf builds an indexed snapshot from in-memory rules. Production
// snapshots come from Store.Refresh; this path serves embedding and tests.
func SnapshotOf(rules ...*Rule) *Snapshot {
	snap := newSnapshot()
	snap.Rules = append(snap.Rules, rules...)
	snap.LoadedAt = time.Now().UTC()
	snap.index()
	return snap
}

func (s *Snapshot) index() {
	sort.Slice(s.Rules, func(i, j int) bool { return s.Rules[i].ID < s.Rules[j].ID })
	s.rulesByTrigger = map[string][]*Rule{}
	for _, rule := range s.Rules {
		if !rule.Active {
			continue
		}
		for _, trigger := range rule.Triggers {
			key := strings.ToLower(strings.TrimSpace(trigger))
			s.rulesByTrigger[key] = append(s.rulesByTrigger[key], rule)
		}
	}
	for category := range s.Levels {
		levels := s.Levels[category]
		sort.Slice(levels, func(i, j int) bool { return levels[i].MinPoints < levels[j].MinPoints })
		s.Levels[category] = levels
	}
}

// RulesForTrigger returns the active rules whose trigger set contains
// eventType, compared case-insensitively, in stable rule-id order.
func (s *Snapshot) RulesForTrigger(eventType string) []*Rule {
	if s == nil {
		return nil
	}
	return s.rulesByTrigger[strings.ToLower(strings.TrimSpace(eventType))]
}

// ActiveRules returns all active rules in stable order.
func (s *Snapshot) ActiveRules() []*Rule {
	if s == nil {
		return nil
	}
	out := make([]*Rule, 0, len(s.Rules))
	for _, rule := range s.Rules {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out
}

// LevelFor returns the level with the largest MinPoints not exceeding
// balance for the category, if one exists.
func (s *Snapshot) LevelFor(category string, balance int64) (Level, bool) {
	if s == nil {
		return Level{}, false
	}
	levels := s.Levels[category]
	var (
		best  Level
		found bool
	)
	for _, level := range levels {
		if level.MinPoints <= balance {
			best = level
			found = true
			continue
		}
		break
	}
	return best, found
}
