package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"questline/conditions"
	"questline/models"
)

// Store loads the catalog from the database and publishes immutable
// snapshots. Reads never block writers: Refresh builds a complete snapshot
// and swaps the pointer atomically.
type Store struct {
	db      *gorm.DB
	log     *slog.Logger
	current atomic.Pointer[Snapshot]
}

// NewStore constructs a catalog store. Call Refresh before serving traffic.
func NewStore(db *gorm.DB, log *slog.Logger) *Store {
	s := &Store{db: db, log: log}
	s.current.Store(newSnapshot())
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Current returns the latest published snapshot. It is never nil.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Refresh reloads every catalog entity and publishes a new snapshot. Rules
// failing validation are skipped with a log line so one bad rule cannot take
// the engine down.
func (s *Store) Refresh(ctx context.Context) error {
	snap := newSnapshot()

	var defs []models.EventDefinition
	if err := s.db.WithContext(ctx).Find(&defs).Error; err != nil {
		return fmt.Errorf("load event definitions: %w", err)
	}
	for _, def := range defs {
		schema := make(map[string]string, len(def.PayloadSchema))
		for field, label := range def.PayloadSchema {
			if s, ok := label.(string); ok {
				schema[field] = s
			}
		}
		snap.Definitions[def.ID] = EventDefinition{ID: def.ID, Description: def.Description, PayloadSchema: schema}
	}

	var categories []models.PointCategory
	if err := s.db.WithContext(ctx).Find(&categories).Error; err != nil {
		return fmt.Errorf("load point categories: %w", err)
	}
	for _, c := range categories {
		snap.Categories[c.ID] = PointCategory{
			ID:            c.ID,
			Name:          c.Name,
			Aggregation:   c.Aggregation,
			AllowNegative: c.AllowNegative,
			AllowSpend:    c.AllowSpend,
		}
	}

	var badges []models.Badge
	if err := s.db.WithContext(ctx).Find(&badges).Error; err != nil {
		return fmt.Errorf("load badges: %w", err)
	}
	for _, b := range badges {
		snap.Badges[b.ID] = Badge{ID: b.ID, Name: b.Name, Description: b.Description, Image: b.Image, Visible: b.Visible}
	}

	var trophies []models.Trophy
	if err := s.db.WithContext(ctx).Find(&trophies).Error; err != nil {
		return fmt.Errorf("load trophies: %w", err)
	}
	for _, t := range trophies {
		snap.Trophies[t.ID] = Trophy{ID: t.ID, Name: t.Name, Description: t.Description, Image: t.Image, Visible: t.Visible}
	}

	var levels []models.Level
	if err := s.db.WithContext(ctx).Find(&levels).Error; err != nil {
		return fmt.Errorf("load levels: %w", err)
	}
	for _, l := range levels {
		snap.Levels[l.Category] = append(snap.Levels[l.Category], Level{
			ID:        l.ID,
			Name:      l.Name,
			Category:  l.Category,
			MinPoints: l.MinPoints,
		})
	}

	var rules []models.Rule
	if err := s.db.WithContext(ctx).Find(&rules).Error; err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for _, row := range rules {
		rule, err := ruleFromModel(row)
		if err == nil {
			err = ValidateRule(rule)
		}
		if err == nil {
			err = compileRule(rule)
		}
		if err != nil {
			if s.log != nil {
				s.log.Warn("skipping invalid rule", "rule", row.ID, "error", err)
			}
			continue
		}
		snap.Rules = append(snap.Rules, rule)
	}

	snap.LoadedAt = time.Now().UTC()
	snap.index()
	s.current.Store(snap)
	return nil
}

// SaveRule validates and upserts a rule, then republishes the snapshot.
func (s *Store) SaveRule(ctx context.Context, rule *Rule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	row, err := ruleToModel(rule)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return s.Refresh(ctx)
}

// DeleteRule removes a rule and republishes the snapshot.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&models.Rule{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return s.Refresh(ctx)
}

// SaveBadge upserts a badge and republishes the snapshot.
func (s *Store) SaveBadge(ctx context.Context, badge Badge) error {
	if strings.TrimSpace(badge.ID) == "" {
		return fmt.Errorf("badge id must not be empty")
	}
	row := models.Badge{ID: badge.ID, Name: badge.Name, Description: badge.Description, Image: badge.Image, Visible: badge.Visible}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save badge %s: %w", badge.ID, err)
	}
	return s.Refresh(ctx)
}

// SaveTrophy upserts a trophy and republishes the snapshot.
func (s *Store) SaveTrophy(ctx context.Context, trophy Trophy) error {
	if strings.TrimSpace(trophy.ID) == "" {
		return fmt.Errorf("trophy id must not be empty")
	}
	row := models.Trophy{ID: trophy.ID, Name: trophy.Name, Description: trophy.Description, Image: trophy.Image, Visible: trophy.Visible}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save trophy %s: %w", trophy.ID, err)
	}
	return s.Refresh(ctx)
}

// SaveLevel upserts a level and republishes the snapshot.
func (s *Store) SaveLevel(ctx context.Context, level Level) error {
	if strings.TrimSpace(level.ID) == "" {
		return fmt.Errorf("level id must not be empty")
	}
	if strings.TrimSpace(level.Category) == "" {
		return fmt.Errorf("level %s: category is required", level.ID)
	}
	if level.MinPoints < 0 {
		return fmt.Errorf("level %s: minPoints must not be negative", level.ID)
	}
	row := models.Level{ID: level.ID, Name: level.Name, Category: level.Category, MinPoints: level.MinPoints}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save level %s: %w", level.ID, err)
	}
	return s.Refresh(ctx)
}

// SaveCategory upserts a point category and republishes the snapshot. The
// aggregation of an existing category is immutable.
func (s *Store) SaveCategory(ctx context.Context, category PointCategory) error {
	if strings.TrimSpace(category.ID) == "" {
		return fmt.Errorf("point category id must not be empty")
	}
	if category.Aggregation == "" {
		category.Aggregation = "sum"
	}
	if existing, ok := s.Current().Categories[category.ID]; ok && existing.Aggregation != category.Aggregation {
		return fmt.Errorf("point category %s: aggregation is immutable", category.ID)
	}
	row := models.PointCategory{
		ID:            category.ID,
		Name:          category.Name,
		Aggregation:   category.Aggregation,
		AllowNegative: category.AllowNegative,
		AllowSpend:    category.AllowSpend,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save point category %s: %w", category.ID, err)
	}
	return s.Refresh(ctx)
}

// SaveDefinition upserts an event definition and republishes the snapshot.
func (s *Store) SaveDefinition(ctx context.Context, def EventDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("event definition id must not be empty")
	}
	schema := models.JSONMap{}
	for field, label := range def.PayloadSchema {
		schema[field] = label
	}
	row := models.EventDefinition{ID: def.ID, Description: def.Description, PayloadSchema: schema}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save event definition %s: %w", def.ID, err)
	}
	return s.Refresh(ctx)
}

// Delete removes any non-rule catalog entity by kind and republishes.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	var target any
	switch kind {
	case "badge":
		target = &models.Badge{}
	case "trophy":
		target = &models.Trophy{}
	case "level":
		target = &models.Level{}
	case "category":
		target = &models.PointCategory{}
	case "definition":
		target = &models.EventDefinition{}
	default:
		return fmt.Errorf("unknown catalog kind %q", kind)
	}
	if err := s.db.WithContext(ctx).Delete(target, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return s.Refresh(ctx)
}

func compileRule(rule *Rule) error {
	compiled := make([]*conditions.Bound, 0, len(rule.Conditions))
	for _, spec := range rule.Conditions {
		bound, err := conditions.Build(spec.ID, spec.Type, spec.Parameters)
		if err != nil {
			return err
		}
		compiled = append(compiled, bound)
	}
	rule.Compiled = compiled
	if rule.Logic == "" {
		rule.Logic = LogicAnd
	}
	rule.Logic = strings.ToLower(rule.Logic)
	return nil
}

func ruleFromModel(row models.Rule) (*Rule, error) {
	rule := &Rule{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Triggers:    append([]string(nil), row.Triggers...),
		Logic:       row.ConditionLogic,
		Active:      row.Active,
		UpdatedAt:   row.UpdatedAt,
	}
	if err := decodeDocs(row.Conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s conditions: %w", row.ID, err)
	}
	if err := decodeDocs(row.Rewards, &rule.Rewards); err != nil {
		return nil, fmt.Errorf("rule %s rewards: %w", row.ID, err)
	}
	if err := decodeDocs(row.Spendings, &rule.Spendings); err != nil {
		return nil, fmt.Errorf("rule %s spendings: %w", row.ID, err)
	}
	return rule, nil
}

func ruleToModel(rule *Rule) (models.Rule, error) {
	row := models.Rule{
		ID:             rule.ID,
		Name:           rule.Name,
		Description:    rule.Description,
		Triggers:       append(models.StringList(nil), rule.Triggers...),
		ConditionLogic: strings.ToLower(rule.Logic),
		Active:         rule.Active,
	}
	if row.ConditionLogic == "" {
		row.ConditionLogic = LogicAnd
	}
	if err := encodeDocs(rule.Conditions, &row.Conditions); err != nil {
		return row, fmt.Errorf("rule %s conditions: %w", rule.ID, err)
	}
	if err := encodeDocs(rule.Rewards, &row.Rewards); err != nil {
		return row, fmt.Errorf("rule %s rewards: %w", rule.ID, err)
	}
	if err := encodeDocs(rule.Spendings, &row.Spendings); err != nil {
		return row, fmt.Errorf("rule %s spendings: %w", rule.ID, err)
	}
	return row, nil
}

func decodeDocs(docs models.DocList, target any) error {
	raw, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func encodeDocs(source any, target *models.DocList) error {
	raw, err := json.Marshal(source)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
