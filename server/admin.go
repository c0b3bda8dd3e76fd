package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"questline/catalog"
)

// requireAdmin guards the admin surface with HS256 bearer tokens carrying an
// admin role claim.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		claims, err := s.parseToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		roleClaim := s.cfg.Auth.RoleClaim
		if roleClaim == "" {
			roleClaim = "role"
		}
		role, _ := claims[roleClaim].(string)
		if role != "admin" {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) parseToken(raw string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if s.cfg.Auth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Auth.Issuer))
	}
	if s.cfg.Auth.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Auth.Audience))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.Auth.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

type ruleDocument struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Triggers    []string                `json:"triggers"`
	Logic       string                  `json:"conditionLogic,omitempty"`
	Conditions  []catalog.ConditionSpec `json:"conditions"`
	Rewards     []catalog.RewardSpec    `json:"rewards"`
	Spendings   []catalog.SpendingSpec  `json:"spendings,omitempty"`
	Active      bool                    `json:"active"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	snap := s.catalog.Current()
	out := make([]map[string]any, 0, len(snap.Rules))
	for _, rule := range snap.Rules {
		out = append(out, map[string]any{
			"id":             rule.ID,
			"name":           rule.Name,
			"description":    rule.Description,
			"triggers":       rule.Triggers,
			"conditionLogic": rule.Logic,
			"conditions":     rule.Conditions,
			"rewards":        rule.Rewards,
			"spendings":      rule.Spendings,
			"active":         rule.Active,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out, "loadedAt": snap.LoadedAt})
}

func (s *Server) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	var doc ruleDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rule := &catalog.Rule{
		ID:          chi.URLParam(r, "ruleID"),
		Name:        doc.Name,
		Description: doc.Description,
		Triggers:    doc.Triggers,
		Logic:       doc.Logic,
		Conditions:  doc.Conditions,
		Rewards:     doc.Rewards,
		Spendings:   doc.Spendings,
		Active:      doc.Active,
	}
	if err := s.catalog.SaveRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": rule.ID, "status": "saved"})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleID")
	if err := s.catalog.DeleteRule(r.Context(), id); err != nil {
		s.log.Error("deleting rule", "rule", id, "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleSaveBadge(w http.ResponseWriter, r *http.Request) {
	var badge catalog.Badge
	if err := json.NewDecoder(r.Body).Decode(&badge); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	badge.ID = chi.URLParam(r, "badgeID")
	if err := s.catalog.SaveBadge(r.Context(), badge); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": badge.ID, "status": "saved"})
}

func (s *Server) handleSaveTrophy(w http.ResponseWriter, r *http.Request) {
	var trophy catalog.Trophy
	if err := json.NewDecoder(r.Body).Decode(&trophy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	trophy.ID = chi.URLParam(r, "trophyID")
	if err := s.catalog.SaveTrophy(r.Context(), trophy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": trophy.ID, "status": "saved"})
}

func (s *Server) handleSaveLevel(w http.ResponseWriter, r *http.Request) {
	var level catalog.Level
	if err := json.NewDecoder(r.Body).Decode(&level); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	level.ID = chi.URLParam(r, "levelID")
	if err := s.catalog.SaveLevel(r.Context(), level); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": level.ID, "status": "saved"})
}

func (s *Server) handleSaveCategory(w http.ResponseWriter, r *http.Request) {
	var category catalog.PointCategory
	if err := json.NewDecoder(r.Body).Decode(&category); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	category.ID = chi.URLParam(r, "categoryID")
	if err := s.catalog.SaveCategory(r.Context(), category); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": category.ID, "status": "saved"})
}

func (s *Server) handleSaveDefinition(w http.ResponseWriter, r *http.Request) {
	var def catalog.EventDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	def.ID = chi.URLParam(r, "definitionID")
	if err := s.catalog.SaveDefinition(r.Context(), def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": def.ID, "status": "saved"})
}

// handleDeleteEntity covers badges, trophies, levels, categories and
// definitions; the path segment maps to the catalog kind.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	kinds := map[string]string{
		"badges":      "badge",
		"trophies":    "trophy",
		"levels":      "level",
		"categories":  "category",
		"definitions": "definition",
	}
	kind, ok := kinds[chi.URLParam(r, "kind")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown catalog kind")
		return
	}
	id := chi.URLParam(r, "entityID")
	if err := s.catalog.Delete(r.Context(), kind, id); err != nil {
		s.log.Error("deleting catalog entity", "kind", kind, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleRefreshCatalog(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Refresh(r.Context()); err != nil {
		s.log.Error("refreshing catalog", "error", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	snap := s.catalog.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "refreshed",
		"rules":    len(snap.Rules),
		"loadedAt": snap.LoadedAt,
	})
}
