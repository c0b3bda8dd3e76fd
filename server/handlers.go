package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"questline/catalog"
	"questline/core/types"
	"questline/models"
	"questline/queue"
	"questline/wallet"
)

type ingestRequest struct {
	EventID    string         `json:"eventId,omitempty"`
	EventType  string         `json:"eventType"`
	UserID     string         `json:"userId"`
	OccurredAt *time.Time     `json:"occurredAt,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (req *ingestRequest) toEvent(now time.Time) *types.Event {
	evt := &types.Event{
		ID:         strings.TrimSpace(req.EventID),
		Type:       strings.TrimSpace(req.EventType),
		UserID:     strings.TrimSpace(req.UserID),
		Attributes: req.Attributes,
		OccurredAt: now,
		ReceivedAt: now,
	}
	if evt.ID == "" {
		evt.ID = types.NewEventID()
	}
	if req.OccurredAt != nil {
		evt.OccurredAt = req.OccurredAt.UTC()
	}
	return evt
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "ingest rate exceeded")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	now := time.Now().UTC()
	evt := req.toEvent(now)

	if skew := s.cfg.Engine.ClockSkew.Std(); skew > 0 && evt.OccurredAt.After(now.Add(skew)) {
		writeError(w, http.StatusBadRequest, "occurredAt is too far in the future")
		return
	}
	if errs := catalog.ValidateEvent(s.catalog.Current(), evt, s.cfg.Engine.RequireKnownEventTypes); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid event", "details": errs})
		return
	}

	if err := s.queue.Enqueue(r.Context(), evt); err != nil {
		switch {
		case errors.Is(err, queue.ErrDuplicateEvent):
			writeError(w, http.StatusConflict, "event id already admitted")
		case errors.Is(err, queue.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "event queue is full")
		default:
			s.log.Error("admitting event", "event", evt.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to admit event")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"eventId": evt.ID,
		"status":  "accepted",
	})
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.EventType) == "" || strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "eventType and userId are required")
		return
	}
	evt := req.toEvent(time.Now().UTC())
	resp, err := s.dryrun.Run(r.Context(), evt)
	if err != nil {
		s.log.Error("dry-run evaluation", "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserState(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	st, err := s.states.Get(r.Context(), userID)
	if err != nil {
		s.log.Error("loading user state", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":           st.UserID,
		"pointsByCategory": st.PointsByCategory,
		"badges":           st.BadgeIDs,
		"trophies":         st.TrophyIDs,
		"levelsByCategory": st.LevelsByCategory,
		"updatedAt":        st.UpdatedAt,
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	st, err := s.states.Rebuild(r.Context(), userID, s.wallets, s.entries, s.catalog.Current())
	if err != nil {
		s.log.Error("rebuilding user state", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":           st.UserID,
		"pointsByCategory": st.PointsByCategory,
		"badges":           st.BadgeIDs,
		"trophies":         st.TrophyIDs,
		"levelsByCategory": st.LevelsByCategory,
		"updatedAt":        st.UpdatedAt,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rewardType := r.URL.Query().Get("type")
	entries, err := s.entries.ForUser(r.Context(), userID, rewardType, limit)
	if err != nil {
		s.log.Error("loading history", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "entries": entries})
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balances, err := s.wallets.Balances(r.Context(), userID)
	if err != nil {
		s.log.Error("loading balances", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load balances")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "balances": balances})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	category := chi.URLParam(r, "category")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.wallets.Transactions(r.Context(), userID, category, limit)
	if err != nil {
		s.log.Error("loading transactions", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "category": category, "transactions": entries})
}

type spendRequest struct {
	UserID      string `json:"userId"`
	Category    string `json:"category"`
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"referenceId,omitempty"`
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Category) == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "userId, category and a positive amount are required")
		return
	}
	policy, ok := s.categoryPolicy(req.Category)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown point category")
		return
	}
	balance, err := s.wallets.Debit(r.Context(), req.UserID, req.Category, req.Amount, policy, req.ReferenceID)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if strings.Contains(err.Error(), "does not allow spending") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("wallet spend", "user", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "spend failed")
		return
	}
	if err := s.states.ApplyPoints(r.Context(), req.UserID, req.Category, balance); err != nil {
		s.log.Error("updating state after spend", "user", req.UserID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   req.UserID,
		"category": req.Category,
		"balance":  balance,
	})
}

type transferRequest struct {
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	Category   string `json:"category"`
	Amount     int64  `json:"amount"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.FromUserID) == "" || strings.TrimSpace(req.ToUserID) == "" ||
		strings.TrimSpace(req.Category) == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "fromUserId, toUserId, category and a positive amount are required")
		return
	}
	if strings.TrimSpace(req.FromUserID) == strings.TrimSpace(req.ToUserID) {
		writeError(w, http.StatusBadRequest, "transfer source and destination must differ")
		return
	}
	policy, ok := s.categoryPolicy(req.Category)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown point category")
		return
	}
	if !policy.AllowSpend {
		writeError(w, http.StatusBadRequest, "category does not allow spending")
		return
	}
	transfer, err := s.wallets.Transfer(r.Context(), req.FromUserID, req.ToUserID, req.Category, req.Amount, policy)
	if err != nil && !errors.Is(err, wallet.ErrInsufficientBalance) {
		s.log.Error("wallet transfer", "from", req.FromUserID, "to", req.ToUserID, "error", err)
		writeError(w, http.StatusInternalServerError, "transfer failed")
		return
	}
	status := http.StatusOK
	if transfer.Status != models.TransferCompleted {
		status = http.StatusUnprocessableEntity
	} else {
		for _, uid := range []string{req.FromUserID, req.ToUserID} {
			balance, balErr := s.wallets.Balance(r.Context(), uid, req.Category)
			if balErr == nil {
				if stErr := s.states.ApplyPoints(r.Context(), uid, req.Category, balance); stErr != nil {
					s.log.Error("updating state after transfer", "user", uid, "error", stErr)
				}
			}
		}
	}
	writeJSON(w, status, map[string]any{
		"transferId":    transfer.ID,
		"status":        transfer.Status,
		"failureReason": transfer.FailureReason,
	})
}

func (s *Server) categoryPolicy(categoryID string) (wallet.CategoryPolicy, bool) {
	category, ok := s.catalog.Current().Categories[categoryID]
	if !ok {
		return wallet.CategoryPolicy{}, false
	}
	return wallet.CategoryPolicy{AllowNegative: category.AllowNegative, AllowSpend: category.AllowSpend}, true
}
