package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"questline/catalog"
	"questline/conditions"
	"questline/config"
	"questline/dryrun"
	"questline/events"
	"questline/history"
	"questline/queue"
	"questline/rules"
	"questline/server"
	"questline/state"
	"questline/storage"
	"questline/wallet"

	"log/slog"
)

type testEnv struct {
	srv     *httptest.Server
	cat     *catalog.Store
	wallets *wallet.Store
	queue   *queue.Queue
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	db, err := storage.Open(config.Database{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "server.db")})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	cfg := config.Default()
	cfg.Server.IngestRatePerSec = 0
	if mutate != nil {
		mutate(&cfg)
	}

	eventStore := events.NewStore(db)
	wallets := wallet.NewStore(db)
	entries := history.NewStore(db)
	states := state.NewStore(db)
	cat := catalog.NewStore(db, nil)
	q := queue.New(eventStore, cfg.EventQueue.MaxQueueSize, 50*time.Millisecond)
	engine := rules.NewEngine(eventStore, 0)
	dry := dryrun.NewService(cat, engine, cfg.Engine.RequireKnownEventTypes)

	s := server.New(cfg, slog.Default(), q, dry, cat, states, wallets, entries, eventStore)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, cat: cat, wallets: wallets, queue: q}
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestIngestAcceptedAndDuplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	body := map[string]any{
		"eventId":   "e-1",
		"eventType": "LOGIN",
		"userId":    "u1",
	}

	resp := postJSON(t, env.srv.URL+"/api/v1/events", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var accepted map[string]string
	decode(t, resp, &accepted)
	if accepted["eventId"] != "e-1" || accepted["status"] != "accepted" {
		t.Fatalf("unexpected body %v", accepted)
	}

	resp = postJSON(t, env.srv.URL+"/api/v1/events", body, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", resp.StatusCode)
	}
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := postJSON(t, env.srv.URL+"/api/v1/events", map[string]any{"eventType": "LOGIN"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing userId, got %d", resp.StatusCode)
	}

	future := time.Now().Add(time.Hour).UTC()
	resp = postJSON(t, env.srv.URL+"/api/v1/events", map[string]any{
		"eventType": "LOGIN", "userId": "u1", "occurredAt": future.Format(time.RFC3339),
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for future event, got %d", resp.StatusCode)
	}
}

func TestIngestQueueFull(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.EventQueue.MaxQueueSize = 1
	})
	first := postJSON(t, env.srv.URL+"/api/v1/events", map[string]any{"eventType": "LOGIN", "userId": "u1"}, nil)
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.StatusCode)
	}
	second := postJSON(t, env.srv.URL+"/api/v1/events", map[string]any{"eventType": "LOGIN", "userId": "u2"}, nil)
	second.Body.Close()
	if second.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", second.StatusCode)
	}
}

func TestDryRunEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.cat.SaveCategory(ctx, catalog.PointCategory{ID: "xp", Name: "XP"}); err != nil {
		t.Fatalf("save category: %v", err)
	}
	rule := &catalog.Rule{
		ID:       "r1",
		Name:     "always",
		Triggers: []string{"PING"},
		Conditions: []catalog.ConditionSpec{
			{ID: "c1", Type: conditions.TypeAlwaysTrue},
		},
		Rewards: []catalog.RewardSpec{
			{ID: "rw1", Type: catalog.RewardPoints, TargetID: "xp", Amount: float64(5)},
		},
		Active: true,
	}
	if err := env.cat.SaveRule(ctx, rule); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	resp := postJSON(t, env.srv.URL+"/api/v1/events/dry-run", map[string]any{
		"eventType": "PING", "userId": "u1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out dryrun.Response
	decode(t, resp, &out)
	if out.Summary.RulesThatWouldExecute != 1 {
		t.Fatalf("unexpected summary %+v", out.Summary)
	}
	if env.queue.Depth() != 0 {
		t.Fatal("dry run must not enqueue")
	}
}

func TestUserStateAndWalletEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	policy := wallet.CategoryPolicy{AllowSpend: true}
	if _, err := env.wallets.Credit(ctx, "u1", "xp", 80, policy, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	resp, err := http.Get(env.srv.URL + "/api/v1/users/u1/wallets")
	if err != nil {
		t.Fatalf("get wallets: %v", err)
	}
	var balances struct {
		Balances map[string]int64 `json:"balances"`
	}
	decode(t, resp, &balances)
	if balances.Balances["xp"] != 80 {
		t.Fatalf("unexpected balances %v", balances.Balances)
	}

	resp, err = http.Get(env.srv.URL + "/api/v1/users/u1/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSpendEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.cat.SaveCategory(ctx, catalog.PointCategory{ID: "coins", Name: "Coins", AllowSpend: true}); err != nil {
		t.Fatalf("save category: %v", err)
	}
	policy := wallet.CategoryPolicy{AllowSpend: true}
	if _, err := env.wallets.Credit(ctx, "u1", "coins", 50, policy, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	resp := postJSON(t, env.srv.URL+"/api/v1/wallets/spend", map[string]any{
		"userId": "u1", "category": "coins", "amount": 30,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Balance int64 `json:"balance"`
	}
	decode(t, resp, &out)
	if out.Balance != 20 {
		t.Fatalf("expected balance 20, got %d", out.Balance)
	}

	resp = postJSON(t, env.srv.URL+"/api/v1/wallets/spend", map[string]any{
		"userId": "u1", "category": "coins", "amount": 100,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for insufficient balance, got %d", resp.StatusCode)
	}
}

func TestTransferRejectsSameUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.cat.SaveCategory(ctx, catalog.PointCategory{ID: "coins", Name: "Coins", AllowSpend: true}); err != nil {
		t.Fatalf("save category: %v", err)
	}
	policy := wallet.CategoryPolicy{AllowSpend: true}
	if _, err := env.wallets.Credit(ctx, "u1", "coins", 50, policy, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	resp := postJSON(t, env.srv.URL+"/api/v1/wallets/transfer", map[string]any{
		"fromUserId": "u1", "toUserId": "u1", "category": "coins", "amount": 10,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for same-user transfer, got %d", resp.StatusCode)
	}

	balance, err := env.wallets.Balance(ctx, "u1", "coins")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 50 {
		t.Fatalf("refused transfer moved points, balance %d", balance)
	}
}

func TestAdminAuth(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, func(c *config.Config) {
		c.Auth.Enable = true
		c.Auth.Secret = secret
	})

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/admin/rules", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	sign := func(role string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"role": role,
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}

	req, _ = http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/admin/rules", nil)
	req.Header.Set("Authorization", "Bearer "+sign("viewer"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/admin/rules", nil)
	req.Header.Set("Authorization", "Bearer "+sign("admin"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}
}

func TestAdminSaveRule(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.cat.SaveCategory(ctx, catalog.PointCategory{ID: "xp", Name: "XP"}); err != nil {
		t.Fatalf("save category: %v", err)
	}

	doc := map[string]any{
		"name":     "api rule",
		"triggers": []string{"PING"},
		"conditions": []map[string]any{
			{"id": "c1", "type": "alwaysTrue"},
		},
		"rewards": []map[string]any{
			{"id": "rw1", "type": "points", "targetId": "xp", "amount": 5},
		},
		"active": true,
	}
	raw, _ := json.Marshal(doc)
	resp := putJSON(t, env.srv.URL+"/api/v1/admin/rules/r-api", raw)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(env.cat.Current().RulesForTrigger("PING")) != 1 {
		t.Fatal("rule not visible in snapshot after save")
	}

	// Invalid documents are rejected.
	bad, _ := json.Marshal(map[string]any{"name": "bad"})
	resp = putJSON(t, env.srv.URL+"/api/v1/admin/rules/r-bad", bad)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid rule, got %d", resp.StatusCode)
	}
}

func putJSON(t *testing.T, url string, raw []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
