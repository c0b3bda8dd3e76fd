// Package server exposes the REST surface: event ingest, dry-run
// evaluation, user state and history reads, wallet operations, and the
// authenticated admin catalog.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"questline/catalog"
	"questline/config"
	"questline/dryrun"
	"questline/events"
	"questline/history"
	"questline/observability"
	"questline/queue"
	"questline/state"
	"questline/wallet"
)

// Server wires the HTTP handlers to the engine components.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	router  chi.Router
	limiter *rate.Limiter

	queue   *queue.Queue
	dryrun  *dryrun.Service
	catalog *catalog.Store
	states  *state.Store
	wallets *wallet.Store
	entries *history.Store
	events  *events.Store
}

// New builds the server and its route table.
func New(cfg config.Config, log *slog.Logger, q *queue.Queue, dry *dryrun.Service, cat *catalog.Store, states *state.Store, wallets *wallet.Store, entries *history.Store, evts *events.Store) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		queue:   q,
		dryrun:  dry,
		catalog: cat,
		states:  states,
		wallets: wallets,
		entries: entries,
		events:  evts,
	}
	if cfg.Server.IngestRatePerSec > 0 {
		burst := cfg.Server.IngestBurst
		if burst <= 0 {
			burst = int(cfg.Server.IngestRatePerSec)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.IngestRatePerSec), burst)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(tracingMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handleIngest)
		r.Post("/events/dry-run", s.handleDryRun)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/state", s.handleUserState)
			r.Post("/state/rebuild", s.handleRebuild)
			r.Get("/history", s.handleHistory)
			r.Get("/wallets", s.handleWallets)
			r.Get("/wallets/{category}/transactions", s.handleTransactions)
		})

		r.Post("/wallets/spend", s.handleSpend)
		r.Post("/wallets/transfer", s.handleTransfer)

		r.Route("/admin", func(r chi.Router) {
			if s.cfg.Auth.Enable {
				r.Use(s.requireAdmin)
			}
			r.Get("/rules", s.handleListRules)
			r.Put("/rules/{ruleID}", s.handleSaveRule)
			r.Delete("/rules/{ruleID}", s.handleDeleteRule)
			r.Put("/badges/{badgeID}", s.handleSaveBadge)
			r.Put("/trophies/{trophyID}", s.handleSaveTrophy)
			r.Put("/levels/{levelID}", s.handleSaveLevel)
			r.Put("/categories/{categoryID}", s.handleSaveCategory)
			r.Put("/definitions/{definitionID}", s.handleSaveDefinition)
			r.Delete("/{kind}/{entityID}", s.handleDeleteEntity)
			r.Post("/catalog/refresh", s.handleRefreshCatalog)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"queueDepth": s.queue.Depth(),
	})
}

func tracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("questline/server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
		))
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		span.SetAttributes(
			attribute.String("http.route", chi.RouteContext(ctx).RoutePattern()),
			attribute.Int("http.status_code", ww.Status()),
		)
		span.End()
	})
}

// metricsMiddleware records per-route counters and latency, using the chi
// route pattern so path parameters do not explode cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.HTTP().Observe(route, r.Method, ww.Status(), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
