package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"questline/catalog"
	"questline/config"
	"questline/core/types"
	"questline/dryrun"
	"questline/events"
	"questline/executor"
	"questline/history"
	"questline/observability/logging"
	"questline/observability/otel"
	"questline/queue"
	"questline/retention"
	"questline/rules"
	"questline/server"
	"questline/state"
	"questline/storage"
	"questline/wallet"
	"questline/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to TOML configuration")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log := logging.Setup("questlined", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enable {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "questlined",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}

	eventStore := events.NewStore(db)
	wallets := wallet.NewStore(db)
	entries := history.NewStore(db)
	states := state.NewStore(db)

	cat := catalog.NewStore(db, log)
	if err := cat.Refresh(ctx); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	log.Info("catalog loaded", "rules", len(cat.Current().Rules))

	q := queue.New(eventStore, cfg.EventQueue.MaxQueueSize, cfg.EventQueue.ProcessingInterval.Std())
	backlog, err := q.Rehydrate(ctx)
	if err != nil {
		return err
	}
	if backlog > 0 {
		log.Info("rehydrated event backlog", "events", backlog)
	}

	engine := rules.NewEngine(eventStore, time.Duration(cfg.Engine.MaxEvalMs)*time.Millisecond)
	exec := executor.New(db, wallets, states, entries, func(ctx context.Context, evt *types.Event) error {
		return q.Enqueue(ctx, evt)
	}, cfg.Engine.MaxCascadeDepth, log)

	pool := worker.New(q, cat, engine, exec, eventStore, entries, worker.Config{
		MaxConcurrent: cfg.EventQueue.MaxConcurrentProcessing,
		RetryEnabled:  cfg.EventQueue.EnableRetryOnFailure,
		MaxRetries:    cfg.EventQueue.MaxRetryAttempts,
		RetryBackoff:  cfg.EventQueue.RetryBackoff.Std(),
	}, log)
	go pool.Run(ctx)

	sweeper := retention.New(eventStore, retention.Config{
		RetentionDays: cfg.EventRetention.RetentionDays,
		BatchSize:     cfg.EventRetention.BatchSize,
		Interval:      cfg.EventRetention.CleanupInterval.Std(),
	}, log)
	go sweeper.Run(ctx)

	dry := dryrun.NewService(cat, engine, cfg.Engine.RequireKnownEventTypes)
	srv := server.New(cfg, log, q, dry, cat, states, wallets, entries, eventStore)

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Listen)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	grace := cfg.Server.ShutdownGrace.Std()
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn("worker drain", "error", err)
	}
	log.Info("shutdown complete")
	return nil
}
