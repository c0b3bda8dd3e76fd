// Package retention ages out processed events past the configured horizon.
// Reward history is permanent; only the raw event log is trimmed, in batches
// so a large backlog never holds a long transaction.
package retention

import (
	"context"
	"log/slog"
	"time"

	"questline/events"
	"questline/observability"
)

// Config controls the sweeper.
type Config struct {
	RetentionDays int
	BatchSize     int
	Interval      time.Duration
}

// Sweeper periodically deletes expired processed events.
type Sweeper struct {
	store   *events.Store
	cfg     Config
	metrics *observability.RetentionMetrics
	log     *slog.Logger
}

func New(store *events.Store, cfg Config, log *slog.Logger) *Sweeper {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{store: store, cfg: cfg, metrics: observability.Retention(), log: log}
}

// Run sweeps on the configured interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && s.log != nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep deletes batches of expired processed events until a batch comes back
// short, and returns the total rows removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	var total int64
	for {
		deleted, err := s.store.DeleteOlderThan(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.metrics.RecordSweep(total)
			return total, err
		}
		total += deleted
		if deleted < int64(s.cfg.BatchSize) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.metrics.RecordSweep(total)
	if s.log != nil && total > 0 {
		s.log.Info("retention sweep complete", "deleted", total, "cutoff", cutoff)
	}
	return total, nil
}
