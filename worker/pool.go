// Package worker drives event processing: a dispatcher pulls events off the
// queue and hands them to per-user runners, so events of one user always
// process in admission order while different users proceed in parallel up to
// the configured concurrency.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"questline/catalog"
	"questline/core/types"
	"questline/events"
	"questline/executor"
	"questline/history"
	"questline/models"
	"questline/observability"
	"questline/queue"
	"questline/rules"
)

// Config bounds pool behavior.
type Config struct {
	MaxConcurrent int
	RetryEnabled  bool
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Pool coordinates the dispatcher and the per-user runners.
type Pool struct {
	queue   *queue.Queue
	catalog *catalog.Store
	engine  *rules.Engine
	exec    *executor.Executor
	events  *events.Store
	entries *history.Store
	cfg     Config
	metrics *observability.PipelineMetrics
	log     *slog.Logger

	mu    sync.Mutex
	users map[string]*userQueue
	sem   chan struct{}
	wg    sync.WaitGroup
}

type userQueue struct {
	pending []*types.Event
	running bool
}

// New constructs a pool.
func New(q *queue.Queue, cat *catalog.Store, engine *rules.Engine, exec *executor.Executor, evts *events.Store, entries *history.Store, cfg Config, log *slog.Logger) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Pool{
		queue:   q,
		catalog: cat,
		engine:  engine,
		exec:    exec,
		events:  evts,
		entries: entries,
		cfg:     cfg,
		metrics: observability.Pipeline(),
		log:     log,
		users:   make(map[string]*userQueue),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run dispatches until ctx ends. In-flight and already-dispatched events
// finish on a detached context; call Shutdown to wait for them.
func (p *Pool) Run(ctx context.Context) {
	work := context.WithoutCancel(ctx)
	for {
		evt, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A storage blip must not stop dispatching; the queue keeps the
			// id, so back off and pull again.
			if p.log != nil {
				p.log.Error("dequeue failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.RetryBackoff):
			}
			continue
		}
		p.dispatch(work, evt)
	}
}

// Shutdown waits for runners to drain or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

// dispatch appends the event to its user's queue, starting a runner when
// none is active for the user.
func (p *Pool) dispatch(ctx context.Context, evt *types.Event) {
	p.mu.Lock()
	uq, ok := p.users[evt.UserID]
	if !ok {
		uq = &userQueue{}
		p.users[evt.UserID] = uq
	}
	uq.pending = append(uq.pending, evt)
	if !uq.running {
		uq.running = true
		p.wg.Add(1)
		go p.runUser(ctx, evt.UserID)
	}
	p.mu.Unlock()
}

// runUser processes the user's queue in order, exiting when it drains.
func (p *Pool) runUser(ctx context.Context, userID string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		uq := p.users[userID]
		if len(uq.pending) == 0 {
			uq.running = false
			p.mu.Unlock()
			return
		}
		evt := uq.pending[0]
		uq.pending = uq.pending[1:]
		p.mu.Unlock()

		p.sem <- struct{}{}
		p.processWithRetry(ctx, evt)
		<-p.sem

		if err := p.queue.MarkProcessed(ctx, evt.ID); err != nil && p.log != nil {
			p.log.Error("marking event processed", "event", evt.ID, "error", err)
		}
	}
}

// processWithRetry retries infrastructure failures in place, which keeps the
// user's remaining events behind the failing one.
func (p *Pool) processWithRetry(ctx context.Context, evt *types.Event) {
	attempts := evt.Attempts
	for {
		attempts++
		err := p.processOne(ctx, evt)
		if err == nil {
			return
		}
		if p.log != nil {
			p.log.Warn("event processing failed", "event", evt.ID, "attempt", attempts, "error", err)
		}
		if recErr := p.events.RecordAttempts(ctx, evt.ID, attempts); recErr != nil && p.log != nil {
			p.log.Error("recording attempts", "event", evt.ID, "error", recErr)
		}
		if !p.cfg.RetryEnabled || attempts > p.cfg.MaxRetries {
			p.recordExhausted(ctx, evt, attempts, err)
			return
		}
		p.metrics.RecordRetry()
		backoff := p.cfg.RetryBackoff << (attempts - 1)
		select {
		case <-ctx.Done():
			p.recordExhausted(ctx, evt, attempts, err)
			return
		case <-time.After(backoff):
		}
	}
}

func (p *Pool) processOne(ctx context.Context, evt *types.Event) error {
	snap := p.catalog.Current()
	plan, traces, err := p.engine.Evaluate(ctx, snap, evt)
	if err != nil {
		return err
	}
	return p.exec.Apply(ctx, snap, plan, traces)
}

// recordExhausted leaves a terminal failure entry so the event's fate is
// visible in history even though it is marked processed.
func (p *Pool) recordExhausted(ctx context.Context, evt *types.Event, attempts int, cause error) {
	entry := &models.RewardHistory{
		UserID:         evt.UserID,
		RewardType:     history.TypeFailure,
		TriggerEventID: evt.ID,
		Success:        false,
		Message:        cause.Error(),
		Details:        models.JSONMap{"attempts": attempts},
	}
	if err := p.entries.Append(ctx, entry); err != nil && p.log != nil {
		p.log.Error("recording processing failure", "event", evt.ID, "error", err)
	}
	p.metrics.RecordProcessed("exhausted")
}
