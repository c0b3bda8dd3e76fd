// Package queue provides the durable FIFO between event ingest and the
// worker pool. Admission persists the event row first; the in-memory id list
// only orders delivery, so a restart loses nothing and Rehydrate restores
// the backlog from the unprocessed rows.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"questline/core/types"
	"questline/observability"
	"questline/storage"
)

var (
	// ErrQueueFull signals that admission is refused because the backlog hit
	// the configured bound.
	ErrQueueFull = errors.New("event queue full")
	// ErrDuplicateEvent signals an event id that was admitted before.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// EventStore is the persistence surface the queue needs. *events.Store is
// the production implementation.
type EventStore interface {
	Insert(ctx context.Context, evt *types.Event) error
	Get(ctx context.Context, id string) (*types.Event, error)
	Unprocessed(ctx context.Context) ([]types.Event, error)
	MarkProcessed(ctx context.Context, id string) error
}

// Queue is a bounded, durable, strictly FIFO event queue.
type Queue struct {
	store   EventStore
	maxSize int
	pollGap time.Duration
	metrics *observability.QueueMetrics

	mu      sync.Mutex
	pending []string
	signal  chan struct{}
}

// New constructs a queue. maxSize bounds the unprocessed backlog; pollGap is
// the fallback interval between backlog scans when no signal arrives.
func New(store EventStore, maxSize int, pollGap time.Duration) *Queue {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if pollGap <= 0 {
		pollGap = time.Second
	}
	return &Queue{
		store:   store,
		maxSize: maxSize,
		pollGap: pollGap,
		metrics: observability.Queue(),
		signal:  make(chan struct{}, 1),
	}
}

// Rehydrate reloads unprocessed events from the store in admission order.
// Call once at startup, before Enqueue or Dequeue see traffic.
func (q *Queue) Rehydrate(ctx context.Context) (int, error) {
	backlog, err := q.store.Unprocessed(ctx)
	if err != nil {
		return 0, fmt.Errorf("rehydrate queue: %w", err)
	}
	q.mu.Lock()
	q.pending = q.pending[:0]
	for _, evt := range backlog {
		q.pending = append(q.pending, evt.ID)
	}
	depth := len(q.pending)
	q.mu.Unlock()
	q.metrics.SetDepth(depth)
	q.wake()
	return depth, nil
}

// Enqueue admits one event: the row is persisted, then the id joins the
// in-memory order. Full and duplicate admissions are refused without
// persisting anything.
func (q *Queue) Enqueue(ctx context.Context, evt *types.Event) error {
	if evt == nil || evt.ID == "" {
		return fmt.Errorf("event id is required")
	}
	q.mu.Lock()
	if len(q.pending) >= q.maxSize {
		q.mu.Unlock()
		q.metrics.RecordEnqueue("full")
		return ErrQueueFull
	}
	q.mu.Unlock()

	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now().UTC()
	}
	if err := q.store.Insert(ctx, evt); err != nil {
		if storage.IsDuplicateKey(err) {
			q.metrics.RecordEnqueue("duplicate")
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, evt.ID)
		}
		q.metrics.RecordEnqueue("error")
		return fmt.Errorf("persist event %s: %w", evt.ID, err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, evt.ID)
	depth := len(q.pending)
	q.mu.Unlock()
	q.metrics.RecordEnqueue("accepted")
	q.metrics.SetDepth(depth)
	q.wake()
	return nil
}

// Dequeue blocks until an event is available or the context ends. The
// periodic poll covers signals lost across restarts or multi-consumer races.
func (q *Queue) Dequeue(ctx context.Context) (*types.Event, error) {
	for {
		if evt, ok, err := q.pop(ctx); err != nil {
			return nil, err
		} else if ok {
			return evt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-time.After(q.pollGap):
		}
	}
}

func (q *Queue) pop(ctx context.Context) (*types.Event, bool, error) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return nil, false, nil
		}
		id := q.pending[0]
		q.pending = q.pending[1:]
		depth := len(q.pending)
		q.mu.Unlock()
		q.metrics.SetDepth(depth)

		evt, err := q.store.Get(ctx, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The row was removed out of band, e.g. by a retention sweep.
			// Skip the id and keep draining.
			continue
		}
		if err != nil {
			// Transient storage failure. Put the id back at the head so the
			// event is not orphaned and FIFO order survives the retry.
			q.mu.Lock()
			q.pending = append([]string{id}, q.pending...)
			depth = len(q.pending)
			q.mu.Unlock()
			q.metrics.SetDepth(depth)
			return nil, false, fmt.Errorf("dequeue event %s: %w", id, err)
		}
		q.metrics.RecordDequeue()
		return evt, true, nil
	}
}

// MarkProcessed stamps the processing marker once the worker pool is done
// with an event, successfully or not.
func (q *Queue) MarkProcessed(ctx context.Context, id string) error {
	return q.store.MarkProcessed(ctx, id)
}

// Depth returns the current in-memory backlog size.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
