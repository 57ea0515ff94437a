// Package queue serializes visit analysis. Several producers (the intake
// handler, orphan reparenting, orphan expiry) feed one ordered consumer, so
// tree state is never read and written concurrently.
package queue

import (
	"context"
	"sync"
	"time"

	"pkmd/internal/logging"
	"pkmd/internal/orphan"
	"pkmd/internal/visit"
)

// Analyzer runs the reconciliation workflow for one visit.
type Analyzer interface {
	Analyze(ctx context.Context, v visit.Visit) error
}

// Config tunes batching.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultConfig matches the service defaults: batches of 3, 1s batch window.
func DefaultConfig() Config {
	return Config{BatchSize: 3, BatchTimeout: time.Second}
}

// ErrShuttingDown is returned by Enqueue after shutdown has begun.
type shutdownError struct{}

func (shutdownError) Error() string { return "queue is shutting down" }

// ErrShuttingDown reports that the queue no longer accepts visits.
var ErrShuttingDown error = shutdownError{}

// Queue is a single-consumer FIFO with bounded batching. Exactly one
// workflow execution happens per visit, in enqueue order.
type Queue struct {
	mu     sync.Mutex
	items  []visit.Visit
	closed bool

	notify   chan struct{}
	analyzer Analyzer
	cfg      Config
	logger   logging.Logger

	// onTick drives the orphan retry scan.
	onTick    func(ctx context.Context)
	tickEvery time.Duration
}

// New constructs a queue. onTick may be nil.
func New(analyzer Analyzer, cfg Config, logger logging.Logger, onTick func(ctx context.Context)) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	return &Queue{
		notify:    make(chan struct{}, 1),
		analyzer:  analyzer,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		onTick:    onTick,
		tickEvery: orphan.RetryInterval,
	}
}

// Enqueue adds a visit and returns its position (1-based) among pending
// items. Non-blocking.
func (q *Queue) Enqueue(v visit.Visit) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrShuttingDown
	}
	q.items = append(q.items, v)
	position := len(q.items)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return position, nil
}

// Depth returns the number of pending visits.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run drives the consumer loop until ctx is cancelled. The current batch is
// finished before returning; pending items beyond it are abandoned (their
// visit rows remain persisted as unanalysed).
func (q *Queue) Run(ctx context.Context) error {
	var tickerC <-chan time.Time
	if q.onTick != nil {
		ticker := time.NewTicker(q.tickEvery)
		defer ticker.Stop()
		tickerC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			q.close()
			return ctx.Err()
		case <-tickerC:
			q.onTick(ctx)
		case <-q.notify:
			batch := q.collect(ctx)
			for _, v := range batch {
				if err := q.analyzer.Analyze(ctx, v); err != nil {
					// The visit stays in the relational store as
					// unanalysed; the rest of the batch still runs.
					q.logger.Error("analysis failed for visit %s (%s): %v", v.ID, v.URL, err)
				}
				if ctx.Err() != nil {
					q.close()
					return ctx.Err()
				}
			}
			if q.Depth() > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
		}
	}
}

// collect pops up to BatchSize items, waiting at most BatchTimeout from the
// first pop for the batch to fill.
func (q *Queue) collect(ctx context.Context) []visit.Visit {
	batch := q.pop(q.cfg.BatchSize)
	if len(batch) >= q.cfg.BatchSize {
		return batch
	}

	deadline := time.NewTimer(q.cfg.BatchTimeout)
	defer deadline.Stop()

	for len(batch) < q.cfg.BatchSize {
		select {
		case <-ctx.Done():
			return batch
		case <-deadline.C:
			return batch
		case <-q.notify:
			batch = append(batch, q.pop(q.cfg.BatchSize-len(batch))...)
		}
	}
	return batch
}

func (q *Queue) pop(n int) []visit.Visit {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	out := make([]visit.Visit, n)
	copy(out, q.items[:n])
	q.items = append([]visit.Visit(nil), q.items[n:]...)
	return out
}

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
