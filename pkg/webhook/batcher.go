package webhook

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"github.com/zoff-tech/go-webhooks/pkg/metrics"
)

// DefaultBatchWindow is the delay between the first queued event and its flush.
const DefaultBatchWindow = 100 * time.Millisecond

type BatchState int

const (
	StateIdle BatchState = iota
	StateArmed
	StateFlushing
)

func (s BatchState) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFlushing:
		return "flushing"
	default:
		return "idle"
	}
}

// ProcessFunc handles one event of a flushed batch.
type ProcessFunc func(ctx context.Context, ev MutationEvent) error

// BatchScheduler coalesces mutation events arriving within a window into one
// flush cycle. Events are processed one at a time in enqueue order, across
// cycles as well as within one.
type BatchScheduler struct {
	window  time.Duration
	process ProcessFunc
	logger  logging.Logger

	mu       sync.Mutex
	pending  []MutationEvent
	timer    *time.Timer
	ready    [][]MutationEvent
	draining bool
	closed   bool

	wg      sync.WaitGroup
	flushes atomic.Int64
}

func NewBatchScheduler(window time.Duration, process ProcessFunc, logger logging.Logger) *BatchScheduler {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &BatchScheduler{
		window:  window,
		process: process,
		logger:  glog.Ensure(logger),
	}
}

// Enqueue appends ev to the pending batch and arms the flush timer if it is
// not already running. It never blocks on delivery.
func (b *BatchScheduler) Enqueue(ev MutationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Warn("batch scheduler closed, dropping mutation event", "event_type", ev.EventType())
		return
	}

	b.pending = append(b.pending, ev)
	metrics.QueueDepth.Set(float64(len(b.pending)))

	if b.timer == nil {
		b.wg.Add(1)
		b.timer = time.AfterFunc(b.window, b.fire)
	}
}

// fire runs on the timer goroutine. The first cycle to find no drain in
// progress becomes the drainer and works through every ready batch in order.
func (b *BatchScheduler) fire() {
	defer b.wg.Done()

	b.mu.Lock()
	b.timer = nil
	if len(b.pending) > 0 {
		b.ready = append(b.ready, b.pending)
		b.pending = nil
	}
	metrics.QueueDepth.Set(0)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true

	for len(b.ready) > 0 {
		batch := b.ready[0]
		b.ready = b.ready[1:]
		b.mu.Unlock()
		b.flush(batch)
		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
}

func (b *BatchScheduler) flush(batch []MutationEvent) {
	b.flushes.Add(1)
	metrics.BatchFlushes.Inc()
	metrics.BatchSize.Observe(float64(len(batch)))

	for _, ev := range batch {
		b.processOne(ev)
	}
}

func (b *BatchScheduler) processOne(ev MutationEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic while processing mutation event", "event_type", ev.EventType(), "panic", r)
		}
	}()

	ctx := ev.ctx()
	if err := b.process(ctx, ev); err != nil {
		b.logger.WithContext(ctx).Error("failed to process mutation event", "event_type", ev.EventType(), "error", err)
	}
}

// State reports where the scheduler is in its cycle.
func (b *BatchScheduler) State() BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.timer != nil:
		return StateArmed
	case b.draining:
		return StateFlushing
	default:
		return StateIdle
	}
}

// Pending is the number of events waiting for the next flush.
func (b *BatchScheduler) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flushes is the number of flush cycles run so far.
func (b *BatchScheduler) Flushes() int64 {
	return b.flushes.Load()
}

// Close stops accepting events, flushes what is pending without waiting for
// the window and waits for running cycles or ctx.
func (b *BatchScheduler) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	flushNow := b.timer != nil && b.timer.Stop()
	b.mu.Unlock()

	if flushNow {
		go b.fire()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
