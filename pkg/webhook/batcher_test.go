package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) process(_ context.Context, ev MutationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev.ResourceID())
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func event(id string) MutationEvent {
	return NewMutationEvent(context.Background(), "Order", OperationCreate, Record{"id": id}, nil)
}

func TestBatchScheduler_CoalescesWithinWindow(t *testing.T) {
	rec := &recorder{}
	b := NewBatchScheduler(200*time.Millisecond, rec.process, nil)
	assert.Equal(t, StateIdle, b.State())

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		b.Enqueue(event(id))
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StateArmed, b.State())
	assert.Equal(t, 5, b.Pending())

	require.Eventually(t, func() bool { return len(rec.ids()) == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, rec.ids())
	assert.Equal(t, int64(1), b.Flushes())
	require.Eventually(t, func() bool { return b.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Pending())
}

func TestBatchScheduler_FailureDoesNotStopBatch(t *testing.T) {
	rec := &recorder{}
	process := func(ctx context.Context, ev MutationEvent) error {
		switch ev.ResourceID() {
		case "2":
			return errors.New("boom")
		case "3":
			panic("unexpected nil")
		}
		return rec.process(ctx, ev)
	}
	b := NewBatchScheduler(20*time.Millisecond, process, nil)

	for _, id := range []string{"1", "2", "3", "4"} {
		b.Enqueue(event(id))
	}
	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, []string{"1", "4"}, rec.ids())
}

func TestBatchScheduler_OrderAcrossCycles(t *testing.T) {
	rec := &recorder{}
	block := make(chan struct{})
	process := func(ctx context.Context, ev MutationEvent) error {
		if ev.ResourceID() == "1" {
			<-block
		}
		return rec.process(ctx, ev)
	}
	b := NewBatchScheduler(10*time.Millisecond, process, nil)

	b.Enqueue(event("1"))
	require.Eventually(t, func() bool { return b.State() == StateFlushing }, time.Second, time.Millisecond)

	// two more cycles fire while the first is still running
	b.Enqueue(event("2"))
	time.Sleep(30 * time.Millisecond)
	b.Enqueue(event("3"))
	time.Sleep(30 * time.Millisecond)
	close(block)

	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, []string{"1", "2", "3"}, rec.ids())
	assert.Equal(t, int64(3), b.Flushes())
}

func TestBatchScheduler_CloseFlushesImmediately(t *testing.T) {
	rec := &recorder{}
	b := NewBatchScheduler(time.Hour, rec.process, nil)
	b.Enqueue(event("1"))
	b.Enqueue(event("2"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, []string{"1", "2"}, rec.ids())

	b.Enqueue(event("3"))
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, []string{"1", "2"}, rec.ids())
}

func TestBatchScheduler_CloseHonorsDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	b := NewBatchScheduler(time.Millisecond, func(context.Context, MutationEvent) error {
		<-block
		return nil
	}, nil)
	b.Enqueue(event("1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)
}

func TestBatchScheduler_DefaultWindow(t *testing.T) {
	b := NewBatchScheduler(0, func(context.Context, MutationEvent) error { return nil }, nil)
	assert.Equal(t, DefaultBatchWindow, b.window)
	assert.Equal(t, "idle", b.State().String())
}
