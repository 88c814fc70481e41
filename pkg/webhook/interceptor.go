package webhook

import (
	"context"
	"fmt"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"github.com/zoff-tech/go-webhooks/pkg/metrics"
	"github.com/zoff-tech/go-webhooks/schema"
)

// AfterOperationHook is the post-commit hook of one entity's mutation pipeline.
type AfterOperationHook func(ctx context.Context, op Operation, item, original Record) error

// Enqueuer accepts mutation events without blocking.
type Enqueuer interface {
	Enqueue(ev MutationEvent)
}

// Interceptor is the entry point of committed mutations. Nothing it does can
// fail or panic back into the caller's mutation.
type Interceptor struct {
	queue  Enqueuer
	logger logging.Logger
}

func NewInterceptor(queue Enqueuer, logger logging.Logger) *Interceptor {
	return &Interceptor{queue: queue, logger: glog.Ensure(logger)}
}

// OnMutationCommitted queues a webhook event for a committed mutation.
func (i *Interceptor) OnMutationCommitted(ctx context.Context, listKey string, op Operation, item, original Record) {
	i.submit("hook", NewMutationEvent(ctx, listKey, op, item, original))
}

// Accept queues a mutation received from a broker or the HTTP intake.
func (i *Interceptor) Accept(ctx context.Context, source string, msg schema.MutationMessage) {
	i.submit(source, FromMessage(ctx, msg))
}

func (i *Interceptor) submit(source string, ev MutationEvent) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("failed to queue mutation event", "list_key", ev.ListKey, "panic", r)
		}
	}()

	metrics.MutationsReceived.WithLabelValues(source, string(ev.Operation)).Inc()
	i.queue.Enqueue(ev)
}

// Wrap returns a hook for listKey that runs existing first and then queues
// the webhook event. Errors and panics of existing are logged; the returned
// hook always succeeds.
func (i *Interceptor) Wrap(listKey string, existing AfterOperationHook) AfterOperationHook {
	return func(ctx context.Context, op Operation, item, original Record) error {
		if existing != nil {
			if err := runHook(ctx, existing, op, item, original); err != nil {
				i.logger.WithContext(ctx).Error("after-operation hook failed", "list_key", listKey, "operation", op, "error", err)
			}
		}
		i.OnMutationCommitted(ctx, listKey, op, item, original)
		return nil
	}
}

// WrapAll wraps the hook of every list key. Lists without a hook get one that
// only queues webhook events.
func (i *Interceptor) WrapAll(listKeys []string, existing map[string]AfterOperationHook) map[string]AfterOperationHook {
	hooks := make(map[string]AfterOperationHook, len(listKeys))
	for _, listKey := range listKeys {
		hooks[listKey] = i.Wrap(listKey, existing[listKey])
	}
	return hooks
}

func runHook(ctx context.Context, hook AfterOperationHook, op Operation, item, original Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(ctx, op, item, original)
}
