package webhook

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
)

type Options struct {
	Store       Store
	Enrichers   *EnricherRegistry
	BatchWindow time.Duration
	// Concurrency bounds parallel deliveries to the subscribers of one event.
	Concurrency int
	Delivery    DeliveryConfig
	Logger      logging.Logger
}

// System is the wired webhook pipeline a host application keeps for its
// lifetime.
type System struct {
	Interceptor *Interceptor
	Scheduler   *BatchScheduler
	Dispatcher  *Dispatcher
	Deliverer   *Deliverer
	Enrichers   *EnricherRegistry
}

func New(opts Options) *System {
	logger := glog.Ensure(opts.Logger)
	enrichers := opts.Enrichers
	if enrichers == nil {
		enrichers = NewEnricherRegistry()
	}

	deliverer := NewDeliverer(opts.Store, opts.Delivery, logger)
	dispatcher := NewDispatcher(
		NewResolver(opts.Store),
		NewFormatter(enrichers, logger),
		deliverer,
		opts.Concurrency,
		logger,
	)
	scheduler := NewBatchScheduler(opts.BatchWindow, dispatcher.Dispatch, logger)

	return &System{
		Interceptor: NewInterceptor(scheduler, logger),
		Scheduler:   scheduler,
		Dispatcher:  dispatcher,
		Deliverer:   deliverer,
		Enrichers:   enrichers,
	}
}

// Close flushes queued mutations and waits for their deliveries.
func (s *System) Close(ctx context.Context) error {
	return s.Scheduler.Close(ctx)
}
