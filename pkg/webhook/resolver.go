package webhook

import (
	"context"

	"github.com/zoff-tech/go-webhooks/pkg/store"
)

// Resolver finds the endpoints subscribed to an event type.
type Resolver struct {
	endpoints store.EndpointRepository
}

func NewResolver(endpoints store.EndpointRepository) *Resolver {
	return &Resolver{endpoints: endpoints}
}

// Resolve returns the active endpoints listening for eventType directly or
// through the wildcard. No match is an empty result, not an error.
func (r *Resolver) Resolve(ctx context.Context, eventType string) ([]store.WebhookEndpoint, error) {
	active, err := r.endpoints.FindActive(ctx)
	if err != nil {
		return nil, err
	}

	var matched []store.WebhookEndpoint
	for _, endpoint := range active {
		if endpoint.Subscribes(eventType) {
			matched = append(matched, endpoint)
		}
	}
	return matched, nil
}
