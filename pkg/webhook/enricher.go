package webhook

import (
	"context"
	"sync"
)

// Enricher augments a record before it is sent to subscribers, for example by
// resolving related entities.
type Enricher interface {
	Enrich(ctx context.Context, record Record) (Record, error)
}

type EnricherFunc func(ctx context.Context, record Record) (Record, error)

func (f EnricherFunc) Enrich(ctx context.Context, record Record) (Record, error) {
	return f(ctx, record)
}

// EnricherRegistry maps list keys to their enricher.
type EnricherRegistry struct {
	mu        sync.RWMutex
	enrichers map[string]Enricher
}

func NewEnricherRegistry() *EnricherRegistry {
	return &EnricherRegistry{enrichers: make(map[string]Enricher)}
}

// Register sets the enricher for listKey, replacing any previous one.
func (r *EnricherRegistry) Register(listKey string, enricher Enricher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrichers[listKey] = enricher
}

func (r *EnricherRegistry) Lookup(listKey string) (Enricher, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	enricher, ok := r.enrichers[listKey]
	return enricher, ok
}
