package store

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// MemoryRepository keeps endpoints and delivery rows in process memory.
// It backs tests and single-node deployments without a database.
type MemoryRepository struct {
	mu        sync.RWMutex
	endpoints map[string]WebhookEndpoint
	events    map[string]WebhookEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		endpoints: make(map[string]WebhookEndpoint),
		events:    make(map[string]WebhookEvent),
	}
}

type seedFile struct {
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// LoadSeedFile registers the endpoints listed in a YAML file. Entries without
// an id get a generated one.
func (m *MemoryRepository) LoadSeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	for i := range seed.Endpoints {
		endpoint := seed.Endpoints[i]
		if endpoint.URL == "" {
			return fmt.Errorf("seed endpoint %d: url is required", i)
		}
		if err := m.CreateEndpoint(ctx, &endpoint); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryRepository) FindActive(_ context.Context) ([]WebhookEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var endpoints []WebhookEndpoint
	for _, endpoint := range m.endpoints {
		if endpoint.IsActive {
			endpoints = append(endpoints, cloneEndpoint(endpoint))
		}
	}
	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].CreatedAt.Equal(endpoints[j].CreatedAt) {
			return endpoints[i].ID < endpoints[j].ID
		}
		return endpoints[i].CreatedAt.Before(endpoints[j].CreatedAt)
	})
	return endpoints, nil
}

func (m *MemoryRepository) GetEndpoint(_ context.Context, id string) (*WebhookEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	endpoint, ok := m.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	endpoint = cloneEndpoint(endpoint)
	return &endpoint, nil
}

func (m *MemoryRepository) CreateEndpoint(_ context.Context, endpoint *WebhookEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if endpoint.ID == "" {
		endpoint.ID = uuid.NewString()
	}
	if _, exists := m.endpoints[endpoint.ID]; exists {
		return fmt.Errorf("endpoint %s already exists", endpoint.ID)
	}
	now := time.Now().UTC()
	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = now
	}
	if endpoint.UpdatedAt.IsZero() {
		endpoint.UpdatedAt = now
	}
	m.endpoints[endpoint.ID] = cloneEndpoint(*endpoint)
	return nil
}

func (m *MemoryRepository) MarkTriggered(_ context.Context, id string, at time.Time, resetFailures bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint, ok := m.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	endpoint.LastTriggered = &at
	if resetFailures {
		endpoint.FailureCount = 0
	}
	endpoint.UpdatedAt = time.Now().UTC()
	m.endpoints[id] = endpoint
	return nil
}

func (m *MemoryRepository) IncrementFailureCount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint, ok := m.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	endpoint.FailureCount++
	endpoint.UpdatedAt = time.Now().UTC()
	m.endpoints[id] = endpoint
	return nil
}

func (m *MemoryRepository) CreateEvent(_ context.Context, event *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[event.ID]; exists {
		return fmt.Errorf("event %s already exists", event.ID)
	}
	m.events[event.ID] = cloneEvent(*event)
	return nil
}

func (m *MemoryRepository) GetEvent(_ context.Context, id string) (*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	event, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	event = cloneEvent(event)
	return &event, nil
}

func (m *MemoryRepository) RecordOutcome(_ context.Context, id string, outcome DeliveryOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	last := outcome.LastAttempt.UTC()
	event.Delivered = outcome.Delivered
	event.ResponseStatus = outcome.ResponseStatus
	event.ResponseBody = outcome.ResponseBody
	event.DeliveryAttempts = outcome.DeliveryAttempts
	event.LastAttempt = &last
	event.NextAttempt = nil
	if outcome.NextAttempt != nil {
		next := outcome.NextAttempt.UTC()
		event.NextAttempt = &next
	}
	m.events[id] = event
	return nil
}

func (m *MemoryRepository) ClaimDue(_ context.Context, now time.Time, maxAttempts, limit int, leaseUntil time.Time) ([]WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []WebhookEvent
	for _, event := range m.events {
		if event.Delivered || event.NextAttempt == nil || event.NextAttempt.After(now) {
			continue
		}
		if event.DeliveryAttempts >= maxAttempts {
			continue
		}
		due = append(due, event)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttempt.Before(*due[j].NextAttempt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	lease := leaseUntil.UTC()
	claimed := make([]WebhookEvent, 0, len(due))
	for _, event := range due {
		event.NextAttempt = &lease
		m.events[event.ID] = event
		claimed = append(claimed, cloneEvent(event))
	}
	return claimed, nil
}

func (m *MemoryRepository) Close() error {
	return nil
}

func cloneEndpoint(endpoint WebhookEndpoint) WebhookEndpoint {
	endpoint.Events = slices.Clone(endpoint.Events)
	if endpoint.LastTriggered != nil {
		t := *endpoint.LastTriggered
		endpoint.LastTriggered = &t
	}
	return endpoint
}

func cloneEvent(event WebhookEvent) WebhookEvent {
	event.Payload = slices.Clone(event.Payload)
	if event.LastAttempt != nil {
		t := *event.LastAttempt
		event.LastAttempt = &t
	}
	if event.NextAttempt != nil {
		t := *event.NextAttempt
		event.NextAttempt = &t
	}
	return event
}
