package store

import (
	"slices"
	"time"
)

// WildcardEvent subscribes an endpoint to every event type.
const WildcardEvent = "*"

// WebhookEndpoint is a registered subscriber.
type WebhookEndpoint struct {
	ID            string     `json:"id" bson:"id" yaml:"id"`
	URL           string     `json:"url" bson:"url" yaml:"url"`
	Secret        string     `json:"secret,omitempty" bson:"secret" yaml:"secret"`
	Events        []string   `json:"events" bson:"events" yaml:"events"`
	IsActive      bool       `json:"is_active" bson:"is_active" yaml:"is_active"`
	FailureCount  int        `json:"failure_count" bson:"failure_count" yaml:"-"`
	LastTriggered *time.Time `json:"last_triggered,omitempty" bson:"last_triggered,omitempty" yaml:"-"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at" yaml:"-"`
	UpdatedAt     time.Time  `json:"updated_at" bson:"updated_at" yaml:"-"`
}

// Subscribes reports whether the endpoint is active and listens for eventType,
// either by exact name or through the wildcard.
func (e WebhookEndpoint) Subscribes(eventType string) bool {
	if !e.IsActive {
		return false
	}
	return slices.Contains(e.Events, eventType) || slices.Contains(e.Events, WildcardEvent)
}
