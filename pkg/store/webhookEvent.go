package store

import "time"

// WebhookEvent is the audit row of one delivery sequence to one endpoint.
// Retries update the same row.
type WebhookEvent struct {
	ID               string     `json:"id" bson:"id"`
	EventType        string     `json:"event_type" bson:"event_type"`
	ResourceType     string     `json:"resource_type" bson:"resource_type"`
	ResourceID       string     `json:"resource_id" bson:"resource_id"`
	Payload          []byte     `json:"payload" bson:"payload"`
	EndpointID       string     `json:"endpoint_id" bson:"endpoint_id"`
	Delivered        bool       `json:"delivered" bson:"delivered"`
	ResponseStatus   int        `json:"response_status" bson:"response_status"`
	ResponseBody     string     `json:"response_body" bson:"response_body"`
	DeliveryAttempts int        `json:"delivery_attempts" bson:"delivery_attempts"`
	LastAttempt      *time.Time `json:"last_attempt,omitempty" bson:"last_attempt,omitempty"`
	NextAttempt      *time.Time `json:"next_attempt,omitempty" bson:"next_attempt,omitempty"`
	CreatedAt        time.Time  `json:"created_at" bson:"created_at"`
}

// DeliveryOutcome is written back to a WebhookEvent after an attempt.
type DeliveryOutcome struct {
	Delivered        bool
	ResponseStatus   int
	ResponseBody     string
	DeliveryAttempts int
	LastAttempt      time.Time
	NextAttempt      *time.Time // nil when no further attempt is scheduled
}
