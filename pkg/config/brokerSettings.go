package config

// BrokerSettings holds configuration for the message broker the sidecar consumes
// committed mutations from. An empty Type disables the feed.
type BrokerSettings struct {
	Type         string `mapstructure:"type" validate:"omitempty,oneof=rabbitmq gcp-pubsub redis"`
	URL          string `mapstructure:"url"`
	Exchange     string `mapstructure:"exchange"`
	Queue        string `mapstructure:"queue"`
	RoutingKey   string `mapstructure:"routing_key"`
	ProjectID    string `mapstructure:"project_id"`   // GCP Pub/Sub only
	Subscription string `mapstructure:"subscription"` // GCP Pub/Sub only
	Channel      string `mapstructure:"channel"`      // Redis only
	Prefetch     int    `mapstructure:"prefetch" validate:"gte=0"`
}
