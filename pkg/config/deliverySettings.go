package config

import "time"

// DeliverySettings tunes outbound webhook POSTs.
type DeliverySettings struct {
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Concurrency      int           `mapstructure:"concurrency" validate:"gt=0"`
	RateLimit        float64       `mapstructure:"rate_limit" validate:"gte=0"` // requests per second, 0 disables
	RateBurst        int           `mapstructure:"rate_burst" validate:"gte=0"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes" validate:"gt=0"`
}

// RetrySettings configures the retry schedule and the optional sweeper that re-drives it.
type RetrySettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseDelay    time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
}

// ServerSettings configures the HTTP intake and metrics listener. An empty Addr disables it.
type ServerSettings struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}
