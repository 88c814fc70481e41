package config

type Observability struct {
	ServiceName     string `mapstructure:"service_name" validate:"required"`
	TracingEndpoint string `mapstructure:"tracing_endpoint" validate:"omitempty,hostname_port"`
	MetricsEnabled  bool   `mapstructure:"metrics_enabled"`
}
