package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "WEBHOOKS"

type Settings struct {
	Database      DbSettings       `mapstructure:"database"`
	Broker        BrokerSettings   `mapstructure:"broker"`
	Server        ServerSettings   `mapstructure:"server"`
	BatchWindow   time.Duration    `mapstructure:"batch_window" validate:"gt=0"`
	Delivery      DeliverySettings `mapstructure:"delivery"`
	Retry         RetrySettings    `mapstructure:"retry"`
	Observability Observability    `mapstructure:"observability"`
	LogLevel      string           `mapstructure:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat     string           `mapstructure:"log_format" validate:"omitempty,oneof=console json pretty"`
}

var defaults = map[string]any{
	"database.type":               "memory",
	"database.db_name":            "webhooks",
	"broker.exchange":             "mutations",
	"broker.queue":                "webhook-sidecar",
	"broker.routing_key":          "#",
	"broker.subscription":         "webhook-sidecar",
	"broker.channel":              "mutations",
	"broker.prefetch":             16,
	"server.addr":                 ":8080",
	"server.shutdown_timeout":     10 * time.Second,
	"batch_window":                100 * time.Millisecond,
	"delivery.timeout":            10 * time.Second,
	"delivery.concurrency":        4,
	"delivery.max_response_bytes": 64 << 10,
	"retry.base_delay":            time.Minute,
	"retry.max_delay":             24 * time.Hour,
	"retry.max_attempts":          5,
	"retry.poll_interval":         30 * time.Second,
	"retry.batch_size":            50,
	"observability.service_name":  "go-webhooks",
	"log_level":                   "info",
	"log_format":                  "console",
}

// Default returns the settings used when neither a file nor the environment override a key.
func Default() *Settings {
	v := viper.New()
	applyDefaults(v)
	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Database.Type {
	case "postgres", "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for %s", c.Database.Type)
		}
	case "mongo", "spanner":
		if c.Database.URI == "" {
			return fmt.Errorf("database.uri is required for %s", c.Database.Type)
		}
	}

	switch c.Broker.Type {
	case "rabbitmq", "redis":
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url is required for %s", c.Broker.Type)
		}
	case "gcp-pubsub":
		if c.Broker.ProjectID == "" {
			return errors.New("broker.project_id is required for gcp-pubsub")
		}
	}
	return nil
}

// LoadFromFile reads sidecar.yaml from filePath (or the working directory), merges
// sidecar.<ENVIRONMENT>.yaml when present, then applies WEBHOOKS_* environment overrides.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	applyDefaults(viper.GetViper())
	viper.SetConfigType("yaml")
	viper.SetConfigName("sidecar")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	if err := mergeConfig(filePath, "sidecar."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like WEBHOOKS_DATABASE_TYPE
	viper.AutomaticEnv()

	// Bind environment variables explicitly so keys without a default still unmarshal
	for _, key := range []string{
		"database.type",
		"database.dsn",
		"database.uri",
		"database.db_name",
		"database.migrate",
		"database.seed_file",
		"broker.type",
		"broker.url",
		"broker.exchange",
		"broker.queue",
		"broker.routing_key",
		"broker.project_id",
		"broker.subscription",
		"broker.channel",
		"broker.prefetch",
		"server.addr",
		"server.shutdown_timeout",
		"batch_window",
		"delivery.timeout",
		"delivery.concurrency",
		"delivery.rate_limit",
		"delivery.rate_burst",
		"delivery.max_response_bytes",
		"retry.enabled",
		"retry.base_delay",
		"retry.max_delay",
		"retry.max_attempts",
		"retry.poll_interval",
		"retry.batch_size",
		"observability.service_name",
		"observability.tracing_endpoint",
		"observability.metrics_enabled",
		"log_level",
		"log_format",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func applyDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
