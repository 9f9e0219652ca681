// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"courier/internal/delivery"
	"courier/internal/store"
	"courier/internal/transport/objectstore"
	"courier/internal/transport/webhook"
	"courier/pkg/backoff"
	"courier/pkg/batch"
	"courier/pkg/circuitbreaker"
	"courier/pkg/idempotency"

	"github.com/caarlos0/env/v11"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePebble   = "pebble"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Sink kinds.
const (
	SinkWebhook = "webhook"
	SinkS3      = "s3"
)

// ServiceConfig holds configuration for the courier service.
type ServiceConfig struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	MetricsPort       string        `env:"METRICS_PORT" envDefault:"9090"`
	APIKeyFile        string        `env:"API_KEY_FILE"`
	APIKey            string        `env:"-"`
	LogLevel          slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownDrainWait time.Duration `env:"SHUTDOWN_DRAIN_WAIT" envDefault:"5s"` // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"25s"`

	Queues       []string      `env:"QUEUES" envDefault:"default" envSeparator:","`
	Sink         string        `env:"SINK" envDefault:"webhook"`
	DedupeWindow time.Duration `env:"DEDUPE_WINDOW" envDefault:"60s"`

	Store   StoreConfig   `envPrefix:"STORE_"`
	Breaker BreakerConfig `envPrefix:"BREAKER_"`
	Queue   QueueConfig   `envPrefix:"QUEUE_"`
	Batch   BatchConfig   `envPrefix:"BATCH_"`
	Webhook WebhookConfig `envPrefix:"WEBHOOK_"`
	S3      S3Config      `envPrefix:"S3_"`
}

// StoreConfig selects and configures queue persistence.
type StoreConfig struct {
	Kind          string `env:"KIND" envDefault:"file"`
	Dir           string `env:"DIR" envDefault:"./data"`
	PebbleNoSync  bool   `env:"PEBBLE_NO_SYNC"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`
	RedisPrefix   string `env:"REDIS_PREFIX"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
}

// BreakerConfig configures the shared breaker registry.
type BreakerConfig struct {
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD" envDefault:"3"`
	OpenTimeout      time.Duration `env:"OPEN_TIMEOUT" envDefault:"30s"`
}

// QueueConfig applies to every configured queue.
type QueueConfig struct {
	MaxSize           int           `env:"MAX_SIZE" envDefault:"1000"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay         time.Duration `env:"BASE_DELAY" envDefault:"500ms"`
	MaxDelay          time.Duration `env:"MAX_DELAY" envDefault:"10s"`
	Jitter            time.Duration `env:"JITTER" envDefault:"250ms"`
	SendTimeout       time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
	DrainInterval     time.Duration `env:"DRAIN_INTERVAL" envDefault:"1s"`
	DegradedThreshold int           `env:"DEGRADED_THRESHOLD" envDefault:"3"`
}

// BatchConfig configures the batch sink in front of each queue.
type BatchConfig struct {
	MaxSize  int           `env:"MAX_SIZE" envDefault:"100"`
	MaxWait  time.Duration `env:"MAX_WAIT" envDefault:"1s"`
	Resource string        `env:"RESOURCE" envDefault:"batch"`
}

// WebhookConfig configures the HTTP sink.
type WebhookConfig struct {
	URL            string        `env:"URL"`
	Source         string        `env:"SOURCE" envDefault:"courier"`
	EventType      string        `env:"EVENT_TYPE" envDefault:"io.courier.delivery"`
	SigningKeyFile string        `env:"SIGNING_KEY_FILE"`
	SigningKey     string        `env:"-"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// S3Config configures the object store sink.
type S3Config struct {
	Bucket    string `env:"BUCKET"`
	Prefix    string `env:"PREFIX" envDefault:"courier"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	Endpoint  string `env:"ENDPOINT"`
	PathStyle bool   `env:"PATH_STYLE"`
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() (*ServiceConfig, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.APIKey = GetSecretFile(cfg.APIKeyFile)
	cfg.Webhook.SigningKey = GetSecretFile(cfg.Webhook.SigningKeyFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *ServiceConfig) Validate() error {
	var errs []error
	if len(c.Queues) == 0 {
		errs = append(errs, errors.New("QUEUES must name at least one queue"))
	}
	for i, name := range c.Queues {
		if err := store.ValidateQueue(name); err != nil {
			errs = append(errs, fmt.Errorf("QUEUES: %w", err))
		}
		if slices.Contains(c.Queues[:i], name) {
			errs = append(errs, fmt.Errorf("QUEUES: %q listed twice", name))
		}
	}

	switch c.Store.Kind {
	case StoreMemory, StoreFile, StorePebble, StoreRedis:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("STORE_POSTGRES_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_KIND %q", c.Store.Kind))
	}

	switch c.Sink {
	case SinkWebhook:
	case SinkS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SINK %q", c.Sink))
	}

	if c.Queue.MaxDelay < c.Queue.BaseDelay {
		errs = append(errs, errors.New("QUEUE_MAX_DELAY must not be below QUEUE_BASE_DELAY"))
	}
	return errors.Join(errs...)
}

// DeliveryConfig returns the queue configuration for name.
func (c *ServiceConfig) DeliveryConfig(name string) delivery.Config {
	// The env default already supplies the jitter, so an explicit 0 disables it.
	jitter := c.Queue.Jitter
	if jitter == 0 {
		jitter = -1
	}
	return delivery.Config{
		Name:         name,
		MaxQueueSize: c.Queue.MaxSize,
		MaxAttempts:  c.Queue.MaxAttempts,
		Backoff: backoff.Policy{
			BaseDelay: c.Queue.BaseDelay,
			MaxDelay:  c.Queue.MaxDelay,
			Jitter:    jitter,
		},
		SendTimeout:       c.Queue.SendTimeout,
		DrainInterval:     c.Queue.DrainInterval,
		DegradedThreshold: c.Queue.DegradedThreshold,
	}
}

// BreakerRegistryConfig returns the shared breaker configuration.
func (c *ServiceConfig) BreakerRegistryConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		OpenTimeout:      c.Breaker.OpenTimeout,
	}
}

// GuardConfig returns the shared idempotency guard configuration.
func (c *ServiceConfig) GuardConfig() idempotency.Config {
	return idempotency.Config{DedupeTTL: c.DedupeWindow}
}

// BatcherConfig returns the batch sink configuration.
func (c *ServiceConfig) BatcherConfig() batch.Config {
	return batch.Config{MaxBatchSize: c.Batch.MaxSize, MaxWaitTime: c.Batch.MaxWait}
}

// WebhookTransportConfig returns the webhook sink configuration.
func (c *ServiceConfig) WebhookTransportConfig() webhook.Config {
	return webhook.Config{
		URL:        c.Webhook.URL,
		Source:     c.Webhook.Source,
		EventType:  c.Webhook.EventType,
		SigningKey: c.Webhook.SigningKey,
		Timeout:    c.Webhook.Timeout,
	}
}

// ObjectStoreConfig returns the S3 sink configuration.
func (c *ServiceConfig) ObjectStoreConfig() objectstore.Config {
	return objectstore.Config{
		Bucket:    c.S3.Bucket,
		Prefix:    c.S3.Prefix,
		Region:    c.S3.Region,
		Endpoint:  c.S3.Endpoint,
		PathStyle: c.S3.PathStyle,
	}
}
