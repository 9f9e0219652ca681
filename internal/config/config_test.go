package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"courier/pkg/backoff"

	"github.com/caarlos0/env/v11"
)

func load(t *testing.T, vars map[string]string) (*ServiceConfig, error) {
	t.Helper()
	return parse(env.Options{Environment: vars})
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := load(t, map[string]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "8080" || cfg.MetricsPort != "9090" {
		t.Errorf("Unexpected ports %q/%q", cfg.Port, cfg.MetricsPort)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0] != "default" {
		t.Errorf("Queues = %v, want [default]", cfg.Queues)
	}
	if cfg.Store.Kind != StoreFile || cfg.Sink != SinkWebhook {
		t.Errorf("Unexpected store/sink %q/%q", cfg.Store.Kind, cfg.Sink)
	}

	dc := cfg.DeliveryConfig("default")
	if dc.MaxQueueSize != 1000 || dc.MaxAttempts != 5 {
		t.Errorf("Unexpected queue limits %+v", dc)
	}
	if dc.Backoff.BaseDelay != 500*time.Millisecond || dc.Backoff.MaxDelay != 10*time.Second || dc.Backoff.Jitter != 250*time.Millisecond {
		t.Errorf("Unexpected backoff %+v", dc.Backoff)
	}
	if dc.SendTimeout != 10*time.Second || dc.DrainInterval != time.Second || dc.DegradedThreshold != 3 {
		t.Errorf("Unexpected timing %+v", dc)
	}

	bc := cfg.BreakerRegistryConfig()
	if bc.FailureThreshold != 5 || bc.SuccessThreshold != 3 || bc.OpenTimeout != 30*time.Second {
		t.Errorf("Unexpected breaker config %+v", bc)
	}
	if cfg.GuardConfig().DedupeTTL != 60*time.Second {
		t.Errorf("Unexpected dedupe window %v", cfg.GuardConfig().DedupeTTL)
	}
	if b := cfg.BatcherConfig(); b.MaxBatchSize != 100 || b.MaxWaitTime != time.Second {
		t.Errorf("Unexpected batch config %+v", b)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "api-key")
	signingFile := filepath.Join(dir, "signing-key")
	if err := os.WriteFile(keyFile, []byte("api-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(signingFile, []byte("hmac-secret"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(t, map[string]string{
		"QUEUES":                   "orders,audit",
		"SINK":                     "s3",
		"S3_BUCKET":                "events",
		"S3_PATH_STYLE":            "true",
		"STORE_KIND":               "redis",
		"STORE_REDIS_ADDR":         "redis:6379",
		"QUEUE_MAX_ATTEMPTS":       "8",
		"QUEUE_BASE_DELAY":         "1s",
		"QUEUE_MAX_DELAY":          "1m",
		"BREAKER_OPEN_TIMEOUT":     "5s",
		"BATCH_MAX_SIZE":           "10",
		"LOG_LEVEL":                "debug",
		"API_KEY_FILE":             keyFile,
		"WEBHOOK_SIGNING_KEY_FILE": signingFile,
		"DEDUPE_WINDOW":            "2m",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(cfg.Queues) != 2 || cfg.Queues[1] != "audit" {
		t.Errorf("Queues = %v", cfg.Queues)
	}
	if cfg.APIKey != "api-secret" || cfg.Webhook.SigningKey != "hmac-secret" {
		t.Errorf("Secrets not loaded: %q %q", cfg.APIKey, cfg.Webhook.SigningKey)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.Store.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q", cfg.Store.RedisAddr)
	}
	if dc := cfg.DeliveryConfig("orders"); dc.MaxAttempts != 8 || dc.Backoff.MaxDelay != time.Minute {
		t.Errorf("Unexpected delivery config %+v", dc)
	}
	if cfg.BreakerRegistryConfig().OpenTimeout != 5*time.Second {
		t.Error("BREAKER_OPEN_TIMEOUT not applied")
	}
	if oc := cfg.ObjectStoreConfig(); oc.Bucket != "events" || !oc.PathStyle || oc.Prefix != "courier" {
		t.Errorf("Unexpected object store config %+v", oc)
	}
	if cfg.GuardConfig().DedupeTTL != 2*time.Minute {
		t.Error("DEDUPE_WINDOW not applied")
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"unknown store", map[string]string{"STORE_KIND": "mongo"}, "STORE_KIND"},
		{"unknown sink", map[string]string{"SINK": "ftp"}, "SINK"},
		{"s3 without bucket", map[string]string{"SINK": "s3"}, "S3_BUCKET"},
		{"postgres without dsn", map[string]string{"STORE_KIND": "postgres"}, "STORE_POSTGRES_DSN"},
		{"unsafe queue name", map[string]string{"QUEUES": "../etc"}, "QUEUES"},
		{"duplicate queue", map[string]string{"QUEUES": "a,a"}, "listed twice"},
		{"inverted delays", map[string]string{"QUEUE_BASE_DELAY": "5s", "QUEUE_MAX_DELAY": "1s"}, "QUEUE_MAX_DELAY"},
		{"bad duration", map[string]string{"QUEUE_SEND_TIMEOUT": "soon"}, "parse environment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(t, tt.vars)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDeliveryConfig_ZeroJitterDisablesJitter(t *testing.T) {
	t.Parallel()
	cfg, err := load(t, map[string]string{"QUEUE_JITTER": "0s"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	p := cfg.DeliveryConfig("default").Backoff
	if p.Jitter >= 0 {
		t.Fatalf("Expected jitter to be disabled, got %v", p.Jitter)
	}
	if d := backoff.NewCalculator(p, 1).Policy().Jitter; d != 0 {
		t.Errorf("Effective jitter = %v, want 0", d)
	}
}
