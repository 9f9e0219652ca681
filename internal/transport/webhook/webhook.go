// Package webhook delivers envelopes as CloudEvents over HTTP POST.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"courier/internal/delivery"
	"courier/pkg/cloudevent"

	"github.com/jonboulle/clockwork"
)

// Config for the webhook sink.
type Config struct {
	URL        string // default endpoint
	Source     string // CloudEvent source
	EventType  string // CloudEvent type
	SigningKey string // optional HMAC key
	Timeout    time.Duration
}

// Transport posts each envelope to a receiver.
type Transport struct {
	cfg    Config
	sender *cloudevent.Sender
	clock  clockwork.Clock
}

// Option configures a Transport.
type Option func(*Transport)

// WithSender replaces the HTTP sender.
func WithSender(s *cloudevent.Sender) Option {
	return func(t *Transport) { t.sender = s }
}

// WithClock sets the clock stamping event times.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// New creates a webhook transport.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.Source == "" {
		cfg.Source = "courier"
	}
	if cfg.EventType == "" {
		cfg.EventType = "io.courier.delivery"
	}
	t := &Transport{
		cfg:    cfg,
		sender: cloudevent.NewSender(cfg.Timeout),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Target resolves the endpoint for a resource. An absolute http(s) resource
// key is used as the URL itself; anything else goes to the configured URL.
func (t *Transport) Target(resource string) (string, error) {
	if strings.HasPrefix(resource, "http://") || strings.HasPrefix(resource, "https://") {
		if _, err := url.ParseRequestURI(resource); err == nil {
			return resource, nil
		}
	}
	if t.cfg.URL == "" {
		return "", fmt.Errorf("no webhook URL for resource %q", resource)
	}
	return t.cfg.URL, nil
}

// Send implements delivery.Transport. 409 means the receiver already has the
// key; 408, 429 and 5xx are transient; any other 4xx is permanent.
func (t *Transport) Send(ctx context.Context, env delivery.Envelope) (delivery.Result, error) {
	target, err := t.Target(env.ResourceKey)
	if err != nil {
		return delivery.Result{}, delivery.Permanent(err)
	}

	event := cloudevent.New(t.cfg.EventType, t.cfg.Source, env.Queue, env.IdempotencyKey, env.Payload, t.clock.Now())
	err = t.sender.Send(ctx, target, event, cloudevent.SendOptions{
		SigningKey: t.cfg.SigningKey,
		Header: map[string]string{
			"X-Idempotency-Key":  env.IdempotencyKey,
			"X-Delivery-Attempt": fmt.Sprint(env.Attempt),
		},
	})
	if err == nil {
		return delivery.Result{}, nil
	}

	var he *cloudevent.HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusConflict:
			return delivery.Result{Duplicate: true}, nil
		case he.Retryable():
			return delivery.Result{}, err
		default:
			return delivery.Result{}, delivery.Permanent(err)
		}
	}
	return delivery.Result{}, err
}

var _ delivery.Transport = (*Transport)(nil)
