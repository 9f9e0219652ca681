package cloudevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPError_Retryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		retryable  bool
		client     bool
	}{
		{400, false, true},
		{404, false, true},
		{408, true, true},
		{409, false, true},
		{429, true, true},
		{500, true, false},
		{503, true, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("HTTP %d", tt.statusCode), func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if got := err.Error(); got != fmt.Sprintf("HTTP %d", tt.statusCode) {
				t.Errorf("Error() = %q", got)
			}
			if got := err.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsClientError(fmt.Errorf("wrapped: %w", err)); got != tt.client {
				t.Errorf("IsClientError() = %v, want %v", got, tt.client)
			}
		})
	}
}

func TestIsClientError_NonHTTP(t *testing.T) {
	t.Parallel()
	if IsClientError(context.DeadlineExceeded) {
		t.Error("expected non-HTTP error to not be a client error")
	}
	if IsClientError(nil) {
		t.Error("expected nil to not be a client error")
	}
}

func TestSignature(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)

	sig := Signature(payload, "secret-key")
	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if sig != Signature(payload, "secret-key") {
		t.Error("signature should be deterministic")
	}
	if sig == Signature(payload, "different-key") {
		t.Error("different keys should produce different signatures")
	}
	if !Verify(payload, "secret-key", sig) {
		t.Error("expected Verify to accept its own signature")
	}
	if Verify([]byte(`{}`), "secret-key", sig) {
		t.Error("expected Verify to reject a different payload")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	event := New("courier.delivery", "courier/orders", "res-1", "evt-1", json.RawMessage(`{"n":1}`), at)
	err := NewSender(time.Second).Send(context.Background(), srv.URL, event, SendOptions{
		SigningKey: "k",
		Header:     map[string]string{"X-Idempotency-Key": "idem-1"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	for header, want := range map[string]string{
		"Content-Type":      "application/cloudevents+json",
		"Ce-Specversion":    "1.0",
		"Ce-Type":           "courier.delivery",
		"Ce-Source":         "courier/orders",
		"Ce-Subject":        "res-1",
		"Ce-Id":             "evt-1",
		"Ce-Time":           "2024-05-01T12:00:00Z",
		"X-Idempotency-Key": "idem-1",
		"X-Signature-256":   Signature(body, "k"),
	} {
		if v := got.Header.Get(header); v != want {
			t.Errorf("header %s = %q, want %q", header, v, want)
		}
	}

	var decoded CloudEvent
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if string(decoded.Data) != `{"n":1}` {
		t.Errorf("data = %s", decoded.Data)
	}
}

func TestSender_SendErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	event := New("t", "s", "", "id", nil, time.Now())
	err := NewSender(time.Second).Send(context.Background(), srv.URL, event, SendOptions{})

	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected HTTP 503 error, got %v", err)
	}
}
