// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrQueue    = "queue"
	attrResource = "resource"
	attrState    = "state"
	attrEvent    = "event"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func queueAttr(queue string) attribute.KeyValue {
	return attribute.String(attrQueue, queue)
}

func resourceAttr(resource string) attribute.KeyValue {
	return attribute.String(attrResource, resource)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func eventAttr(kind string) attribute.KeyValue {
	return attribute.String(attrEvent, kind)
}

// normalizePath replaces item ids and breaker names with placeholders.
// Queue names are kept: they are configured, not user supplied.
//
//	/v1/queues/orders/items/abc/retry -> /v1/queues/orders/items/{id}/retry
//	/v1/breakers/billing/reset        -> /v1/breakers/{resource}/reset
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	switch {
	case len(parts) >= 6 && parts[1] == "v1" && parts[2] == "queues" && parts[4] == "items":
		parts[5] = "{id}"
	case len(parts) >= 4 && parts[1] == "v1" && parts[2] == "breakers":
		parts[3] = "{resource}"
	default:
		return path
	}
	return strings.Join(parts, "/")
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithQueue returns a metric option with the queue attribute.
func WithQueue(queue string) metric.MeasurementOption {
	return metric.WithAttributes(queueAttr(queue))
}
