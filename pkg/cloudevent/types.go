// Package cloudevent provides CloudEvents 1.0 envelopes and an HTTP sender
// using the structured content mode.
package cloudevent

import (
	"encoding/json"
	"time"
)

// SpecVersion is the CloudEvents version emitted by this package.
const SpecVersion = "1.0"

// CloudEvent represents a CloudEvents 1.0 event whose data is raw JSON.
type CloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject,omitempty"`
	ID              string          `json:"id"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// New creates an event stamped with at (UTC).
func New(eventType, source, subject, id string, data json.RawMessage, at time.Time) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            at.UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
