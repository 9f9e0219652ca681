// Package api provides the HTTP API handlers and routing for the courier service.
package api

import (
	"cmp"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"courier/internal/apperrors"
	"courier/internal/delivery"
	"courier/internal/health"
	"courier/pkg/circuitbreaker"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// idempotencyHeader may carry the idempotency key instead of the body.
const idempotencyHeader = "X-Idempotency-Key"

// Handler contains HTTP handlers for the courier API
type Handler struct {
	queues   map[string]*delivery.Queue
	sinks    map[string]*delivery.BatchSink
	breakers *circuitbreaker.Registry
	health   *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(queues []*delivery.Queue, sinks map[string]*delivery.BatchSink, breakers *circuitbreaker.Registry, healthChecker *health.Checker) *Handler {
	byName := make(map[string]*delivery.Queue, len(queues))
	for _, q := range queues {
		byName[q.Name()] = q
	}
	return &Handler{
		queues:   byName,
		sinks:    sinks,
		breakers: breakers,
		health:   healthChecker,
	}
}

// itemRequest is the body of enqueue and direct send requests.
type itemRequest struct {
	Payload        json.RawMessage `json:"payload"`
	ResourceKey    string          `json:"resourceKey"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type enqueueResponse struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

type sendResponse struct {
	Duplicate bool `json:"duplicate"`
}

type eventResponse struct {
	ItemID string `json:"itemId"`
}

type itemsResponse struct {
	Items []delivery.Item `json:"items"`
}

type breakersResponse struct {
	Stats    circuitbreaker.RegistryStats `json:"stats"`
	Breakers []circuitbreaker.Stats       `json:"breakers"`
}

// Enqueue handles POST /v1/queues/{queue}/items
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeItem(w, r)
	if !ok {
		return
	}

	id, err := q.Enqueue(r.Context(), delivery.EnqueueRequest(req))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Queue: q.Name()})
}

// ListItems handles GET /v1/queues/{queue}/items
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	status := delivery.Status(r.URL.Query().Get("status"))
	switch status {
	case "", delivery.StatusPending, delivery.StatusFailed:
	default:
		h.handleError(w, r, apperrors.Validation("status", "status must be pending or failed"))
		return
	}

	items := q.Snapshot()
	if status != "" {
		filtered := items[:0]
		for _, it := range items {
			if it.Status == status {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	writeJSON(w, http.StatusOK, itemsResponse{Items: items})
}

// GetItem handles GET /v1/queues/{queue}/items/{id}
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	it, err := q.Item(chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, it)
}

// RetryItem handles POST /v1/queues/{queue}/items/{id}/retry
func (h *Handler) RetryItem(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	if err := q.Requeue(chi.URLParam(r, "id")); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// PurgeItem handles DELETE /v1/queues/{queue}/items/{id}
func (h *Handler) PurgeItem(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	if err := q.Purge(chi.URLParam(r, "id")); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AddEvent handles POST /v1/queues/{queue}/events. The body is one raw JSON
// event; the response is sent once the event's batch is enqueued.
func (h *Handler) AddEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	sink, ok := h.sinks[name]
	if !ok {
		h.handleError(w, r, apperrors.NotFound("queue", name))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if !json.Valid(body) {
		h.handleError(w, r, apperrors.Validation("event", "event must be valid JSON"))
		return
	}

	id, err := sink.Add(body).Wait(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, eventResponse{ItemID: id})
}

// Send handles POST /v1/queues/{queue}/send, a direct delivery that
// bypasses the queue but shares its breakers and idempotency guard.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeItem(w, r)
	if !ok {
		return
	}

	res, err := q.Send(r.Context(), delivery.SendRequest(req))
	if err != nil {
		var open *delivery.CircuitOpenError
		if errors.As(err, &open) && !open.RetryAt.IsZero() {
			secs := math.Ceil(time.Until(open.RetryAt).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(secs))))
		}
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{Duplicate: res.Duplicate})
}

// QueueStats handles GET /v1/queues/{queue}/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, q.Stats())
}

// ListQueues handles GET /v1/queues
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	stats := make([]delivery.Stats, 0, len(h.queues))
	for _, q := range h.queues {
		stats = append(stats, q.Stats())
	}
	slices.SortFunc(stats, func(a, b delivery.Stats) int {
		return cmp.Compare(a.Queue, b.Queue)
	})
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

// ListBreakers handles GET /v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, breakersResponse{
		Stats:    h.breakers.Stats(),
		Breakers: h.breakers.Snapshot(),
	})
}

// ResetBreaker handles POST /v1/breakers/{resource}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	if !h.breakers.ResetOne(resource) {
		h.handleError(w, r, apperrors.NotFound("breaker", resource))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness check.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness check.
// Degraded queues still return 200; unhealthy checks return 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) (*delivery.Queue, bool) {
	name := chi.URLParam(r, "queue")
	q, ok := h.queues[name]
	if !ok {
		h.handleError(w, r, apperrors.NotFound("queue", name))
		return nil, false
	}
	return q, true
}

func (h *Handler) decodeItem(w http.ResponseWriter, r *http.Request) (itemRequest, bool) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return itemRequest{}, false
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(idempotencyHeader)
	}
	return req, true
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the delivery layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 && status != http.StatusServiceUnavailable && status != http.StatusBadGateway {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, err.Error())
}
