package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/geo-sightings/internal/domain"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// CreateEventEnvelope acknowledges a stored sighting.
type CreateEventEnvelope struct {
	Success         bool          `json:"success"`
	MessageID       string        `json:"messageId"`
	NotifiedDevices int           `json:"notifiedDevices"`
	Event           *domain.Event `json:"event"`
}

// EventsEnvelope wraps a nearby-query result.
type EventsEnvelope struct {
	Events []*domain.Event `json:"events"`
	Count  int             `json:"count"`
}

// ScanEnvelope wraps a range scan. Truncated is set when the limit cut the result short;
// Next is then the cursor to resume from.
type ScanEnvelope struct {
	Events    []*domain.Event    `json:"events"`
	Truncated bool               `json:"truncated"`
	Next      *domain.ScanCursor `json:"next,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg})
}

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, MessageEnvelope{Error: "invalid request body", ErrorCode: "invalid_argument"})
		return false
	}
	return true
}

// httpError maps domain sentinels onto status codes. Unknown errors become 500 and are
// logged; their text is not sent to the client.
func httpError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrStoreUnavailable):
		status, code = http.StatusServiceUnavailable, "store_unavailable"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("unhandled error", "err", err)
		msg = "internal server error"
	}
	writeJSON(w, status, MessageEnvelope{Error: msg, ErrorCode: code})
}
