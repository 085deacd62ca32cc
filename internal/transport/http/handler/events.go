package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/geo-sightings/internal/application/sighting"
	"github.com/geo-sightings/internal/domain"
	"github.com/go-chi/chi/v5"
)

// EventHandler handles sighting endpoints.
type EventHandler struct {
	svc sighting.Service
}

func NewEventHandler(svc sighting.Service) *EventHandler { return &EventHandler{svc: svc} }

func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Create(r.Context(), req)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateEventEnvelope{
		Success:         true,
		MessageID:       res.Event.ID,
		NotifiedDevices: res.NotifiedDevices,
		Event:           res.Event,
	})
}

func (h *EventHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	var req domain.NearbyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	events, err := h.svc.Nearby(r.Context(), req)
	if err != nil {
		httpError(w, err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	writeJSON(w, http.StatusOK, EventsEnvelope{Events: events, Count: len(events)})
}

// Scan serves GET /v1/events/scan?field=&start=&end=[&createdAfter=ms][&limit=n]
// [&afterKey=&afterId=].
func (h *EventHandler) Scan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sr := domain.ScanRange{
		Field: domain.Field(q.Get("field")),
		Start: q.Get("start"),
		End:   q.Get("end"),
	}
	if v := q.Get("createdAfter"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			writeJSON(w, http.StatusBadRequest, MessageEnvelope{Error: "createdAfter must be unix milliseconds", ErrorCode: "invalid_argument"})
			return
		}
		sr.CreatedAfter = time.UnixMilli(ms).UTC()
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, MessageEnvelope{Error: "limit must be a positive integer", ErrorCode: "invalid_argument"})
			return
		}
		limit = n
	}

	after := domain.ScanCursor{Key: q.Get("afterKey"), ID: q.Get("afterId")}
	if (after.Key == "") != (after.ID == "") {
		writeJSON(w, http.StatusBadRequest, MessageEnvelope{Error: "afterKey and afterId go together", ErrorCode: "invalid_argument"})
		return
	}

	events, truncated, err := h.svc.Scan(r.Context(), sr, after, limit)
	if err != nil {
		httpError(w, err)
		return
	}
	env := ScanEnvelope{Events: events, Truncated: truncated}
	if env.Events == nil {
		env.Events = []*domain.Event{}
	}
	if truncated && len(events) > 0 {
		next := domain.CursorAt(events[len(events)-1], sr.Field)
		env.Next = &next
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
