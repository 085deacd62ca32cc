package handler

import (
	"net/http"

	"github.com/geo-sightings/internal/application/subscription"
	"github.com/geo-sightings/internal/domain"
	"github.com/go-chi/chi/v5"
)

// SubscriptionHandler handles device registration.
type SubscriptionHandler struct {
	svc subscription.Service
}

func NewSubscriptionHandler(svc subscription.Service) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc}
}

func (h *SubscriptionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.svc.Register(r.Context(), req)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Relocate(w http.ResponseWriter, r *http.Request) {
	var req domain.RelocateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.svc.Relocate(r.Context(), chi.URLParam(r, "deviceId"), req)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
