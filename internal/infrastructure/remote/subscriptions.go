package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/geo-sightings/internal/domain"
)

// Subscribe registers this device for pushes near req.Location.
func (s *EventStore) Subscribe(ctx context.Context, req domain.RegisterDeviceRequest) (*domain.Subscription, error) {
	return s.sendSubscription(ctx, http.MethodPost, "/v1/subscriptions", req)
}

// Relocate moves an already registered device.
func (s *EventStore) Relocate(ctx context.Context, deviceID string, req domain.RelocateRequest) (*domain.Subscription, error) {
	return s.sendSubscription(ctx, http.MethodPut, "/v1/subscriptions/"+url.PathEscape(deviceID)+"/location", req)
}

func (s *EventStore) sendSubscription(ctx context.Context, method, path string, req any) (*domain.Subscription, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription: %w", err)
	}
	var out domain.Subscription
	if err := s.do(ctx, method, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
