package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/pkg/clock"
	"github.com/geo-sightings/internal/pkg/geo"
	"github.com/geo-sightings/internal/pkg/validate"
)

type Service interface {
	// Register creates or replaces the device's subscription.
	Register(ctx context.Context, req domain.RegisterDeviceRequest) (*domain.Subscription, error)
	// Relocate moves a registered device to a new location.
	Relocate(ctx context.Context, deviceID string, req domain.RelocateRequest) (*domain.Subscription, error)
}

type subscriptionStore interface {
	Upsert(ctx context.Context, s *domain.Subscription) error
	Relocate(ctx context.Context, deviceID, cellCode string, at time.Time) error
}

type service struct {
	repo  subscriptionStore
	clock clock.Clock
}

func NewService(repo subscriptionStore, clk clock.Clock) Service {
	return &service{repo: repo, clock: clk}
}

func (s *service) Register(ctx context.Context, req domain.RegisterDeviceRequest) (*domain.Subscription, error) {
	if err := validate.Struct(req); err != nil {
		return nil, domain.Invalid("%v", err)
	}
	cell, err := geo.EncodeChecked(req.Location.Point(), geo.CellPrecision)
	if err != nil {
		return nil, fmt.Errorf("encode location: %w", err)
	}
	sub := &domain.Subscription{
		DeviceID:  strings.ToLower(req.DeviceID),
		PushToken: req.Token,
		CellCode:  cell,
		UpdatedAt: s.clock.Now(),
	}
	if err := s.repo.Upsert(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *service) Relocate(ctx context.Context, deviceID string, req domain.RelocateRequest) (*domain.Subscription, error) {
	if !validate.DeviceID(deviceID) {
		return nil, domain.Invalid("device id must be a v4 uuid")
	}
	if err := validate.Struct(req); err != nil {
		return nil, domain.Invalid("%v", err)
	}
	cell, err := geo.EncodeChecked(req.Location.Point(), geo.CellPrecision)
	if err != nil {
		return nil, fmt.Errorf("encode location: %w", err)
	}
	sub := &domain.Subscription{
		DeviceID:  strings.ToLower(deviceID),
		CellCode:  cell,
		UpdatedAt: s.clock.Now(),
	}
	if err := s.repo.Relocate(ctx, sub.DeviceID, sub.CellCode, sub.UpdatedAt); err != nil {
		return nil, err
	}
	return sub, nil
}
