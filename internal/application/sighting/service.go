package sighting

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/geo-sightings/internal/application/notification"
	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/metrics"
	"github.com/geo-sightings/internal/pkg/clock"
	"github.com/geo-sightings/internal/pkg/geo"
	"github.com/geo-sightings/internal/pkg/validate"
	"github.com/geo-sightings/internal/repository"
)

const (
	DefaultRadiusMiles = 5
	MaxRadiusMiles     = 100

	DefaultScanLimit = 1000
	MaxScanLimit     = 5000
)

// CreateResult is what a reporter gets back: the stored event and how many devices were
// notified right away.
type CreateResult struct {
	Event           *domain.Event
	NotifiedDevices int
}

type Service interface {
	// Create stores a new sighting stamped with the server time and notifies nearby devices.
	Create(ctx context.Context, req domain.CreateEventRequest) (*CreateResult, error)
	// Nearby returns live events within radiusMiles of loc, newest first.
	Nearby(ctx context.Context, req domain.NearbyRequest) ([]*domain.Event, error)
	// Scan returns up to limit live events in one key range, ordered by (key, ID) and
	// starting after the cursor when one is given. truncated reports whether more were
	// available.
	Scan(ctx context.Context, r domain.ScanRange, after domain.ScanCursor, limit int) (events []*domain.Event, truncated bool, err error)
	Get(ctx context.Context, eventID string) (*domain.Event, error)
}

type eventStore interface {
	Insert(ctx context.Context, e *domain.Event) (string, error)
	Get(ctx context.Context, eventID string) (*domain.Event, error)
	RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Event, error]
}

type notifier interface {
	NotifyEvent(ctx context.Context, e *domain.Event, trigger domain.Trigger) (notification.DispatchReport, error)
}

type ServiceDeps struct {
	Events             eventStore
	Notifier           notifier
	Clock              clock.Clock
	EventTTL           time.Duration
	TimestampTolerance time.Duration
}

type service struct {
	events    eventStore
	notifier  notifier
	clock     clock.Clock
	ttl       time.Duration
	tolerance time.Duration
}

func NewService(deps ServiceDeps) Service {
	return &service{
		events:    deps.Events,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		ttl:       deps.EventTTL,
		tolerance: deps.TimestampTolerance,
	}
}

func (s *service) Create(ctx context.Context, req domain.CreateEventRequest) (*CreateResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, domain.Invalid("%v", err)
	}
	now := s.clock.Now()
	// the client clock is only checked, never stored
	if req.Timestamp != nil {
		skew := now.Sub(time.UnixMilli(*req.Timestamp))
		if skew < 0 {
			skew = -skew
		}
		if skew > s.tolerance {
			return nil, domain.Invalid("timestamp is %s away from server time", skew.Round(time.Second))
		}
	}

	e, err := domain.NewEvent(req.Category, req.Location, now, s.ttl)
	if err != nil {
		return nil, err
	}
	if _, err := s.events.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}
	metrics.EventsReportedTotal.WithLabelValues(string(e.Category)).Inc()

	res := &CreateResult{Event: e}
	if s.notifier != nil {
		report, err := s.notifier.NotifyEvent(ctx, e, domain.TriggerImmediate)
		if err != nil {
			// the periodic pass retries; the report itself succeeded
			slog.Warn("immediate notify failed", "event_id", e.ID, "err", err)
		}
		res.NotifiedDevices = report.Sent
	}
	return res, nil
}

func (s *service) Nearby(ctx context.Context, req domain.NearbyRequest) ([]*domain.Event, error) {
	if err := validate.Struct(req); err != nil {
		return nil, domain.Invalid("%v", err)
	}
	radius := req.RadiusMiles
	if radius == 0 {
		radius = DefaultRadiusMiles
	}
	if math.IsNaN(radius) || radius < 0 || radius > MaxRadiusMiles {
		return nil, domain.Invalid("radius must be in (0, %d] miles", MaxRadiusMiles)
	}
	center := req.Location.Point()
	radiusM := geo.MilesToMeters(radius)
	bounds, err := geo.QueryBounds(center, radiusM)
	if err != nil {
		return nil, err
	}
	ranges := make([]domain.ScanRange, len(bounds))
	for i, b := range bounds {
		ranges[i] = domain.CellRange(b, time.Time{})
	}
	events, err := repository.ScanUnion(ctx, s.events.RangeScan, ranges,
		func(e *domain.Event) string { return e.ID },
		func(e *domain.Event) bool { return geo.WithinRadius(center, e.Location.Point(), radiusM) })
	if err != nil {
		return nil, err
	}
	repository.SortNewestFirst(events)
	return events, nil
}

func (s *service) Scan(ctx context.Context, r domain.ScanRange, after domain.ScanCursor, limit int) ([]*domain.Event, bool, error) {
	if r.Field != domain.FieldCellCode && r.Field != domain.FieldCreatedAt {
		return nil, false, domain.Invalid("field %q is not range-scannable", r.Field)
	}
	if r.Start == "" || r.End == "" || r.Start > r.End {
		return nil, false, domain.Invalid("range [%q, %q] is empty", r.Start, r.End)
	}
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	limit = min(limit, MaxScanLimit)

	if !after.IsZero() {
		if after.Key > r.End {
			return nil, false, nil
		}
		r.Start = max(r.Start, after.Key)
	}

	// Stores yield rows in key order only; rows sharing a key are buffered and sorted by
	// ID so a cursor can resume between them.
	var out, group []*domain.Event
	full := func() bool {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for _, e := range group {
			if len(out) == limit {
				return true
			}
			out = append(out, e)
		}
		group = group[:0]
		return false
	}
	for e, err := range s.events.RangeScan(ctx, r) {
		if err != nil {
			return nil, false, err
		}
		key := e.ScanKey(r.Field)
		if !after.IsZero() && !after.Before(key, e.ID) {
			continue
		}
		if len(group) > 0 && group[0].ScanKey(r.Field) != key && full() {
			return out, true, nil
		}
		group = append(group, e)
	}
	return out, full(), nil
}

func (s *service) Get(ctx context.Context, eventID string) (*domain.Event, error) {
	return s.events.Get(ctx, eventID)
}
