// Package tiersync answers proximity queries from the union of the server tier and the
// local cache tier, pulling only what changed since the last successful fetch.
package tiersync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/pkg/clock"
	"github.com/geo-sightings/internal/pkg/geo"
	"github.com/geo-sightings/internal/pkg/keylock"
	"github.com/geo-sightings/internal/repository"
)

// MaxRadiusMiles caps a single query.
const MaxRadiusMiles = 100

// State is the sync state of one coarse cell.
type State int

const (
	StateCold State = iota
	StateWarm
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateWarm:
		return "warm"
	case StateOffline:
		return "offline"
	default:
		return "cold"
	}
}

type serverTier interface {
	RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Event, error]
}

type cacheTier interface {
	Upsert(ctx context.Context, e *domain.Event) error
	RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Event, error]
}

type watermarkStore interface {
	Get(ctx context.Context, cellKey string) (*domain.SyncWatermark, error)
	Advance(ctx context.Context, w domain.SyncWatermark) error
}

type ManagerDeps struct {
	Server     serverTier
	Cache      cacheTier
	Watermarks watermarkStore
	Clock      clock.Clock
	// FetchTimeout bounds each server fetch. Zero means 10 seconds.
	FetchTimeout time.Duration
}

// Manager coordinates the two tiers. It is safe for concurrent use; fetches for the same
// coarse cell are serialized so watermarks always describe what the cache holds.
type Manager struct {
	server       serverTier
	cache        cacheTier
	watermarks   watermarkStore
	clock        clock.Clock
	fetchTimeout time.Duration

	cells  keylock.Map
	mu     sync.Mutex
	states map[string]State
}

func NewManager(deps ManagerDeps) *Manager {
	timeout := deps.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		server:       deps.Server,
		cache:        deps.Cache,
		watermarks:   deps.Watermarks,
		clock:        deps.Clock,
		fetchTimeout: timeout,
		states:       make(map[string]State),
	}
}

// State reports the sync state of the coarse cell cellKey.
func (m *Manager) State(cellKey string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[cellKey]
}

func (m *Manager) setState(cellKey string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[cellKey] = s
}

// CellKey returns the coarse cell a query centered at p is bucketed under.
func CellKey(p geo.Point) string { return geo.Encode(p, geo.WatermarkPrecision) }

func validateQuery(center geo.Point, radiusMiles float64) error {
	if !center.Valid() {
		return domain.Invalid("center (%v, %v) out of range", center.Lat, center.Lon)
	}
	if math.IsNaN(radiusMiles) || radiusMiles <= 0 || radiusMiles > MaxRadiusMiles {
		return domain.Invalid("radius must be in (0, %d] miles", MaxRadiusMiles)
	}
	return nil
}

// Query returns every live event within radiusMiles of center, newest first. Server
// failures degrade to cache-only results; only invalid input and cache failures are errors.
func (m *Manager) Query(ctx context.Context, center geo.Point, radiusMiles float64) ([]*domain.Event, error) {
	if err := validateQuery(center, radiusMiles); err != nil {
		return nil, err
	}
	radiusM := geo.MilesToMeters(radiusMiles)
	cellKey := CellKey(center)

	fetched, err := m.refresh(ctx, cellKey, radiusM)
	if err != nil {
		return nil, err
	}

	bounds, err := geo.QueryBounds(center, radiusM)
	if err != nil {
		return nil, err
	}
	inRadius := func(e *domain.Event) bool { return geo.WithinRadius(center, e.Location.Point(), radiusM) }
	cached, err := repository.ScanUnion(ctx, m.cache.RangeScan, cellRanges(bounds, time.Time{}), eventID, inRadius)
	if err != nil {
		return nil, fmt.Errorf("scan cache: %w", err)
	}

	// server copies win on conflict
	seen := make(map[string]struct{}, len(fetched)+len(cached))
	out := make([]*domain.Event, 0, len(fetched)+len(cached))
	for _, e := range fetched {
		if !inRadius(e) {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	for _, e := range cached {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		out = append(out, e)
	}
	repository.SortNewestFirst(out)
	return out, nil
}

// refresh pulls the coarse cell's server records into the cache and advances its
// watermark. The fetch disc is centered on the coarse cell and padded by its half-diagonal,
// so one watermark serves every query center inside the cell. A server failure returns
// (nil, nil) and marks the cell offline.
func (m *Manager) refresh(ctx context.Context, cellKey string, radiusM float64) ([]*domain.Event, error) {
	box, err := geo.DecodeBounds(cellKey)
	if err != nil {
		return nil, err
	}
	fetchCenter := box.Center()
	needed := radiusM + box.HalfDiagonal()

	unlock := m.cells.Lock(cellKey)
	defer unlock()

	wm, err := m.watermarks.Get(ctx, cellKey)
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}
	fetchRadius := needed
	var since time.Time
	if wm.Covers(needed) {
		fetchRadius = wm.RadiusMeters
		since = wm.LastFetchedAt
	} else if wm != nil && wm.RadiusMeters > fetchRadius {
		fetchRadius = wm.RadiusMeters
	}

	started := m.clock.Now()
	events, err := m.fetch(ctx, fetchCenter, fetchRadius, since)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		m.setState(cellKey, StateOffline)
		slog.Warn("server fetch failed, serving cache only", "cell_key", cellKey, "err", err)
		return nil, nil
	}

	for _, e := range events {
		if err := m.cache.Upsert(ctx, e); err != nil {
			return nil, fmt.Errorf("cache fetched event: %w", err)
		}
	}
	if err := m.watermarks.Advance(ctx, domain.SyncWatermark{
		CellKey:       cellKey,
		LastFetchedAt: started,
		RadiusMeters:  fetchRadius,
	}); err != nil {
		return nil, fmt.Errorf("advance watermark: %w", err)
	}
	m.setState(cellKey, StateWarm)
	slog.Debug("server fetch", "cell_key", cellKey, "incremental", !since.IsZero(), "events", len(events))
	return events, nil
}

func (m *Manager) fetch(ctx context.Context, center geo.Point, radiusM float64, since time.Time) ([]*domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	bounds, err := geo.QueryBounds(center, radiusM)
	if err != nil {
		return nil, err
	}
	return repository.ScanUnion(ctx, m.server.RangeScan, cellRanges(bounds, since), eventID,
		func(e *domain.Event) bool { return geo.WithinRadius(center, e.Location.Point(), radiusM) })
}

func cellRanges(bounds []geo.Range, createdAfter time.Time) []domain.ScanRange {
	out := make([]domain.ScanRange, len(bounds))
	for i, b := range bounds {
		out[i] = domain.CellRange(b, createdAfter)
	}
	return out
}

func eventID(e *domain.Event) string { return e.ID }
