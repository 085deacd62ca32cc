package tiersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/infrastructure/remote"
	"github.com/geo-sightings/internal/infrastructure/sqlite"
	"github.com/geo-sightings/internal/pkg/clock"
	"github.com/geo-sightings/internal/pkg/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const retention = 7 * 24 * time.Hour

var center = geo.Point{Lat: 37.7749, Lon: -122.4194}

// fakeServer behaves like the server tier: it filters by range, CreatedAfter and expiry.
type fakeServer struct {
	mu     sync.Mutex
	clock  clock.Clock
	events []*domain.Event
	err    error
	block  bool
	// cutoff fails every scan after its first matching row
	cutoff bool
	calls  []domain.ScanRange
}

func (s *fakeServer) add(e *domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeServer) scans() []domain.ScanRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ScanRange(nil), s.calls...)
}

func (s *fakeServer) RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		s.mu.Lock()
		s.calls = append(s.calls, r)
		events, err, block, cutoff := append([]*domain.Event(nil), s.events...), s.err, s.block, s.cutoff
		s.mu.Unlock()

		if block {
			<-ctx.Done()
			yield(nil, domain.Unavailable("scan", ctx.Err()))
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		now := s.clock.Now()
		for _, e := range events {
			if e.CellCode < r.Start || e.CellCode > r.End || !e.ExpiresAt.After(now) {
				continue
			}
			if !r.CreatedAfter.IsZero() && !e.CreatedAt.After(r.CreatedAfter) {
				continue
			}
			copied := *e
			if !yield(&copied, nil) {
				return
			}
			if cutoff {
				yield(nil, domain.Unavailable("scan", errors.New("connection reset")))
				return
			}
		}
	}
}

type fixture struct {
	clock      *clock.Stub
	server     *fakeServer
	cache      *sqlite.EventCache
	watermarks *sqlite.WatermarkRepo
	mgr        *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.Fixed()
	f := &fixture{
		clock:      clk,
		server:     &fakeServer{clock: clk},
		cache:      sqlite.NewEventCache(db, retention, clk),
		watermarks: sqlite.NewWatermarkRepo(db, clk),
	}
	f.mgr = NewManager(ManagerDeps{
		Server:       f.server,
		Cache:        f.cache,
		Watermarks:   f.watermarks,
		Clock:        clk,
		FetchTimeout: 50 * time.Millisecond,
	})
	return f
}

func event(t *testing.T, id string, lat, lon float64, created time.Time) *domain.Event {
	t.Helper()
	e, err := domain.NewEvent(domain.CategoryArmy, domain.Location{Latitude: lat, Longitude: lon}, created, 24*time.Hour)
	require.NoError(t, err)
	e.ID = id
	return e
}

func ids(events []*domain.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestQuery_OfflineFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.server.err = domain.Unavailable("scan", errors.New("connection refused"))

	now := f.clock.Now()
	require.NoError(t, f.cache.Upsert(ctx, event(t, "evt-1", 37.775, -122.419, now.Add(-2*time.Hour))))
	require.NoError(t, f.cache.Upsert(ctx, event(t, "evt-2", 37.78, -122.41, now.Add(-3*24*time.Hour))))
	require.NoError(t, f.cache.Upsert(ctx, event(t, "evt-expired", 37.77, -122.42, now.Add(-8*24*time.Hour))))

	got, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-1", "evt-2"}, ids(got))
	assert.Equal(t, StateOffline, f.mgr.State(CellKey(center)))

	wm, err := f.watermarks.Get(ctx, CellKey(center))
	require.NoError(t, err)
	assert.Nil(t, wm, "a failed fetch must not create a watermark")
}

func TestQuery_IncrementalFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.clock.Now()

	for i := 0; i < 5; i++ {
		f.server.add(event(t, fmt.Sprintf("evt-%d", i), 37.775+float64(i)*0.001, -122.419, t0.Add(time.Duration(i)*time.Second)))
	}
	f.clock.Set(t0.Add(100 * time.Second))
	t100 := f.clock.Now()

	got, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, StateWarm, f.mgr.State(CellKey(center)))
	for _, r := range f.server.scans() {
		assert.True(t, r.CreatedAfter.IsZero(), "first query is a full fetch")
	}

	wm, err := f.watermarks.Get(ctx, CellKey(center))
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, t100, wm.LastFetchedAt)

	f.server.add(event(t, "evt-new", 37.776, -122.418, t0.Add(150*time.Second)))
	f.clock.Set(t0.Add(200 * time.Second))
	before := len(f.server.scans())

	got, err = f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Equal(t, "evt-new", got[0].ID)

	second := f.server.scans()[before:]
	require.NotEmpty(t, second)
	for _, r := range second {
		assert.Equal(t, t100, r.CreatedAfter)
	}
}

func TestQuery_InterruptedFetchKeepsWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	for i := range 3 {
		f.server.add(event(t, fmt.Sprintf("evt-%d", i), 37.775, -122.419+float64(i)*0.001, now.Add(-time.Minute)))
	}
	f.server.cutoff = true

	_, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Equal(t, StateOffline, f.mgr.State(CellKey(center)))
	wm, err := f.watermarks.Get(ctx, CellKey(center))
	require.NoError(t, err)
	assert.Nil(t, wm, "a partial fetch must not advance the watermark")

	f.server.mu.Lock()
	f.server.cutoff = false
	f.server.mu.Unlock()
	before := len(f.server.scans())

	got, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"evt-0", "evt-1", "evt-2"}, ids(got))
	for _, r := range f.server.scans()[before:] {
		assert.True(t, r.CreatedAfter.IsZero(), "retry is a full fetch")
	}
}

// pagedAPI serves GET /v1/events/scan like the API does, capped at two rows per page.
func pagedAPI(t *testing.T, clk clock.Clock, events ...*domain.Event) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		field := domain.Field(q.Get("field"))
		after := domain.ScanCursor{Key: q.Get("afterKey"), ID: q.Get("afterId")}
		var since time.Time
		if v := q.Get("createdAfter"); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			assert.NoError(t, err)
			since = time.UnixMilli(ms).UTC()
		}

		var hits []*domain.Event
		for _, e := range events {
			key := e.ScanKey(field)
			if key < q.Get("start") || key > q.Get("end") || !e.ExpiresAt.After(clk.Now()) {
				continue
			}
			if !since.IsZero() && !e.CreatedAt.After(since) {
				continue
			}
			if !after.IsZero() && !after.Before(key, e.ID) {
				continue
			}
			hits = append(hits, e)
		}
		sort.Slice(hits, func(i, j int) bool {
			ki, kj := hits[i].ScanKey(field), hits[j].ScanKey(field)
			if ki != kj {
				return ki < kj
			}
			return hits[i].ID < hits[j].ID
		})

		resp := remote.ScanResponse{Events: hits}
		if len(hits) > 2 {
			next := domain.CursorAt(hits[1], field)
			resp = remote.ScanResponse{Events: hits[:2], Truncated: true, Next: &next}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestQuery_PagedServerLosesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	var events []*domain.Event
	for i := range 5 {
		events = append(events, event(t, fmt.Sprintf("evt-%d", i), 37.775+float64(i%3)*0.0005, -122.419, now.Add(-time.Duration(i+1)*time.Minute)))
	}
	srv := pagedAPI(t, f.clock, events...)
	f.mgr = NewManager(ManagerDeps{
		Server:       remote.NewEventStore(srv.URL, "", srv.Client()),
		Cache:        f.cache,
		Watermarks:   f.watermarks,
		Clock:        f.clock,
		FetchTimeout: 5 * time.Second,
	})

	got, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids(events), ids(got))

	// incremental queries keep seeing everything
	for range 3 {
		f.clock.Advance(time.Minute)
		got, err = f.mgr.Query(ctx, center, 5)
		require.NoError(t, err)
		require.Len(t, got, len(events))
	}
}

func TestQuery_WiderRadiusForcesFullFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Query(ctx, center, 1)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	before := len(f.server.scans())

	_, err = f.mgr.Query(ctx, center, 20)
	require.NoError(t, err)
	for _, r := range f.server.scans()[before:] {
		assert.True(t, r.CreatedAfter.IsZero())
	}
}

func TestQuery_MergeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.server.add(event(t, "evt-a", 37.775, -122.419, f.clock.Now().Add(-time.Minute)))
	f.server.add(event(t, "evt-b", 37.78, -122.41, f.clock.Now().Add(-2*time.Minute)))

	first, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	second, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Equal(t, ids(first), ids(second))

	// a cache-only view after both merges holds each event once
	f.server.err = domain.Unavailable("scan", errors.New("down"))
	offline, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-a", "evt-b"}, ids(offline))
}

func TestQuery_ServerWinsAndCacheKeepsServerExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	old := event(t, "evt-old", 37.775, -122.419, now.Add(-30*time.Hour))
	require.NoError(t, f.cache.Upsert(ctx, old))
	f.server.add(old)
	f.server.add(event(t, "evt-fresh", 37.776, -122.419, now.Add(-time.Hour)))

	got, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-fresh", "evt-old"}, ids(got), "server dropped evt-old after 24h; the cache still has it")
}

func TestQuery_RefinesByDistance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	f.server.add(event(t, "evt-near", 37.775, -122.419, now.Add(-time.Minute)))
	// about 11 km north, outside a 5 mile query
	f.server.add(event(t, "evt-far", 37.875, -122.4194, now.Add(-time.Minute)))

	got, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-near"}, ids(got))

	got, err = f.mgr.Query(ctx, center, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"evt-near", "evt-far"}, ids(got))
}

func TestQuery_TimeoutFallsBackToCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cache.Upsert(ctx, event(t, "evt-cached", 37.775, -122.419, f.clock.Now().Add(-time.Hour))))
	f.server.block = true

	got, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-cached"}, ids(got))
	assert.Equal(t, StateOffline, f.mgr.State(CellKey(center)))
}

func TestQuery_RecoversFromOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.server.err = domain.Unavailable("scan", errors.New("down"))
	_, err := f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Equal(t, StateOffline, f.mgr.State(CellKey(center)))

	f.server.mu.Lock()
	f.server.err = nil
	f.server.mu.Unlock()
	_, err = f.mgr.Query(ctx, center, 5)
	require.NoError(t, err)
	assert.Equal(t, StateWarm, f.mgr.State(CellKey(center)))
}

func TestQuery_InvalidInput(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		center geo.Point
		radius float64
	}{
		{"zero radius", center, 0},
		{"negative radius", center, -1},
		{"over cap", center, 101},
		{"bad latitude", geo.Point{Lat: 91, Lon: 0}, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.mgr.Query(context.Background(), tc.center, tc.radius)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
	assert.Empty(t, f.server.scans())
}

func TestQuery_ServerInvalidArgumentPropagates(t *testing.T) {
	f := newFixture(t)
	f.server.err = domain.Invalid("bad range")
	_, err := f.mgr.Query(context.Background(), center, 5)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestQuery_WatermarkMonotonicUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				f.clock.Advance(time.Second)
				_, err := f.mgr.Query(ctx, center, 5)
				assert.NoError(t, err)
			}
		}()
	}

	var last time.Time
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for {
		wm, err := f.watermarks.Get(ctx, CellKey(center))
		require.NoError(t, err)
		if wm != nil {
			assert.False(t, wm.LastFetchedAt.Before(last), "watermark moved backwards")
			last = wm.LastFetchedAt
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestWatch_DeliversNewEventsOnce(t *testing.T) {
	f := newFixture(t)
	f.server.add(event(t, "evt-1", 37.775, -122.419, f.clock.Now().Add(-time.Minute)))

	feed, err := f.mgr.Watch(context.Background(), center, 5, 10*time.Millisecond)
	require.NoError(t, err)
	defer feed.Stop()

	first := receive(t, feed)
	assert.Equal(t, "evt-1", first.ID)

	// created after every watermark the feed can have stored, since the stub clock stands still
	f.server.add(event(t, "evt-2", 37.776, -122.419, f.clock.Now().Add(time.Millisecond)))
	second := receive(t, feed)
	assert.Equal(t, "evt-2", second.ID)

	feed.Stop()
	for e := range feed.Events() {
		assert.NotEqual(t, "evt-1", e.ID)
	}
}

func TestWatch_RejectsBadInterval(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Watch(context.Background(), center, 5, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func receive(t *testing.T, feed *Feed) *domain.Event {
	t.Helper()
	select {
	case e, ok := <-feed.Events():
		require.True(t, ok, "feed closed early")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event from feed")
		return nil
	}
}
