package retention

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/infrastructure/sqlite"
	"github.com/geo-sightings/internal/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

// countingStore holds `remaining` expired records and fails on batch failOn (1-based).
type countingStore struct {
	remaining int
	failOn    int
	calls     int
	bounds    []time.Time
}

func (s *countingStore) DeleteWhere(_ context.Context, _ domain.Field, bound time.Time, limit int) (int, error) {
	s.calls++
	s.bounds = append(s.bounds, bound)
	if s.failOn > 0 && s.calls == s.failOn {
		return 0, domain.Unavailable("delete", errors.New("throttled"))
	}
	n := min(limit, s.remaining)
	s.remaining -= n
	return n, nil
}

type mockAudit struct{ mock.Mock }

func (m *mockAudit) Put(ctx context.Context, kind string, at time.Time, v any) error {
	return m.Called(ctx, kind, at, v).Error(0)
}

// --- tests ---

func TestSweep_DrainsInBatches(t *testing.T) {
	store := &countingStore{remaining: 1234}
	s := NewSweeper(clock.Fixed(), 500, nil, Target{Name: "events", Tier: TierServer, Store: store, Field: domain.FieldExpiresAt})

	res := s.Sweep(context.Background(), TierServer)
	assert.Equal(t, 1234, res.Deleted)
	assert.Nil(t, res.Partial)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, 3, res.Targets[0].Batches)
	assert.Zero(t, store.remaining)
}

func TestSweep_ExactMultipleNeedsOneEmptyBatch(t *testing.T) {
	store := &countingStore{remaining: 1000}
	res := NewSweeper(clock.Fixed(), 500, nil, Target{Name: "events", Tier: TierServer, Store: store, Field: domain.FieldExpiresAt}).
		Sweep(context.Background(), TierServer)
	assert.Equal(t, 1000, res.Deleted)
	assert.Equal(t, 3, store.calls)
}

func TestSweep_ZeroMatches(t *testing.T) {
	store := &countingStore{}
	res := NewSweeper(clock.Fixed(), 500, nil, Target{Name: "events", Tier: TierServer, Store: store, Field: domain.FieldExpiresAt}).
		Sweep(context.Background(), TierServer)
	assert.Zero(t, res.Deleted)
	assert.Nil(t, res.Partial)
	assert.Equal(t, 1, store.calls)
}

func TestSweep_PartialFailureIsReportedNotReturned(t *testing.T) {
	failing := &countingStore{remaining: 1200, failOn: 2}
	healthy := &countingStore{remaining: 10}
	s := NewSweeper(clock.Fixed(), 500, nil,
		Target{Name: "events", Tier: TierServer, Store: failing, Field: domain.FieldExpiresAt},
		Target{Name: "notifications", Tier: TierServer, Store: healthy, Field: domain.FieldExpiresAt},
	)

	res := s.Sweep(context.Background(), TierServer)
	require.NotNil(t, res.Partial)
	assert.ErrorIs(t, res.Partial, domain.ErrStoreUnavailable)
	assert.Equal(t, 510, res.Deleted)
	assert.Equal(t, 500, res.Targets[0].Deleted)
	assert.NotEmpty(t, res.Targets[0].Error)
	assert.Equal(t, 10, res.Targets[1].Deleted, "a failing target does not stop the others")

	// the next run finishes the job
	res = s.Sweep(context.Background(), TierServer)
	assert.Nil(t, res.Partial)
	assert.Equal(t, 700, res.Deleted)
}

func TestSweep_StopsOnCancellation(t *testing.T) {
	store := &countingStore{remaining: 5000}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewSweeper(clock.Fixed(), 500, nil, Target{Name: "events", Tier: TierServer, Store: store, Field: domain.FieldExpiresAt}).
		Sweep(ctx, TierServer)
	require.NotNil(t, res.Partial)
	assert.ErrorIs(t, res.Partial, context.Canceled)
	assert.Zero(t, store.calls)
}

func TestSweep_AgeShiftsBound(t *testing.T) {
	clk := clock.Fixed()
	expiry := &countingStore{}
	stale := &countingStore{}
	NewSweeper(clk, 500, nil,
		Target{Name: "events", Tier: TierServer, Store: expiry, Field: domain.FieldExpiresAt},
		Target{Name: "subscriptions", Tier: TierServer, Store: stale, Field: domain.FieldUpdatedAt, Age: 30 * 24 * time.Hour},
	).Sweep(context.Background(), TierServer)

	assert.Equal(t, clk.Now(), expiry.bounds[0])
	assert.Equal(t, clk.Now().Add(-30*24*time.Hour), stale.bounds[0])
}

func TestSweep_OnlyRunsRequestedTier(t *testing.T) {
	server := &countingStore{remaining: 3}
	client := &countingStore{remaining: 4}
	s := NewSweeper(clock.Fixed(), 500, nil,
		Target{Name: "events", Tier: TierServer, Store: server, Field: domain.FieldExpiresAt},
		Target{Name: "events", Tier: TierClient, Store: client, Field: domain.FieldExpiresAt},
	)
	assert.Equal(t, []string{"events"}, s.Targets(TierClient))

	res := s.Sweep(context.Background(), TierClient)
	assert.Equal(t, 4, res.Deleted)
	assert.Zero(t, server.calls)
}

func TestSweep_WritesAudit(t *testing.T) {
	clk := clock.Fixed()
	audit := new(mockAudit)
	audit.On("Put", mock.Anything, "sweeps/server", clk.Now(), mock.AnythingOfType("retention.Result")).Return(nil).Once()

	NewSweeper(clk, 500, audit, Target{Name: "events", Tier: TierServer, Store: &countingStore{remaining: 1}, Field: domain.FieldExpiresAt}).
		Sweep(context.Background(), TierServer)
	audit.AssertExpectations(t)
}

func TestSweep_AuditFailureDoesNotFailSweep(t *testing.T) {
	audit := new(mockAudit)
	audit.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("s3 down"))

	res := NewSweeper(clock.Fixed(), 500, audit, Target{Name: "events", Tier: TierServer, Store: &countingStore{remaining: 2}, Field: domain.FieldExpiresAt}).
		Sweep(context.Background(), TierServer)
	assert.Equal(t, 2, res.Deleted)
	assert.Nil(t, res.Partial)
}

func TestSweep_ClientCache(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	clk := clock.Fixed()
	retention := 7 * 24 * time.Hour
	cache := sqlite.NewEventCache(db, retention, clk)
	ctx := context.Background()
	for i := 0; i < 620; i++ {
		created := clk.Now().Add(-8 * 24 * time.Hour)
		if i%2 == 0 {
			created = clk.Now().Add(-time.Hour)
		}
		e, err := domain.NewEvent(domain.CategoryICE, domain.Location{Latitude: 40.7128, Longitude: -74.006}, created, 24*time.Hour)
		require.NoError(t, err)
		e.ID = fmt.Sprintf("evt-%04d", i)
		require.NoError(t, cache.Upsert(ctx, e))
	}

	res := NewSweeper(clk, 100, nil, Target{Name: "events", Tier: TierClient, Store: cache, Field: domain.FieldExpiresAt}).
		Sweep(ctx, TierClient)
	assert.Equal(t, 310, res.Deleted)
	assert.Equal(t, 4, res.Targets[0].Batches)
}
