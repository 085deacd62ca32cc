package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/geo-sightings/internal/application/notification"
	"github.com/geo-sightings/internal/application/retention"
	"github.com/geo-sightings/internal/application/sighting"
	"github.com/geo-sightings/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockSightingSvc struct{ mock.Mock }

func (m *mockSightingSvc) Create(ctx context.Context, req domain.CreateEventRequest) (*sighting.CreateResult, error) {
	args := m.Called(ctx, req)
	if r, _ := args.Get(0).(*sighting.CreateResult); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSightingSvc) Nearby(ctx context.Context, req domain.NearbyRequest) ([]*domain.Event, error) {
	args := m.Called(ctx, req)
	events, _ := args.Get(0).([]*domain.Event)
	return events, args.Error(1)
}

func (m *mockSightingSvc) Scan(ctx context.Context, r domain.ScanRange, after domain.ScanCursor, limit int) ([]*domain.Event, bool, error) {
	args := m.Called(ctx, r, after, limit)
	events, _ := args.Get(0).([]*domain.Event)
	return events, args.Bool(1), args.Error(2)
}

func (m *mockSightingSvc) Get(ctx context.Context, eventID string) (*domain.Event, error) {
	args := m.Called(ctx, eventID)
	if e, _ := args.Get(0).(*domain.Event); e != nil {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSubscriptionSvc struct{ mock.Mock }

func (m *mockSubscriptionSvc) Register(ctx context.Context, req domain.RegisterDeviceRequest) (*domain.Subscription, error) {
	args := m.Called(ctx, req)
	if s, _ := args.Get(0).(*domain.Subscription); s != nil {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriptionSvc) Relocate(ctx context.Context, deviceID string, req domain.RelocateRequest) (*domain.Subscription, error) {
	args := m.Called(ctx, deviceID, req)
	if s, _ := args.Get(0).(*domain.Subscription); s != nil {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSweeper struct{ mock.Mock }

func (m *mockSweeper) Sweep(ctx context.Context, tier retention.Tier) retention.Result {
	return m.Called(ctx, tier).Get(0).(retention.Result)
}

type mockNotifySweeper struct{ mock.Mock }

func (m *mockNotifySweeper) SweepRecent(ctx context.Context) (notification.SweepReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(notification.SweepReport), args.Error(1)
}

// --- helpers ---

var now = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func sampleEvent() *domain.Event {
	return &domain.Event{
		ID:        "01HM5ZJ0K8Q0000000000000000",
		Category:  domain.CategoryPolice,
		Location:  domain.Location{Latitude: 37.7749, Longitude: -122.4194},
		CreatedAt: now,
		CellCode:  "9q8yyk8",
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) MessageEnvelope {
	t.Helper()
	var env MessageEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	return env
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// --- events ---

func TestEventHandler_Create(t *testing.T) {
	svc := new(mockSightingSvc)
	e := sampleEvent()
	req := domain.CreateEventRequest{Category: domain.CategoryPolice, Location: e.Location}
	svc.On("Create", mock.Anything, req).Return(&sighting.CreateResult{Event: e, NotifiedDevices: 2}, nil).Once()

	rr := httptest.NewRecorder()
	NewEventHandler(svc).Create(rr, httptest.NewRequest(http.MethodPost, "/v1/events", jsonBody(t, req)))

	require.Equal(t, http.StatusCreated, rr.Code)
	var got CreateEventEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.True(t, got.Success)
	assert.Equal(t, e.ID, got.MessageID)
	assert.Equal(t, 2, got.NotifiedDevices)
	assert.Equal(t, e.CellCode, got.Event.CellCode)
	svc.AssertExpectations(t)
}

func TestEventHandler_Create_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		tag  string
	}{
		{"invalid", domain.Invalid("bad category"), http.StatusBadRequest, "invalid_argument"},
		{"store down", domain.Unavailable("put event", errors.New("throttled")), http.StatusServiceUnavailable, "store_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(mockSightingSvc)
			svc.On("Create", mock.Anything, mock.Anything).Return(nil, tc.err)

			body := `{"sightingType":"ICE","location":{"latitude":1,"longitude":2}}`
			rr := httptest.NewRecorder()
			NewEventHandler(svc).Create(rr, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body)))

			assert.Equal(t, tc.code, rr.Code)
			env := decodeEnvelope(t, rr)
			assert.Equal(t, tc.tag, env.ErrorCode)
			if tc.code == http.StatusInternalServerError {
				assert.NotContains(t, env.Error, "boom")
			}
		})
	}
}

func TestEventHandler_Create_RejectsUnknownFields(t *testing.T) {
	svc := new(mockSightingSvc)
	body := `{"sightingType":"ICE","location":{"latitude":1,"longitude":2},"geohash":"zzzzzzz"}`
	rr := httptest.NewRecorder()
	NewEventHandler(svc).Create(rr, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	svc.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestEventHandler_Nearby_EmptyIsArray(t *testing.T) {
	svc := new(mockSightingSvc)
	svc.On("Nearby", mock.Anything, mock.Anything).Return(nil, nil)

	body := `{"location":{"latitude":1,"longitude":2},"radiusMiles":3}`
	rr := httptest.NewRecorder()
	NewEventHandler(svc).Nearby(rr, httptest.NewRequest(http.MethodPost, "/v1/events/nearby", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"events":[],"count":0}`, rr.Body.String())
}

func TestEventHandler_Scan_ParsesQuery(t *testing.T) {
	svc := new(mockSightingSvc)
	after := now.Add(-time.Hour)
	want := domain.ScanRange{Field: domain.FieldCellCode, Start: "9q8y", End: "9q8z", CreatedAfter: after}
	svc.On("Scan", mock.Anything, want, domain.ScanCursor{}, 50).Return([]*domain.Event{sampleEvent()}, true, nil).Once()

	url := "/v1/events/scan?field=cell_code&start=9q8y&end=9q8z&limit=50&createdAfter=" +
		domain.TimeKey(after)
	rr := httptest.NewRecorder()
	NewEventHandler(svc).Scan(rr, httptest.NewRequest(http.MethodGet, url, nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var got ScanEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.True(t, got.Truncated)
	assert.Len(t, got.Events, 1)
	require.NotNil(t, got.Next)
	assert.Equal(t, domain.ScanCursor{Key: "9q8yyk8", ID: sampleEvent().ID}, *got.Next)
	svc.AssertExpectations(t)
}

func TestEventHandler_Scan_ResumesFromCursor(t *testing.T) {
	svc := new(mockSightingSvc)
	want := domain.ScanRange{Field: domain.FieldCellCode, Start: "9q8y", End: "9q8z"}
	after := domain.ScanCursor{Key: "9q8yyk8", ID: "01HM5ZJ0K8Q0000000000000000"}
	svc.On("Scan", mock.Anything, want, after, 0).Return([]*domain.Event(nil), false, nil).Once()

	url := "/v1/events/scan?field=cell_code&start=9q8y&end=9q8z&afterKey=9q8yyk8&afterId=" + after.ID
	rr := httptest.NewRecorder()
	NewEventHandler(svc).Scan(rr, httptest.NewRequest(http.MethodGet, url, nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"events":[],"truncated":false}`, rr.Body.String())
	svc.AssertExpectations(t)
}

func TestEventHandler_Scan_BadParams(t *testing.T) {
	for _, q := range []string{"createdAfter=yesterday", "limit=0", "limit=ten", "afterKey=9q8"} {
		svc := new(mockSightingSvc)
		rr := httptest.NewRecorder()
		NewEventHandler(svc).Scan(rr, httptest.NewRequest(http.MethodGet, "/v1/events/scan?field=cell_code&start=a&end=b&"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
		svc.AssertNotCalled(t, "Scan", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestEventHandler_Get_NotFound(t *testing.T) {
	svc := new(mockSightingSvc)
	svc.On("Get", mock.Anything, "missing").Return(nil, errors.Join(errors.New("event expired"), domain.ErrNotFound))

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/events/missing", nil), "id", "missing")
	rr := httptest.NewRecorder()
	NewEventHandler(svc).Get(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// --- subscriptions ---

func TestSubscriptionHandler_Register(t *testing.T) {
	svc := new(mockSubscriptionSvc)
	sub := &domain.Subscription{DeviceID: "3f2504e0-4f89-41d3-9a0c-0305e82c3301", PushToken: "secret-token", CellCode: "9q8yyk8", UpdatedAt: now}
	svc.On("Register", mock.Anything, mock.Anything).Return(sub, nil).Once()

	body := `{"token":"t","deviceId":"3f2504e0-4f89-41d3-9a0c-0305e82c3301","location":{"latitude":37.7749,"longitude":-122.4194}}`
	rr := httptest.NewRecorder()
	NewSubscriptionHandler(svc).Register(rr, httptest.NewRequest(http.MethodPost, "/v1/subscriptions", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret-token", "push tokens are never echoed")
	assert.Contains(t, rr.Body.String(), `"geohash":"9q8yyk8"`)
}

func TestSubscriptionHandler_Relocate_UsesPathDevice(t *testing.T) {
	svc := new(mockSubscriptionSvc)
	svc.On("Relocate", mock.Anything, "dev-1", mock.Anything).Return(nil, domain.ErrNotFound).Once()

	req := httptest.NewRequest(http.MethodPut, "/v1/subscriptions/dev-1/location",
		strings.NewReader(`{"location":{"latitude":1,"longitude":1}}`))
	rr := httptest.NewRecorder()
	NewSubscriptionHandler(svc).Relocate(rr, withURLParam(req, "deviceId", "dev-1"))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	svc.AssertExpectations(t)
}

// --- admin ---

func TestAdminHandler_Sweep_ReportsPartial(t *testing.T) {
	sw := new(mockSweeper)
	sw.On("Sweep", mock.Anything, retention.TierServer).Return(retention.Result{
		Tier:    retention.TierServer,
		Deleted: 40,
		Targets: []retention.TargetResult{{Name: "events", Deleted: 40, Batches: 1, Error: "throttled"}},
		Partial: &domain.PartialFailure{Completed: 1, Failed: 1, Cause: errors.New("throttled")},
	}).Once()

	rr := httptest.NewRecorder()
	NewAdminHandler(sw, new(mockNotifySweeper)).Sweep(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/sweep", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var got SweepEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.True(t, got.Partial)
	assert.Equal(t, 40, got.Deleted)
	assert.Contains(t, got.Error, "throttled")
}

func TestAdminHandler_NotifySweep(t *testing.T) {
	n := new(mockNotifySweeper)
	n.On("SweepRecent", mock.Anything).Return(notification.SweepReport{Events: 4, Sent: 7}, nil).Once()

	rr := httptest.NewRecorder()
	NewAdminHandler(new(mockSweeper), n).NotifySweep(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/notify-sweep", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"events":4,"sent":7,"failed":0,"ledgerErrors":0,"errors":0}`, rr.Body.String())
}

func TestHealthHandler_Ping(t *testing.T) {
	h := NewHealthHandler()

	rr := httptest.NewRecorder()
	h.Ping(rr, withURLParam(httptest.NewRequest(http.MethodGet, "/v1/health-check/ping", nil), "action", "ping"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pong", decodeEnvelope(t, rr).Message)

	rr = httptest.NewRecorder()
	h.Ping(rr, withURLParam(httptest.NewRequest(http.MethodGet, "/v1/health-check/other", nil), "action", "other"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
