package notification

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/metrics"
	"github.com/geo-sightings/internal/pkg/clock"
	"github.com/geo-sightings/internal/pkg/geo"
	"github.com/geo-sightings/internal/pkg/keylock"
	"github.com/geo-sightings/internal/repository"
)

// Transport delivers a data message to a set of push tokens.
type Transport interface {
	Dispatch(ctx context.Context, tokens []string, msg domain.PushMessage) (domain.DispatchResult, error)
}

// DispatchReport summarises one notification pass for one event.
type DispatchReport struct {
	EventID    string         `json:"eventId"`
	Trigger    domain.Trigger `json:"trigger"`
	Candidates int            `json:"candidates"`
	Suppressed int            `json:"suppressed"`
	Sent       int            `json:"sent"`
	Failed     int            `json:"failed"`
	// LedgerErrors counts ledger reads and writes that failed. A failed read defers the
	// whole pass; a failed write leaves that device eligible for a repeat push.
	LedgerErrors int `json:"ledgerErrors"`
	// Partial is set when some devices could not be dispatched to or recorded. They are
	// retried by the next periodic pass.
	Partial *domain.PartialFailure `json:"-"`
}

// SweepReport summarises one periodic pass over recent events.
type SweepReport struct {
	Events       int `json:"events"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	LedgerErrors int `json:"ledgerErrors"`
	Errors       int `json:"errors"`
}

type Service interface {
	// NotifyEvent pushes e to every subscribed device within the notify radius that has not
	// already been told about it.
	NotifyEvent(ctx context.Context, e *domain.Event, trigger domain.Trigger) (DispatchReport, error)
	// SweepRecent re-runs NotifyEvent for every event created within the lookback window.
	SweepRecent(ctx context.Context) (SweepReport, error)
}

type subscriptionScanner interface {
	RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Subscription, error]
}

type eventScanner interface {
	RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Event, error]
}

type ServiceDeps struct {
	Subscriptions subscriptionScanner
	Events        eventScanner
	Ledger        Ledger
	Transport     Transport
	Clock         clock.Clock
	RadiusMiles   float64
	Lookback      time.Duration
	RecordTTL     time.Duration
}

type service struct {
	subs      subscriptionScanner
	events    eventScanner
	ledger    Ledger
	transport Transport
	clock     clock.Clock
	radiusM   float64
	lookback  time.Duration
	recordTTL time.Duration
	// inflight serializes check, dispatch and record per event within this process.
	inflight keylock.Map
}

func NewService(deps ServiceDeps) Service {
	return &service{
		subs:      deps.Subscriptions,
		events:    deps.Events,
		ledger:    deps.Ledger,
		transport: deps.Transport,
		clock:     deps.Clock,
		radiusM:   geo.MilesToMeters(deps.RadiusMiles),
		lookback:  deps.Lookback,
		recordTTL: deps.RecordTTL,
	}
}

func (s *service) NotifyEvent(ctx context.Context, e *domain.Event, trigger domain.Trigger) (DispatchReport, error) {
	report := DispatchReport{EventID: e.ID, Trigger: trigger}
	if err := e.Validate(); err != nil {
		return report, err
	}

	candidates, err := s.nearbySubscriptions(ctx, e.Location.Point())
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		return report, nil
	}

	unlock := s.inflight.Lock(e.ID)
	defer unlock()

	pending, err := s.ledger.FilterUnnotified(ctx, e.ID, candidates)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		report.LedgerErrors++
		report.Partial = &domain.PartialFailure{Failed: len(candidates), Cause: fmt.Errorf("ledger lookup: %w", err)}
		slog.Warn("ledger lookup failed, dispatch deferred", "event_id", e.ID, "trigger", trigger, "err", err)
		return report, nil
	}
	report.Suppressed = len(candidates) - len(pending)
	metrics.NotificationsTotal.WithLabelValues(string(trigger), "suppressed").Add(float64(report.Suppressed))
	if len(pending) == 0 {
		return report, nil
	}

	byToken := make(map[string][]*domain.Subscription, len(pending))
	tokens := make([]string, 0, len(pending))
	for _, sub := range pending {
		if _, ok := byToken[sub.PushToken]; !ok {
			tokens = append(tokens, sub.PushToken)
		}
		byToken[sub.PushToken] = append(byToken[sub.PushToken], sub)
	}

	res, err := s.transport.Dispatch(ctx, tokens, domain.PushMessageFor(e))
	if err != nil {
		report.Failed = len(pending)
		report.Partial = &domain.PartialFailure{Failed: len(pending), Cause: err}
		metrics.NotificationsTotal.WithLabelValues(string(trigger), "failed").Add(float64(report.Failed))
		slog.Warn("push dispatch failed", "event_id", e.ID, "trigger", trigger, "devices", len(pending), "err", err)
		return report, nil
	}

	failedTokens := make(map[string]struct{}, len(res.Failed))
	for _, t := range res.Failed {
		failedTokens[t] = struct{}{}
	}
	var recordErrs []error
	for _, token := range tokens {
		subs := byToken[token]
		if _, failed := failedTokens[token]; failed {
			report.Failed += len(subs)
			continue
		}
		for _, sub := range subs {
			report.Sent++
			if err := s.ledger.Record(ctx, e.ID, sub.DeviceID, s.recordTTL); err != nil {
				recordErrs = append(recordErrs, fmt.Errorf("record %s: %w", sub.DeviceID, err))
			}
		}
	}
	report.LedgerErrors = len(recordErrs)
	metrics.NotificationsTotal.WithLabelValues(string(trigger), "sent").Add(float64(report.Sent))
	metrics.NotificationsTotal.WithLabelValues(string(trigger), "failed").Add(float64(report.Failed))

	if report.Failed > 0 || len(recordErrs) > 0 {
		cause := errors.Join(recordErrs...)
		if cause == nil {
			cause = fmt.Errorf("%d devices rejected by transport", report.Failed)
		}
		report.Partial = &domain.PartialFailure{
			Completed: report.Sent - len(recordErrs),
			Failed:    report.Failed + len(recordErrs),
			Cause:     cause,
		}
		slog.Warn("notification pass incomplete", "event_id", e.ID, "trigger", trigger, "err", report.Partial)
	}
	return report, nil
}

// nearbySubscriptions range-scans the subscriptions covering the notify disc and keeps those
// whose cell touches it.
func (s *service) nearbySubscriptions(ctx context.Context, center geo.Point) ([]*domain.Subscription, error) {
	bounds, err := geo.QueryBounds(center, s.radiusM)
	if err != nil {
		return nil, err
	}
	ranges := make([]domain.ScanRange, len(bounds))
	for i, b := range bounds {
		ranges[i] = domain.CellRange(b, time.Time{})
	}
	return repository.ScanUnion(ctx, s.subs.RangeScan, ranges,
		func(sub *domain.Subscription) string { return sub.DeviceID },
		func(sub *domain.Subscription) bool { return geo.CellWithinRadius(center, sub.CellCode, s.radiusM) })
}

func (s *service) SweepRecent(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.clock.Now()
	for e, err := range s.events.RangeScan(ctx, domain.TimeRange(now.Add(-s.lookback), now)) {
		if err != nil {
			return report, fmt.Errorf("scan recent events: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Events++
		r, err := s.NotifyEvent(ctx, e, domain.TriggerPeriodic)
		if err != nil {
			report.Errors++
			slog.Warn("periodic notify failed", "event_id", e.ID, "err", err)
			continue
		}
		report.Sent += r.Sent
		report.Failed += r.Failed
		report.LedgerErrors += r.LedgerErrors
	}
	return report, nil
}
