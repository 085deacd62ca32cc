package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/pkg/clock"
)

// Ledger remembers which devices were told about which events so no device is notified of
// the same event twice while its record is live.
type Ledger interface {
	AlreadyNotified(ctx context.Context, eventID, deviceID string) (bool, error)
	// Record marks (eventID, deviceID) as sent. Recording twice refreshes the expiry.
	Record(ctx context.Context, eventID, deviceID string, ttl time.Duration) error
	// FilterUnnotified returns subs minus duplicates and devices already notified of eventID.
	FilterUnnotified(ctx context.Context, eventID string, subs []*domain.Subscription) ([]*domain.Subscription, error)
}

type ledgerStore interface {
	Put(ctx context.Context, rec *domain.NotificationRecord) error
	Get(ctx context.Context, eventID, deviceID string) (*domain.NotificationRecord, error)
	GetMany(ctx context.Context, eventID string, deviceIDs []string) (map[string]*domain.NotificationRecord, error)
}

type ledger struct {
	store ledgerStore
	clock clock.Clock
}

func NewLedger(store ledgerStore, clk clock.Clock) Ledger {
	return &ledger{store: store, clock: clk}
}

// AlreadyNotified treats an expired record the same as a missing one; the store may not
// have reaped it yet.
func (l *ledger) AlreadyNotified(ctx context.Context, eventID, deviceID string) (bool, error) {
	rec, err := l.store.Get(ctx, eventID, deviceID)
	if err != nil {
		return false, fmt.Errorf("lookup notification record: %w", err)
	}
	return rec.Live(l.clock.Now()), nil
}

func (l *ledger) Record(ctx context.Context, eventID, deviceID string, ttl time.Duration) error {
	if eventID == "" || deviceID == "" {
		return domain.Invalid("notification record needs an event and a device")
	}
	if ttl <= 0 {
		return domain.Invalid("notification ttl must be positive")
	}
	now := l.clock.Now()
	return l.store.Put(ctx, &domain.NotificationRecord{
		EventID:   eventID,
		DeviceID:  deviceID,
		SentAt:    now,
		ExpiresAt: now.Add(ttl),
	})
}

func (l *ledger) FilterUnnotified(ctx context.Context, eventID string, subs []*domain.Subscription) ([]*domain.Subscription, error) {
	seen := make(map[string]struct{}, len(subs))
	unique := make([]*domain.Subscription, 0, len(subs))
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		if _, dup := seen[s.DeviceID]; dup {
			continue
		}
		seen[s.DeviceID] = struct{}{}
		unique = append(unique, s)
		ids = append(ids, s.DeviceID)
	}
	if len(unique) == 0 {
		return nil, nil
	}

	recs, err := l.store.GetMany(ctx, eventID, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup notification records: %w", err)
	}
	now := l.clock.Now()
	out := unique[:0]
	for _, s := range unique {
		if recs[s.DeviceID].Live(now) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
