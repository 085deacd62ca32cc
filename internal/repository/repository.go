// Package repository declares the record store contracts shared by the server tier
// (DynamoDB), the client cache tier (SQLite) and the remote HTTP tier. Core services depend
// only on these interfaces and never inspect which tier they are talking to.
package repository

import (
	"context"
	"iter"
	"sort"
	"time"

	"github.com/geo-sightings/internal/domain"
)

// Deleter removes up to limit records whose field is at or before bound and returns how many
// were removed. Zero matches is (0, nil).
type Deleter interface {
	DeleteWhere(ctx context.Context, field domain.Field, bound time.Time, limit int) (int, error)
}

// EventStore is implemented by every tier that holds events.
type EventStore interface {
	Deleter
	// Insert assigns an ID, persists e and returns the ID.
	Insert(ctx context.Context, e *domain.Event) (string, error)
	// Upsert overwrites by ID.
	Upsert(ctx context.Context, e *domain.Event) error
	// RangeScan lazily yields unexpired events whose field lies in r, in key order.
	// Rows that fail validation are skipped.
	RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Event, error]
}

type SubscriptionStore interface {
	Deleter
	Upsert(ctx context.Context, s *domain.Subscription) error
	// Relocate moves an existing subscription. ErrNotFound when the device never registered.
	Relocate(ctx context.Context, deviceID, cellCode string, at time.Time) error
	RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Subscription, error]
}

type LedgerStore interface {
	Deleter
	Put(ctx context.Context, rec *domain.NotificationRecord) error
	// Get returns (nil, nil) when no record exists.
	Get(ctx context.Context, eventID, deviceID string) (*domain.NotificationRecord, error)
	// GetMany returns the records that exist, keyed by device ID.
	GetMany(ctx context.Context, eventID string, deviceIDs []string) (map[string]*domain.NotificationRecord, error)
}

type WatermarkStore interface {
	Deleter
	// Get returns (nil, nil) for a cell that was never fetched.
	Get(ctx context.Context, cellKey string) (*domain.SyncWatermark, error)
	// Advance stores w unless a later watermark is already stored. Never moves backwards.
	Advance(ctx context.Context, w domain.SyncWatermark) error
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ScanFunc is the RangeScan method of a store.
type ScanFunc[T any] func(ctx context.Context, r domain.ScanRange) iter.Seq2[T, error]

// ScanUnion runs scan over every range and returns the union, deduplicated by key and
// filtered by keep. A record that sits on a range boundary is returned once.
func ScanUnion[T any](ctx context.Context, scan ScanFunc[T], ranges []domain.ScanRange, key func(T) string, keep func(T) bool) ([]T, error) {
	seen := make(map[string]struct{})
	var out []T
	for _, r := range ranges {
		for v, err := range scan(ctx, r) {
			if err != nil {
				return nil, err
			}
			k := key(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			if keep == nil || keep(v) {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

// SortNewestFirst orders events by CreatedAt descending, ties broken by ID.
func SortNewestFirst(events []*domain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
