package tiersync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/pkg/geo"
)

// Feed delivers events as they first appear in a repeated query. Stop it to unsubscribe.
type Feed struct {
	events chan *domain.Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Events yields each newly seen event once, oldest first within a poll. The channel is
// closed after Stop or when the watch context ends.
func (f *Feed) Events() <-chan *domain.Event { return f.events }

// Stop cancels the feed and waits for its goroutine to exit. Safe to call more than once.
func (f *Feed) Stop() {
	f.cancel()
	<-f.done
}

// Err returns the most recent poll error, if any.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Watch polls Query every interval and publishes events not seen by an earlier poll. The
// first poll runs immediately.
func (m *Manager) Watch(ctx context.Context, center geo.Point, radiusMiles float64, every time.Duration) (*Feed, error) {
	if err := validateQuery(center, radiusMiles); err != nil {
		return nil, err
	}
	if every <= 0 {
		return nil, domain.Invalid("watch interval must be positive")
	}
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		events: make(chan *domain.Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(ctx, f, center, radiusMiles, every)
	return f, nil
}

func (m *Manager) run(ctx context.Context, f *Feed, center geo.Point, radiusMiles float64, every time.Duration) {
	defer close(f.done)
	defer close(f.events)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	seen := make(map[string]struct{})
	for {
		events, err := m.Query(ctx, center, radiusMiles)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.setErr(err)
			slog.Warn("watch poll failed", "cell_key", CellKey(center), "err", err)
		} else {
			f.setErr(nil)
			current := make(map[string]struct{}, len(events))
			for i := len(events) - 1; i >= 0; i-- {
				e := events[i]
				current[e.ID] = struct{}{}
				if _, ok := seen[e.ID]; ok {
					continue
				}
				select {
				case f.events <- e:
				case <-ctx.Done():
					return
				}
			}
			// forget events that dropped out so the set stays bounded
			seen = current
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
