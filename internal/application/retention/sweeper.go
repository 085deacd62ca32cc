// Package retention deletes records that have outlived their tier's retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/metrics"
	"github.com/geo-sightings/internal/pkg/clock"
)

// DefaultBatchSize bounds a single DeleteWhere call.
const DefaultBatchSize = 500

// maxBatchesPerRun stops a run that keeps finding full batches; the next run resumes.
const maxBatchesPerRun = 1000

type Tier string

const (
	TierServer Tier = "server"
	TierClient Tier = "client"
)

type deleter interface {
	DeleteWhere(ctx context.Context, field domain.Field, bound time.Time, limit int) (int, error)
}

// AuditLog stores one JSON report per sweep.
type AuditLog interface {
	Put(ctx context.Context, kind string, at time.Time, v any) error
}

// Target is one store swept by a tier. Records whose Field is at or before now-Age are
// removed; Age is zero for stores whose Field already holds the expiry time.
type Target struct {
	Name  string
	Tier  Tier
	Store deleter
	Field domain.Field
	Age   time.Duration
}

// TargetResult reports one target's run. Partial counts failed batches, not records.
type TargetResult struct {
	Name    string                 `json:"name"`
	Deleted int                    `json:"deleted"`
	Batches int                    `json:"batches"`
	Error   string                 `json:"error,omitempty"`
	Partial *domain.PartialFailure `json:"-"`
}

// Result reports one sweep of a tier.
type Result struct {
	Tier       Tier           `json:"tier"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Deleted    int            `json:"deleted"`
	Targets    []TargetResult `json:"targets"`
	// Partial is set when any target stopped early.
	Partial *domain.PartialFailure `json:"-"`
}

type Sweeper struct {
	targets   []Target
	clock     clock.Clock
	batchSize int
	audit     AuditLog
}

// NewSweeper builds a sweeper over targets. audit may be nil.
func NewSweeper(clk clock.Clock, batchSize int, audit AuditLog, targets ...Target) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{targets: targets, clock: clk, batchSize: batchSize, audit: audit}
}

// Targets lists the registered target names for tier.
func (s *Sweeper) Targets(tier Tier) []string {
	var names []string
	for _, t := range s.targets {
		if t.Tier == tier {
			names = append(names, t.Name)
		}
	}
	return names
}

// Sweep runs every target of tier. It never returns an error: failures are reported in the
// Result and the next run picks up whatever was left.
func (s *Sweeper) Sweep(ctx context.Context, tier Tier) Result {
	res := Result{Tier: tier, StartedAt: s.clock.Now()}
	var failedBatches int
	var causes []error
	for _, t := range s.targets {
		if t.Tier != tier {
			continue
		}
		tr := s.sweepTarget(ctx, t)
		res.Targets = append(res.Targets, tr)
		res.Deleted += tr.Deleted
		if tr.Partial != nil {
			failedBatches += tr.Partial.Failed
			causes = append(causes, fmt.Errorf("%s: %w", t.Name, tr.Partial.Cause))
		}
	}
	res.FinishedAt = s.clock.Now()
	if len(causes) > 0 {
		res.Partial = &domain.PartialFailure{Completed: res.Deleted, Failed: failedBatches, Cause: errors.Join(causes...)}
	}

	slog.Info("retention sweep", "tier", tier, "deleted", res.Deleted, "partial", res.Partial != nil)
	if s.audit != nil {
		if err := s.audit.Put(ctx, "sweeps/"+string(tier), res.StartedAt, res); err != nil {
			slog.Warn("could not write sweep audit", "tier", tier, "err", err)
		}
	}
	return res
}

func (s *Sweeper) sweepTarget(ctx context.Context, t Target) TargetResult {
	tr := TargetResult{Name: t.Name}
	bound := s.clock.Now().Add(-t.Age)
	label := string(t.Tier) + "/" + t.Name

	fail := func(err error) TargetResult {
		tr.Partial = &domain.PartialFailure{Completed: tr.Deleted, Failed: 1, Cause: err}
		tr.Error = err.Error()
		metrics.SweepFailuresTotal.WithLabelValues(label).Inc()
		slog.Warn("sweep stopped early", "tier", t.Tier, "target", t.Name, "deleted", tr.Deleted, "err", err)
		return tr
	}

	for tr.Batches < maxBatchesPerRun {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n, err := t.Store.DeleteWhere(ctx, t.Field, bound, s.batchSize)
		tr.Batches++
		tr.Deleted += n
		metrics.SweepDeletedTotal.WithLabelValues(label).Add(float64(n))
		if err != nil {
			return fail(err)
		}
		if n < s.batchSize {
			return tr
		}
	}
	slog.Info("sweep batch cap reached", "tier", t.Tier, "target", t.Name, "deleted", tr.Deleted)
	return tr
}
