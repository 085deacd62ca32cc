// Package worker runs the API process's periodic jobs.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic task. Runs of the same job never overlap.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

type Scheduler struct {
	jobs []Job
	wg   sync.WaitGroup
}

func NewScheduler(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Start launches one loop per job and returns immediately. Loops stop when ctx is done;
// Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		if j.Every <= 0 || j.Run == nil {
			slog.Warn("skipping job", "job", j.Name, "every", j.Every)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, j)
		}()
	}
}

func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, j Job) {
	slog.Info("job loop started", "job", j.Name, "every", j.Every)
	defer slog.Info("job loop stopped", "job", j.Name)

	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, j)
		}
	}
}

func runOnce(ctx context.Context, j Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "job", j.Name, "panic", r)
		}
	}()
	if err := j.Run(ctx); err != nil {
		slog.Warn("job failed", "job", j.Name, "err", err, "took", time.Since(start))
		return
	}
	slog.Debug("job done", "job", j.Name, "took", time.Since(start))
}
