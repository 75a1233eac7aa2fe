// Package scheduler runs named background jobs on a fixed cadence, at most
// once per interval across the fleet via the database job lock.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/store"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Runner struct {
	locks   *store.JobLockStore
	holder  string
	maxHold time.Duration
}

func New(locks *store.JobLockStore, maxHold time.Duration) *Runner {
	host, _ := os.Hostname()
	return &Runner{
		locks:   locks,
		holder:  fmt.Sprintf("%s-%d", host, os.Getpid()),
		maxHold: maxHold,
	}
}

// Start launches one goroutine per job. Jobs stop when ctx is cancelled.
// Ticks are skipped while another instance holds the lock, so a job fires at
// most once per interval fleet-wide; slightly late runs are acceptable.
func (r *Runner) Start(ctx context.Context, jobs ...Job) {
	for _, job := range jobs {
		go r.loop(ctx, job)
	}
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	acquired, err := r.locks.Acquire(ctx, job.Name, r.holder, r.maxHold)
	if err != nil {
		slog.Error("job lock acquire failed", "job", job.Name, "error", err)
		return
	}
	if !acquired {
		slog.Debug("job lock held elsewhere, skipping", "job", job.Name)
		return
	}
	defer func() {
		if err := r.locks.Release(ctx, job.Name, r.holder); err != nil {
			slog.Error("job lock release failed", "job", job.Name, "error", err)
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		slog.Error("job run failed", "job", job.Name, "error", err)
		return
	}
	slog.Info("job finished", "job", job.Name, "duration", time.Since(start))
}
