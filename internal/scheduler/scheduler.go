// Package scheduler runs the periodic retention sweep.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ferryhq/ferry/internal/store"
)

// Config holds scheduler configuration.
type Config struct {
	// Interval between sweeps (default 1h).
	Interval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: time.Hour}
}

// Scheduler periodically reaps expired jobs, chunks, and failure logs. The
// store's key TTLs handle state the sweep never reaches, so missing a tick is
// harmless.
type Scheduler struct {
	store  *store.Store
	config Config
}

// New creates a new Scheduler.
func New(s *store.Store, config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Scheduler{store: s, config: config}
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("retention sweeper started", "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	res, err := s.store.SweepExpired(time.Now().UTC())
	if err != nil {
		slog.Error("retention sweep", "error", err)
		return
	}
	if res.JobsDeleted > 0 {
		slog.Info("retention sweep finished",
			"jobs", res.JobsDeleted, "chunks", res.ChunksDeleted, "failures", res.FailuresDeleted)
	}
}
