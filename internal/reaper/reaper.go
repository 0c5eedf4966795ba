// Package reaper terminates sandbox sessions that have gone idle, on a cron
// schedule.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sandbar-dev/sandbar/internal/session"
)

// Reaper sweeps the session registry and stops sessions whose last activity
// is older than the TTL. A zero TTL disables reaping entirely.
type Reaper struct {
	registry *session.Registry
	ttl      time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// New creates a reaper over the registry.
func New(registry *session.Registry, ttl time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		ttl:      ttl,
		logger:   logger,
	}
}

// Start schedules the sweep. schedule is a cron expression; "@every 1m" is
// the usual choice.
func (r *Reaper) Start(schedule string) error {
	if r.ttl <= 0 {
		r.logger.Info("idle reaper disabled")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, r.Sweep); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.logger.Info("idle reaper started", "schedule", schedule, "ttl", r.ttl)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep stops every session idle past the TTL. Exported so a sweep can be
// forced outside the schedule.
func (r *Reaper) Sweep() {
	cutoff := time.Now().Add(-r.ttl)
	for _, sess := range r.registry.List() {
		if sess.State() != session.Running {
			continue
		}
		if sess.LastActivity().After(cutoff) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := r.registry.Stop(ctx, sess.ID())
		cancel()
		if err != nil {
			r.logger.Warn("idle session stop failed", "project", sess.ID(), "err", err)
			continue
		}
		r.logger.Info("idle session reaped", "project", sess.ID(), "idle_since", sess.LastActivity())
	}
}
