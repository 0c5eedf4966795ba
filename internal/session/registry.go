package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandbar-dev/sandbar/internal/backend"
	"github.com/sandbar-dev/sandbar/internal/telemetry"
)

// Locator maps a project id to its workspace root.
type Locator interface {
	Resolve(projectID string) (string, error)
}

// Registry owns the process-wide map from project id to sandbox session.
// All mutations are serialized per project id: concurrent Start/Stop for one
// project never race, while operations on distinct projects proceed
// independently.
type Registry struct {
	backend backend.Backend
	locator Locator
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

// entry serializes all lifecycle operations for a single project.
type entry struct {
	mu   sync.Mutex
	sess *Session
}

// NewRegistry creates a registry over the given backend and workspace
// locator. metrics may be nil.
func NewRegistry(b backend.Backend, locator Locator, logger *slog.Logger, metrics *telemetry.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: b,
		locator: locator,
		logger:  logger,
		metrics: metrics,
		entries: make(map[string]*entry),
	}
}

// lockEntry returns the project's entry with its lock held, creating the
// entry if needed. An entry can be evicted by a concurrent Stop between the
// map lookup and acquiring its lock; holding the lock of an evicted entry
// would let a provision complete on state the registry no longer sees, so a
// stale entry is dropped and the lookup retried.
func (r *Registry) lockEntry(projectID string) *entry {
	for {
		r.mu.Lock()
		e, ok := r.entries[projectID]
		if !ok {
			e = &entry{}
			r.entries[projectID] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if r.current(projectID) == e {
			return e
		}
		e.mu.Unlock()
	}
}

// lockExisting is lockEntry for callers that must not create an entry; it
// returns nil when the project has none.
func (r *Registry) lockExisting(projectID string) *entry {
	for {
		r.mu.Lock()
		e, ok := r.entries[projectID]
		r.mu.Unlock()
		if !ok {
			return nil
		}

		e.mu.Lock()
		if r.current(projectID) == e {
			return e
		}
		e.mu.Unlock()
	}
}

func (r *Registry) current(projectID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[projectID]
}

// Start provisions a sandbox session for the project, or returns the
// existing one: a project with a non-Terminated session never gets a second
// backend resource (idempotent start).
func (r *Registry) Start(ctx context.Context, projectID string) (*Session, error) {
	e := r.lockEntry(projectID)
	defer e.mu.Unlock()

	if e.sess != nil && e.sess.State() != Terminated {
		return e.sess, nil
	}

	ws, err := r.locator.Resolve(projectID)
	if err != nil {
		r.recordStart("workspace_not_found")
		return nil, err
	}

	sess := newSession(projectID, r.backend.Kind())
	if err := sess.transition(Provisioning, nil); err != nil {
		return nil, err
	}

	handle, err := r.backend.Provision(ctx, ws)
	if err != nil {
		_ = sess.transition(Terminated, nil)
		e.sess = nil
		r.recordStart("error")
		return nil, fmt.Errorf("provisioning sandbox for %q: %w", projectID, err)
	}

	if err := sess.transition(Running, handle); err != nil {
		_ = r.backend.Terminate(ctx, handle)
		return nil, err
	}
	e.sess = sess

	r.recordStart("ok")
	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
	}
	r.logger.Info("session started", "project", projectID, "backend", r.backend.Kind(), "handle", handle.ID())
	return sess, nil
}

// Get returns the session for a project, or nil when none exists.
func (r *Registry) Get(projectID string) *Session {
	r.mu.Lock()
	e, ok := r.entries[projectID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// Stop terminates the project's sandbox and evicts the registry entry. The
// entry is removed only after the backend confirms termination, so a stale
// session can never resurrect. Stopping a project without a session is a
// no-op.
func (r *Registry) Stop(ctx context.Context, projectID string) error {
	e := r.lockExisting(projectID)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()

	sess := e.sess
	if sess == nil {
		r.evict(projectID)
		return nil
	}

	switch sess.State() {
	case Terminated:
		e.sess = nil
		r.evict(projectID)
		return nil
	case Running:
		if err := sess.transition(Stopping, nil); err != nil {
			return err
		}
	case Stopping:
		// A previous Stop failed mid-terminate; retry below.
	default:
		// Created/Provisioning never escapes Start, which holds the entry lock.
		return fmt.Errorf("stop %q: %w", projectID, ErrSessionNotReady)
	}

	handle, err := sess.Handle()
	if err != nil {
		return err
	}
	if err := r.backend.Terminate(ctx, handle); err != nil {
		return fmt.Errorf("terminating sandbox for %q: %w", projectID, err)
	}

	if err := sess.transition(Terminated, nil); err != nil {
		return err
	}
	e.sess = nil
	r.evict(projectID)

	if r.metrics != nil {
		r.metrics.SessionsActive.Dec()
	}
	r.logger.Info("session stopped", "project", projectID)
	return nil
}

// List snapshots all live sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sessions := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.sess != nil {
			sessions = append(sessions, e.sess)
		}
		e.mu.Unlock()
	}
	return sessions
}

// StopAll terminates every live session; used on daemon shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	for _, sess := range r.List() {
		if err := r.Stop(ctx, sess.ID()); err != nil {
			r.logger.Warn("session shutdown failed", "project", sess.ID(), "err", err)
		}
	}
}

func (r *Registry) evict(projectID string) {
	r.mu.Lock()
	delete(r.entries, projectID)
	r.mu.Unlock()
}

func (r *Registry) recordStart(status string) {
	if r.metrics != nil {
		r.metrics.SessionStarts.WithLabelValues(status).Inc()
	}
}
