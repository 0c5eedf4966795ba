// Package session holds the sandbox session entity, its lifecycle state
// machine, and the process-wide registry mapping project ids to sessions.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/sandbar-dev/sandbar/internal/backend"
)

// Session is one sandbox bound to one project. Invariants: at most one
// non-Terminated session exists per project id, and the execution handle is
// present exactly while the state is Running or Stopping.
type Session struct {
	id        string
	kind      backend.Kind
	createdAt time.Time

	mu           sync.Mutex
	state        State
	handle       backend.Handle
	lastActivity time.Time
	attached     bool
}

func newSession(projectID string, kind backend.Kind) *Session {
	now := time.Now()
	return &Session{
		id:           projectID,
		kind:         kind,
		createdAt:    now,
		state:        Created,
		lastActivity: now,
	}
}

// ID returns the project id the session belongs to.
func (s *Session) ID() string { return s.id }

// Kind returns the backend variant that provisioned the session.
func (s *Session) Kind() backend.Kind { return s.kind }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the most recent terminal traffic or
// lifecycle event.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records activity for idle-reaping purposes.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Handle returns the execution handle. It fails with ErrSessionGone for a
// Terminated session and ErrSessionNotReady for any state before Running.
func (s *Session) Handle() (backend.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Running, Stopping:
		return s.handle, nil
	case Terminated:
		return nil, ErrSessionGone
	default:
		return nil, ErrSessionNotReady
	}
}

// HandleID returns the externally visible handle id, or "" while no handle
// exists.
func (s *Session) HandleID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.ID()
}

// TryAttach claims the session for a terminal bridge. Only a Running
// session accepts an attach, and only one bridge may hold it at a time.
func (s *Session) TryAttach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Terminated:
		return ErrSessionGone
	case Running:
	default:
		return ErrSessionNotReady
	}
	if s.attached {
		return ErrBridgeActive
	}
	s.attached = true
	s.lastActivity = time.Now()
	return nil
}

// Detach releases the bridge claim. The session stays Running so a later
// connection can reattach.
func (s *Session) Detach() {
	s.mu.Lock()
	s.attached = false
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// transition moves the lifecycle forward, maintaining the handle-presence
// invariant. handle must be non-nil exactly for the transition to Running.
func (s *Session) transition(to State, handle backend.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	s.lastActivity = time.Now()
	switch to {
	case Running:
		s.handle = handle
	case Terminated:
		s.handle = nil
	}
	return nil
}
