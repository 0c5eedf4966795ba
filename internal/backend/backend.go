// Package backend abstracts the sandbox execution engine. Two variants
// implement the same contract: a local process group attached to a
// pseudo-terminal, and a container reached through a docker exec channel.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kind identifies a backend variant.
type Kind string

const (
	KindLocal  Kind = "local"
	KindDocker Kind = "docker"
)

// TerminateGrace is how long Terminate waits after the graceful signal
// before escalating to a forceful kill.
const TerminateGrace = 5 * time.Second

// ErrBackendUnavailable reports that the execution runtime is not reachable.
// The check happens once at backend initialization; subsequent Provision
// calls fail fast instead of retrying.
var ErrBackendUnavailable = errors.New("execution backend unavailable")

// ErrHandleNotFound reports an operation on a handle this backend does not
// own or that no longer exists.
var ErrHandleNotFound = errors.New("execution handle not found")

// ProvisionError wraps a resource-creation failure with its diagnostic.
type ProvisionError struct {
	Reason string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("provision failed: %s", e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Duplex is the bidirectional byte stream of an interactive shell. Close
// releases the attachment, never the underlying sandbox. Read deadlines are
// how bridges implement bounded cancellation.
type Duplex interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Handle is an opaque reference to a provisioned sandbox. Handles are owned
// exclusively by the session that provisioned them.
type Handle interface {
	// ID is the externally visible handle identifier, e.g. "local-<project>".
	ID() string
}

// Backend provisions and controls sandboxes.
type Backend interface {
	Kind() Kind

	// Provision creates a sandbox rooted at the workspace and returns its
	// handle. Environment bootstrap (venv creation, dependency install) is a
	// best-effort side effect: failures are logged, never fatal.
	Provision(ctx context.Context, workspacePath string) (Handle, error)

	// Exec returns the duplex byte stream of the sandbox's interactive shell.
	Exec(h Handle) (Duplex, error)

	// Resize propagates a viewport change to the terminal discipline. It must
	// never fail a connection; where the runtime has no resize primitive the
	// call degrades to a no-op.
	Resize(h Handle, rows, cols uint16) error

	// IsAlive is a non-blocking liveness check.
	IsAlive(h Handle) bool

	// Terminate signals the sandbox, waits up to TerminateGrace, then
	// force-kills. Terminating an already-dead handle is a no-op.
	Terminate(ctx context.Context, h Handle) error
}
