// Package bridge relays bytes between a network terminal connection and a
// sandbox shell, full duplex, until either side closes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandbar-dev/sandbar/internal/backend"
	"github.com/sandbar-dev/sandbar/internal/session"
	"github.com/sandbar-dev/sandbar/internal/telemetry"
)

// ChunkSize bounds how much shell output one outbound frame carries; small
// enough to keep latency low, large enough to not fragment bulk output.
const ChunkSize = 32 * 1024

// pollInterval bounds how long a pump can stay blocked after the sibling
// pump has died. Reads block up to this long, then re-check cancellation.
const pollInterval = time.Second

// Sentinel pump outcomes. Both pumps always return a non-nil error so the
// errgroup context cancels the sibling the moment either direction ends.
var (
	errShellClosed = errors.New("shell side closed")
	errPeerClosed  = errors.New("network side closed")
	errCanceled    = errors.New("bridge canceled")
)

// MessageConn is the network side of a bridge: a message-oriented duplex
// channel. The server adapts a websocket connection to this interface.
type MessageConn interface {
	// ReadMessage returns the next inbound payload.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one outbound payload.
	WriteMessage(data []byte) error
	// Close terminates the connection, unblocking any pending ReadMessage.
	Close() error
}

// Bridge attaches terminal connections to sandbox sessions.
type Bridge struct {
	backend backend.Backend
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a bridge over the given backend. metrics may be nil.
func New(b backend.Backend, logger *slog.Logger, metrics *telemetry.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{backend: b, logger: logger, metrics: metrics}
}

// Attach claims the session, opens its shell duplex, and pumps both
// directions until either endpoint closes, the shell exits, or ctx is
// canceled. The session is left Running on exit so a fresh connection can
// reattach; attach failures write one diagnostic line before returning.
func (b *Bridge) Attach(ctx context.Context, conn MessageConn, sess *session.Session) error {
	if err := sess.TryAttach(); err != nil {
		writeDiagnostic(conn, err)
		return err
	}
	defer sess.Detach()

	handle, err := sess.Handle()
	if err != nil {
		writeDiagnostic(conn, err)
		return err
	}

	duplex, err := b.backend.Exec(handle)
	if err != nil {
		writeDiagnostic(conn, err)
		return fmt.Errorf("opening shell duplex: %w", err)
	}
	defer duplex.Close()

	if b.metrics != nil {
		b.metrics.Attaches.Inc()
	}
	b.logger.Info("terminal attached", "project", sess.ID(), "handle", handle.ID())

	g, gctx := errgroup.WithContext(ctx)

	// Unblock the inbound pump's pending ReadMessage once anything ends.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-gctx.Done():
			conn.Close()
		case <-watchdogDone:
		}
	}()

	g.Go(func() error { return b.pumpOutbound(gctx, duplex, conn) })
	g.Go(func() error { return b.pumpInbound(gctx, conn, duplex, handle, sess) })

	err = g.Wait()
	b.logger.Info("terminal detached", "project", sess.ID(), "reason", err)

	switch {
	case errors.Is(err, errShellClosed), errors.Is(err, errPeerClosed), errors.Is(err, errCanceled):
		return nil
	default:
		return err
	}
}

// pumpOutbound relays shell output to the network verbatim, preserving
// order. Reads block with a bounded deadline so cancellation is prompt even
// while the shell is silent.
func (b *Bridge) pumpOutbound(ctx context.Context, duplex backend.Duplex, conn MessageConn) error {
	buf := make([]byte, ChunkSize)
	for {
		_ = duplex.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := duplex.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(buf[:n]); werr != nil {
				return errPeerClosed
			}
			if b.metrics != nil {
				b.metrics.BridgeBytes.WithLabelValues("outbound").Add(float64(n))
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				select {
				case <-ctx.Done():
					return errCanceled
				default:
					continue
				}
			}
			if errors.Is(err, io.EOF) {
				return errShellClosed
			}
			// A pty master reports EIO once the shell exits; any other read
			// error equally ends the stream.
			return errShellClosed
		}

		select {
		case <-ctx.Done():
			return errCanceled
		default:
		}
	}
}

// pumpInbound relays network payloads to the shell verbatim and in order,
// consuming resize control frames along the way.
func (b *Bridge) pumpInbound(ctx context.Context, conn MessageConn, duplex backend.Duplex, handle backend.Handle, sess *session.Session) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return errCanceled
			}
			return errPeerClosed
		}

		if rows, cols, ok := parseResize(data); ok {
			// Resize never fails the connection; a backend without a resize
			// primitive degrades to a visual artifact only.
			if rerr := b.backend.Resize(handle, rows, cols); rerr != nil {
				b.logger.Warn("resize failed", "project", sess.ID(), "rows", rows, "cols", cols, "err", rerr)
			}
			continue
		}

		if _, err := duplex.Write(data); err != nil {
			return errShellClosed
		}
		if b.metrics != nil {
			b.metrics.BridgeBytes.WithLabelValues("inbound").Add(float64(len(data)))
		}
		sess.Touch()
	}
}

// writeDiagnostic sends one final human-readable line so the client can
// render the cause instead of seeing a silent disconnect.
func writeDiagnostic(conn MessageConn, err error) {
	_ = conn.WriteMessage([]byte("Error: " + err.Error() + "\r\n"))
}
