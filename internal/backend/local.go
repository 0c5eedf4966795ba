package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const defaultShell = "/bin/bash"

// Local spawns sandboxes as local process groups attached to a
// pseudo-terminal. The shell is its own session leader, so it and every
// descendant can be signaled as a group.
type Local struct {
	logger *slog.Logger
}

// NewLocal creates the local backend.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger}
}

// Kind implements Backend.
func (l *Local) Kind() Kind { return KindLocal }

type localHandle struct {
	id   string
	pgid int
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}
}

func (h *localHandle) ID() string { return h.id }

// Provision starts an interactive shell in the workspace with a fresh pty
// pair. pty.StartWithSize puts the shell in its own session with the slave
// side as controlling terminal.
func (l *Local) Provision(ctx context.Context, workspacePath string) (Handle, error) {
	bootstrapLocal(ctx, l.logger, workspacePath)

	cmd := exec.Command(defaultShell, "-i")
	cmd.Dir = workspacePath
	cmd.Env = shellEnv(os.Environ())

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, &ProvisionError{Reason: "starting shell pty", Err: err}
	}

	h := &localHandle{
		id:   "local-" + projectIDFromWorkspace(workspacePath),
		pgid: cmd.Process.Pid,
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		close(h.done)
		l.logger.Info("sandbox shell exited", "handle", h.id, "err", err)
	}()

	l.logger.Info("local sandbox provisioned", "handle", h.id, "pid", cmd.Process.Pid, "workspace", workspacePath)
	return h, nil
}

// Exec returns the pty master as the shell duplex. The returned stream does
// not own the master: closing it releases the attachment only, so a later
// bridge can reattach to the same shell.
func (l *Local) Exec(h Handle) (Duplex, error) {
	lh, ok := h.(*localHandle)
	if !ok {
		return nil, ErrHandleNotFound
	}
	return &ptyDuplex{f: lh.ptmx}, nil
}

// Resize applies the viewport size to the pty.
func (l *Local) Resize(h Handle, rows, cols uint16) error {
	lh, ok := h.(*localHandle)
	if !ok {
		return ErrHandleNotFound
	}
	return pty.Setsize(lh.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// IsAlive reports whether the shell process group still runs.
func (l *Local) IsAlive(h Handle) bool {
	lh, ok := h.(*localHandle)
	if !ok {
		return false
	}
	select {
	case <-lh.done:
		return false
	default:
		return true
	}
}

// Terminate signals the whole process group with SIGTERM, waits up to
// TerminateGrace, then SIGKILLs the group. Safe to call repeatedly.
func (l *Local) Terminate(ctx context.Context, h Handle) error {
	lh, ok := h.(*localHandle)
	if !ok {
		return ErrHandleNotFound
	}

	select {
	case <-lh.done:
		lh.ptmx.Close()
		return nil
	default:
	}

	if err := syscall.Kill(-lh.pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signaling process group %d: %w", lh.pgid, err)
	}

	grace := time.NewTimer(TerminateGrace)
	defer grace.Stop()

	select {
	case <-lh.done:
	case <-ctx.Done():
		_ = syscall.Kill(-lh.pgid, syscall.SIGKILL)
		<-lh.done
	case <-grace.C:
		l.logger.Warn("sandbox shell ignored SIGTERM, killing group", "handle", lh.id, "pgid", lh.pgid)
		_ = syscall.Kill(-lh.pgid, syscall.SIGKILL)
		<-lh.done
	}

	lh.ptmx.Close()
	return nil
}

// shellEnv extends the host environment with a fixed terminal type and an
// unbuffered-output hint for python workloads.
func shellEnv(base []string) []string {
	return append(base,
		"TERM=xterm-256color",
		`PS1=\w $ `,
		"PYTHONUNBUFFERED=1",
	)
}

// projectIDFromWorkspace derives the project id from the workspace layout
// <base>/<project-id>/workspace.
func projectIDFromWorkspace(ws string) string {
	return filepath.Base(filepath.Dir(ws))
}

// ptyDuplex exposes the pty master without owning it: the handle keeps the
// master open across attachments.
type ptyDuplex struct {
	f *os.File
}

func (d *ptyDuplex) Read(p []byte) (int, error)  { return d.f.Read(p) }
func (d *ptyDuplex) Write(p []byte) (int, error) { return d.f.Write(p) }

func (d *ptyDuplex) SetReadDeadline(t time.Time) error { return d.f.SetReadDeadline(t) }

// Close clears any pending read deadline and releases the attachment. The
// master itself stays open for reattachment.
func (d *ptyDuplex) Close() error {
	return d.f.SetReadDeadline(time.Time{})
}
