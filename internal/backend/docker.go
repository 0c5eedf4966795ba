package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DockerOptions configures the containerized backend.
type DockerOptions struct {
	// Image is the sandbox container image.
	Image string
	// Memory is the container memory ceiling, in docker --memory syntax.
	Memory string
	// User is the non-root uid:gid the shell runs as.
	User string
	// PingTimeout bounds the daemon reachability check at initialization.
	PingTimeout time.Duration
}

// Docker provisions sandboxes as containers driven through the docker CLI.
// The container idles (sleep infinity) so repeated exec channels can be
// opened against it.
type Docker struct {
	opts      DockerOptions
	logger    *slog.Logger
	available bool
}

// NewDocker creates the containerized backend. Daemon reachability is
// checked exactly once here; if the daemon is down, every Provision call
// fails fast with ErrBackendUnavailable instead of retrying per call.
func NewDocker(ctx context.Context, opts DockerOptions, logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Image == "" {
		opts.Image = "python:3.11-slim"
	}
	if opts.Memory == "" {
		opts.Memory = "512m"
	}
	if opts.User == "" {
		opts.User = "1000:1000"
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 10 * time.Second
	}

	d := &Docker{opts: opts, logger: logger}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	out, err := exec.CommandContext(pingCtx, "docker", "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		logger.Warn("docker daemon unreachable, backend marked unavailable",
			"err", err, "output", strings.TrimSpace(string(out)))
		return d
	}

	d.available = true
	logger.Info("docker backend ready", "server_version", strings.TrimSpace(string(out)), "image", opts.Image)
	return d
}

// Kind implements Backend.
func (d *Docker) Kind() Kind { return KindDocker }

// Available reports the result of the initialization-time daemon check.
func (d *Docker) Available() bool { return d.available }

type dockerHandle struct {
	id        string
	container string

	mu         sync.Mutex
	terminated bool
}

func (h *dockerHandle) ID() string { return h.id }

// Provision creates an idling container with the workspace bind-mounted
// read-write, a memory ceiling, a non-root user, and privilege escalation
// disabled.
func (d *Docker) Provision(ctx context.Context, workspacePath string) (Handle, error) {
	if !d.available {
		return nil, ErrBackendUnavailable
	}

	project := projectIDFromWorkspace(workspacePath)
	container := "sandbar-" + project

	// A container left behind by an unclean shutdown would collide on name.
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", container).Run()

	args := runArgs(container, workspacePath, d.opts)
	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return nil, &ProvisionError{
			Reason: fmt.Sprintf("docker run: %s", strings.TrimSpace(string(out))),
			Err:    err,
		}
	}

	bootstrapContainer(ctx, d.logger, container)

	h := &dockerHandle{id: "docker-" + project, container: container}
	d.logger.Info("container sandbox provisioned", "handle", h.id, "container", container, "workspace", workspacePath)
	return h, nil
}

// runArgs builds the docker run invocation for a sandbox container.
func runArgs(container, workspacePath string, opts DockerOptions) []string {
	return []string{
		"run", "-d",
		"--name", container,
		"--memory", opts.Memory,
		"--user", opts.User,
		"--security-opt", "no-new-privileges",
		"-v", workspacePath + ":/workspace:rw",
		"-w", "/workspace",
		opts.Image,
		"sleep", "infinity",
	}
}

// Exec opens a fresh interactive exec channel into the container. Closing
// the returned duplex tears down only that exec session; the container keeps
// running for later reattachment.
func (d *Docker) Exec(h Handle) (Duplex, error) {
	dh, ok := h.(*dockerHandle)
	if !ok {
		return nil, ErrHandleNotFound
	}

	cmd := exec.Command("docker", "exec", "-i", dh.container, defaultShell, "-i")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("exec stdin: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("exec pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("starting exec channel: %w", err)
	}
	// The child holds its own copy of the write end.
	outW.Close()

	return &execDuplex{r: outR, w: stdin, cmd: cmd}, nil
}

// Resize is a no-op: the CLI exposes no resize primitive for a plain exec
// pipe, and a stale viewport is a visual artifact only.
func (d *Docker) Resize(h Handle, rows, cols uint16) error {
	if _, ok := h.(*dockerHandle); !ok {
		return ErrHandleNotFound
	}
	return nil
}

// IsAlive queries the container running state.
func (d *Docker) IsAlive(h Handle) bool {
	dh, ok := h.(*dockerHandle)
	if !ok {
		return false
	}
	out, err := exec.Command("docker", "inspect", "-f", "{{.State.Running}}", dh.container).Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Terminate stops the container with the grace period, then removes it.
// Terminating a handle that is already gone is a no-op.
func (d *Docker) Terminate(ctx context.Context, h Handle) error {
	dh, ok := h.(*dockerHandle)
	if !ok {
		return ErrHandleNotFound
	}

	dh.mu.Lock()
	defer dh.mu.Unlock()
	if dh.terminated {
		return nil
	}

	graceSecs := fmt.Sprintf("%d", int(TerminateGrace.Seconds()))
	if out, err := exec.CommandContext(ctx, "docker", "stop", "-t", graceSecs, dh.container).CombinedOutput(); err != nil && !isNoSuchContainer(out) {
		d.logger.Warn("docker stop failed, forcing removal", "container", dh.container, "output", strings.TrimSpace(string(out)))
	}
	if out, err := exec.CommandContext(ctx, "docker", "rm", "-f", dh.container).CombinedOutput(); err != nil && !isNoSuchContainer(out) {
		return fmt.Errorf("removing container %s: %s: %w", dh.container, strings.TrimSpace(string(out)), err)
	}

	dh.terminated = true
	d.logger.Info("container sandbox terminated", "handle", dh.id)
	return nil
}

func isNoSuchContainer(out []byte) bool {
	return bytes.Contains(bytes.ToLower(out), []byte("no such container"))
}

// execDuplex is the stdio of one docker exec session. Close kills the exec
// channel but leaves the container alone.
type execDuplex struct {
	r   *os.File
	w   io.WriteCloser
	cmd *exec.Cmd

	closeOnce sync.Once
}

func (d *execDuplex) Read(p []byte) (int, error)        { return d.r.Read(p) }
func (d *execDuplex) Write(p []byte) (int, error)       { return d.w.Write(p) }
func (d *execDuplex) SetReadDeadline(t time.Time) error { return d.r.SetReadDeadline(t) }

func (d *execDuplex) Close() error {
	d.closeOnce.Do(func() {
		d.w.Close()
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		_ = d.cmd.Wait()
		d.r.Close()
	})
	return nil
}
