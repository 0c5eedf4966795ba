package backend

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Bootstrap timeouts mirror the interactive expectations of a fresh
// workspace: venv creation is quick, dependency installs can take minutes.
const (
	venvTimeout    = 60 * time.Second
	installTimeout = 300 * time.Second
)

const manifestName = "requirements.txt"

// bootstrapLocal prepares the python environment on the host: a venv under
// the workspace if absent, then an install from the dependency manifest if
// one exists. Every failure is logged and absorbed; a shell must remain
// reachable even with an incomplete environment.
func bootstrapLocal(ctx context.Context, logger *slog.Logger, workspacePath string) {
	venv := filepath.Join(workspacePath, "venv")
	if _, err := os.Stat(venv); os.IsNotExist(err) {
		vctx, cancel := context.WithTimeout(ctx, venvTimeout)
		out, err := exec.CommandContext(vctx, "python3", "-m", "venv", venv).CombinedOutput()
		cancel()
		if err != nil {
			logger.Warn("venv creation failed, continuing without it",
				"workspace", workspacePath, "err", err, "output", strings.TrimSpace(string(out)))
			return
		}
	}

	manifest := filepath.Join(workspacePath, manifestName)
	if _, err := os.Stat(manifest); err != nil {
		return
	}

	ictx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	pip := filepath.Join(venv, "bin", "pip")
	if out, err := exec.CommandContext(ictx, pip, "install", "-r", manifest).CombinedOutput(); err != nil {
		logger.Warn("dependency install failed, continuing with partial environment",
			"workspace", workspacePath, "err", err, "output", tail(string(out), 2000))
		return
	}

	logger.Info("workspace environment ready", "workspace", workspacePath)
}

// bootstrapContainer does the same inside a running sandbox container.
func bootstrapContainer(ctx context.Context, logger *slog.Logger, container string) {
	vctx, cancel := context.WithTimeout(ctx, venvTimeout)
	out, err := exec.CommandContext(vctx, "docker", "exec", container,
		"sh", "-c", "test -d /workspace/venv || python3 -m venv /workspace/venv").CombinedOutput()
	cancel()
	if err != nil {
		logger.Warn("venv creation failed in container, continuing without it",
			"container", container, "err", err, "output", strings.TrimSpace(string(out)))
		return
	}

	ictx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	script := "test -f /workspace/" + manifestName + " && /workspace/venv/bin/pip install -r /workspace/" + manifestName
	out, err = exec.CommandContext(ictx, "docker", "exec", container, "sh", "-c", script).CombinedOutput()
	if err != nil {
		// Exit status 1 from the test means no manifest; anything else is a
		// real install failure, still absorbed.
		logger.Debug("container dependency install skipped or failed",
			"container", container, "err", err, "output", tail(string(out), 2000))
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
