// Package watch observes the workspace base directory and stops the session
// of any project whose directory disappears out from under the daemon, e.g.
// an operator running rm -rf on the base dir.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sandbar-dev/sandbar/internal/session"
	"github.com/sandbar-dev/sandbar/internal/workspace"
)

// Watcher ties filesystem removals of project directories to session stops.
type Watcher struct {
	store    *workspace.Store
	registry *session.Registry
	logger   *slog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// New creates a watcher on the store's base directory.
func New(store *workspace.Store, registry *session.Registry, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(store.Base()); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		store:    store,
		registry: registry,
		logger:   logger,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the event loop until Close.
func (w *Watcher) Start() {
	go w.loop()
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watcher error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	id, ok := w.store.ProjectIDForDir(ev.Name)
	if !ok {
		return
	}
	sess := w.registry.Get(id)
	if sess == nil {
		return
	}

	w.logger.Info("project directory removed, stopping session", "project", id)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.registry.Stop(ctx, id); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		w.logger.Warn("session stop after removal failed", "project", id, "err", err)
	}
}
