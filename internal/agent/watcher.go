package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates registry cache entries when agent files change on
// disk outside the server, e.g. manual edits or an external sync. Cache
// freshness is driven by committed mutations and these events only — never
// by request-time heuristics.
type Watcher struct {
	registry *Registry
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	dir      string
}

// NewWatcher creates a watcher over <storageDir>/agents.
func NewWatcher(storageDir string, registry *Registry, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Join(storageDir, "agents")
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{registry: registry, logger: logger, fsw: fsw, dir: dir}, nil
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.dir, event.Name)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	agentID := parts[0]

	// New agent directory: watch it so agent.json edits are seen.
	if len(parts) == 1 && event.Op.Has(fsnotify.Create) {
		if err := w.fsw.Add(event.Name); err != nil {
			w.logger.Warn("watch agent dir", "agent_id", agentID, "error", err)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "agent.json" &&
		event.Op.Has(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) {
		w.registry.Invalidate(agentID)
		w.logger.Debug("agent cache invalidated", "agent_id", agentID, "op", event.Op.String())
	}
}
