package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/ticket"
)

const reloadDebounce = 200 * time.Millisecond

// Reloader receives the settings that can change without a restart.
// *orchestrator.Scheduler satisfies it.
type Reloader interface {
	SetAIMode(ctx context.Context, mode orchestrator.AIMode) error
	SetAllocations(ctx context.Context, alloc map[ticket.Team]int) error
}

// Watch reloads the config file whenever it changes and pushes a changed AI
// mode or team allocation to target. Everything else needs a restart.
// It blocks until ctx is done. An invalid file is logged and ignored.
func Watch(ctx context.Context, path string, current *Config, target Reloader, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return fmt.Errorf("resolving config path %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(resolved)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(resolved), err)
	}
	logger.Info("watching config for changes", slog.String("path", resolved))

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	last := current
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != resolved || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			debounce.Reset(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-debounce.C:
			next, err := Load(resolved)
			if err != nil {
				logger.Warn("ignoring invalid config change", slog.String("error", err.Error()))
				continue
			}
			apply(ctx, last, next, target, logger)
			last = next
		}
	}
}

func apply(ctx context.Context, prev, next *Config, target Reloader, logger *slog.Logger) {
	if prev == nil || prev.Scheduler.AIMode != next.Scheduler.AIMode {
		if err := target.SetAIMode(ctx, orchestrator.AIMode(next.Scheduler.AIMode)); err != nil {
			logger.Warn("applying AI mode failed", slog.String("error", err.Error()))
		} else {
			logger.Info("AI mode reloaded", slog.String("mode", next.Scheduler.AIMode))
		}
	}
	if prev == nil || !maps.Equal(prev.Scheduler.Teams, next.Scheduler.Teams) {
		alloc := next.Scheduler.Allocations()
		if alloc == nil {
			alloc = make(map[ticket.Team]int, len(ticket.Teams))
			for _, team := range ticket.Teams {
				alloc[team] = 1
			}
		}
		if err := target.SetAllocations(ctx, alloc); err != nil {
			logger.Warn("applying slot allocations failed", slog.String("error", err.Error()))
		} else {
			logger.Info("slot allocations reloaded", slog.Any("teams", next.Scheduler.Teams))
		}
	}
}
