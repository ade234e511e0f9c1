package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileKind names which state file changed.
type FileKind string

const (
	KindConfig FileKind = "config"
	KindPolicy FileKind = "policy"
)

type ReloadEvent struct {
	Kind FileKind
	Path string
	// Ops is every operation seen during the settle window.
	Ops fsnotify.Op
}

const defaultSettle = 150 * time.Millisecond

// Watcher reports changes to config.yaml and policy.yaml in the state dir.
// A burst of writes to one file (editors often truncate, write, then
// chmod) is delivered as a single event once the file settles.
type Watcher struct {
	stateDir string
	logger   *slog.Logger
	events   chan ReloadEvent
	// Settle is the quiet period before an event is delivered.
	Settle time.Duration
}

func NewWatcher(stateDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		stateDir: filepath.Clean(stateDir),
		logger:   logger,
		events:   make(chan ReloadEvent, 4),
		Settle:   defaultSettle,
	}
}

// Events is closed when the watch context ends.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the state dir itself so that editors replacing config.yaml
// via rename are still observed. Events for other files are dropped.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.stateDir); err != nil {
		fsw.Close()
		return err
	}
	targets := map[string]FileKind{
		ConfigPath(w.stateDir): KindConfig,
		PolicyPath(w.stateDir): KindPolicy,
	}
	settle := w.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	go w.loop(ctx, fsw, targets, settle)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, targets map[string]FileKind, settle time.Duration) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]*ReloadEvent{}
	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			kind, watched := targets[path]
			if !watched || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if p, ok := pending[path]; ok {
				p.Ops |= ev.Op
			} else {
				pending[path] = &ReloadEvent{Kind: kind, Path: path, Ops: ev.Op}
			}
			timer.Reset(settle)
		case <-timer.C:
			for path, ev := range pending {
				w.logger.Info("state file changed", "file", ev.Kind, "path", path, "ops", ev.Ops.String())
				select {
				case w.events <- *ev:
				case <-ctx.Done():
					return
				}
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("state watcher error", "error", err)
		}
	}
}
