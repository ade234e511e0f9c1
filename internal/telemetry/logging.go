// Package telemetry builds the process logger: JSON records in
// <state>/logs/system.jsonl, optionally teed to stderr.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-crew/internal/shared"
)

const defaultMaxFileBytes = 10 << 20

type Options struct {
	StateDir string
	Level    string
	// Quiet keeps records off stderr. Stdout is never written because
	// `gocrew serve` speaks its tool protocol there.
	Quiet bool
	// Identity is attached to every record as "identity".
	Identity string
	// MaxFileBytes rotates system.jsonl to system.jsonl.1 when the file is
	// already larger at open. Zero means 10 MiB.
	MaxFileBytes int64
	// Stderr defaults to os.Stderr. A terminal gets text records, anything
	// else gets JSON.
	Stderr io.Writer
}

// LogPath is where NewLogger writes for the given state dir.
func LogPath(stateDir string) string {
	return filepath.Join(stateDir, "logs", "system.jsonl")
}

func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	path := LogPath(opts.StateDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	limit := opts.MaxFileBytes
	if limit <= 0 {
		limit = defaultMaxFileBytes
	}
	if err := rotate(path, limit); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level), ReplaceAttr: replaceAttr}
	handlers := []slog.Handler{slog.NewJSONHandler(file, hopts)}
	if !opts.Quiet {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		if isTerminal(stderr) {
			handlers = append(handlers, slog.NewTextHandler(stderr, hopts))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(stderr, hopts))
		}
	}
	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = fanout(handlers)
	}
	logger := slog.New(h)
	if opts.Identity != "" {
		logger = logger.With("identity", opts.Identity)
	}
	return logger, file, nil
}

// Component derives a logger for one subsystem. Records without one come
// from the command layer.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

func rotate(path string, limit int64) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= limit {
		return nil
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotate %s: %w", path, err)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.IsSecretKey(a.Key) {
		return slog.String(a.Key, shared.Redacted)
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") {
		return slog.String(a.Key, shared.Redacted)
	}
	if r := shared.Redact(v); r != v {
		return slog.String(a.Key, r)
	}
	return a
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
