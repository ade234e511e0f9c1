// Package history is the append-only lifecycle log.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-crew/internal/shared"
)

// Event names written by the supervisor.
const (
	EventSpawn        = "spawn"
	EventSpawnFailed  = "spawn_failed"
	EventSpawnTimeout = "spawn_timeout"
	EventTransition   = "transition"
	EventAssign       = "assign"
	EventDone         = "done"
	EventKill         = "kill"
	EventReap         = "reap"
	EventIdle         = "idle"
	EventRecover      = "recover"
)

// Event is one line of the log.
type Event struct {
	Event     string         `json:"event"`
	Agent     string         `json:"agent"`
	Timestamp string         `json:"timestampIso"`
	Details   map[string]any `json:"details,omitempty"`
}

type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	now  func() time.Time
}

// Open opens path for appending, creating parent directories.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &Log{path: path, file: f, now: time.Now}, nil
}

func (l *Log) Path() string { return l.path }

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Append writes one event. String details are redacted before persistence.
func (l *Log) Append(event, agent string, details map[string]any) error {
	ev := Event{
		Event:     event,
		Agent:     agent,
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Details:   shared.RedactDetails(details),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal history event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("history log closed")
	}
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Read returns the last limit events (all when limit <= 0), oldest first.
// Undecodable lines are skipped.
func (l *Log) Read(limit int) ([]Event, error) {
	return ReadFile(l.path, limit)
}

// ReadFile reads a history file without opening it for append.
func ReadFile(path string, limit int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) > 2*limit {
			out = append(out[:0:0], out[len(out)-limit:]...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Filter returns the events whose name is in names.
func Filter(events []Event, names ...string) []Event {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Event
	for _, ev := range events {
		if want[ev.Event] {
			out = append(out, ev)
		}
	}
	return out
}
