// Package records persists one JSON file per spawned agent.
//
// Writes go to a temporary sibling and are renamed over the target, so a
// reader never sees a partial record. There is no cross-process lock.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Status string

const (
	StatusSpawning Status = "spawning"
	StatusJoined   Status = "joined"
	StatusIdle     Status = "idle"
	StatusAssigned Status = "assigned"
	StatusDone     Status = "done"
	StatusDead     Status = "dead"
)

type BackendKind string

const (
	BackendPaned    BackendKind = "paned"
	BackendHeadless BackendKind = "headless"
)

// SpawnedAgent is the durable state of one worker.
type SpawnedAgent struct {
	Name               string      `json:"name"`
	PID                int         `json:"pid"`
	MeshSessionID      string      `json:"meshSessionId,omitempty"`
	BackendHandle      string      `json:"backendHandle,omitempty"`
	Model              string      `json:"model"`
	ReasoningLevel     string      `json:"reasoningLevel"`
	Status             Status      `json:"status"`
	SpawnedAtMs        int64       `json:"spawnedAtMs"`
	SpawnedBy          string      `json:"spawnedBy"`
	AssignedTask       *string     `json:"assignedTask"`
	Workstream         *string     `json:"workstream"`
	LastActivityMs     int64       `json:"lastActivityMs"`
	BackendKind        BackendKind `json:"backendKind"`
	SummaryCaptured    bool        `json:"summaryCaptured,omitempty"`
	HandshakeTimeoutMs int64       `json:"handshakeTimeoutMs,omitempty"`
}

// Terminal reports whether the agent has reached done or dead.
func (a SpawnedAgent) Terminal() bool {
	return a.Status == StatusDone || a.Status == StatusDead
}

// Task returns the assigned task or "".
func (a SpawnedAgent) Task() string {
	if a.AssignedTask == nil {
		return ""
	}
	return *a.AssignedTask
}

// WorkstreamTag returns the workstream or "".
func (a SpawnedAgent) WorkstreamTag() string {
	if a.Workstream == nil {
		return ""
	}
	return *a.Workstream
}

// ErrNotFound is returned by Get when no record exists for the name.
var ErrNotFound = errors.New("agent record not found")

type Store struct {
	dir    string
	logger *slog.Logger
}

func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create agents dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// ValidName rejects names that cannot be used as a single path element.
func ValidName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("agent name is empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("agent name %q is not a valid file name", name)
	}
	return nil
}

// Put writes the record atomically.
func (s *Store) Put(a SpawnedAgent) error {
	if err := ValidName(a.Name); err != nil {
		return err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", a.Name, err)
	}
	return WriteFileAtomic(s.path(a.Name), append(data, '\n'), 0o644)
}

// Get returns the record for name, or ErrNotFound.
func (s *Store) Get(name string) (SpawnedAgent, error) {
	if err := ValidName(name); err != nil {
		return SpawnedAgent{}, err
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return SpawnedAgent{}, ErrNotFound
		}
		return SpawnedAgent{}, fmt.Errorf("read agent %s: %w", name, err)
	}
	var a SpawnedAgent
	if err := json.Unmarshal(data, &a); err != nil {
		return SpawnedAgent{}, fmt.Errorf("decode agent %s: %w", name, err)
	}
	return a, nil
}

// ListAll returns every readable record sorted by spawn time. Corrupt files
// are logged and skipped.
func (s *Store) ListAll() ([]SpawnedAgent, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var out []SpawnedAgent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("skip unreadable agent record", "file", e.Name(), "error", err)
			continue
		}
		var a SpawnedAgent
		if err := json.Unmarshal(data, &a); err != nil || a.Name == "" {
			s.logger.Warn("skip corrupt agent record", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpawnedAtMs != out[j].SpawnedAtMs {
			return out[i].SpawnedAtMs < out[j].SpawnedAtMs
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Remove deletes the record. Removing a missing record is not an error.
func (s *Store) Remove(name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent %s: %w", name, err)
	}
	return nil
}

// Orphans returns non-dead records whose process is no longer alive.
func (s *Store) Orphans(alive func(pid int) bool) ([]SpawnedAgent, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	var out []SpawnedAgent
	for _, a := range all {
		if a.Status == StatusDead {
			out = append(out, a)
			continue
		}
		if a.PID <= 0 || !alive(a.PID) {
			out = append(out, a)
		}
	}
	return out, nil
}

// WriteFileAtomic writes data to a temp file in the target's directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp for %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp for %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp for %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp for %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
