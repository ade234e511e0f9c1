// Package mesh reads and writes the shared file mesh.
//
// Layout under the mesh root:
//
//	registry/<name>.json   one registration per live agent, written by the agent
//	inbox/<name>/*.json    one file per undelivered message
//
// Workers own their registrations. The orchestrator reads them, delivers
// messages, and removes registrations left behind by agents it reaped.
package mesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-crew/internal/backend"
	"github.com/basket/go-crew/internal/records"
)

// Registration is an agent's self-published presence record.
type Registration struct {
	Name         string `json:"name"`
	PID          int    `json:"pid"`
	SessionID    string `json:"sessionId"`
	Cwd          string `json:"cwd,omitempty"`
	Model        string `json:"model,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
	ToolCalls    int    `json:"toolCalls"`
	Tokens       int    `json:"tokens"`

	// ModTime is the registration file's mtime. Not serialized.
	ModTime time.Time `json:"-"`
}

// LastActivityTime parses LastActivity, falling back to ModTime.
func (r Registration) LastActivityTime() time.Time {
	if r.LastActivity != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.LastActivity); err == nil {
			return t
		}
	}
	return r.ModTime
}

// Message is one inbox entry.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type Mesh struct {
	root   string
	alive  func(pid int) bool
	now    func() time.Time
	logger *slog.Logger
}

func New(root string, logger *slog.Logger) (*Mesh, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mesh{root: root, alive: backend.PIDAlive, now: time.Now, logger: logger}
	for _, d := range []string{m.registryDir(), m.inboxRoot()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create mesh dir: %w", err)
		}
	}
	return m, nil
}

// WithLiveness replaces the pid liveness check used by ListLiveAgents.
func (m *Mesh) WithLiveness(alive func(pid int) bool) *Mesh {
	m.alive = alive
	return m
}

func (m *Mesh) Root() string        { return m.root }
func (m *Mesh) registryDir() string { return filepath.Join(m.root, "registry") }
func (m *Mesh) inboxRoot() string   { return filepath.Join(m.root, "inbox") }

func (m *Mesh) registrationPath(name string) string {
	return filepath.Join(m.registryDir(), name+".json")
}

func (m *Mesh) InboxDir(name string) string {
	return filepath.Join(m.inboxRoot(), name)
}

// ReadRegistration returns the registration for name. found is false when no
// file exists; a corrupt file is an error.
func (m *Mesh) ReadRegistration(name string) (reg Registration, found bool, err error) {
	if err := records.ValidName(name); err != nil {
		return Registration{}, false, err
	}
	path := m.registrationPath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Registration{}, false, nil
		}
		return Registration{}, false, fmt.Errorf("read registration %s: %w", name, err)
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registration{}, false, fmt.Errorf("decode registration %s: %w", name, err)
	}
	if reg.Name == "" {
		reg.Name = name
	}
	if info, err := os.Stat(path); err == nil {
		reg.ModTime = info.ModTime()
	}
	return reg, true, nil
}

// ListLiveAgents returns registrations whose pid is alive, sorted by name.
func (m *Mesh) ListLiveAgents() ([]Registration, error) {
	entries, err := os.ReadDir(m.registryDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list registry: %w", err)
	}
	var out []Registration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		reg, found, err := m.ReadRegistration(name)
		if err != nil || !found {
			if err != nil {
				m.logger.Debug("skip unreadable registration", "file", e.Name(), "error", err)
			}
			continue
		}
		if !m.alive(reg.PID) {
			continue
		}
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Register writes a registration atomically. Workers normally do this
// themselves; the orchestrator uses it for its own identity.
func (m *Mesh) Register(reg Registration) error {
	if err := records.ValidName(reg.Name); err != nil {
		return err
	}
	if reg.LastActivity == "" {
		reg.LastActivity = m.now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	return records.WriteFileAtomic(m.registrationPath(reg.Name), append(data, '\n'), 0o644)
}

func (m *Mesh) RemoveRegistration(name string) error {
	if err := records.ValidName(name); err != nil {
		return err
	}
	if err := os.Remove(m.registrationPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove registration %s: %w", name, err)
	}
	return nil
}

// SendMessage drops a message into the recipient's inbox.
func (m *Mesh) SendMessage(from, to, text string) error {
	if err := records.ValidName(to); err != nil {
		return err
	}
	dir := m.InboxDir(to)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create inbox %s: %w", to, err)
	}
	now := m.now().UTC()
	msg := Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Text:      text,
		Timestamp: now.Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	file := fmt.Sprintf("%d-%s.json", now.UnixNano(), msg.ID[:8])
	if err := records.WriteFileAtomic(filepath.Join(dir, file), data, 0o644); err != nil {
		return fmt.Errorf("deliver to %s: %w", to, err)
	}
	return nil
}

// ReadInbox returns pending messages for name, oldest first.
func (m *Mesh) ReadInbox(name string) ([]Message, error) {
	if err := records.ValidName(name); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(m.InboxDir(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inbox %s: %w", name, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var out []Message
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(m.InboxDir(name), n))
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ClearInbox removes every pending message for name.
func (m *Mesh) ClearInbox(name string) error {
	if err := records.ValidName(name); err != nil {
		return err
	}
	if err := os.RemoveAll(m.InboxDir(name)); err != nil {
		return fmt.Errorf("clear inbox %s: %w", name, err)
	}
	return nil
}
