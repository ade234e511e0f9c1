package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/go-crew/internal/backend"
	"github.com/basket/go-crew/internal/mesh"
	"github.com/basket/go-crew/internal/records"
)

// Diagnostics is the bundle written when a spawn handshake fails.
type Diagnostics struct {
	Agent         string              `json:"agent"`
	Outcome       string              `json:"outcome"`
	Backend       records.BackendKind `json:"backend"`
	BackendHandle string              `json:"backendHandle,omitempty"`
	Model         string              `json:"model"`
	Reasoning     string              `json:"reasoning"`
	StartedAt     time.Time           `json:"startedAt"`
	CapturedAt    time.Time           `json:"capturedAt"`
	TimeoutMs     int64               `json:"timeoutMs"`
	// Env is the worker environment with secret-looking values masked.
	Env map[string]string `json:"env,omitempty"`

	Spawned      backend.ProcessSnapshot  `json:"spawnedProcess"`
	Registration *RegistrationDiagnostics `json:"registration,omitempty"`
	Registered   *backend.ProcessSnapshot `json:"registeredProcess,omitempty"`
	// PIDMatch is exact, descendant, unrelated or none.
	PIDMatch string `json:"pidMatch"`

	Tail    []string `json:"tail"`
	Notes   []string `json:"notes"`
	Signals []string `json:"signals,omitempty"`
}

type RegistrationDiagnostics struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"sessionId,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	ModTime   time.Time `json:"modTime"`
	Fresh     bool      `json:"fresh"`
}

func (s *Supervisor) collectDiagnostics(rec records.SpawnedAgent, reg mesh.Registration, outcome handshakeOutcome, timeout time.Duration, started time.Time) Diagnostics {
	d := Diagnostics{
		Agent:         rec.Name,
		Outcome:       string(outcome),
		Backend:       rec.BackendKind,
		BackendHandle: rec.BackendHandle,
		Model:         rec.Model,
		Reasoning:     rec.ReasoningLevel,
		StartedAt:     started.UTC(),
		CapturedAt:    time.Now().UTC(),
		TimeoutMs:     timeout.Milliseconds(),
		Spawned:       s.procs.Snapshot(rec.PID),
		PIDMatch:      "none",
		Tail:          s.tail(rec, s.opts.TailLines),
	}
	if d.Tail == nil {
		d.Tail = []string{}
	}

	if reg.Name == "" {
		d.Notes = append(d.Notes, "no mesh registration was written for this name")
	} else {
		fresh := !reg.ModTime.Before(started.Truncate(time.Second))
		d.Registration = &RegistrationDiagnostics{
			PID:       reg.PID,
			SessionID: reg.SessionID,
			Cwd:       reg.Cwd,
			ModTime:   reg.ModTime.UTC(),
			Fresh:     fresh,
		}
		snap := s.procs.Snapshot(reg.PID)
		d.Registered = &snap
		switch {
		case reg.PID == rec.PID:
			d.PIDMatch = "exact"
		case s.procs.IsDescendant(reg.PID, rec.PID):
			d.PIDMatch = "descendant"
		default:
			d.PIDMatch = "unrelated"
			d.Notes = append(d.Notes, fmt.Sprintf("registered pid %d is not the spawned pid %d or one of its descendants", reg.PID, rec.PID))
		}
		if !fresh {
			d.Notes = append(d.Notes, "registration predates the spawn and is stale")
		}
		if !snap.Alive {
			d.Notes = append(d.Notes, fmt.Sprintf("registered pid %d is not alive", reg.PID))
		}
	}
	if !d.Spawned.Alive {
		d.Notes = append(d.Notes, "the spawned process exited before the handshake completed")
	}
	if len(d.Tail) == 0 {
		d.Notes = append(d.Notes, "worker produced no output; check orchestrator.worker_command")
	}
	return d
}

// writeDiagnostics persists d and returns its path. No directory configured
// means nothing is written.
func (s *Supervisor) writeDiagnostics(d Diagnostics) (string, error) {
	if s.opts.DiagnosticsDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(s.opts.DiagnosticsDir, 0o755); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode diagnostics: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", d.Agent, d.CapturedAt.Format("20060102T150405.000Z"))
	path := filepath.Join(s.opts.DiagnosticsDir, name)
	if err := records.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadDiagnostics loads a bundle written by a failed spawn.
func ReadDiagnostics(path string) (Diagnostics, error) {
	var d Diagnostics
	data, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("decode diagnostics %s: %w", path, err)
	}
	return d, nil
}
