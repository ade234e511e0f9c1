package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-crew/internal/mesh"
	"github.com/basket/go-crew/internal/pricing"
	"github.com/basket/go-crew/internal/records"
)

// AgentView is a record joined with live process and mesh state.
type AgentView struct {
	records.SpawnedAgent
	Alive        bool               `json:"alive"`
	Owned        bool               `json:"owned"`
	Registered   bool               `json:"registered"`
	Registration *mesh.Registration `json:"registration,omitempty"`
	IdleSeconds  int64              `json:"idleSeconds"`
	// CostUSD is estimated from the registration's token total.
	CostUSD float64 `json:"estimatedCostUsd,omitempty"`
}

func (s *Supervisor) view(rec records.SpawnedAgent) AgentView {
	v := AgentView{
		SpawnedAgent: rec,
		Alive:        s.alive(rec),
		Owned:        s.owns(rec),
	}
	if reg, found, err := s.mesh.ReadRegistration(rec.Name); err == nil && found {
		v.Registered = true
		v.Registration = &reg
		model := reg.Model
		if model == "" {
			model = rec.Model
		}
		v.CostUSD = pricing.EstimateSession(model, reg.Tokens)
	}
	if rec.Status == records.StatusIdle && rec.LastActivityMs > 0 {
		v.IdleSeconds = int64(s.now().Sub(time.UnixMilli(rec.LastActivityMs)).Seconds())
	}
	return v
}

// Check returns one agent's record and live state.
func (s *Supervisor) Check(name string) (AgentView, error) {
	if err := records.ValidName(name); err != nil {
		return AgentView{}, newError(CodeInvalidParams, "%v", err)
	}
	rec, err := s.records.Get(name)
	if errors.Is(err, records.ErrNotFound) {
		return AgentView{}, newError(CodeNotFound, "no agent named %s", name).with("agent", name)
	}
	if err != nil {
		return AgentView{}, fmt.Errorf("load record %s: %w", name, err)
	}
	return s.view(rec), nil
}

// List returns every record in the store. ownedOnly restricts it to agents
// this supervisor owns.
func (s *Supervisor) List(ownedOnly bool) ([]AgentView, error) {
	all, err := s.records.ListAll()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]AgentView, 0, len(all))
	for _, rec := range all {
		if ownedOnly && !s.owns(rec) {
			continue
		}
		out = append(out, s.view(rec))
	}
	return out, nil
}

// Logs returns the last lines of an agent's output. Output is redacted.
func (s *Supervisor) Logs(name string, lines int) ([]string, error) {
	if lines <= 0 {
		lines = s.opts.TailLines
	}
	if err := records.ValidName(name); err != nil {
		return nil, newError(CodeInvalidParams, "%v", err)
	}
	rec, err := s.records.Get(name)
	if errors.Is(err, records.ErrNotFound) {
		return nil, newError(CodeNotFound, "no agent named %s", name).with("agent", name)
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", name, err)
	}
	out := s.tail(rec, lines)
	if out == nil {
		out = []string{}
	}
	return out, nil
}
