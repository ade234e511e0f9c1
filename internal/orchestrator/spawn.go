package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/basket/go-crew/internal/backend"
	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/mesh"
	"github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/records"
	"github.com/basket/go-crew/internal/shared"
)

type SpawnRequest struct {
	// Name is the requested mesh name. Empty picks one from the pool.
	Name      string
	Model     string
	Reasoning string
	// Workstream tags the worker for memory recall scoping.
	Workstream string
	// HandshakeTimeout overrides the adaptive timeout when positive.
	HandshakeTimeout time.Duration
	Env              map[string]string
}

type SpawnResult struct {
	Agent     records.SpawnedAgent
	Handshake time.Duration
	Timeout   time.Duration
}

// slowModelMarkers are substrings of model names that start noticeably slower.
var slowModelMarkers = []string{"opus", "o1", "o3", "-pro", "large", "405b", "70b"}

// HandshakeTimeout scales base for slow models and high reasoning levels and
// clamps the result to maxWait.
func HandshakeTimeout(base, maxWait time.Duration, model, reasoning string) time.Duration {
	factor := 1.0
	m := strings.ToLower(model)
	for _, marker := range slowModelMarkers {
		if strings.Contains(m, marker) {
			factor *= 2
			break
		}
	}
	switch strings.ToLower(reasoning) {
	case "high":
		factor *= 1.5
	case "xhigh", "max":
		factor *= 2
	}
	d := time.Duration(float64(base) * factor)
	if maxWait > 0 && d > maxWait {
		d = maxWait
	}
	return d
}

func bootstrapPrompt(name, parent string) string {
	return fmt.Sprintf("You are %s, a worker agent started by %s. "+
		"Join the mesh as %s right away, then wait for a task message from %s in your inbox. "+
		"When a task is finished, call agents.done with a short summary of what you did.",
		name, parent, name, parent)
}

func (s *Supervisor) activeCount() (int, error) {
	all, err := s.records.ListAll()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range all {
		if rec.Status != records.StatusDead && s.owns(rec) {
			n++
		}
	}
	return n, nil
}

// Spawn starts a worker and waits until it has joined the mesh. On success
// the agent is idle and owned by this supervisor.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (_ SpawnResult, err error) {
	model := req.Model
	if model == "" {
		model = s.opts.DefaultModel
	}
	reasoning := req.Reasoning
	if reasoning == "" {
		reasoning = s.opts.DefaultReasoning
	}
	if req.HandshakeTimeout < 0 {
		return SpawnResult{}, newError(CodeInvalidParams, "handshake timeout must not be negative")
	}

	ctx = shared.WithOperation(ctx, "spawn")
	ctx, span := otel.StartSpan(ctx, s.tracer, "agents.spawn", otel.AttrModel.String(model))
	defer func() { endSpan(span, err) }()

	s.spawnMu.Lock()
	active, err := s.activeCount()
	if err != nil {
		s.spawnMu.Unlock()
		return SpawnResult{}, fmt.Errorf("count agents: %w", err)
	}
	if limit := s.Limits().MaxAgents; active >= limit {
		s.spawnMu.Unlock()
		return SpawnResult{}, newError(CodeAgentCapReached, "already running %d of %d agents", active, limit).
			with("active", active).with("max", limit)
	}
	name, err := s.resolveName(req.Name)
	if err != nil {
		s.spawnMu.Unlock()
		return SpawnResult{}, err
	}
	kind, err := s.selectBackend()
	if err != nil {
		s.spawnMu.Unlock()
		return SpawnResult{}, newError(CodeSpawnFailed, "no usable backend").wrap(err)
	}
	be, ok := s.backends[kind]
	if !ok {
		s.spawnMu.Unlock()
		return SpawnResult{}, newError(CodeSpawnFailed, "backend %s is not configured", kind)
	}

	timeout := req.HandshakeTimeout
	if timeout == 0 {
		timeout = HandshakeTimeout(s.opts.HandshakeBase, s.opts.HandshakeMax, model, reasoning)
	}
	rec := records.SpawnedAgent{
		Name:               name,
		Model:              model,
		ReasoningLevel:     reasoning,
		Status:             records.StatusSpawning,
		SpawnedAtMs:        s.nowMs(),
		SpawnedBy:          s.opts.Identity,
		LastActivityMs:     s.nowMs(),
		BackendKind:        kind,
		HandshakeTimeoutMs: timeout.Milliseconds(),
	}
	if req.Workstream != "" {
		ws := req.Workstream
		rec.Workstream = &ws
	}
	if err := s.records.Put(rec); err != nil {
		s.spawnMu.Unlock()
		return SpawnResult{}, fmt.Errorf("create record %s: %w", name, err)
	}
	s.own(name)
	unlock := s.lockAgent(name)
	s.spawnMu.Unlock()
	defer unlock()

	ctx = shared.WithAgentName(ctx, name)
	span.SetAttributes(otel.AttrAgentName.String(name), otel.AttrBackendKind.String(string(kind)))
	log := s.logger.With(shared.LogAttrs(ctx)...)

	if err := s.mesh.ClearInbox(name); err != nil {
		log.Warn("clear stale inbox failed", "error", err)
	}

	env := map[string]string{}
	maps.Copy(env, s.opts.WorkerEnv)
	maps.Copy(env, req.Env)
	env["MESH_AGENT_NAME"] = name
	env["GOCREW_SPAWNED_BY"] = s.opts.Identity
	if s.opts.MeshDir != "" {
		env["MESH_DIR"] = s.opts.MeshDir
	}
	argv := backend.ExpandArgv(s.opts.WorkerCommand, map[string]string{
		"name":      name,
		"model":     model,
		"reasoning": reasoning,
		"prompt":    bootstrapPrompt(name, s.opts.Identity),
	})

	log.Debug("starting worker", "argv", argv, "env", shared.RedactEnv(env))
	started := time.Now()
	h, err := be.Spawn(ctx, backend.Spec{Name: name, Argv: argv, Env: env, Dir: s.opts.WorkDir})
	if err != nil {
		_ = s.transition(ctx, &rec, records.StatusDead)
		if ferr := s.finish(rec); ferr != nil {
			log.Error("remove failed spawn record", "error", ferr)
		}
		s.appendHistory(history.EventSpawnFailed, name, map[string]any{"error": err.Error(), "backend": string(kind)})
		s.bus.Publish(bus.TopicAgentSpawnFailed, bus.AgentSpawnFailedEvent{Agent: name, Code: string(CodeSpawnFailed)})
		log.Error("worker start failed", "backend", kind, "error", err)
		return SpawnResult{}, newError(CodeSpawnFailed, "start worker %s", name).with("agent", name).wrap(err)
	}
	rec.PID = h.PID
	rec.BackendHandle = h.Ref
	if err := s.records.Put(rec); err != nil {
		log.Error("persist worker pid failed", "pid", h.PID, "error", err)
	}
	log.Info("worker started, awaiting handshake", "pid", h.PID, "backend", kind, "timeout", timeout)

	reg, outcome := s.awaitHandshake(ctx, be, h, timeout, started)
	if outcome != handshakeConfirmed {
		return SpawnResult{}, s.failSpawn(ctx, rec, reg, env, outcome, timeout, started)
	}

	elapsed := time.Since(started)
	rec.MeshSessionID = reg.SessionID
	rec.LastActivityMs = s.nowMs()
	if err := s.transition(ctx, &rec, records.StatusJoined); err != nil {
		return SpawnResult{}, err
	}
	if err := s.transition(ctx, &rec, records.StatusIdle); err != nil {
		return SpawnResult{}, err
	}
	s.appendHistory(history.EventSpawn, name, map[string]any{
		"pid":         rec.PID,
		"backend":     string(kind),
		"model":       model,
		"reasoning":   reasoning,
		"handshakeMs": elapsed.Milliseconds(),
	})
	s.metrics.AgentSpawned(ctx, string(kind), elapsed.Seconds())
	s.markActive(ctx, name)
	log.Info("worker joined", "pid", rec.PID, "registered_pid", reg.PID, "handshake", elapsed.Round(time.Millisecond))
	return SpawnResult{Agent: rec, Handshake: elapsed, Timeout: timeout}, nil
}

type handshakeOutcome string

const (
	handshakeConfirmed handshakeOutcome = "confirmed"
	handshakeTimedOut  handshakeOutcome = "timeout"
	handshakeExited    handshakeOutcome = "exited"
	handshakeCanceled  handshakeOutcome = "canceled"
)

// handshakeMatch reports whether reg proves that the spawned process joined:
// its pid is alive, is the spawned pid or one of its descendants, and the
// file was written after the spawn started (to one-second precision).
func (s *Supervisor) handshakeMatch(reg mesh.Registration, spawnedPID int, started time.Time) bool {
	if reg.PID <= 0 || !s.procs.Alive(reg.PID) {
		return false
	}
	if reg.PID != spawnedPID && !s.procs.IsDescendant(reg.PID, spawnedPID) {
		return false
	}
	return !reg.ModTime.Before(started.Truncate(time.Second))
}

func (s *Supervisor) awaitHandshake(ctx context.Context, be backend.Backend, h backend.Handle, timeout time.Duration, started time.Time) (mesh.Registration, handshakeOutcome) {
	deadline := started.Add(timeout)
	var last mesh.Registration
	for {
		reg, found, err := s.mesh.ReadRegistration(h.Name)
		if err != nil {
			s.logger.Debug("read registration failed", "agent", h.Name, "error", err)
		}
		if found {
			last = reg
			if s.handshakeMatch(reg, h.PID, started) {
				return reg, handshakeConfirmed
			}
		}
		if !be.IsAlive(h) {
			return last, handshakeExited
		}
		if !time.Now().Before(deadline) {
			return last, handshakeTimedOut
		}
		if err := sleep(ctx, min(s.opts.HandshakePoll, time.Until(deadline))); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return last, handshakeCanceled
			}
		}
	}
}

// failSpawn captures diagnostics, stops the worker, persists the bundle and
// removes the record.
func (s *Supervisor) failSpawn(ctx context.Context, rec records.SpawnedAgent, reg mesh.Registration, env map[string]string, outcome handshakeOutcome, timeout time.Duration, started time.Time) error {
	cleanupCtx := context.WithoutCancel(ctx)
	log := s.logger.With(shared.LogAttrs(ctx)...)

	diag := s.collectDiagnostics(rec, reg, outcome, timeout, started)
	diag.Env = shared.RedactEnv(env)
	diag.Signals, _ = s.escalate(cleanupCtx, rec, nil)
	s.release(rec)
	path, err := s.writeDiagnostics(diag)
	if err != nil {
		log.Error("write spawn diagnostics failed", "error", err)
	}

	_ = s.transition(cleanupCtx, &rec, records.StatusDead)
	if err := s.finish(rec); err != nil {
		log.Error("remove failed spawn record", "error", err)
	}

	code := CodeSpawnFailed
	event := history.EventSpawnFailed
	msg := fmt.Sprintf("worker %s did not join the mesh (%s)", rec.Name, outcome)
	if outcome == handshakeTimedOut {
		code = CodeSpawnTimeout
		event = history.EventSpawnTimeout
		msg = fmt.Sprintf("worker %s did not join the mesh within %s", rec.Name, timeout)
		s.metrics.SpawnTimedOut(cleanupCtx, string(rec.BackendKind))
	}
	s.appendHistory(event, rec.Name, map[string]any{
		"pid":         rec.PID,
		"outcome":     string(outcome),
		"timeoutMs":   timeout.Milliseconds(),
		"diagnostics": path,
		"signals":     diag.Signals,
	})
	s.bus.Publish(bus.TopicAgentSpawnFailed, bus.AgentSpawnFailedEvent{Agent: rec.Name, Code: string(code), DiagnosticsPath: path})
	log.Warn("spawn handshake failed", "outcome", outcome, "diagnostics", path, "notes", diag.Notes)

	e := newError(code, "%s", msg).with("agent", rec.Name)
	if path != "" {
		e.with("diagnostics", path)
	}
	if outcome == handshakeCanceled {
		e.wrap(ctx.Err())
	}
	return e
}
