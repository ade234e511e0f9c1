// Package orchestrator is the lifecycle supervisor for worker agents.
//
// A Supervisor owns the agents it spawned: it starts them on a process
// backend, confirms each one joined the mesh, delivers tasks, and tears them
// down. Every transition is persisted to the record store before the
// operation reports success, and appended to the history log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"syscall"
	"time"

	gootel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-crew/internal/backend"
	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/mesh"
	"github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/records"
	"github.com/basket/go-crew/internal/shared"
)

// Mesh is the part of the filesystem mesh the supervisor relies on.
type Mesh interface {
	ReadRegistration(name string) (mesh.Registration, bool, error)
	ListLiveAgents() ([]mesh.Registration, error)
	RemoveRegistration(name string) error
	SendMessage(from, to, text string) error
	ClearInbox(name string) error
}

// Memory is the part of the memory store the supervisor writes to and
// recalls from. A nil Memory disables both.
type Memory interface {
	Remember(ctx context.Context, text string, meta memory.Metadata) (memory.WriteResult, error)
	Recall(ctx context.Context, query string, opts memory.RecallOptions) (memory.RecallResult, error)
}

// Procs answers process-table questions for the handshake and sweeps.
type Procs interface {
	Alive(pid int) bool
	IsDescendant(pid, ancestor int) bool
	Snapshot(pid int) backend.ProcessSnapshot
}

type osProcs struct{}

func (osProcs) Alive(pid int) bool { return backend.PIDAlive(pid) }
func (osProcs) IsDescendant(pid, ancestor int) bool { return backend.IsDescendant(pid, ancestor) }
func (osProcs) Snapshot(pid int) backend.ProcessSnapshot { return backend.Snapshot(pid) }

// Deps are the collaborators of a Supervisor. Records, Mesh and at least one
// backend are required; everything else is optional.
type Deps struct {
	Records  *records.Store
	Mesh     Mesh
	Backends map[records.BackendKind]backend.Backend
	// SelectBackend picks the backend for a new spawn. When nil the only
	// configured backend is used.
	SelectBackend func() (records.BackendKind, error)
	Memory        Memory
	History       *history.Log
	Bus           *bus.Bus
	Metrics       *otel.Metrics
	Tracer        trace.Tracer
	Procs         Procs
	Logger        *slog.Logger
	Now           func() time.Time
	// NameGen proposes a worker name when the caller gave none.
	NameGen func() string
}

// Supervisor drives worker lifecycles. It is safe for concurrent use;
// operations on one agent are serialized by a per-name lock.
type Supervisor struct {
	opts          Options
	records       *records.Store
	mesh          Mesh
	backends      map[records.BackendKind]backend.Backend
	selectBackend func() (records.BackendKind, error)
	memory        Memory
	history       *history.Log
	bus           *bus.Bus
	metrics       *otel.Metrics
	tracer        trace.Tracer
	procs         Procs
	logger        *slog.Logger
	now           func() time.Time
	nameGen       func() string

	spawnMu sync.Mutex

	mu         sync.Mutex
	limits     Limits
	locks      map[string]*sync.Mutex
	owned      map[string]bool
	idleWarned map[string]bool
	// active holds agents counted in the active gauge by this process.
	active map[string]bool

	pending sync.WaitGroup
}

func New(opts Options, deps Deps) (*Supervisor, error) {
	if deps.Records == nil {
		return nil, errors.New("orchestrator: records store is required")
	}
	if deps.Mesh == nil {
		return nil, errors.New("orchestrator: mesh is required")
	}
	if len(deps.Backends) == 0 {
		return nil, errors.New("orchestrator: at least one backend is required")
	}
	opts.fillDefaults()

	s := &Supervisor{
		opts:          opts,
		records:       deps.Records,
		mesh:          deps.Mesh,
		backends:      deps.Backends,
		selectBackend: deps.SelectBackend,
		memory:        deps.Memory,
		history:       deps.History,
		bus:           deps.Bus,
		metrics:       deps.Metrics,
		tracer:        deps.Tracer,
		procs:         deps.Procs,
		logger:        deps.Logger,
		now:           deps.Now,
		nameGen:       deps.NameGen,
		limits:        opts.limits(),
		locks:         make(map[string]*sync.Mutex),
		owned:         make(map[string]bool),
		idleWarned:    make(map[string]bool),
		active:        make(map[string]bool),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = gootel.Tracer(otel.ScopeName)
	}
	if s.procs == nil {
		s.procs = osProcs{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.nameGen == nil {
		s.nameGen = RandomName
	}
	if s.selectBackend == nil {
		s.selectBackend = s.onlyBackend
	}
	for _, be := range s.backends {
		if h, ok := be.(interface{ OnExit(backend.ExitFunc) }); ok {
			h.OnExit(s.handleExit)
		}
	}
	return s, nil
}

func (s *Supervisor) onlyBackend() (records.BackendKind, error) {
	for _, kind := range []records.BackendKind{records.BackendPaned, records.BackendHeadless} {
		if _, ok := s.backends[kind]; ok {
			return kind, nil
		}
	}
	return "", errors.New("no backend configured")
}

// Identity returns the mesh name this supervisor acts as.
func (s *Supervisor) Identity() string { return s.opts.Identity }

// Options returns the effective options after defaults.
func (s *Supervisor) Options() Options {
	opts := s.opts
	l := s.Limits()
	opts.MaxAgents, opts.IdleThreshold = l.MaxAgents, l.IdleThreshold
	opts.AutoKillOnDone, opts.AutoKillDelay = l.AutoKillOnDone, l.AutoKillDelay
	return opts
}

// Limits returns the reloadable settings currently in force.
func (s *Supervisor) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// SetLimits replaces the reloadable settings. Agents already running are
// not affected; a lowered cap only blocks new spawns.
func (s *Supervisor) SetLimits(l Limits) {
	def := DefaultOptions().limits()
	if l.MaxAgents <= 0 {
		l.MaxAgents = def.MaxAgents
	}
	if l.IdleThreshold <= 0 {
		l.IdleThreshold = def.IdleThreshold
	}
	if l.AutoKillDelay < 0 {
		l.AutoKillDelay = 0
	}
	s.mu.Lock()
	old := s.limits
	s.limits = l
	s.mu.Unlock()
	if old != l {
		s.logger.Info("supervisor limits updated",
			"max_agents", l.MaxAgents, "idle_threshold", l.IdleThreshold, "auto_kill_on_done", l.AutoKillOnDone)
	}
}

// Owned returns the names this supervisor spawned or adopted, sorted.
func (s *Supervisor) Owned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.owned))
	for name := range s.owned {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Wait blocks until deferred work (auto-kill after done) has finished.
func (s *Supervisor) Wait() {
	s.pending.Wait()
}

func (s *Supervisor) own(name string) {
	s.mu.Lock()
	s.owned[name] = true
	s.mu.Unlock()
}

// markActive counts name in the active gauge once.
func (s *Supervisor) markActive(ctx context.Context, name string) {
	s.mu.Lock()
	seen := s.active[name]
	s.active[name] = true
	s.mu.Unlock()
	if !seen {
		s.metrics.AgentActive(ctx, 1)
	}
}

// unmarkActive undoes markActive. Agents that never joined, or were counted
// by another process, leave the gauge alone.
func (s *Supervisor) unmarkActive(ctx context.Context, name string) {
	s.mu.Lock()
	seen := s.active[name]
	delete(s.active, name)
	s.mu.Unlock()
	if seen {
		s.metrics.AgentActive(ctx, -1)
	}
}

func (s *Supervisor) disown(name string) {
	s.mu.Lock()
	delete(s.owned, name)
	delete(s.idleWarned, name)
	s.mu.Unlock()
}

// owns reports whether rec belongs to this supervisor, either durably via
// spawnedBy or because it was adopted in this process.
func (s *Supervisor) owns(rec records.SpawnedAgent) bool {
	if rec.SpawnedBy == s.opts.Identity {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owned[rec.Name]
}

func (s *Supervisor) agentLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

func (s *Supervisor) lockAgent(name string) func() {
	l := s.agentLock(name)
	l.Lock()
	return l.Unlock
}

func (s *Supervisor) tryLockAgent(name string) (func(), bool) {
	l := s.agentLock(name)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

func handleOf(rec records.SpawnedAgent) backend.Handle {
	return backend.Handle{Name: rec.Name, PID: rec.PID, Ref: rec.BackendHandle}
}

func (s *Supervisor) backendFor(rec records.SpawnedAgent) backend.Backend {
	return s.backends[rec.BackendKind]
}

func (s *Supervisor) alive(rec records.SpawnedAgent) bool {
	if rec.PID <= 0 {
		return false
	}
	if be := s.backendFor(rec); be != nil {
		return be.IsAlive(handleOf(rec))
	}
	return s.procs.Alive(rec.PID)
}

func (s *Supervisor) tail(rec records.SpawnedAgent, lines int) []string {
	be := s.backendFor(rec)
	if be == nil {
		return nil
	}
	out := be.Tail(handleOf(rec), lines)
	for i, line := range out {
		out[i] = shared.Redact(line)
	}
	return out
}

func (s *Supervisor) signal(rec records.SpawnedAgent, sig syscall.Signal) backend.Result {
	if be := s.backendFor(rec); be != nil {
		return be.Terminate(handleOf(rec), sig)
	}
	return backend.Signal(rec.PID, sig)
}

func (s *Supervisor) release(rec records.SpawnedAgent) {
	be := s.backendFor(rec)
	if be == nil {
		return
	}
	if res := be.Release(handleOf(rec)); !res.OK {
		s.logger.Warn("backend release failed", "agent", rec.Name, "error", res.Err)
	}
}

// transition validates and persists a status change. The record is not
// mutated when the edge is not allowed. A task is only held while assigned,
// so leaving assigned clears it.
func (s *Supervisor) transition(ctx context.Context, rec *records.SpawnedAgent, to records.Status) error {
	from := rec.Status
	task := rec.Task()
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return newError(CodeInvalidTransition, "agent %s cannot move from %s to %s", rec.Name, from, to).
			with("agent", rec.Name).with("from", string(from)).with("to", string(to))
	}
	next := *rec
	next.Status = to
	if to != records.StatusAssigned {
		next.AssignedTask = nil
	}
	if to != records.StatusDead {
		if err := s.records.Put(next); err != nil {
			return fmt.Errorf("persist %s transition: %w", rec.Name, err)
		}
	}
	*rec = next
	s.bus.Publish(bus.TopicAgentStateChanged, bus.AgentStateChangedEvent{
		Agent:     rec.Name,
		OldStatus: string(from),
		NewStatus: string(to),
		Task:      task,
	})
	s.logger.Debug("agent transition", append(shared.LogAttrs(ctx), "agent", rec.Name, "from", from, "to", to)...)
	return nil
}

// Transition moves an owned agent to a new status through the lifecycle
// table. Moving to dead removes the record.
func (s *Supervisor) Transition(ctx context.Context, name string, to records.Status) (records.SpawnedAgent, error) {
	unlock := s.lockAgent(name)
	defer unlock()
	rec, err := s.getOwned(name)
	if err != nil {
		return records.SpawnedAgent{}, err
	}
	from := rec.Status
	if err := s.transition(ctx, &rec, to); err != nil {
		return rec, err
	}
	if to == records.StatusDead && from != to {
		if err := s.finish(rec); err != nil {
			return rec, err
		}
		s.unmarkActive(ctx, name)
	}
	s.appendHistory(history.EventTransition, name, map[string]any{"from": string(from), "to": string(to)})
	return rec, nil
}

// finish removes the record of an agent that reached dead.
func (s *Supervisor) finish(rec records.SpawnedAgent) error {
	if err := s.records.Remove(rec.Name); err != nil {
		return fmt.Errorf("remove record %s: %w", rec.Name, err)
	}
	s.disown(rec.Name)
	return nil
}

func (s *Supervisor) getOwned(name string) (records.SpawnedAgent, error) {
	if err := records.ValidName(name); err != nil {
		return records.SpawnedAgent{}, newError(CodeInvalidParams, "%v", err)
	}
	rec, err := s.records.Get(name)
	if errors.Is(err, records.ErrNotFound) {
		return rec, newError(CodeNotFound, "no agent named %s", name).with("agent", name)
	}
	if err != nil {
		return rec, fmt.Errorf("load record %s: %w", name, err)
	}
	if !s.owns(rec) {
		return rec, newError(CodeNotOwner, "agent %s belongs to %s", name, rec.SpawnedBy).
			with("agent", name).with("spawnedBy", rec.SpawnedBy)
	}
	return rec, nil
}

func (s *Supervisor) appendHistory(event, agent string, details map[string]any) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(event, agent, details); err != nil {
		s.logger.Warn("history append failed", "event", event, "agent", agent, "error", err)
	}
}

func (s *Supervisor) nowMs() int64 {
	return s.now().UnixMilli()
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitExit polls alive until it reports false or d elapses.
func (s *Supervisor) waitExit(ctx context.Context, rec records.SpawnedAgent, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !s.alive(rec) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		if err := sleep(ctx, min(s.opts.HandshakePoll, time.Until(deadline))); err != nil {
			return !s.alive(rec)
		}
	}
}

// endSpan ends span, marking it failed when err is set.
func endSpan(span trace.Span, err error) {
	if err != nil {
		otel.Fail(span, err, string(CodeOf(err)))
	}
	span.End()
}
