package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/records"
	"github.com/basket/go-crew/internal/shared"
)

type KillResult struct {
	Agent string `json:"agent"`
	// NoOp is set when the agent was already done, dead or gone.
	NoOp bool `json:"noop,omitempty"`
	// Graceful is set when the worker exited within the grace period.
	Graceful bool `json:"graceful"`
	// Aborted is set when another operation took over the agent mid-kill.
	Aborted         bool     `json:"aborted,omitempty"`
	Signals         []string `json:"signals,omitempty"`
	SummaryCaptured bool     `json:"summaryCaptured"`
}

func shutdownMessage(name string) string {
	return fmt.Sprintf("[shutdown] %s, your session is ending. Save any work in progress and exit now.", name)
}

// Kill tears down an owned agent. Killing an agent that is already done or
// gone succeeds without doing anything.
func (s *Supervisor) Kill(ctx context.Context, name string) (_ KillResult, err error) {
	if err := records.ValidName(name); err != nil {
		return KillResult{}, newError(CodeInvalidParams, "%v", err)
	}
	ctx = shared.WithAgentName(shared.WithOperation(ctx, "kill"), name)
	ctx, span := otel.StartSpan(ctx, s.tracer, "agents.kill", otel.AttrAgentName.String(name))
	defer func() { endSpan(span, err) }()

	unlock := s.lockAgent(name)
	defer unlock()

	rec, err := s.getOwned(name)
	if errors.Is(err, ErrNotFound) {
		return KillResult{Agent: name, NoOp: true}, nil
	}
	if err != nil {
		return KillResult{}, err
	}
	if rec.Terminal() {
		return KillResult{Agent: name, NoOp: true}, nil
	}
	span.SetAttributes(otel.AttrAgentStatus.String(string(rec.Status)))
	return s.killSequence(ctx, rec, "requested")
}

// KillAll kills every owned agent one at a time.
func (s *Supervisor) KillAll(ctx context.Context) ([]KillResult, error) {
	all, err := s.records.ListAll()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var (
		results []KillResult
		errs    []error
	)
	for _, rec := range all {
		if !s.owns(rec) || rec.Status == records.StatusDead {
			continue
		}
		res, err := s.Kill(ctx, rec.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("kill %s: %w", rec.Name, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// killSequence runs the teardown for rec. The caller holds the agent lock.
func (s *Supervisor) killSequence(ctx context.Context, rec records.SpawnedAgent, reason string) (KillResult, error) {
	log := s.logger.With(shared.LogAttrs(ctx)...)
	res := KillResult{Agent: rec.Name}
	task := rec.Task()

	if rec.Status != records.StatusDone {
		if rec.AssignedTask != nil && !rec.SummaryCaptured {
			s.captureSummary(ctx, &rec, "kill", "")
		}
		if err := s.transition(ctx, &rec, records.StatusDone); err != nil {
			return res, err
		}
	}
	res.SummaryCaptured = rec.SummaryCaptured

	if err := s.mesh.SendMessage(s.opts.Identity, rec.Name, shutdownMessage(rec.Name)); err != nil {
		log.Warn("shutdown message not delivered", "error", err)
	}
	res.Graceful = s.waitExit(ctx, rec, s.opts.Grace)
	if !res.Graceful {
		var aborted bool
		res.Signals, aborted = s.escalate(ctx, rec, func() bool { return s.stillDone(rec) })
		if aborted {
			res.Aborted = true
			log.Info("kill aborted: agent changed state during teardown")
			return res, nil
		}
	}

	s.release(rec)
	if err := s.transition(ctx, &rec, records.StatusDead); err != nil {
		return res, err
	}
	if err := s.finish(rec); err != nil {
		return res, err
	}
	s.removeStaleRegistration(rec)
	s.appendHistory(history.EventKill, rec.Name, map[string]any{
		"reason":   reason,
		"pid":      rec.PID,
		"graceful": res.Graceful,
		"signals":  res.Signals,
		"task":     task,
	})
	s.unmarkActive(ctx, rec.Name)
	log.Info("agent killed", "reason", reason, "graceful", res.Graceful, "signals", res.Signals)
	return res, nil
}

// stillDone re-reads the record to confirm nobody else moved it on.
func (s *Supervisor) stillDone(rec records.SpawnedAgent) bool {
	cur, err := s.records.Get(rec.Name)
	if err != nil {
		return false
	}
	return cur.Status == records.StatusDone && cur.PID == rec.PID
}

var escalation = []struct {
	sig  syscall.Signal
	name string
}{
	{syscall.SIGTERM, "SIGTERM"},
	{syscall.SIGKILL, "SIGKILL"},
}

// escalate sends SIGTERM then SIGKILL, waiting TerminateWait after each,
// and stops as soon as the worker is gone. recheck, when set, is consulted
// before every signal; false aborts.
func (s *Supervisor) escalate(ctx context.Context, rec records.SpawnedAgent, recheck func() bool) (sent []string, aborted bool) {
	for _, step := range escalation {
		if !s.alive(rec) {
			return sent, false
		}
		if recheck != nil && !recheck() {
			return sent, true
		}
		if r := s.signal(rec, step.sig); !r.OK {
			s.logger.Warn("signal failed", "agent", rec.Name, "pid", rec.PID, "signal", step.name, "error", r.Err)
		}
		sent = append(sent, step.name)
		if s.waitExit(ctx, rec, s.opts.TerminateWait) {
			return sent, false
		}
	}
	return sent, false
}

func (s *Supervisor) removeStaleRegistration(rec records.SpawnedAgent) {
	reg, found, err := s.mesh.ReadRegistration(rec.Name)
	if err != nil || !found {
		return
	}
	if reg.PID != rec.PID && s.procs.Alive(reg.PID) && !s.procs.IsDescendant(reg.PID, rec.PID) {
		return
	}
	if err := s.mesh.RemoveRegistration(rec.Name); err != nil {
		s.logger.Debug("remove stale registration failed", "agent", rec.Name, "error", err)
	}
}

// reap cleans up an agent that died or lost its registration. Reaping is
// the spawn-timeout cleanup without the diagnostics bundle.
func (s *Supervisor) reap(ctx context.Context, rec records.SpawnedAgent, reason string) error {
	log := s.logger.With(shared.LogAttrs(ctx)...)
	task := rec.Task()
	var signals []string
	if s.alive(rec) {
		signals, _ = s.escalate(ctx, rec, nil)
	}
	if rec.AssignedTask != nil && !rec.SummaryCaptured {
		s.captureSummary(ctx, &rec, "reap", "")
	}
	s.release(rec)
	if err := s.transition(ctx, &rec, records.StatusDead); err != nil {
		return err
	}
	if err := s.finish(rec); err != nil {
		return err
	}
	s.removeStaleRegistration(rec)
	s.appendHistory(history.EventReap, rec.Name, map[string]any{
		"reason":  reason,
		"pid":     rec.PID,
		"signals": signals,
		"task":    task,
	})
	s.bus.Publish(bus.TopicAgentReaped, bus.AgentReapedEvent{Agent: rec.Name, PID: rec.PID, Reason: reason})
	s.unmarkActive(ctx, rec.Name)
	s.metrics.AgentReaped(ctx)
	log.Warn("agent reaped", "reason", reason, "pid", rec.PID, "signals", signals)
	return nil
}

// handleExit is the headless exit callback. The spawn path owns agents that
// are still spawning; everything else is reaped at once.
func (s *Supervisor) handleExit(name string, pid int, exitErr error) {
	go func() {
		ctx := shared.WithAgentName(shared.WithOperation(context.Background(), "exit"), name)
		unlock := s.lockAgent(name)
		defer unlock()
		rec, err := s.records.Get(name)
		if err != nil || rec.PID != pid || rec.Status == records.StatusSpawning {
			return
		}
		reason := "process exited"
		if exitErr != nil {
			reason = "process exited: " + exitErr.Error()
		}
		if err := s.reap(ctx, rec, reason); err != nil {
			s.logger.Error("reap after exit failed", "agent", name, "error", err)
		}
	}()
}

// captureSummary writes a best-effort summary of rec's task to memory and
// marks the record. Failures are logged and swallowed.
func (s *Supervisor) captureSummary(ctx context.Context, rec *records.SpawnedAgent, source, text string) {
	if s.memory == nil {
		return
	}
	task := rec.Task()
	if strings.TrimSpace(text) == "" {
		var b strings.Builder
		fmt.Fprintf(&b, "%s stopped (%s) while working on: %s", rec.Name, source, task)
		if out := s.tail(*rec, 20); len(out) > 0 {
			b.WriteString("\nLast output:\n")
			b.WriteString(strings.Join(out, "\n"))
		}
		text = b.String()
	}
	res, err := s.memory.Remember(ctx, text, memory.Metadata{
		Agent:      rec.Name,
		Type:       memory.TypeSummary,
		Source:     source,
		TaskID:     taskID(task),
		Workstream: rec.WorkstreamTag(),
	})
	if err != nil {
		s.logger.Warn("summary capture rejected", "agent", rec.Name, "error", err)
		return
	}
	if !res.OK && !res.Duplicate {
		s.logger.Warn("summary capture skipped", "agent", rec.Name, "reason", res.Reason)
		return
	}
	rec.SummaryCaptured = true
}

// taskID is a short stable id for a task text.
func taskID(task string) string {
	if task == "" {
		return ""
	}
	return memory.ContentHash(task)[:12]
}

// finishDone completes the teardown of an agent left in done by Done.
func (s *Supervisor) finishDone(ctx context.Context, name string, pid int, delay time.Duration) {
	if err := sleep(ctx, delay); err != nil {
		return
	}
	unlock := s.lockAgent(name)
	defer unlock()
	rec, err := s.records.Get(name)
	if err != nil || rec.Status != records.StatusDone || rec.PID != pid {
		return
	}
	if _, err := s.killSequence(ctx, rec, "done"); err != nil {
		s.logger.Error("auto-kill after done failed", "agent", name, "error", err)
	}
}
