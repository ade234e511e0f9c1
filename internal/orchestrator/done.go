package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/records"
	"github.com/basket/go-crew/internal/shared"
)

type DoneRequest struct {
	// Caller is the mesh identity making the call. Empty means this
	// supervisor's identity.
	Caller string
	// Agent defaults to Caller. A worker may only complete itself.
	Agent   string
	Summary string
}

type DoneResult struct {
	Agent           records.SpawnedAgent `json:"agent"`
	SummaryCaptured bool                 `json:"summaryCaptured"`
	Notified        bool                 `json:"notified"`
	AutoKill        bool                 `json:"autoKill"`
}

// Done completes the caller's current task. With auto-kill the agent moves
// to done and is torn down after a short delay; otherwise it returns to idle.
func (s *Supervisor) Done(ctx context.Context, req DoneRequest) (_ DoneResult, err error) {
	caller := req.Caller
	if caller == "" {
		caller = s.opts.Identity
	}
	name := req.Agent
	if name == "" {
		name = caller
	}
	if name != caller {
		return DoneResult{}, newError(CodeNotOwner, "%s cannot complete the task of %s", caller, name).
			with("caller", caller).with("agent", name)
	}
	if err := records.ValidName(name); err != nil {
		return DoneResult{}, newError(CodeInvalidParams, "%v", err)
	}
	ctx = shared.WithAgentName(shared.WithOperation(ctx, "done"), name)
	ctx, span := otel.StartSpan(ctx, s.tracer, "agents.done", otel.AttrAgentName.String(name))
	defer func() { endSpan(span, err) }()
	log := s.logger.With(shared.LogAttrs(ctx)...)

	unlock := s.lockAgent(name)
	defer unlock()

	rec, err := s.records.Get(name)
	if errors.Is(err, records.ErrNotFound) {
		return DoneResult{}, newError(CodeNotOwner, "%s is not a spawned worker", name).with("agent", name)
	}
	if err != nil {
		return DoneResult{}, fmt.Errorf("load record %s: %w", name, err)
	}
	if rec.Status != records.StatusAssigned {
		return DoneResult{}, newError(CodeInvalidTransition, "agent %s is %s, not assigned", name, rec.Status).
			with("agent", name).with("from", string(rec.Status)).with("to", string(records.StatusDone))
	}

	task := rec.Task()
	summary := strings.TrimSpace(req.Summary)
	memText := summary
	if memText == "" {
		memText = fmt.Sprintf("%s completed: %s", name, task)
	} else {
		memText = fmt.Sprintf("%s completed: %s\n%s", name, task, summary)
	}
	s.captureSummary(ctx, &rec, "done", memText)

	lim := s.Limits()
	res := DoneResult{SummaryCaptured: rec.SummaryCaptured, AutoKill: lim.AutoKillOnDone}
	if rec.SpawnedBy != "" && rec.SpawnedBy != name {
		note := fmt.Sprintf("[done] %s finished: %s", name, task)
		if summary != "" {
			note += "\nSummary: " + summary
		}
		if err := s.mesh.SendMessage(name, rec.SpawnedBy, note); err != nil {
			log.Warn("done notification not delivered", "to", rec.SpawnedBy, "error", err)
		} else {
			res.Notified = true
		}
	}

	rec.LastActivityMs = s.nowMs()
	if lim.AutoKillOnDone {
		if err := s.transition(ctx, &rec, records.StatusDone); err != nil {
			return DoneResult{}, err
		}
		s.pending.Add(1)
		go func(pid int) {
			defer s.pending.Done()
			s.finishDone(context.WithoutCancel(ctx), name, pid, lim.AutoKillDelay)
		}(rec.PID)
	} else {
		if err := s.transition(ctx, &rec, records.StatusIdle); err != nil {
			return DoneResult{}, err
		}
	}
	s.appendHistory(history.EventDone, name, map[string]any{
		"task":            task,
		"summaryCaptured": res.SummaryCaptured,
		"autoKill":        res.AutoKill,
	})
	log.Info("task done", "auto_kill", res.AutoKill, "summary_captured", res.SummaryCaptured)
	res.Agent = rec
	return res, nil
}
