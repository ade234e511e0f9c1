package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/records"
	"github.com/basket/go-crew/internal/safety"
	"github.com/basket/go-crew/internal/shared"
)

type AssignRequest struct {
	Agent      string
	Task       string
	Workstream string
}

type AssignResult struct {
	Agent    records.SpawnedAgent
	Recalled int
	// Withheld counts recalled notes dropped by screening.
	Withheld int
	// MemoryDegraded is set when recall was attempted but unavailable.
	MemoryDegraded bool
	MemoryReason   string
	Message        string
}

// Assign delivers a task to an idle agent. The record moves to assigned only
// after the message is in the agent's inbox.
func (s *Supervisor) Assign(ctx context.Context, req AssignRequest) (_ AssignResult, err error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return AssignResult{}, newError(CodeInvalidParams, "task is required")
	}
	if req.Agent == "" {
		return AssignResult{}, newError(CodeInvalidParams, "agent is required")
	}
	ctx = shared.WithAgentName(shared.WithOperation(ctx, "assign"), req.Agent)
	ctx, span := otel.StartSpan(ctx, s.tracer, "agents.assign", otel.AttrAgentName.String(req.Agent))
	defer func() { endSpan(span, err) }()

	unlock := s.lockAgent(req.Agent)
	defer unlock()

	rec, err := s.getOwned(req.Agent)
	if err != nil {
		return AssignResult{}, err
	}
	// Without an explicit workstream the task stays in the agent's own.
	workstream := req.Workstream
	if workstream == "" {
		workstream = rec.WorkstreamTag()
	}
	if workstream != "" {
		ctx = shared.WithWorkstream(ctx, workstream)
		span.SetAttributes(otel.AttrWorkstream.String(workstream))
	}
	log := s.logger.With(shared.LogAttrs(ctx)...)
	switch rec.Status {
	case records.StatusSpawning:
		return AssignResult{}, newError(CodeStillSpawning, "agent %s has not joined the mesh yet", rec.Name).with("agent", rec.Name)
	case records.StatusAssigned:
		return AssignResult{}, newError(CodeAlreadyAssigned, "agent %s is already working on a task", rec.Name).
			with("agent", rec.Name).with("task", rec.Task())
	case records.StatusDone, records.StatusDead:
		return AssignResult{}, newError(CodeNotRunning, "agent %s is %s", rec.Name, rec.Status).with("agent", rec.Name)
	case records.StatusJoined:
		if err := s.transition(ctx, &rec, records.StatusIdle); err != nil {
			return AssignResult{}, err
		}
	}
	if !s.alive(rec) {
		return AssignResult{}, newError(CodeNotRunning, "agent %s process %d is not running", rec.Name, rec.PID).with("agent", rec.Name)
	}

	res := AssignResult{}
	var hits []memory.Hit
	if s.opts.RecallOnAssign && s.memory != nil {
		rr, err := s.memory.Recall(ctx, task, memory.RecallOptions{Workstream: workstream})
		switch {
		case err != nil:
			log.Warn("recall for assignment rejected", "error", err)
		case rr.Degraded:
			res.MemoryDegraded = true
			res.MemoryReason = rr.Reason
		default:
			hits = rr.Hits
		}
	}
	hits, res.Withheld = screenHits(hits, log)
	res.Recalled = len(hits)
	res.Message = assignmentMessage(s.opts.Identity, task, workstream, hits)

	if err := s.mesh.SendMessage(s.opts.Identity, rec.Name, res.Message); err != nil {
		return AssignResult{}, newError(CodeDeliveryFailed, "deliver task to %s", rec.Name).with("agent", rec.Name).wrap(err)
	}

	t := task
	rec.AssignedTask = &t
	if workstream != "" {
		rec.Workstream = &workstream
	}
	rec.SummaryCaptured = false
	rec.LastActivityMs = s.nowMs()
	if err := s.transition(ctx, &rec, records.StatusAssigned); err != nil {
		return AssignResult{}, err
	}
	s.clearIdleWarning(rec.Name)
	s.appendHistory(history.EventAssign, rec.Name, map[string]any{
		"task":       task,
		"workstream": workstream,
		"recalled":   res.Recalled,
		"withheld":   res.Withheld,
	})
	log.Info("task assigned", "recalled", res.Recalled, "withheld", res.Withheld, "memory_degraded", res.MemoryDegraded)
	res.Agent = rec
	return res, nil
}

func assignmentMessage(from, task, workstream string, hits []memory.Hit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[task from %s]\n%s\n", from, task)
	if workstream != "" {
		fmt.Fprintf(&b, "\nWorkstream: %s\n", workstream)
	}
	if len(hits) > 0 {
		b.WriteString("\nRelevant memory from earlier work:\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- [%s from %s, %s] %s\n",
				h.Entry.Type, h.Entry.Agent, h.Entry.CreatedAt.UTC().Format("2006-01-02"), oneLine(h.Entry.Text))
		}
	}
	b.WriteString("\nWhen the task is finished, call agents.done with a short summary.")
	return b.String()
}

// screenHits drops recalled notes that read like instructions to the worker.
func screenHits(hits []memory.Hit, log *slog.Logger) ([]memory.Hit, int) {
	kept := make([]memory.Hit, 0, len(hits))
	for _, h := range hits {
		sc := safety.Screen(h.Entry.Text)
		if sc.Verdict == safety.Block {
			log.Warn("recalled note withheld", "entry", h.Entry.ID, "author", h.Entry.Agent, "reason", sc.Reason)
			continue
		}
		kept = append(kept, h)
	}
	return kept, len(hits) - len(kept)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
