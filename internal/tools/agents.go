package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/go-crew/internal/orchestrator"
)

const nameProp = `{"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[^./\\\\][^/\\\\]*$"}`

type spawnParams struct {
	Name                    string            `json:"name"`
	Model                   string            `json:"model"`
	Reasoning               string            `json:"reasoning"`
	Workstream              string            `json:"workstream"`
	HandshakeTimeoutSeconds float64           `json:"handshakeTimeoutSeconds"`
	Env                     map[string]string `json:"env"`
}

type assignParams struct {
	Agent      string `json:"agent"`
	Task       string `json:"task"`
	Workstream string `json:"workstream"`
}

type doneParams struct {
	Agent   string `json:"agent"`
	Summary string `json:"summary"`
}

type agentParams struct {
	Agent string `json:"agent"`
}

type logsParams struct {
	Agent string `json:"agent"`
	Lines int    `json:"lines"`
}

type listParams struct {
	Owned bool `json:"owned"`
}

func (r *Registry) agentTools() []*tool {
	return []*tool{
		{
			name:        "agents.spawn",
			description: "Start a worker agent and wait until it joins the mesh.",
			schemaJSON: `{
				"type": "object",
				"properties": {
					"name": ` + nameProp + `,
					"model": {"type": "string"},
					"reasoning": {"type": "string", "enum": ["off", "minimal", "low", "medium", "high", "xhigh", "max"]},
					"workstream": {"type": "string"},
					"handshakeTimeoutSeconds": {"type": "number", "exclusiveMinimum": 0, "maximum": 3600},
					"env": {"type": "object", "additionalProperties": {"type": "string"}}
				},
				"additionalProperties": false
			}`,
			run: r.spawn,
		},
		{
			name:        "agents.assign",
			description: "Deliver a task to an idle worker, with relevant memory attached.",
			schemaJSON: `{
				"type": "object",
				"properties": {
					"agent": ` + nameProp + `,
					"task": {"type": "string", "minLength": 1},
					"workstream": {"type": "string"}
				},
				"required": ["agent", "task"],
				"additionalProperties": false
			}`,
			run: r.assign,
		},
		{
			name:        "agents.done",
			description: "Report the caller's current task as finished.",
			schemaJSON: `{
				"type": "object",
				"properties": {
					"agent": ` + nameProp + `,
					"summary": {"type": "string"}
				},
				"additionalProperties": false
			}`,
			run: r.done,
		},
		{
			name:        "agents.check",
			description: "Show one worker's record with live process and mesh state.",
			schemaJSON:  agentOnlySchema,
			run:         r.check,
		},
		{
			name:        "agents.list",
			description: "List worker records.",
			schemaJSON: `{
				"type": "object",
				"properties": {"owned": {"type": "boolean"}},
				"additionalProperties": false
			}`,
			run: r.list,
		},
		{
			name:        "agents.logs",
			description: "Return the last lines of a worker's output.",
			schemaJSON: `{
				"type": "object",
				"properties": {
					"agent": ` + nameProp + `,
					"lines": {"type": "integer", "minimum": 1, "maximum": 5000}
				},
				"required": ["agent"],
				"additionalProperties": false
			}`,
			run: r.logs,
		},
		{
			name:        "agents.kill",
			description: "Shut a worker down, escalating to signals if it does not exit.",
			schemaJSON:  agentOnlySchema,
			run:         r.kill,
		},
		{
			name:        "agents.kill_all",
			description: "Shut down every worker this orchestrator owns.",
			schemaJSON:  emptySchema,
			run:         r.killAll,
		},
		{
			name:        "agents.sweep",
			description: "Reap dead workers and report idle ones.",
			schemaJSON:  emptySchema,
			run:         r.sweep,
		},
	}
}

const agentOnlySchema = `{
	"type": "object",
	"properties": {"agent": ` + nameProp + `},
	"required": ["agent"],
	"additionalProperties": false
}`

const emptySchema = `{"type": "object", "additionalProperties": false}`

func (r *Registry) spawn(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[spawnParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	res, err := r.Supervisor.Spawn(ctx, orchestrator.SpawnRequest{
		Name:             p.Name,
		Model:            p.Model,
		Reasoning:        p.Reasoning,
		Workstream:       p.Workstream,
		HandshakeTimeout: time.Duration(p.HandshakeTimeoutSeconds * float64(time.Second)),
		Env:              p.Env,
	})
	if err != nil {
		return fromError(err)
	}
	return ok(map[string]any{
		"agent":       res.Agent,
		"handshakeMs": res.Handshake.Milliseconds(),
		"timeoutMs":   res.Timeout.Milliseconds(),
	})
}

func (r *Registry) assign(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[assignParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	res, err := r.Supervisor.Assign(ctx, orchestrator.AssignRequest{Agent: p.Agent, Task: p.Task, Workstream: p.Workstream})
	if err != nil {
		return fromError(err)
	}
	out := ok(map[string]any{"agent": res.Agent, "recalled": res.Recalled, "withheld": res.Withheld})
	out.Degraded = res.MemoryDegraded
	out.Reason = res.MemoryReason
	return out
}

func (r *Registry) done(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[doneParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	res, err := r.Supervisor.Done(ctx, orchestrator.DoneRequest{
		Caller:  r.Supervisor.Identity(),
		Agent:   p.Agent,
		Summary: p.Summary,
	})
	if err != nil {
		return fromError(err)
	}
	return ok(res)
}

func (r *Registry) check(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[agentParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	view, err := r.Supervisor.Check(p.Agent)
	if err != nil {
		return fromError(err)
	}
	return ok(view)
}

func (r *Registry) list(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[listParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	views, err := r.Supervisor.List(p.Owned)
	if err != nil {
		return fromError(err)
	}
	return ok(map[string]any{"agents": views})
}

func (r *Registry) logs(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[logsParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	lines, err := r.Supervisor.Logs(p.Agent, p.Lines)
	if err != nil {
		return fromError(err)
	}
	return ok(map[string]any{"agent": p.Agent, "lines": lines})
}

func (r *Registry) kill(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[agentParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	res, err := r.Supervisor.Kill(ctx, p.Agent)
	if err != nil {
		return fromError(err)
	}
	return ok(res)
}

func (r *Registry) killAll(ctx context.Context, _ json.RawMessage) Result {
	results, err := r.Supervisor.KillAll(ctx)
	if err != nil {
		out := fromError(err)
		out.Data = map[string]any{"killed": results}
		return out
	}
	return ok(map[string]any{"killed": results})
}

func (r *Registry) sweep(ctx context.Context, _ json.RawMessage) Result {
	report, err := r.Supervisor.Sweep(ctx)
	if err != nil {
		out := fromError(err)
		out.Data = report
		return out
	}
	return ok(report)
}
