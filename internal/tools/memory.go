package tools

import (
	"context"
	"encoding/json"

	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/orchestrator"
)

type rememberParams struct {
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Agent      string   `json:"agent"`
	Source     string   `json:"source"`
	Workstream string   `json:"workstream"`
	TaskID     string   `json:"taskId"`
	Files      []string `json:"files"`
}

type recallParams struct {
	Query         string  `json:"query"`
	Agent         string  `json:"agent"`
	Type          string  `json:"type"`
	Workstream    string  `json:"workstream"`
	TopK          int     `json:"topK"`
	MinSimilarity float64 `json:"minSimilarity"`
	TokenBudget   int     `json:"tokenBudget"`
}

const typeProp = `{"type": "string", "enum": ["message", "discovery", "decision", "summary"]}`

func (r *Registry) memoryTools() []*tool {
	return []*tool{
		{
			name:        "memory.remember",
			description: "Store a note in shared memory. Identical text is stored once.",
			schemaJSON: `{
				"type": "object",
				"properties": {
					"text": {"type": "string", "minLength": 1},
					"type": ` + typeProp + `,
					"agent": {"type": "string"},
					"source": {"type": "string"},
					"workstream": {"type": "string"},
					"taskId": {"type": "string"},
					"files": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["text"],
				"additionalProperties": false
			}`,
			run: r.remember,
		},
		{
			name:        "memory.recall",
			description: "Find notes similar to a query, ranked by similarity, importance and recency.",
			schemaJSON: `{
				"type": "object",
				"properties": {
					"query": {"type": "string", "minLength": 1},
					"agent": {"type": "string"},
					"type": ` + typeProp + `,
					"workstream": {"type": "string"},
					"topK": {"type": "integer", "minimum": 1, "maximum": 100},
					"minSimilarity": {"type": "number", "minimum": 0, "maximum": 1},
					"tokenBudget": {"type": "integer", "minimum": 1}
				},
				"required": ["query"],
				"additionalProperties": false
			}`,
			run: r.recall,
		},
		{
			name:        "memory.stats",
			description: "Report entry counts and store health.",
			schemaJSON:  emptySchema,
			run:         r.memoryStats,
		},
		{
			name:        "memory.forget_agent",
			description: "Delete every note written by one agent.",
			schemaJSON: `{
				"type": "object",
				"properties": {"agent": {"type": "string", "minLength": 1}},
				"required": ["agent"],
				"additionalProperties": false
			}`,
			run: r.forget,
		},
		{
			name:        "memory.reset",
			description: "Delete the whole memory store and start empty.",
			schemaJSON:  emptySchema,
			run:         r.reset,
		},
	}
}

// callerName is this process's mesh identity. Notes without an author are
// attributed to it and the access policy is checked against it.
func (r *Registry) callerName() string {
	if r.Supervisor != nil {
		return r.Supervisor.Identity()
	}
	return ""
}

func (r *Registry) remember(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[rememberParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	typ := memory.TypeMessage
	if p.Type != "" {
		if typ, err = memory.ParseType(p.Type); err != nil {
			return fail(orchestrator.CodeInvalidParams, err.Error())
		}
	}
	agent := p.Agent
	if agent == "" {
		agent = r.callerName()
	}
	source := p.Source
	if source == "" {
		source = "tool"
	}
	res, err := r.Memory.Remember(ctx, p.Text, memory.Metadata{
		Agent:      agent,
		Type:       typ,
		Source:     source,
		TaskID:     p.TaskID,
		Workstream: p.Workstream,
		Files:      p.Files,
	})
	if err != nil {
		return fromError(err)
	}
	out := ok(res)
	out.Degraded, out.Reason = res.Degraded, res.Reason
	return out
}

func (r *Registry) recall(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[recallParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	var typ memory.Type
	if p.Type != "" {
		if typ, err = memory.ParseType(p.Type); err != nil {
			return fail(orchestrator.CodeInvalidParams, err.Error())
		}
	}
	res, err := r.Memory.Recall(ctx, p.Query, memory.RecallOptions{
		Agent:         p.Agent,
		Type:          typ,
		Workstream:    p.Workstream,
		TopK:          p.TopK,
		MinSimilarity: p.MinSimilarity,
		TokenBudget:   p.TokenBudget,
	})
	if err != nil {
		return fromError(err)
	}
	if res.Hits == nil {
		res.Hits = []memory.Hit{}
	}
	out := ok(res)
	out.Degraded, out.Reason = res.Degraded, res.Reason
	return out
}

func (r *Registry) memoryStats(ctx context.Context, _ json.RawMessage) Result {
	st := r.Memory.Stats(ctx)
	out := ok(st)
	out.Degraded, out.Reason = st.Degraded, st.Reason
	return out
}

func (r *Registry) forget(ctx context.Context, raw json.RawMessage) Result {
	p, err := decode[agentParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	n, err := r.Memory.ForgetAgent(ctx, p.Agent)
	if err != nil {
		return fromError(err)
	}
	return ok(map[string]any{"agent": p.Agent, "deleted": n})
}

func (r *Registry) reset(ctx context.Context, _ json.RawMessage) Result {
	if err := r.Memory.Reset(ctx); err != nil {
		return fromError(err)
	}
	return ok(map[string]any{"reset": true})
}
