package tools

import (
	"context"
	"encoding/json"

	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/orchestrator"
)

type historyParams struct {
	Limit  int      `json:"limit"`
	Events []string `json:"events"`
	Agent  string   `json:"agent"`
}

func (r *Registry) historyTools() []*tool {
	return []*tool{{
		name:        "history.read",
		description: "Return recent lifecycle events, oldest first.",
		schemaJSON: `{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 10000},
				"events": {"type": "array", "items": {"type": "string"}},
				"agent": {"type": "string"}
			},
			"additionalProperties": false
		}`,
		run: r.readHistory,
	}}
}

func (r *Registry) readHistory(_ context.Context, raw json.RawMessage) Result {
	p, err := decode[historyParams](raw)
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	limit := p.Limit
	if limit == 0 {
		limit = 100
	}
	// Filters apply before the limit, so read everything when filtering.
	readLimit := limit
	if len(p.Events) > 0 || p.Agent != "" {
		readLimit = 0
	}
	events, err := r.History.Read(readLimit)
	if err != nil {
		return fromError(err)
	}
	if len(p.Events) > 0 {
		events = history.Filter(events, p.Events...)
	}
	if p.Agent != "" {
		kept := events[:0]
		for _, ev := range events {
			if ev.Agent == p.Agent {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []history.Event{}
	}
	return ok(map[string]any{"events": events})
}
