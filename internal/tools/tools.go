// Package tools exposes supervisor and memory operations as named tools with
// JSON Schema validated parameters. Every call returns a Result; failures are
// reported in-band with a machine-readable code.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/orchestrator"
	"github.com/basket/go-crew/internal/policy"
	"github.com/basket/go-crew/internal/shared"
)

// Result is the uniform tool response.
type Result struct {
	OK       bool   `json:"ok"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Data     any    `json:"data,omitempty"`
}

const (
	// CodeInternal is reported for failures that carry no typed code.
	CodeInternal = "internal"
	// CodeForbidden is reported when the access policy denies the caller.
	CodeForbidden = "forbidden"
)

// MemoryStore is the memory surface the tools use.
type MemoryStore interface {
	Remember(ctx context.Context, text string, meta memory.Metadata) (memory.WriteResult, error)
	Recall(ctx context.Context, query string, opts memory.RecallOptions) (memory.RecallResult, error)
	Stats(ctx context.Context) memory.Stats
	ForgetAgent(ctx context.Context, agent string) (int, error)
	Reset(ctx context.Context) error
}

type handler func(ctx context.Context, params json.RawMessage) Result

type tool struct {
	name        string
	description string
	schemaJSON  string
	schema      *jsonschema.Schema
	run         handler
}

// Registry holds the tool table. Supervisor, Memory and History are
// optional; tools whose dependency is missing are not registered.
type Registry struct {
	Supervisor *orchestrator.Supervisor
	Memory     MemoryStore
	History    *history.Log
	Logger     *slog.Logger
	// Notifications, when set, are forwarded to the client by Serve.
	Notifications <-chan Notification
	// Policy, when set, gates every call on the caller identity.
	Policy policy.Checker

	tools map[string]*tool
}

// Descriptor is the public description of a tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"inputSchema"`
}

// NewRegistry compiles the schemas of every available tool.
func NewRegistry(sup *orchestrator.Supervisor, mem MemoryStore, hist *history.Log, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{Supervisor: sup, Memory: mem, History: hist, Logger: logger, tools: map[string]*tool{}}
	var defs []*tool
	if sup != nil {
		defs = append(defs, r.agentTools()...)
	}
	if mem != nil {
		defs = append(defs, r.memoryTools()...)
	}
	if hist != nil {
		defs = append(defs, r.historyTools()...)
	}
	c := jsonschema.NewCompiler()
	for _, t := range defs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(t.schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", t.name, err)
		}
		loc := t.name + ".json"
		if err := c.AddResource(loc, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", t.name, err)
		}
		if t.schema, err = c.Compile(loc); err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", t.name, err)
		}
		r.tools[t.name] = t
	}
	return r, nil
}

// List returns the tools the caller may use, sorted by name.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		if !r.allowed(t.name) {
			continue
		}
		out = append(out, Descriptor{Name: t.name, Description: t.description, Schema: json.RawMessage(t.schemaJSON)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates params against the tool's schema and runs it.
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage) Result {
	t, ok := r.tools[name]
	if !ok {
		return fail(orchestrator.CodeInvalidParams, fmt.Sprintf("unknown tool %q", name))
	}
	if !r.allowed(name) {
		return Result{Code: CodeForbidden, Error: fmt.Sprintf("%s may not call %s", r.callerName(), name)}
	}
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(params)))
	if err != nil {
		return fail(orchestrator.CodeInvalidParams, fmt.Sprintf("invalid JSON params: %s", err))
	}
	if err := t.schema.Validate(doc); err != nil {
		return fail(orchestrator.CodeInvalidParams, fmt.Sprintf("params do not match schema: %s", err))
	}
	ctx = shared.WithCaller(shared.EnsureTraceID(ctx), r.callerName())
	res := t.run(ctx, params)
	attrs := append(shared.LogAttrs(ctx), "tool", name, "ok", res.OK)
	if !res.OK {
		r.Logger.Warn("tool call failed", append(attrs, "code", res.Code, "error", res.Error)...)
	} else {
		r.Logger.Debug("tool call", attrs...)
	}
	return res
}

func (r *Registry) allowed(tool string) bool {
	return r.Policy == nil || r.Policy.AllowTool(r.callerName(), tool)
}

func ok(data any) Result { return Result{OK: true, Data: data} }

func fail(code orchestrator.Code, msg string) Result {
	return Result{Code: string(code), Error: msg}
}

// fromError maps supervisor and memory errors onto result codes.
func fromError(err error) Result {
	if code := orchestrator.CodeOf(err); code != "" {
		res := fail(code, err.Error())
		var e *orchestrator.Error
		if errors.As(err, &e) && len(e.Details) > 0 {
			res.Data = e.Details
		}
		return res
	}
	switch {
	case errors.Is(err, memory.ErrEmptyText), errors.Is(err, memory.ErrEmptyQuery), errors.Is(err, memory.ErrNoAgent):
		return fail(orchestrator.CodeInvalidParams, err.Error())
	}
	return Result{Code: CodeInternal, Error: err.Error()}
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(params, &v)
	return v, err
}
