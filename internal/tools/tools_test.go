package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-crew/internal/backend"
	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/mesh"
	"github.com/basket/go-crew/internal/orchestrator"
	"github.com/basket/go-crew/internal/policy"
	"github.com/basket/go-crew/internal/records"
)

type fakeMemory struct {
	written  []memory.Metadata
	queries  []memory.RecallOptions
	degraded string
	forgot   []string
	resets   int
}

func (f *fakeMemory) Remember(_ context.Context, text string, meta memory.Metadata) (memory.WriteResult, error) {
	if strings.TrimSpace(text) == "" {
		return memory.WriteResult{}, memory.ErrEmptyText
	}
	if meta.Agent == "" {
		return memory.WriteResult{}, memory.ErrNoAgent
	}
	if f.degraded != "" {
		return memory.WriteResult{Degraded: true, Reason: f.degraded}, nil
	}
	f.written = append(f.written, meta)
	return memory.WriteResult{OK: true, ID: "m1"}, nil
}

func (f *fakeMemory) Recall(_ context.Context, query string, opts memory.RecallOptions) (memory.RecallResult, error) {
	f.queries = append(f.queries, opts)
	if f.degraded != "" {
		return memory.RecallResult{Degraded: true, Reason: f.degraded}, nil
	}
	return memory.RecallResult{Hits: []memory.Hit{{Entry: memory.Entry{ID: "m1", Text: "cached " + query}, Similarity: 0.9}}}, nil
}

func (f *fakeMemory) Stats(context.Context) memory.Stats {
	return memory.Stats{Enabled: true, Total: len(f.written), Degraded: f.degraded != "", Reason: f.degraded}
}

func (f *fakeMemory) ForgetAgent(_ context.Context, agent string) (int, error) {
	f.forgot = append(f.forgot, agent)
	return 2, nil
}

func (f *fakeMemory) Reset(context.Context) error {
	f.resets++
	f.degraded = ""
	return nil
}

type fixture struct {
	reg     *Registry
	mem     *fakeMemory
	records *records.Store
	hist    *history.Log
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := discard()
	recs, err := records.Open(filepath.Join(dir, "agents"), logger)
	if err != nil {
		t.Fatalf("records.Open: %v", err)
	}
	m, err := mesh.New(filepath.Join(dir, "mesh"), logger)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	hist, err := history.Open(filepath.Join(dir, "history.jsonl"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	opts := orchestrator.DefaultOptions()
	opts.Identity = "lead"
	opts.MeshDir = m.Root()
	opts.DiagnosticsDir = filepath.Join(dir, "diagnostics")
	sup, err := orchestrator.New(opts, orchestrator.Deps{
		Records:  recs,
		Mesh:     m,
		Backends: map[records.BackendKind]backend.Backend{records.BackendHeadless: backend.NewHeadless(50, logger)},
		History:  hist,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	mem := &fakeMemory{}
	reg, err := NewRegistry(sup, mem, hist, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &fixture{reg: reg, mem: mem, records: recs, hist: hist}
}

func invoke(t *testing.T, r *Registry, name, params string) Result {
	t.Helper()
	return r.Invoke(context.Background(), name, json.RawMessage(params))
}

// mustOK fails the test unless res succeeded.
func mustOK(t *testing.T, res Result) Result {
	t.Helper()
	if !res.OK {
		t.Fatalf("call failed: %s %s", res.Code, res.Error)
	}
	return res
}

func wantCode(t *testing.T, res Result, code string) {
	t.Helper()
	if res.OK || res.Code != code {
		t.Fatalf("got ok=%v code=%q (%s), want code %q", res.OK, res.Code, res.Error, code)
	}
}

func TestRegistryListsEveryTool(t *testing.T) {
	f := newFixture(t)
	var names []string
	for _, d := range f.reg.List() {
		names = append(names, d.Name)
		if d.Description == "" {
			t.Errorf("%s has no description", d.Name)
		}
		if !json.Valid(d.Schema) {
			t.Errorf("%s has an invalid schema", d.Name)
		}
	}
	want := []string{
		"agents.assign", "agents.check", "agents.done", "agents.kill", "agents.kill_all",
		"agents.list", "agents.logs", "agents.spawn", "agents.sweep",
		"history.read",
		"memory.forget_agent", "memory.recall", "memory.remember", "memory.reset", "memory.stats",
	}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("tools = %q\nwant %q", names, want)
	}
}

func TestRegistryWithoutSupervisor(t *testing.T) {
	reg, err := NewRegistry(nil, &fakeMemory{}, nil, discard())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, d := range reg.List() {
		if !strings.HasPrefix(d.Name, "memory.") {
			t.Errorf("unexpected tool %s without a supervisor", d.Name)
		}
	}
	wantCode(t, invoke(t, reg, "agents.list", `{}`), string(orchestrator.CodeInvalidParams))
}

func TestPolicyGatesCalls(t *testing.T) {
	f := newFixture(t)
	f.reg.Policy = policy.NewLivePolicy(policy.Policy{
		Default: "allow",
		Rules:   []policy.Rule{{Identity: "lead", Deny: []string{"memory.reset", "agents.kill*"}}},
	})

	res := invoke(t, f.reg, "memory.reset", `{}`)
	wantCode(t, res, CodeForbidden)
	if !strings.Contains(res.Error, "lead") {
		t.Fatalf("error does not name the caller: %s", res.Error)
	}
	if f.mem.resets != 0 {
		t.Fatal("denied reset still ran")
	}

	mustOK(t, invoke(t, f.reg, "memory.stats", `{}`))

	for _, d := range f.reg.List() {
		if d.Name == "memory.reset" || strings.HasPrefix(d.Name, "agents.kill") {
			t.Errorf("denied tool %s still listed", d.Name)
		}
	}
}

func TestSchemaValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		tool   string
		params string
	}{
		{"missing required", "agents.assign", `{"agent": "atlas"}`},
		{"unknown property", "agents.check", `{"agent": "atlas", "extra": 1}`},
		{"path in name", "agents.check", `{"agent": "../etc"}`},
		{"dot name", "agents.kill", `{"agent": "."}`},
		{"bad reasoning", "agents.spawn", `{"reasoning": "extreme"}`},
		{"bad type", "memory.remember", `{"text": "x", "type": "rumor"}`},
		{"zero topK", "memory.recall", `{"query": "x", "topK": 0}`},
		{"not json", "agents.list", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantCode(t, invoke(t, f.reg, tt.tool, tt.params), string(orchestrator.CodeInvalidParams))
		})
	}
}

func TestAgentToolsReportTypedCodes(t *testing.T) {
	f := newFixture(t)
	if err := f.records.Put(records.SpawnedAgent{
		Name: "vega", PID: 999999, Status: records.StatusIdle, SpawnedBy: "someone-else",
		BackendKind: records.BackendHeadless,
	}); err != nil {
		t.Fatal(err)
	}

	wantCode(t, invoke(t, f.reg, "agents.assign", `{"agent": "nobody", "task": "do it"}`), string(orchestrator.CodeNotFound))

	res := invoke(t, f.reg, "agents.assign", `{"agent": "vega", "task": "do it"}`)
	wantCode(t, res, string(orchestrator.CodeNotOwner))
	details, isMap := res.Data.(map[string]any)
	if !isMap || details["spawnedBy"] != "someone-else" {
		t.Fatalf("details = %#v", res.Data)
	}

	wantCode(t, invoke(t, f.reg, "agents.done", `{"agent": "vega"}`), string(orchestrator.CodeNotOwner))

	res = mustOK(t, invoke(t, f.reg, "agents.check", `{"agent": "vega"}`))
	view, isView := res.Data.(orchestrator.AgentView)
	if !isView {
		t.Fatalf("check returned %T", res.Data)
	}
	if view.Name != "vega" || view.Alive || view.Owned {
		t.Fatalf("view = %+v", view)
	}

	res = mustOK(t, invoke(t, f.reg, "agents.kill", `{"agent": "ghost"}`))
	if kill, ok := res.Data.(orchestrator.KillResult); !ok || !kill.NoOp {
		t.Fatalf("kill of absent agent = %#v", res.Data)
	}

	res = mustOK(t, invoke(t, f.reg, "agents.list", `{"owned": true}`))
	if agents := res.Data.(map[string]any)["agents"].([]orchestrator.AgentView); len(agents) != 0 {
		t.Fatalf("owned list = %+v", agents)
	}
}

func TestRememberDefaultsAndDegraded(t *testing.T) {
	f := newFixture(t)

	mustOK(t, invoke(t, f.reg, "memory.remember", `{"text": "use sqlite", "type": "decision", "workstream": "db"}`))
	if len(f.mem.written) != 1 {
		t.Fatalf("written = %d", len(f.mem.written))
	}
	if w := f.mem.written[0]; w.Agent != "lead" || w.Type != memory.TypeDecision || w.Source != "tool" {
		t.Fatalf("metadata = %+v", w)
	}

	mustOK(t, invoke(t, f.reg, "memory.remember", `{"text": "hello", "agent": "atlas"}`))
	if f.mem.written[1].Type != memory.TypeMessage {
		t.Fatalf("default type = %s", f.mem.written[1].Type)
	}

	f.mem.degraded = "breaker open"
	res := invoke(t, f.reg, "memory.remember", `{"text": "later"}`)
	if !res.OK || !res.Degraded || res.Reason != "breaker open" {
		t.Fatalf("degraded write = %+v", res)
	}
}

func TestRememberWithoutAgentIsInvalid(t *testing.T) {
	reg, err := NewRegistry(nil, &fakeMemory{}, nil, discard())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	wantCode(t, invoke(t, reg, "memory.remember", `{"text": "orphan note"}`), string(orchestrator.CodeInvalidParams))
}

func TestRecallPassesFilters(t *testing.T) {
	f := newFixture(t)
	res := mustOK(t, invoke(t, f.reg, "memory.recall", `{"query": "schema", "agent": "atlas", "type": "summary", "workstream": "db", "topK": 3, "minSimilarity": 0.5, "tokenBudget": 200}`))
	if len(f.mem.queries) != 1 {
		t.Fatalf("queries = %d", len(f.mem.queries))
	}
	want := memory.RecallOptions{
		Agent: "atlas", Type: memory.TypeSummary, Workstream: "db",
		TopK: 3, MinSimilarity: 0.5, TokenBudget: 200,
	}
	if f.mem.queries[0] != want {
		t.Fatalf("options = %+v\nwant %+v", f.mem.queries[0], want)
	}
	if out := res.Data.(memory.RecallResult); len(out.Hits) != 1 {
		t.Fatalf("hits = %d", len(out.Hits))
	}

	f.mem.degraded = "embedding unavailable"
	res = invoke(t, f.reg, "memory.recall", `{"query": "schema"}`)
	if !res.OK || !res.Degraded {
		t.Fatalf("degraded recall = %+v", res)
	}
	if res.Data.(memory.RecallResult).Hits == nil {
		t.Fatal("degraded recall should return an empty, non-nil hit list")
	}
}

func TestForgetResetStats(t *testing.T) {
	f := newFixture(t)
	res := mustOK(t, invoke(t, f.reg, "memory.forget_agent", `{"agent": "atlas"}`))
	if !reflect.DeepEqual(f.mem.forgot, []string{"atlas"}) {
		t.Fatalf("forgot = %q", f.mem.forgot)
	}
	if got := res.Data.(map[string]any)["deleted"]; got != 2 {
		t.Fatalf("deleted = %v", got)
	}

	f.mem.degraded = "schema mismatch"
	if res := invoke(t, f.reg, "memory.stats", `{}`); !res.Degraded {
		t.Fatal("stats should report degraded")
	}

	mustOK(t, invoke(t, f.reg, "memory.reset", ``))
	if f.mem.resets != 1 {
		t.Fatalf("resets = %d", f.mem.resets)
	}
	if invoke(t, f.reg, "memory.stats", `{}`).Degraded {
		t.Fatal("reset should clear degraded state")
	}
}

func TestHistoryRead(t *testing.T) {
	f := newFixture(t)
	for _, e := range []struct {
		event, agent string
		details      map[string]any
	}{
		{history.EventSpawn, "atlas", nil},
		{history.EventAssign, "atlas", map[string]any{"task": "a"}},
		{history.EventSpawn, "vega", nil},
		{history.EventKill, "atlas", nil},
	} {
		if err := f.hist.Append(e.event, e.agent, e.details); err != nil {
			t.Fatal(err)
		}
	}

	events := func(params string) []history.Event {
		t.Helper()
		res := mustOK(t, invoke(t, f.reg, "history.read", params))
		return res.Data.(map[string]any)["events"].([]history.Event)
	}
	if n := len(events(`{}`)); n != 4 {
		t.Fatalf("all events = %d", n)
	}
	if last := events(`{"limit": 1}`); len(last) != 1 || last[0].Event != history.EventKill {
		t.Fatalf("last = %+v", last)
	}
	if spawns := events(`{"events": ["spawn"], "limit": 1}`); len(spawns) != 1 || spawns[0].Agent != "vega" {
		t.Fatalf("spawns = %+v", spawns)
	}
	if n := len(events(`{"agent": "atlas"}`)); n != 3 {
		t.Fatalf("atlas events = %d", n)
	}
	if n := len(events(`{"agent": "nobody"}`)); n != 0 {
		t.Fatalf("nobody events = %d", n)
	}
}

func TestFromError(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{memory.ErrEmptyQuery, string(orchestrator.CodeInvalidParams)},
		{errors.New("disk full"), CodeInternal},
		{orchestrator.ErrNotFound, string(orchestrator.CodeNotFound)},
	} {
		if got := fromError(tc.err).Code; got != tc.want {
			t.Errorf("fromError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestServe(t *testing.T) {
	f := newFixture(t)
	in := strings.Join([]string{
		`{"jsonrpc": "2.0", "id": 1, "method": "tools.list"}`,
		`{"jsonrpc": "2.0", "id": "two", "method": "memory.remember", "params": {"text": "note", "agent": "atlas"}}`,
		`{"jsonrpc": "2.0", "id": 3, "method": "nope"}`,
		`{"jsonrpc": "1.0", "id": 4, "method": "tools.list"}`,
		`{"jsonrpc": "2.0", "method": "memory.stats"}`,
		`not json`,
		``,
	}, "\n")
	var out bytes.Buffer
	if err := f.reg.Serve(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	type response struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	byID := map[string]response{}
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r response
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		byID[string(r.ID)] = r
	}
	if len(byID) != 5 {
		t.Fatalf("responses = %d, want 5", len(byID))
	}

	var list struct {
		Tools []Descriptor `json:"tools"`
	}
	if err := json.Unmarshal(byID["1"].Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) != 15 {
		t.Fatalf("tools.list returned %d tools", len(list.Tools))
	}

	var res Result
	if err := json.Unmarshal(byID[`"two"`].Result, &res); err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("remember over rpc failed: %+v", res)
	}

	for id, code := range map[string]int{"3": ErrCodeMethodNotFound, "4": ErrCodeInvalidRequest, "null": ErrCodeParse} {
		if e := byID[id].Error; e == nil || e.Code != code {
			t.Errorf("id %s error = %+v, want code %d", id, e, code)
		}
	}
	if len(f.mem.written) != 1 {
		t.Fatalf("written = %d", len(f.mem.written))
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.reg.Serve(ctx, pr, io.Discard) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v", err)
	}
}

func TestServeForwardsNotifications(t *testing.T) {
	f := newFixture(t)
	notes := make(chan Notification, 1)
	notes <- Notification{Method: "agent.idle", Params: map[string]any{"agent": "atlas"}}
	close(notes)
	f.reg.Notifications = notes

	pr, pw := io.Pipe()
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- f.reg.Serve(context.Background(), pr, &out) }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "agent.idle") {
		if time.Now().After(deadline) {
			t.Fatal("notification not written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := pw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var msg struct {
		JSONRPC string         `json:"jsonrpc"`
		ID      any            `json:"id"`
		Method  string         `json:"method"`
		Params  map[string]any `json:"params"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &msg); err != nil {
		t.Fatalf("notification is not JSON: %v", err)
	}
	if msg.JSONRPC != "2.0" || msg.ID != nil || msg.Params["agent"] != "atlas" {
		t.Fatalf("notification = %+v", msg)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
