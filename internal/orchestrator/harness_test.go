package orchestrator

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/go-crew/internal/backend"
	"github.com/basket/go-crew/internal/embedding"
	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/mesh"
	"github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/records"
)

type fakeProc struct {
	alive      bool
	parent     int
	ignoreTerm bool
	signals    []syscall.Signal
}

// fakeBackend runs no processes; every pid lives in a table.
type fakeBackend struct {
	mu       sync.Mutex
	nextPID  int
	procs    map[int]*fakeProc
	spawns   []backend.Spec
	released []int
	spawnErr error
	output   []string
	// onSpawn runs after the fake process exists, standing in for the worker.
	onSpawn func(spec backend.Spec, pid int)
	// ignoreTerm makes new processes survive SIGTERM.
	ignoreTerm bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{nextPID: 4000, procs: map[int]*fakeProc{}}
}

func (f *fakeBackend) Kind() records.BackendKind { return records.BackendHeadless }

func (f *fakeBackend) Spawn(ctx context.Context, spec backend.Spec) (backend.Handle, error) {
	f.mu.Lock()
	if f.spawnErr != nil {
		f.mu.Unlock()
		return backend.Handle{}, f.spawnErr
	}
	f.nextPID++
	pid := f.nextPID
	f.procs[pid] = &fakeProc{alive: true, ignoreTerm: f.ignoreTerm}
	f.spawns = append(f.spawns, spec)
	hook := f.onSpawn
	f.mu.Unlock()
	if hook != nil {
		hook(spec, pid)
	}
	return backend.Handle{Name: spec.Name, PID: pid}, nil
}

func (f *fakeBackend) IsAlive(h backend.Handle) bool { return f.Alive(h.PID) }

func (f *fakeBackend) Tail(h backend.Handle, n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.output...)
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (f *fakeBackend) Terminate(h backend.Handle, sig syscall.Signal) backend.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[h.PID]
	if !ok {
		return backend.Result{OK: true}
	}
	p.signals = append(p.signals, sig)
	if sig == syscall.SIGKILL || !p.ignoreTerm {
		p.alive = false
	}
	return backend.Result{OK: true}
}

func (f *fakeBackend) Release(h backend.Handle) backend.Result {
	f.mu.Lock()
	f.released = append(f.released, h.PID)
	f.mu.Unlock()
	return backend.Result{OK: true}
}

// Procs implementation over the same table.

func (f *fakeBackend) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	return ok && p.alive
}

func (f *fakeBackend) IsDescendant(pid, ancestor int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cur := pid; cur > 0; {
		if cur == ancestor {
			return true
		}
		p, ok := f.procs[cur]
		if !ok {
			return false
		}
		cur = p.parent
	}
	return false
}

func (f *fakeBackend) Snapshot(pid int) backend.ProcessSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := backend.ProcessSnapshot{PID: pid}
	if p, ok := f.procs[pid]; ok {
		snap.Alive = p.alive
		snap.PPID = p.parent
		snap.Executable = "pi"
	}
	return snap
}

func (f *fakeBackend) addProc(pid, parent int) {
	f.mu.Lock()
	f.procs[pid] = &fakeProc{alive: true, parent: parent}
	f.mu.Unlock()
}

func (f *fakeBackend) exit(pid int) {
	f.mu.Lock()
	if p, ok := f.procs[pid]; ok {
		p.alive = false
	}
	f.mu.Unlock()
}

func (f *fakeBackend) signalsFor(pid int) []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[pid]; ok {
		return append([]syscall.Signal(nil), p.signals...)
	}
	return nil
}

type fakeMemory struct {
	mu       sync.Mutex
	texts    []string
	metas    []memory.Metadata
	queries  []memory.RecallOptions
	hits     []memory.Hit
	degraded string
}

func (m *fakeMemory) Remember(ctx context.Context, text string, meta memory.Metadata) (memory.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded != "" {
		return memory.WriteResult{Degraded: true, Reason: m.degraded}, nil
	}
	m.texts = append(m.texts, text)
	m.metas = append(m.metas, meta)
	return memory.WriteResult{OK: true, ID: "m1"}, nil
}

func (m *fakeMemory) Recall(ctx context.Context, query string, opts memory.RecallOptions) (memory.RecallResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, opts)
	if m.degraded != "" {
		return memory.RecallResult{Degraded: true, Reason: m.degraded}, nil
	}
	return memory.RecallResult{Hits: m.hits}, nil
}

func (m *fakeMemory) written() []memory.Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memory.Metadata(nil), m.metas...)
}

// failingMesh refuses to deliver messages.
type failingMesh struct {
	*mesh.Mesh
}

func (failingMesh) SendMessage(from, to, text string) error {
	return errors.New("inbox is read-only")
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	sup     *Supervisor
	fb      *fakeBackend
	mesh    *mesh.Mesh
	store   *records.Store
	history *history.Log
	memory  *fakeMemory
	clock   *clock
	diagDir string
}

func testOptions(dir string) Options {
	return Options{
		Identity:       "orchestrator",
		MaxAgents:      4,
		NameRetries:    3,
		HandshakeBase:  400 * time.Millisecond,
		HandshakeMax:   time.Second,
		HandshakePoll:  10 * time.Millisecond,
		Grace:          150 * time.Millisecond,
		TerminateWait:  50 * time.Millisecond,
		IdleThreshold:  15 * time.Minute,
		AutoKillDelay:  10 * time.Millisecond,
		WorkerCommand:  []string{"pi", "--model", "{model}", "{prompt}"},
		DefaultModel:   "test-model",
		RecallOnAssign: true,
		DiagnosticsDir: filepath.Join(dir, "diagnostics"),
	}
}

// newHarness builds a supervisor whose workers register on the mesh as soon
// as they are spawned.
func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	opts := testOptions(dir)
	if tweak != nil {
		tweak(&opts)
	}

	fb := newFakeBackend()
	m, err := mesh.New(filepath.Join(dir, "mesh"), slog.Default())
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	m.WithLiveness(fb.Alive)
	store, err := records.Open(filepath.Join(dir, "agents"), slog.Default())
	if err != nil {
		t.Fatalf("records.Open: %v", err)
	}
	hist, err := history.Open(filepath.Join(dir, "history.jsonl"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	h := &harness{
		fb:      fb,
		mesh:    m,
		store:   store,
		history: hist,
		memory:  &fakeMemory{},
		clock:   &clock{t: time.Now()},
		diagDir: opts.DiagnosticsDir,
	}
	fb.onSpawn = func(spec backend.Spec, pid int) {
		if err := m.Register(mesh.Registration{Name: spec.Name, PID: pid, SessionID: "sess-" + spec.Name}); err != nil {
			t.Errorf("register %s: %v", spec.Name, err)
		}
	}
	h.sup = h.newSupervisor(t, opts, m)
	return h
}

func (h *harness) newSupervisor(t *testing.T, opts Options, m Mesh) *Supervisor {
	t.Helper()
	return h.newSupervisorWith(t, opts, m, h.memory, nil)
}

// newSupervisorWith swaps in a memory store and metrics; a nil metrics
// records nothing.
func (h *harness) newSupervisorWith(t *testing.T, opts Options, m Mesh, mem Memory, metrics *otel.Metrics) *Supervisor {
	t.Helper()
	sup, err := New(opts, Deps{
		Records:  h.store,
		Mesh:     m,
		Backends: map[records.BackendKind]backend.Backend{records.BackendHeadless: h.fb},
		Memory:   mem,
		History:  h.history,
		Procs:    h.fb,
		Logger:   slog.Default(),
		Metrics:  metrics,
		Now:      h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(sup.Wait)
	return sup
}

func (h *harness) spawn(t *testing.T, name string) records.SpawnedAgent {
	t.Helper()
	res, err := h.sup.Spawn(context.Background(), SpawnRequest{Name: name})
	if err != nil {
		t.Fatalf("spawn %s: %v", name, err)
	}
	return res.Agent
}

func (h *harness) events(t *testing.T, names ...string) []history.Event {
	t.Helper()
	all, err := h.history.Read(0)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	return history.Filter(all, names...)
}

func (h *harness) inbox(t *testing.T, name string) []mesh.Message {
	t.Helper()
	msgs, err := h.mesh.ReadInbox(name)
	if err != nil {
		t.Fatalf("read inbox %s: %v", name, err)
	}
	return msgs
}

// exitOnShutdown marks pid exited once a shutdown message reaches name.
func (h *harness) exitOnShutdown(t *testing.T, name string, pid int) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			msgs, _ := h.mesh.ReadInbox(name)
			for _, msg := range msgs {
				if strings.HasPrefix(msg.Text, "[shutdown]") {
					h.fb.exit(pid)
					return
				}
			}
		}
	}()
}

func (h *harness) get(t *testing.T, name string) records.SpawnedAgent {
	t.Helper()
	rec, err := h.store.Get(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return rec
}

func (h *harness) put(t *testing.T, rec records.SpawnedAgent) {
	t.Helper()
	if err := h.store.Put(rec); err != nil {
		t.Fatalf("put %s: %v", rec.Name, err)
	}
}

func wantErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
}

const wordDims = 64

// wordEmbedder hashes words into buckets so texts sharing words are similar.
type wordEmbedder struct{}

func (wordEmbedder) Embed(_ context.Context, text string) embedding.Result {
	v := make([]float64, wordDims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(word, ".,:!?")))
		v[int(h.Sum32()%wordDims)]++
	}
	out, err := embedding.Normalize(v)
	if err != nil {
		return embedding.Result{Kind: embedding.FailureMalformed, Err: err}
	}
	return embedding.Result{Vector: out, OK: true}
}

func newTestMetrics(t *testing.T) (*otel.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := otel.NewMetrics(mp.Meter("gocrew-test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// sumInt64 adds up every data point of the named int64 sum.
func sumInt64(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, not an int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
