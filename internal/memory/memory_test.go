package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/embedding"
)

const testDims = 64

// wordEmbedder hashes words into buckets so texts sharing words are similar.
type wordEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
	dims  int
}

func (w *wordEmbedder) Embed(_ context.Context, text string) embedding.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail {
		return embedding.Result{Kind: embedding.FailureTransport, Err: errors.New("provider down")}
	}
	dims := w.dims
	if dims == 0 {
		dims = testDims
	}
	v := make([]float64, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(word, ".,!?")))
		v[int(h.Sum32())%dims] += 1
	}
	out, err := embedding.Normalize(v)
	if err != nil {
		return embedding.Result{Kind: embedding.FailureMalformed, Err: err}
	}
	return embedding.Result{Vector: out, OK: true}
}

func (w *wordEmbedder) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func (w *wordEmbedder) setFail(f bool) {
	w.mu.Lock()
	w.fail = f
	w.mu.Unlock()
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

func newTestStore(t *testing.T, mutate func(*Options)) (*Store, *wordEmbedder, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := Options{
		Enabled:       true,
		Dir:           filepath.Join(t.TempDir(), "memory"),
		Dimensions:    testDims,
		MaxEntries:    100,
		FairShare:     0.4,
		MinSimilarity: 0.35,
		TopK:          5,
		TokenBudget:   0,
		RecencyWeight: 0.05,
		RecencyWindow: 7 * 24 * time.Hour,
		TTL: map[Type]time.Duration{
			TypeMessage:   14 * 24 * time.Hour,
			TypeDiscovery: 60 * 24 * time.Hour,
			TypeDecision:  180 * 24 * time.Hour,
			TypeSummary:   90 * 24 * time.Hour,
		},
		BreakerThreshold: 3,
		BreakerCooldown:  60 * time.Second,
		Now:              clk.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	emb := &wordEmbedder{}
	s := New(opts, emb, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, emb, clk
}

// mustRemember stores text and fails unless the write succeeded.
func mustRemember(t *testing.T, s *Store, text string, meta Metadata) WriteResult {
	t.Helper()
	res, err := s.Remember(context.Background(), text, meta)
	if err != nil {
		t.Fatalf("Remember(%q): %v", text, err)
	}
	if !res.OK {
		t.Fatalf("Remember(%q) degraded: %s", text, res.Reason)
	}
	return res
}

func mustRecall(t *testing.T, s *Store, query string, opts RecallOptions) RecallResult {
	t.Helper()
	res, err := s.Recall(context.Background(), query, opts)
	if err != nil {
		t.Fatalf("Recall(%q): %v", query, err)
	}
	return res
}

func TestRemember_DedupByContentHash(t *testing.T) {
	s, emb, _ := newTestStore(t, nil)
	ctx := context.Background()

	first := mustRemember(t, s, "the parser lives in internal/parse", Metadata{Agent: "Builder", Type: TypeDiscovery})
	if first.Duplicate {
		t.Fatal("first write reported as duplicate")
	}
	second := mustRemember(t, s, "the parser lives in internal/parse", Metadata{Agent: "Builder", Type: TypeDiscovery})
	if !second.Duplicate || second.ID != first.ID {
		t.Fatalf("second write = %+v, want duplicate of %s", second, first.ID)
	}
	if n := emb.callCount(); n != 1 {
		t.Fatalf("embedder calls = %d, duplicate must not call the embedder", n)
	}
	if st := s.Stats(ctx); st.Total != 1 {
		t.Fatalf("total = %d", st.Total)
	}
}

func TestRemember_RejectsInvalidInput(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.Remember(ctx, "   ", Metadata{Agent: "A"}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("blank text: %v", err)
	}
	if _, err := s.Remember(ctx, "text", Metadata{}); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("no agent: %v", err)
	}
	if _, err := s.Remember(ctx, "text", Metadata{Agent: "A", Type: "gossip"}); err == nil {
		t.Fatal("unknown type accepted")
	}
}

func TestRemember_ScrubsSecrets(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	mustRemember(t, s, "staging deploy uses api_key=abcdefghijklmnop123456 from vault", Metadata{Agent: "Builder"})

	got := mustRecall(t, s, "staging deploy vault", RecallOptions{MinSimilarity: 0.1})
	if len(got.Hits) != 1 {
		t.Fatalf("hits = %d", len(got.Hits))
	}
	text := got.Hits[0].Entry.Text
	if strings.Contains(text, "abcdefghijklmnop123456") || !strings.Contains(text, "[REDACTED]") {
		t.Fatalf("stored text not scrubbed: %q", text)
	}
}

func TestRecall_FiltersBelowMinSimilarity(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	for _, text := range []string{
		"implemented the retry loop for uploads",
		"database migrations need a checksum",
		"completely unrelated gardening tips",
	} {
		mustRemember(t, s, text, Metadata{Agent: "Builder", Type: TypeSummary})
	}

	res := mustRecall(t, s, "retry loop for uploads", RecallOptions{})
	if res.Degraded || len(res.Hits) == 0 {
		t.Fatalf("recall = %+v", res)
	}
	if got := res.Hits[0].Entry.Text; got != "implemented the retry loop for uploads" {
		t.Fatalf("top hit = %q", got)
	}
	for _, h := range res.Hits {
		if h.Similarity < 0.35 {
			t.Errorf("hit %q below threshold: %f", h.Entry.Text, h.Similarity)
		}
		if h.Entry.Vector != nil {
			t.Errorf("hit %q carries its vector", h.Entry.Text)
		}
	}
}

func TestRecall_FiltersByAgentTypeWorkstream(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	mustRemember(t, s, "auth tokens rotate hourly", Metadata{Agent: "A", Type: TypeDecision, Workstream: "auth"})
	mustRemember(t, s, "auth tokens rotate daily", Metadata{Agent: "B", Type: TypeDiscovery, Workstream: "billing"})

	res := mustRecall(t, s, "auth tokens rotate", RecallOptions{Workstream: "auth"})
	if len(res.Hits) != 1 || res.Hits[0].Entry.Agent != "A" {
		t.Fatalf("workstream filter = %+v", res.Hits)
	}
	res = mustRecall(t, s, "auth tokens rotate", RecallOptions{Agent: "B"})
	if len(res.Hits) != 1 || res.Hits[0].Entry.Text != "auth tokens rotate daily" {
		t.Fatalf("agent filter = %+v", res.Hits)
	}
	res = mustRecall(t, s, "auth tokens rotate", RecallOptions{Type: TypeSummary})
	if len(res.Hits) != 0 {
		t.Fatalf("type filter = %+v", res.Hits)
	}
}

func TestRecall_RecencyBonusIsBounded(t *testing.T) {
	s, _, clk := newTestStore(t, nil)
	mustRemember(t, s, "cache layer uses lru eviction", Metadata{Agent: "A", Type: TypeDiscovery})
	clk.Advance(30 * 24 * time.Hour)
	mustRemember(t, s, "cache layer uses lru eviction policy now", Metadata{Agent: "A", Type: TypeDiscovery})

	res := mustRecall(t, s, "cache layer uses lru eviction", RecallOptions{})
	if len(res.Hits) != 2 {
		t.Fatalf("hits = %d", len(res.Hits))
	}
	// The older exact match still wins over the fresher near match.
	if got := res.Hits[0].Entry.Text; got != "cache layer uses lru eviction" {
		t.Fatalf("top hit = %q", got)
	}
	for _, h := range res.Hits {
		if bonus := h.Score - h.Similarity; bonus < 0 || bonus > 0.05+1e-9 {
			t.Errorf("bonus for %q = %f", h.Entry.Text, bonus)
		}
	}
}

func TestRecall_RecencyWeightIsCapped(t *testing.T) {
	s, _, _ := newTestStore(t, func(o *Options) { o.RecencyWeight = 5 })
	mustRemember(t, s, "workers drain the queue on shutdown", Metadata{Agent: "A", Type: TypeDiscovery})

	res := mustRecall(t, s, "workers drain the queue on shutdown", RecallOptions{})
	if len(res.Hits) != 1 {
		t.Fatalf("hits = %d", len(res.Hits))
	}
	h := res.Hits[0]
	if bonus := h.Score - h.Similarity; bonus <= 0 || bonus > config.MaxRecencyWeight+1e-9 {
		t.Fatalf("bonus = %f, want (0, %f]", bonus, config.MaxRecencyWeight)
	}
}

func TestRecall_TokenBudgetAdmitsWholeEntries(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	mustRemember(t, s, "deploy pipeline runs nightly", Metadata{Agent: "A", Type: TypeSummary})
	mustRemember(t, s, "deploy pipeline "+strings.Repeat("details ", 60), Metadata{Agent: "A", Type: TypeSummary})

	res := mustRecall(t, s, "deploy pipeline runs nightly", RecallOptions{TokenBudget: 20, MinSimilarity: 0.01})
	if len(res.Hits) != 1 || res.Hits[0].Entry.Text != "deploy pipeline runs nightly" {
		t.Fatalf("hits = %+v", res.Hits)
	}
	if res.TokensUsed > 20 {
		t.Fatalf("tokens used = %d", res.TokensUsed)
	}
}

func TestBreaker_OpensAfterThreeFailuresAndResets(t *testing.T) {
	s, emb, clk := newTestStore(t, nil)
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	emb.setFail(true)
	for i := 0; i < 3; i++ {
		res, err := s.Remember(ctx, fmt.Sprintf("note %d", i), Metadata{Agent: "A"})
		if err != nil || !res.Degraded {
			t.Fatalf("write %d = %+v, %v", i, res, err)
		}
	}
	if n := emb.callCount(); n != 3 {
		t.Fatalf("embedder calls = %d", n)
	}

	// Open: no embedder calls for either path.
	res, err := s.Remember(ctx, "note 4", Metadata{Agent: "A"})
	if err != nil || !res.Degraded || !strings.Contains(res.Reason, "circuit breaker") {
		t.Fatalf("write while open = %+v, %v", res, err)
	}
	if rr := mustRecall(t, s, "note", RecallOptions{}); !rr.Degraded {
		t.Fatal("recall while open should degrade")
	}
	if n := emb.callCount(); n != 3 {
		t.Fatalf("embedder called while open: %d", n)
	}
	if !s.Stats(ctx).BreakerOpen {
		t.Fatal("stats should report the breaker open")
	}

	clk.Advance(59 * time.Second)
	if res, _ = s.Remember(ctx, "note 5", Metadata{Agent: "A"}); !res.Degraded || emb.callCount() != 3 {
		t.Fatalf("breaker closed before cooldown: %+v", res)
	}

	clk.Advance(2 * time.Second)
	emb.setFail(false)
	mustRemember(t, s, "note 6", Metadata{Agent: "A"})
	if f := s.Stats(ctx).Failures; f != 0 {
		t.Fatalf("failures = %d after recovery", f)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	s, emb, _ := newTestStore(t, nil)
	ctx := context.Background()

	emb.setFail(true)
	_, _ = s.Remember(ctx, "a", Metadata{Agent: "A"})
	_, _ = s.Remember(ctx, "b", Metadata{Agent: "A"})
	if f := s.Stats(ctx).Failures; f != 2 {
		t.Fatalf("failures = %d", f)
	}

	emb.setFail(false)
	mustRemember(t, s, "c", Metadata{Agent: "A"})
	if f := s.Stats(ctx).Failures; f != 0 {
		t.Fatalf("failures = %d after success", f)
	}

	emb.setFail(true)
	_, _ = s.Remember(ctx, "d", Metadata{Agent: "A"})
	_, _ = s.Remember(ctx, "e", Metadata{Agent: "A"})
	if s.Stats(ctx).BreakerOpen {
		t.Fatal("breaker opened on two consecutive failures")
	}
}

func TestRemember_DimensionMismatchCountsAsFailure(t *testing.T) {
	s, emb, _ := newTestStore(t, nil)
	emb.dims = testDims / 2
	ctx := context.Background()

	res, err := s.Remember(ctx, "short vector", Metadata{Agent: "A"})
	if err != nil || !res.Degraded || !strings.Contains(res.Reason, "dimensions") {
		t.Fatalf("write = %+v, %v", res, err)
	}
	if st := s.Stats(ctx); st.Total != 0 || st.Failures != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEviction_FairShareAtCapacity(t *testing.T) {
	s, _, clk := newTestStore(t, func(o *Options) { o.MaxEntries = 10 })
	for i := 0; i < 8; i++ {
		clk.Advance(time.Minute)
		mustRemember(t, s, fmt.Sprintf("hog note %d", i), Metadata{Agent: "Hog", Type: TypeSummary})
	}
	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		mustRemember(t, s, fmt.Sprintf("quiet note %d", i), Metadata{Agent: "Quiet", Type: TypeMessage})
	}

	st := s.Stats(context.Background())
	if st.Total > 10 {
		t.Errorf("total = %d over capacity", st.Total)
	}
	if st.ByAgent["Hog"] > 4 {
		t.Errorf("Hog holds %d entries over its share", st.ByAgent["Hog"])
	}
	if st.ByAgent["Quiet"] != 3 {
		t.Errorf("Quiet holds %d entries", st.ByAgent["Quiet"])
	}
}

func TestPlanEviction(t *testing.T) {
	rows := []evictRow{
		{ID: "s1", Agent: "A", Type: TypeSummary, CreatedMs: 1},
		{ID: "m1", Agent: "B", Type: TypeMessage, CreatedMs: 5},
		{ID: "m0", Agent: "B", Type: TypeMessage, CreatedMs: 2},
		{ID: "d1", Agent: "C", Type: TypeDecision, CreatedMs: 3},
		{ID: "x1", Agent: "C", Type: TypeDiscovery, CreatedMs: 4},
		{ID: "s2", Agent: "D", Type: TypeSummary, CreatedMs: 0},
	}
	// max 5, cap 2, nobody over cap: global lowest (message, oldest) goes.
	if got := planEviction(rows, 5, 0.4); !slices.Equal(got, []string{"m0"}) {
		t.Errorf("evict = %q", got)
	}
	if got := planEviction(rows, 6, 0.4); got != nil {
		t.Errorf("evict under capacity = %q", got)
	}

	hog := []evictRow{
		{ID: "h1", Agent: "H", Type: TypeSummary, CreatedMs: 1},
		{ID: "h2", Agent: "H", Type: TypeSummary, CreatedMs: 2},
		{ID: "h3", Agent: "H", Type: TypeSummary, CreatedMs: 3},
		{ID: "q1", Agent: "Q", Type: TypeMessage, CreatedMs: 4},
	}
	// max 3, cap 1: H trimmed to one even though Q's message ranks lower.
	if got := planEviction(hog, 3, 0.4); !slices.Equal(got, []string{"h1", "h2"}) {
		t.Errorf("evict hog = %q", got)
	}
	if got := FairShareCap(3, 0.4); got != 1 {
		t.Errorf("FairShareCap(3) = %d", got)
	}
	if got := FairShareCap(2000, 0.4); got != 800 {
		t.Errorf("FairShareCap(2000) = %d", got)
	}
}

func TestPruneExpired(t *testing.T) {
	s, _, clk := newTestStore(t, nil)
	ctx := context.Background()
	mustRemember(t, s, "chatty message", Metadata{Agent: "A", Type: TypeMessage})
	mustRemember(t, s, "lasting decision", Metadata{Agent: "A", Type: TypeDecision})
	clk.Advance(15 * 24 * time.Hour)

	n, err := s.PruneExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PruneExpired = %d, %v", n, err)
	}
	if st := s.Stats(ctx); st.Total != 1 || st.ByType["decision"] != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPruneExpired_RunsAtOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "memory")
	s, _, clk := newTestStore(t, func(o *Options) { o.Dir = dir })
	ctx := context.Background()
	mustRemember(t, s, "old chatter", Metadata{Agent: "A", Type: TypeMessage})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	clk.Advance(20 * 24 * time.Hour)
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n := s.Stats(ctx).Total; n != 0 {
		t.Fatalf("total = %d after reopen", n)
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSchemaMismatchIsHardError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "memory")
	writeFile(t, dir, "schema.json", []byte(`{"version":1,"dimensions":8}`))

	s, emb, _ := newTestStore(t, func(o *Options) { o.Dir = dir })
	ctx := context.Background()

	err := s.Open(ctx)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("Open = %v, want schema mismatch", err)
	}
	if !strings.Contains(err.Error(), "reset") {
		t.Fatalf("error does not point at reset: %v", err)
	}

	res, err := s.Remember(ctx, "anything", Metadata{Agent: "A"})
	if err != nil || !res.Degraded || !strings.Contains(res.Reason, "schema mismatch") {
		t.Fatalf("write = %+v, %v", res, err)
	}
	if n := emb.callCount(); n != 0 {
		t.Fatalf("embedder calls = %d", n)
	}

	// The data is left in place; Reset is the way out.
	if _, err := os.Stat(filepath.Join(dir, "schema.json")); err != nil {
		t.Fatalf("schema file removed: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	mustRemember(t, s, "anything", Metadata{Agent: "A"})
}

func TestCorruptStoreIsBackedUpAndReinitialised(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "memory")
	writeFile(t, dir, "memory.db", []byte(strings.Repeat("garbage!", 512)))

	s, _, _ := newTestStore(t, func(o *Options) { o.Dir = dir })
	mustRemember(t, s, "fresh start", Metadata{Agent: "A"})

	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatal(err)
	}
	var backups int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "memory.corrupt-") {
			backups++
		}
	}
	if backups != 1 {
		t.Fatalf("backups = %d", backups)
	}
	if degraded, reason := s.Degraded(); degraded {
		t.Fatalf("store still degraded: %s", reason)
	}
}

func TestCorruptSidecarIsHealed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "memory")
	writeFile(t, dir, "schema.json", []byte(`{not json`))

	s, _, _ := newTestStore(t, func(o *Options) { o.Dir = dir })
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SelfTest(context.Background()); err != nil {
		t.Fatalf("SelfTest: %v", err)
	}
}

func TestDisabledStoreDegrades(t *testing.T) {
	s, emb, _ := newTestStore(t, func(o *Options) { o.Enabled = false })
	ctx := context.Background()
	res, err := s.Remember(ctx, "x", Metadata{Agent: "A"})
	if err != nil || !res.Degraded {
		t.Fatalf("write = %+v, %v", res, err)
	}
	if rr := mustRecall(t, s, "x", RecallOptions{}); !rr.Degraded {
		t.Fatal("recall should degrade")
	}
	if n := emb.callCount(); n != 0 {
		t.Fatalf("embedder calls = %d", n)
	}
	if _, err := os.Stat(s.opts.Dir); !os.IsNotExist(err) {
		t.Fatalf("disabled store touched disk: %v", err)
	}
}

func TestForgetAgentAndReset(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()
	mustRemember(t, s, "a one", Metadata{Agent: "A"})
	mustRemember(t, s, "a two", Metadata{Agent: "A"})
	mustRemember(t, s, "b one", Metadata{Agent: "B"})

	n, err := s.ForgetAgent(ctx, "A")
	if err != nil || n != 2 {
		t.Fatalf("ForgetAgent = %d, %v", n, err)
	}
	if total := s.Stats(ctx).Total; total != 1 {
		t.Fatalf("total = %d", total)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if total := s.Stats(ctx).Total; total != 0 {
		t.Fatalf("total = %d after reset", total)
	}
}

func TestSelfTestLeavesNoEntry(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.SelfTest(ctx); err != nil {
			t.Fatalf("SelfTest %d: %v", i, err)
		}
	}
	st := s.Stats(ctx)
	if st.Total != 0 {
		t.Fatalf("total = %d", st.Total)
	}
	if _, ok := st.ByAgent[selfTestAgent]; ok {
		t.Fatal("self-test agent left in stats")
	}
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0.25, -1, float32(math.Pi)}
	got, err := decodeVector(encodeVector(v))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !slices.Equal(got, v) {
		t.Fatalf("round trip = %v, want %v", got, v)
	}
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("short buffer accepted")
	}
}
