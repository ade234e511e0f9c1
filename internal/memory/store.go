// Package memory is the cross-agent vector memory.
//
// Entries live in a single sqlite table with their vectors stored as blobs;
// similarity is computed in process. Writes are deduplicated by content hash,
// capacity is enforced with importance-weighted, fair-share eviction, and
// entries expire by type. Embedding failures feed a circuit breaker. Every
// failure path degrades to "no memory" instead of returning an error to the
// supervisor.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/embedding"
	"github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/safety"
	"github.com/basket/go-crew/internal/tokenutil"
)

// Embedder produces unit vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) embedding.Result
}

var (
	ErrEmptyText  = errors.New("memory text is empty")
	ErrEmptyQuery = errors.New("recall query is empty")
	ErrNoAgent    = errors.New("memory entry needs an agent")
	errCanaryLost  = errors.New("self-test canary not retrievable")
)

const selfTestAgent = "__selftest__"

type Options struct {
	Enabled       bool
	Dir           string
	Dimensions    int
	Provider      string
	Model         string
	MaxEntries    int
	FairShare     float64
	MinSimilarity float64
	TopK          int
	TokenBudget   int
	RecencyWeight float64
	RecencyWindow time.Duration
	TTL           map[Type]time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// OptionsFromConfig maps the memory and embedding config sections.
func OptionsFromConfig(cfg config.Config) Options {
	ttl := make(map[Type]time.Duration)
	for _, t := range AllTypes() {
		ttl[t] = cfg.TTL(string(t))
	}
	return Options{
		Enabled:          cfg.Memory.Enabled,
		Dir:              cfg.MemoryDir(),
		Dimensions:       cfg.Embedding.Dimensions,
		Provider:         cfg.Embedding.Provider,
		Model:            cfg.Embedding.Model,
		MaxEntries:       cfg.Memory.MaxEntries,
		FairShare:        cfg.Memory.FairShare,
		MinSimilarity:    cfg.Memory.MinSimilarity,
		TopK:             cfg.Memory.TopK,
		TokenBudget:      cfg.Memory.TokenBudget,
		RecencyWeight:    cfg.Memory.RecencyWeight,
		RecencyWindow:    time.Duration(cfg.Memory.RecencyWindowDays) * 24 * time.Hour,
		TTL:              ttl,
		BreakerThreshold: cfg.Memory.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Memory.BreakerCooldownSeconds) * time.Second,
	}
}

// Store is the process-wide handle for one project's memory directory. The
// index is opened lazily on first use.
type Store struct {
	mu       sync.Mutex
	opts     Options
	embedder Embedder
	logger   *slog.Logger
	metrics  *otel.Metrics
	bus      *bus.Bus
	now      func() time.Time

	idx      *index
	degraded string
	br       *breaker
}

func New(opts Options, embedder Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 2000
	}
	if opts.FairShare <= 0 || opts.FairShare > 1 {
		opts.FairShare = 0.4
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = 7 * 24 * time.Hour
	}
	opts.RecencyWeight = min(max(opts.RecencyWeight, 0), config.MaxRecencyWeight)
	return &Store{
		opts:     opts,
		embedder: embedder,
		logger:   logger,
		now:      now,
		br:       newBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
	}
}

func (s *Store) WithMetrics(m *otel.Metrics) *Store {
	s.metrics = m
	return s
}

func (s *Store) WithBus(b *bus.Bus) *Store {
	s.bus = b
	return s
}

func (s *Store) Enabled() bool { return s.opts.Enabled }

// ContentHash is the dedup key for text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Open opens the store now instead of on first use and reports why it could
// not be opened. A previous degraded state is cleared first.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Enabled {
		return errors.New("memory disabled")
	}
	s.degraded = ""
	return s.ensureOpenLocked(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.idx.close()
	s.idx = nil
	return err
}

// Degraded reports whether the store is running without memory and why.
func (s *Store) Degraded() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded != "", s.degraded
}

func (s *Store) ensureOpenLocked(ctx context.Context) error {
	if s.idx != nil {
		return nil
	}
	if s.degraded != "" {
		return errors.New(s.degraded)
	}
	err := s.openLocked(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSchemaMismatch) {
		s.setDegradedLocked(ctx, err.Error())
		return err
	}
	if isCorruption(err) {
		if herr := s.healLocked(ctx, err); herr != nil {
			reason := fmt.Sprintf("memory store corrupt and self-heal failed: %v", herr)
			s.setDegradedLocked(ctx, reason)
			return errors.New(reason)
		}
		return nil
	}
	reason := fmt.Sprintf("memory store unavailable: %v", err)
	s.setDegradedLocked(ctx, reason)
	return err
}

func (s *Store) openLocked(ctx context.Context) error {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if err := checkSidecar(s.opts.Dir, s.opts.Dimensions, s.opts.Provider, s.opts.Model, s.now()); err != nil {
		return err
	}
	idx, err := openIndex(ctx, filepath.Join(s.opts.Dir, indexFile))
	if err != nil {
		return err
	}
	s.idx = idx
	if err := s.selfTestLocked(ctx); err != nil {
		_ = idx.close()
		s.idx = nil
		return err
	}
	if n, err := s.pruneLocked(ctx); err != nil {
		s.logger.Warn("prune expired entries at open failed", "error", err)
	} else if n > 0 {
		s.logger.Info("pruned expired memory entries", "count", n)
	}
	s.logger.Debug("memory store opened", "dir", s.opts.Dir, "dimensions", s.opts.Dimensions)
	return nil
}

// healLocked moves the damaged directory aside and starts a fresh store.
func (s *Store) healLocked(ctx context.Context, cause error) error {
	_ = s.idx.close()
	s.idx = nil
	backup := fmt.Sprintf("%s.corrupt-%s", strings.TrimRight(s.opts.Dir, string(filepath.Separator)), s.now().UTC().Format("20060102T150405.000Z"))
	if err := os.Rename(s.opts.Dir, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("back up corrupt store: %w", err)
	}
	s.logger.Warn("memory store corrupt, reinitialised", "cause", cause, "backup", backup)
	return s.openLocked(ctx)
}

// indexErrorLocked handles a failed index operation after open.
func (s *Store) indexErrorLocked(ctx context.Context, err error) string {
	if isCorruption(err) {
		if herr := s.healLocked(ctx, err); herr != nil {
			reason := fmt.Sprintf("memory store corrupt and self-heal failed: %v", herr)
			s.setDegradedLocked(ctx, reason)
			return reason
		}
		return fmt.Sprintf("memory store was corrupt and has been reset: %v", err)
	}
	return fmt.Sprintf("memory index error: %v", err)
}

func (s *Store) setDegradedLocked(ctx context.Context, reason string) {
	s.degraded = reason
	s.logger.Error("memory degraded", "reason", reason)
	s.bus.Publish(bus.TopicMemoryDegraded, bus.MemoryDegradedEvent{Reason: reason})
}

// unavailableLocked returns why memory cannot be used right now, or "".
func (s *Store) unavailableLocked(ctx context.Context) string {
	if !s.opts.Enabled {
		return "memory disabled"
	}
	if !s.br.allow(s.now()) {
		_, until := s.br.open(s.now())
		return fmt.Sprintf("embedding circuit breaker open until %s", until.UTC().Format(time.RFC3339))
	}
	if err := s.ensureOpenLocked(ctx); err != nil {
		if s.degraded != "" {
			return s.degraded
		}
		return err.Error()
	}
	return ""
}

func (s *Store) embedFailedLocked(ctx context.Context, reason string) {
	if s.br.failure(s.now()) {
		s.logger.Warn("embedding circuit breaker opened", "failures", s.br.failures, "cooldown", s.br.cooldown, "reason", reason)
		s.metrics.BreakerOpened(ctx)
		s.bus.Publish(bus.TopicMemoryDegraded, bus.MemoryDegradedEvent{Reason: "embedding circuit breaker open: " + reason})
	}
}

// embed runs the embedder without holding the lock and validates the vector.
// Called with s.mu held; returns with it held.
func (s *Store) embedLocked(ctx context.Context, text string) ([]float32, string) {
	s.mu.Unlock()
	res := s.embedder.Embed(ctx, text)
	s.mu.Lock()

	if !res.OK {
		reason := "embedding failed"
		if res.Err != nil {
			reason = "embedding failed: " + res.Err.Error()
		}
		s.embedFailedLocked(ctx, reason)
		return nil, reason
	}
	if len(res.Vector) != s.opts.Dimensions {
		reason := fmt.Sprintf("embedding has %d dimensions, store expects %d", len(res.Vector), s.opts.Dimensions)
		s.embedFailedLocked(ctx, reason)
		return nil, reason
	}
	s.br.success()
	if s.idx == nil {
		return nil, "memory store closed"
	}
	return res.Vector, ""
}

// Remember stores text with meta. Invalid input is an error; everything else
// is reported in the result.
func (s *Store) Remember(ctx context.Context, text string, meta Metadata) (WriteResult, error) {
	if strings.TrimSpace(text) == "" {
		return WriteResult{}, ErrEmptyText
	}
	if strings.TrimSpace(meta.Agent) == "" {
		return WriteResult{}, ErrNoAgent
	}
	if meta.Type == "" {
		meta.Type = TypeDiscovery
	}
	if _, err := ParseType(string(meta.Type)); err != nil {
		return WriteResult{}, err
	}
	text, leaks := safety.Scrub(text)
	if len(leaks) > 0 {
		s.logger.Warn("secrets scrubbed from memory entry", "agent", meta.Agent, "findings", leaks)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reason := s.unavailableLocked(ctx); reason != "" {
		s.metrics.MemoryWrite(ctx, "degraded")
		return WriteResult{Degraded: true, Reason: reason}, nil
	}

	hash := ContentHash(text)
	id, found, err := s.idx.hashExists(ctx, hash)
	if err != nil {
		s.metrics.MemoryWrite(ctx, "failed")
		return WriteResult{Degraded: true, Reason: s.indexErrorLocked(ctx, err)}, nil
	}
	if found {
		s.metrics.MemoryWrite(ctx, "duplicate")
		return WriteResult{OK: true, ID: id, Duplicate: true}, nil
	}

	vec, reason := s.embedLocked(ctx, text)
	if reason != "" {
		s.metrics.MemoryWrite(ctx, "degraded")
		return WriteResult{Degraded: true, Reason: reason}, nil
	}

	e := Entry{
		ID:          uuid.NewString(),
		Agent:       meta.Agent,
		Type:        meta.Type,
		Source:      meta.Source,
		CreatedAt:   s.now(),
		TaskID:      meta.TaskID,
		Workstream:  meta.Workstream,
		Files:       meta.Files,
		ContentHash: hash,
		Text:        text,
		Vector:      vec,
	}
	inserted, err := s.idx.insert(ctx, e)
	if err != nil {
		s.metrics.MemoryWrite(ctx, "failed")
		return WriteResult{Degraded: true, Reason: s.indexErrorLocked(ctx, err)}, nil
	}
	if !inserted {
		id, _, _ := s.idx.hashExists(ctx, hash)
		s.metrics.MemoryWrite(ctx, "duplicate")
		return WriteResult{OK: true, ID: id, Duplicate: true}, nil
	}

	evicted, err := s.evictLocked(ctx)
	if err != nil {
		s.logger.Warn("memory eviction failed", "error", err)
	}
	s.metrics.MemoryWrite(ctx, "inserted")
	s.logger.Debug("memory entry stored", "agent", e.Agent, "type", string(e.Type), "id", e.ID, "evicted", evicted)
	return WriteResult{OK: true, ID: e.ID, Evicted: evicted}, nil
}

func (s *Store) evictLocked(ctx context.Context) (int, error) {
	n, err := s.idx.count(ctx)
	if err != nil || n <= s.opts.MaxEntries {
		return 0, err
	}
	rows, err := s.idx.evictionRows(ctx)
	if err != nil {
		return 0, err
	}
	ids := planEviction(rows, s.opts.MaxEntries, s.opts.FairShare)
	return s.idx.deleteIDs(ctx, ids)
}

func (s *Store) recencyBonus(created time.Time) float64 {
	if s.opts.RecencyWeight <= 0 {
		return 0
	}
	age := s.now().Sub(created)
	if age < 0 {
		age = 0
	}
	frac := 1 - float64(age)/float64(s.opts.RecencyWindow)
	if frac <= 0 {
		return 0
	}
	return s.opts.RecencyWeight * frac
}

// Recall returns entries similar to query, ranked by similarity plus a small
// recency bonus, filtered by ro and limited by the token budget.
func (s *Store) Recall(ctx context.Context, query string, ro RecallOptions) (RecallResult, error) {
	if strings.TrimSpace(query) == "" {
		return RecallResult{}, ErrEmptyQuery
	}
	if ro.TopK <= 0 {
		ro.TopK = s.opts.TopK
	}
	if ro.MinSimilarity == 0 {
		ro.MinSimilarity = s.opts.MinSimilarity
	}
	if ro.TokenBudget == 0 {
		ro.TokenBudget = s.opts.TokenBudget
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reason := s.unavailableLocked(ctx); reason != "" {
		s.metrics.MemoryRecall(ctx, "degraded")
		return RecallResult{Degraded: true, Reason: reason}, nil
	}
	qv, reason := s.embedLocked(ctx, query)
	if reason != "" {
		s.metrics.MemoryRecall(ctx, "degraded")
		return RecallResult{Degraded: true, Reason: reason}, nil
	}

	entries, err := s.idx.scan(ctx, filter{Agent: ro.Agent, Type: ro.Type, Workstream: ro.Workstream})
	if err != nil {
		s.metrics.MemoryRecall(ctx, "failed")
		return RecallResult{Degraded: true, Reason: s.indexErrorLocked(ctx, err)}, nil
	}

	var hits []Hit
	for _, e := range entries {
		if e.Agent == selfTestAgent {
			continue
		}
		sim := cosine(qv, e.Vector)
		if sim < ro.MinSimilarity {
			continue
		}
		e.Vector = nil
		hits = append(hits, Hit{Entry: e, Similarity: sim, Score: sim + s.recencyBonus(e.CreatedAt)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entry.CreatedAt.After(hits[j].Entry.CreatedAt)
	})
	if len(hits) > ro.TopK {
		hits = hits[:ro.TopK]
	}

	budget := tokenutil.Budget{Limit: ro.TokenBudget}
	admitted := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if !budget.Admit(h.Entry.Text) {
			break
		}
		admitted = append(admitted, h)
	}
	s.metrics.MemoryRecall(ctx, "ok")
	return RecallResult{Hits: admitted, TokensUsed: budget.Used}, nil
}

// PruneExpired deletes entries older than their type's TTL.
func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Enabled {
		return 0, nil
	}
	if err := s.ensureOpenLocked(ctx); err != nil {
		return 0, err
	}
	return s.pruneLocked(ctx)
}

func (s *Store) pruneLocked(ctx context.Context) (int, error) {
	total := 0
	now := s.now()
	for _, t := range AllTypes() {
		ttl := s.opts.TTL[t]
		if ttl <= 0 {
			continue
		}
		n, err := s.idx.deleteOlderThan(ctx, t, now.Add(-ttl))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// SelfTest writes a canary vector, reads it back by similarity and by id, and
// deletes it. A corrupt store is healed.
func (s *Store) SelfTest(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Enabled {
		return errors.New("memory disabled")
	}
	if err := s.ensureOpenLocked(ctx); err != nil {
		return err
	}
	err := s.selfTestLocked(ctx)
	if err != nil && isCorruption(err) {
		if herr := s.healLocked(ctx, err); herr != nil {
			reason := fmt.Sprintf("memory store corrupt and self-heal failed: %v", herr)
			s.setDegradedLocked(ctx, reason)
			return errors.New(reason)
		}
		return nil
	}
	return err
}

func canaryVector(dims int) []float32 {
	v := make([]float32, dims)
	var sum float64
	for i := range v {
		x := math.Sin(float64(i) + 1)
		v[i] = float32(x)
		sum += x * x
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

func (s *Store) selfTestLocked(ctx context.Context) error {
	if s.opts.Dimensions <= 0 {
		return errors.New("memory dimensions not configured")
	}
	id := "selftest-" + uuid.NewString()
	vec := canaryVector(s.opts.Dimensions)
	canary := Entry{
		ID:          id,
		Agent:       selfTestAgent,
		Type:        TypeMessage,
		Source:      "selftest",
		CreatedAt:   s.now(),
		ContentHash: "selftest:" + id,
		Text:        "self-test canary",
		Vector:      vec,
	}
	inserted, err := s.idx.insert(ctx, canary)
	if err != nil {
		return fmt.Errorf("self-test insert: %w", err)
	}
	defer func() { _, _ = s.idx.deleteIDs(ctx, []string{id}) }()
	if !inserted {
		return errCanaryLost
	}

	similar, err := s.idx.scan(ctx, filter{Agent: selfTestAgent})
	if err != nil {
		return fmt.Errorf("self-test similarity query: %w", err)
	}
	found := false
	for _, e := range similar {
		if e.ID == id && cosine(vec, e.Vector) > 0.999 {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("similarity query: %w", errCanaryLost)
	}

	exact, err := s.idx.scan(ctx, filter{ID: id})
	if err != nil {
		return fmt.Errorf("self-test exact query: %w", err)
	}
	if len(exact) != 1 || exact[0].ContentHash != canary.ContentHash || len(exact[0].Vector) != len(vec) {
		return fmt.Errorf("exact query: %w", errCanaryLost)
	}
	return nil
}

// Stats reports counts and health. It opens the store if needed.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Enabled:    s.opts.Enabled,
		MaxEntries: s.opts.MaxEntries,
		Dimensions: s.opts.Dimensions,
		ByAgent:    map[string]int{},
		ByType:     map[string]int{},
		Failures:   s.br.failures,
	}
	if open, until := s.br.open(s.now()); open {
		st.BreakerOpen = true
		st.BreakerUntil = &until
	}
	if !s.opts.Enabled {
		return st
	}
	if err := s.ensureOpenLocked(ctx); err != nil {
		st.Degraded = true
		st.Reason = s.degraded
		if st.Reason == "" {
			st.Reason = err.Error()
		}
		return st
	}
	st.Open = true
	if n, err := s.idx.count(ctx); err == nil {
		st.Total = n
	}
	if m, err := s.idx.groupCounts(ctx, "agent"); err == nil {
		st.ByAgent = m
	}
	if m, err := s.idx.groupCounts(ctx, "type"); err == nil {
		st.ByType = m
	}
	return st
}

// ForgetAgent deletes every entry written for agent.
func (s *Store) ForgetAgent(ctx context.Context, agent string) (int, error) {
	if strings.TrimSpace(agent) == "" {
		return 0, ErrNoAgent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Enabled {
		return 0, errors.New("memory disabled")
	}
	if err := s.ensureOpenLocked(ctx); err != nil {
		return 0, err
	}
	return s.idx.deleteAgent(ctx, agent)
}

// Reset deletes the memory directory and starts empty. It also clears a
// degraded state and the breaker.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.idx.close()
	s.idx = nil
	if err := os.RemoveAll(s.opts.Dir); err != nil {
		return fmt.Errorf("remove memory dir: %w", err)
	}
	s.degraded = ""
	s.br.reset()
	s.logger.Info("memory store reset", "dir", s.opts.Dir)
	if !s.opts.Enabled {
		return nil
	}
	return s.ensureOpenLocked(ctx)
}
