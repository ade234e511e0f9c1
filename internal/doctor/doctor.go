package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-crew/internal/backend"
	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/embedding"
	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/policy"
	"github.com/basket/go-crew/internal/records"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

var (
	lookPath      = exec.LookPath
	tmuxAvailable = backend.TmuxAvailable
	lookupHost    = net.DefaultResolver.LookupHost
)

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPolicy,
		checkPermissions,
		checkBackend,
		checkWorkerCommand,
		checkEmbeddingKey,
		checkNetwork,
		checkMemory,
		checkRecords,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.StateDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "PASS", Message: "Using defaults (no config.yaml)", Detail: path}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", path), Detail: "identity=" + cfg.Identity}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.StateDir)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: "Tool policy invalid", Detail: err.Error()}
	}
	if len(p.Rules) == 0 && p.Default != "deny" {
		return CheckResult{Name: "Policy", Status: "PASS", Message: "All tools allowed (no rules)"}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  "PASS",
		Message: fmt.Sprintf("%d rules, default %s", len(p.Rules), p.Default),
		Detail:  p.PolicyVersion(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	for _, dir := range []string{cfg.StateDir, cfg.MeshDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "State and mesh directories writable"}
}

func checkBackend(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backend", Status: "SKIP", Message: "Config missing"}
	}
	pref := cfg.Orchestrator.Backend
	hasTmux := tmuxAvailable()
	kind, err := backend.Select(pref, hasTmux)
	if err != nil {
		return CheckResult{Name: "Backend", Status: "FAIL", Message: err.Error(), Detail: "preference=" + pref}
	}
	if pref == "auto" && !hasTmux {
		return CheckResult{
			Name:    "Backend",
			Status:  "WARN",
			Message: "tmux not usable; workers will run headless",
			Detail:  "Run inside a tmux session to watch workers in panes",
		}
	}
	return CheckResult{Name: "Backend", Status: "PASS", Message: fmt.Sprintf("Using %s backend", kind), Detail: "preference=" + pref}
}

func checkWorkerCommand(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Orchestrator.WorkerCommand) == 0 {
		return CheckResult{Name: "Worker Command", Status: "SKIP", Message: "Config missing"}
	}
	bin := cfg.Orchestrator.WorkerCommand[0]
	path, err := lookPath(bin)
	if err != nil {
		return CheckResult{
			Name:    "Worker Command",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s not found on PATH", bin),
			Detail:  "Set orchestrator.worker_command in config.yaml",
		}
	}
	return CheckResult{Name: "Worker Command", Status: "PASS", Message: fmt.Sprintf("%s found", bin), Detail: path}
}

func checkEmbeddingKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Embedding Key", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Memory.Enabled {
		return CheckResult{Name: "Embedding Key", Status: "SKIP", Message: "Memory disabled"}
	}
	provider := cfg.Embedding.Provider
	if err := newEmbedder(cfg).Configured(); err != nil {
		envVar := cfg.Embedding.APIKeyEnv
		if envVar == "" {
			envVar = strings.ToUpper(provider) + "_API_KEY"
		}
		return CheckResult{
			Name:    "Embedding Key",
			Status:  "WARN",
			Message: err.Error(),
			Detail:  fmt.Sprintf("Set %s; memory runs degraded without it", envVar),
		}
	}
	if provider == "ollama" {
		return CheckResult{Name: "Embedding Key", Status: "PASS", Message: "Provider \"ollama\" needs no key"}
	}
	return CheckResult{Name: "Embedding Key", Status: "PASS", Message: fmt.Sprintf("API key for %s is set", provider)}
}

func newEmbedder(cfg *config.Config) *embedding.Client {
	return embedding.New(embedding.Options{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.EmbeddingTimeout(),
		BaseURL:    cfg.ProviderBaseURL(cfg.Embedding.Provider),
		APIKey:     cfg.ProviderAPIKey(cfg.Embedding.Provider),
	}, quietLogger())
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// embeddingHost returns the host the embedding provider is reached at.
func embeddingHost(cfg *config.Config) string {
	if base := cfg.ProviderBaseURL(cfg.Embedding.Provider); base != "" {
		if u, err := url.Parse(base); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	switch cfg.Embedding.Provider {
	case "gemini":
		return "generativelanguage.googleapis.com"
	case "ollama":
		return "localhost"
	default:
		return "api.openai.com"
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Memory.Enabled {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Memory disabled"}
	}

	host := embeddingHost(cfg)
	provider := cfg.Embedding.Provider

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := lookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

func checkMemory(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Memory", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Memory.Enabled {
		return CheckResult{Name: "Memory", Status: "SKIP", Message: "Memory disabled"}
	}
	store := memory.New(memory.OptionsFromConfig(*cfg), newEmbedder(cfg), quietLogger())
	defer store.Close()

	if err := store.Open(ctx); err != nil {
		return CheckResult{Name: "Memory", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.MemoryDir()}
	}
	if err := store.SelfTest(ctx); err != nil {
		return CheckResult{Name: "Memory", Status: "FAIL", Message: fmt.Sprintf("Self-test failed: %v", err), Detail: cfg.MemoryDir()}
	}
	st := store.Stats(ctx)
	return CheckResult{
		Name:    "Memory",
		Status:  "PASS",
		Message: fmt.Sprintf("Self-test passed (%d of %d entries)", st.Total, st.MaxEntries),
		Detail:  cfg.MemoryDir(),
	}
}

func checkRecords(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Records", Status: "SKIP", Message: "Config missing"}
	}
	store, err := records.Open(cfg.AgentsDir(), quietLogger())
	if err != nil {
		return CheckResult{Name: "Agent Records", Status: "FAIL", Message: err.Error()}
	}
	all, err := store.ListAll()
	if err != nil {
		return CheckResult{Name: "Agent Records", Status: "FAIL", Message: err.Error()}
	}
	orphans, err := store.Orphans(backend.PIDAlive)
	if err != nil {
		return CheckResult{Name: "Agent Records", Status: "FAIL", Message: err.Error()}
	}
	if len(orphans) > 0 {
		names := make([]string, 0, len(orphans))
		for _, o := range orphans {
			names = append(names, o.Name)
		}
		return CheckResult{
			Name:    "Agent Records",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d records point at dead processes", len(orphans), len(all)),
			Detail:  fmt.Sprintf("orphans=%v; run gocrew sweep or gocrew serve to reap", names),
		}
	}
	return CheckResult{Name: "Agent Records", Status: "PASS", Message: fmt.Sprintf("%d records, none orphaned", len(all))}
}
