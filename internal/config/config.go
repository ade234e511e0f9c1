package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OrchestratorConfig holds lifecycle supervisor limits and timings.
type OrchestratorConfig struct {
	// MaxAgents caps the number of non-dead agents this identity owns. Default 6.
	MaxAgents int `yaml:"max_agents"`

	// NameRetries bounds name generation attempts on collision. Default 5.
	NameRetries int `yaml:"name_retries"`

	// Handshake timing. The base is scaled for slow models and high reasoning
	// levels, then clamped to HandshakeMaxSeconds.
	HandshakeBaseSeconds int `yaml:"handshake_base_seconds"`
	HandshakeMaxSeconds  int `yaml:"handshake_max_seconds"`
	HandshakePollMillis  int `yaml:"handshake_poll_millis"`

	// GraceSeconds is how long kill waits for a voluntary exit after the
	// shutdown message. TerminateWaitSeconds is the window after SIGTERM.
	GraceSeconds         int `yaml:"grace_seconds"`
	TerminateWaitSeconds int `yaml:"terminate_wait_seconds"`

	IdleThresholdMinutes int  `yaml:"idle_threshold_minutes"`
	AutoKillOnDone       bool `yaml:"auto_kill_on_done"`
	AutoKillDelayMillis  int  `yaml:"auto_kill_delay_millis"`
	SweepIntervalSeconds int  `yaml:"sweep_interval_seconds"`

	// Backend is "auto", "paned" or "headless".
	Backend     string `yaml:"backend"`
	TmuxSession string `yaml:"tmux_session"`

	// WorkerCommand is the argv template for a worker. Placeholders:
	// {name}, {model}, {reasoning}, {prompt}.
	WorkerCommand []string          `yaml:"worker_command"`
	WorkerEnv     map[string]string `yaml:"worker_env"`

	DefaultModel     string `yaml:"default_model"`
	DefaultReasoning string `yaml:"default_reasoning"`
	TailLines        int    `yaml:"tail_lines"`
	RecallOnAssign   bool   `yaml:"recall_on_assign"`
}

// MemoryConfig holds vector memory store settings.
type MemoryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	MaxEntries int    `yaml:"max_entries"`

	// FairShare is the largest fraction of MaxEntries one agent may hold.
	FairShare     float64 `yaml:"fair_share"`
	MinSimilarity float64 `yaml:"min_similarity"`
	TopK          int     `yaml:"top_k"`
	TokenBudget   int     `yaml:"token_budget"`

	RecencyWeight     float64 `yaml:"recency_weight"`
	RecencyWindowDays int     `yaml:"recency_window_days"`

	// TTLDays maps entry type (summary, decision, discovery, message) to days.
	TTLDays map[string]int `yaml:"ttl_days"`

	BreakerThreshold       int `yaml:"breaker_threshold"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	// Provider is "openai", "gemini" or "ollama".
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	Dimensions    int    `yaml:"dimensions"`
	TimeoutMillis int    `yaml:"timeout_millis"`
	BaseURL       string `yaml:"base_url"`
	// APIKeyEnv overrides the environment variable the key is read from.
	APIKeyEnv string `yaml:"api_key_env"`
}

// OTelConfig mirrors otel.Config in yaml form.
type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type Config struct {
	// Identity is this orchestrator's own mesh name. Records carry it as spawnedBy.
	Identity string `yaml:"identity"`
	LogLevel string `yaml:"log_level"`
	MeshDir  string `yaml:"mesh_dir"`

	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Memory       MemoryConfig              `yaml:"memory"`
	Embedding    EmbeddingConfig           `yaml:"embedding"`
	OTel         OTelConfig                `yaml:"otel"`
	Providers    map[string]ProviderConfig `yaml:"providers"`

	ProjectDir string `yaml:"-"`
	StateDir   string `yaml:"-"`
}

const stateDirName = ".gocrew"

func defaultConfig() Config {
	return Config{
		Identity: "orchestrator",
		LogLevel: "info",
		Orchestrator: OrchestratorConfig{
			MaxAgents:            6,
			NameRetries:          5,
			HandshakeBaseSeconds: 30,
			HandshakeMaxSeconds:  180,
			HandshakePollMillis:  250,
			GraceSeconds:         10,
			TerminateWaitSeconds: 3,
			IdleThresholdMinutes: 15,
			AutoKillDelayMillis:  1500,
			SweepIntervalSeconds: 30,
			Backend:              "auto",
			TmuxSession:          "gocrew",
			WorkerCommand:        []string{"pi", "--model", "{model}", "--thinking", "{reasoning}", "{prompt}"},
			DefaultReasoning:     "medium",
			TailLines:            200,
			RecallOnAssign:       true,
		},
		Memory: MemoryConfig{
			Enabled:           true,
			MaxEntries:        2000,
			FairShare:         0.4,
			MinSimilarity:     0.35,
			TopK:              5,
			TokenBudget:       1200,
			RecencyWeight:     0.05,
			RecencyWindowDays: 7,
			TTLDays: map[string]int{
				"summary":   90,
				"decision":  180,
				"discovery": 60,
				"message":   14,
			},
			BreakerThreshold:       3,
			BreakerCooldownSeconds: 60,
		},
		Embedding: EmbeddingConfig{
			Provider:      "openai",
			Model:         "text-embedding-3-small",
			Dimensions:    1536,
			TimeoutMillis: 8000,
		},
		OTel: OTelConfig{
			Exporter:    "file",
			ServiceName: "gocrew",
			SampleRate:  1.0,
		},
	}
}

// StateDir returns the per-project state directory. GOCREW_STATE_DIR wins.
func StateDir(projectDir string) string {
	if override := os.Getenv("GOCREW_STATE_DIR"); override != "" {
		return override
	}
	return filepath.Join(projectDir, stateDirName)
}

func ConfigPath(stateDir string) string {
	return filepath.Join(stateDir, "config.yaml")
}

// PolicyPath is the tool access policy file in the state dir.
func PolicyPath(stateDir string) string {
	return filepath.Join(stateDir, "policy.yaml")
}

// Load reads <project>/.gocrew/config.yaml over the defaults, applies
// GOCREW_* overrides and validates. A missing file is not an error.
func Load(projectDir string) (Config, error) {
	cfg := defaultConfig()
	if projectDir == "" {
		projectDir = "."
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return cfg, fmt.Errorf("resolve project dir: %w", err)
	}
	cfg.ProjectDir = abs
	cfg.StateDir = StateDir(abs)
	if name := os.Getenv("MESH_AGENT_NAME"); name != "" {
		cfg.Identity = name
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create state dir: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.StateDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.Identity) == "" {
		cfg.Identity = def.Identity
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.MeshDir == "" {
		cfg.MeshDir = filepath.Join(cfg.ProjectDir, ".mesh")
	} else if !filepath.IsAbs(cfg.MeshDir) {
		cfg.MeshDir = filepath.Join(cfg.ProjectDir, cfg.MeshDir)
	}

	o := &cfg.Orchestrator
	if o.MaxAgents <= 0 {
		o.MaxAgents = def.Orchestrator.MaxAgents
	}
	if o.NameRetries <= 0 {
		o.NameRetries = def.Orchestrator.NameRetries
	}
	if o.HandshakeBaseSeconds <= 0 {
		o.HandshakeBaseSeconds = def.Orchestrator.HandshakeBaseSeconds
	}
	if o.HandshakeMaxSeconds <= 0 {
		o.HandshakeMaxSeconds = def.Orchestrator.HandshakeMaxSeconds
	}
	if o.HandshakePollMillis <= 0 {
		o.HandshakePollMillis = def.Orchestrator.HandshakePollMillis
	}
	if o.GraceSeconds <= 0 {
		o.GraceSeconds = def.Orchestrator.GraceSeconds
	}
	if o.TerminateWaitSeconds <= 0 {
		o.TerminateWaitSeconds = def.Orchestrator.TerminateWaitSeconds
	}
	if o.IdleThresholdMinutes <= 0 {
		o.IdleThresholdMinutes = def.Orchestrator.IdleThresholdMinutes
	}
	if o.AutoKillDelayMillis < 0 {
		o.AutoKillDelayMillis = 0
	}
	if o.SweepIntervalSeconds <= 0 {
		o.SweepIntervalSeconds = def.Orchestrator.SweepIntervalSeconds
	}
	o.Backend = strings.ToLower(strings.TrimSpace(o.Backend))
	if o.Backend == "" {
		o.Backend = "auto"
	}
	if o.TmuxSession == "" {
		o.TmuxSession = def.Orchestrator.TmuxSession
	}
	if len(o.WorkerCommand) == 0 {
		o.WorkerCommand = def.Orchestrator.WorkerCommand
	}
	if o.DefaultReasoning == "" {
		o.DefaultReasoning = def.Orchestrator.DefaultReasoning
	}
	if o.TailLines <= 0 {
		o.TailLines = def.Orchestrator.TailLines
	}

	m := &cfg.Memory
	if m.Dir == "" {
		m.Dir = filepath.Join(cfg.StateDir, "memory")
	} else if !filepath.IsAbs(m.Dir) {
		m.Dir = filepath.Join(cfg.ProjectDir, m.Dir)
	}
	if m.MaxEntries <= 0 {
		m.MaxEntries = def.Memory.MaxEntries
	}
	if m.FairShare <= 0 || m.FairShare > 1 {
		m.FairShare = def.Memory.FairShare
	}
	if m.TopK <= 0 {
		m.TopK = def.Memory.TopK
	}
	if m.RecencyWindowDays <= 0 {
		m.RecencyWindowDays = def.Memory.RecencyWindowDays
	}
	if m.RecencyWeight < 0 {
		m.RecencyWeight = 0
	}
	if m.TTLDays == nil {
		m.TTLDays = map[string]int{}
	}
	for k, v := range def.Memory.TTLDays {
		if m.TTLDays[k] <= 0 {
			m.TTLDays[k] = v
		}
	}
	if m.BreakerThreshold <= 0 {
		m.BreakerThreshold = def.Memory.BreakerThreshold
	}
	if m.BreakerCooldownSeconds <= 0 {
		m.BreakerCooldownSeconds = def.Memory.BreakerCooldownSeconds
	}

	e := &cfg.Embedding
	e.Provider = strings.ToLower(strings.TrimSpace(e.Provider))
	if e.Provider == "" {
		e.Provider = def.Embedding.Provider
	}
	if e.Model == "" {
		switch e.Provider {
		case "gemini":
			e.Model = "text-embedding-004"
		case "ollama":
			e.Model = "nomic-embed-text"
		default:
			e.Model = def.Embedding.Model
		}
	}
	if e.Dimensions <= 0 {
		switch e.Provider {
		case "gemini", "ollama":
			e.Dimensions = 768
		default:
			e.Dimensions = def.Embedding.Dimensions
		}
	}
	if e.TimeoutMillis <= 0 {
		e.TimeoutMillis = def.Embedding.TimeoutMillis
	}
	if strings.TrimSpace(cfg.OTel.Exporter) == "" {
		cfg.OTel.Exporter = def.OTel.Exporter
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = def.OTel.SampleRate
	}
}

// MaxRecencyWeight caps the recall recency bonus so similarity always
// decides between entries that differ in relevance.
const MaxRecencyWeight = 0.1

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel)
	}
	switch cfg.Orchestrator.Backend {
	case "auto", "paned", "headless":
	default:
		return fmt.Errorf("orchestrator.backend %q must be auto, paned or headless", cfg.Orchestrator.Backend)
	}
	switch cfg.Embedding.Provider {
	case "openai", "gemini", "ollama":
	default:
		return fmt.Errorf("embedding.provider %q must be openai, gemini or ollama", cfg.Embedding.Provider)
	}
	if cfg.Orchestrator.HandshakeMaxSeconds < cfg.Orchestrator.HandshakeBaseSeconds {
		return fmt.Errorf("orchestrator.handshake_max_seconds (%d) must be >= handshake_base_seconds (%d)",
			cfg.Orchestrator.HandshakeMaxSeconds, cfg.Orchestrator.HandshakeBaseSeconds)
	}
	if cfg.Memory.RecencyWeight > MaxRecencyWeight {
		return fmt.Errorf("memory.recency_weight %.2f must not exceed %.2f", cfg.Memory.RecencyWeight, MaxRecencyWeight)
	}
	if cfg.Memory.MinSimilarity < -1 || cfg.Memory.MinSimilarity > 1 {
		return fmt.Errorf("memory.min_similarity %.2f must be within [-1, 1]", cfg.Memory.MinSimilarity)
	}
	if !hasPromptPlaceholder(cfg.Orchestrator.WorkerCommand) {
		return fmt.Errorf("orchestrator.worker_command must contain a {prompt} placeholder")
	}
	return nil
}

func hasPromptPlaceholder(argv []string) bool {
	for _, a := range argv {
		if strings.Contains(a, "{prompt}") {
			return true
		}
	}
	return false
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOCREW_IDENTITY"); raw != "" {
		cfg.Identity = raw
	}
	if raw := os.Getenv("GOCREW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOCREW_MESH_DIR"); raw != "" {
		cfg.MeshDir = raw
	}
	if raw := os.Getenv("GOCREW_MAX_AGENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Orchestrator.MaxAgents = v
		}
	}
	if raw := os.Getenv("GOCREW_BACKEND"); raw != "" {
		cfg.Orchestrator.Backend = raw
	}
	if raw := os.Getenv("GOCREW_HANDSHAKE_MAX_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Orchestrator.HandshakeMaxSeconds = v
		}
	}
	if raw := os.Getenv("GOCREW_AUTO_KILL_ON_DONE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Orchestrator.AutoKillOnDone = v
		}
	}
	if raw := os.Getenv("GOCREW_MEMORY_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Memory.Enabled = v
		}
	}
	if raw := os.Getenv("GOCREW_EMBEDDING_PROVIDER"); raw != "" {
		cfg.Embedding.Provider = raw
	}
	if raw := os.Getenv("GOCREW_EMBEDDING_MODEL"); raw != "" {
		cfg.Embedding.Model = raw
	}
	if raw := os.Getenv("GOCREW_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
}

// ProviderAPIKey returns the API key for an embedding provider, checking the
// configured env var, then the conventional one, then providers.<name>.api_key.
func (c Config) ProviderAPIKey(provider string) string {
	if c.Embedding.APIKeyEnv != "" && provider == c.Embedding.Provider {
		if v := os.Getenv(c.Embedding.APIKeyEnv); v != "" {
			return v
		}
	}
	envMap := map[string]string{
		"openai": "OPENAI_API_KEY",
		"gemini": "GEMINI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderBaseURL returns embedding.base_url or providers.<name>.base_url.
func (c Config) ProviderBaseURL(provider string) string {
	if c.Embedding.BaseURL != "" && provider == c.Embedding.Provider {
		return c.Embedding.BaseURL
	}
	if p, ok := c.Providers[provider]; ok {
		return p.BaseURL
	}
	return ""
}

// Fingerprint returns a stable hash of the reloadable limits.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "max=%d|idle=%d|autokill=%t|log=%s|mem=%t|embed=%s/%s/%d",
		c.Orchestrator.MaxAgents, c.Orchestrator.IdleThresholdMinutes, c.Orchestrator.AutoKillOnDone,
		c.LogLevel, c.Memory.Enabled, c.Embedding.Provider, c.Embedding.Model, c.Embedding.Dimensions)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func (c Config) AgentsDir() string      { return filepath.Join(c.StateDir, "agents") }
func (c Config) HistoryPath() string    { return filepath.Join(c.StateDir, "history.jsonl") }
func (c Config) TracesPath() string     { return filepath.Join(c.StateDir, "traces.jsonl") }
func (c Config) DiagnosticsDir() string { return filepath.Join(c.StateDir, "diagnostics") }
func (c Config) MemoryDir() string      { return c.Memory.Dir }

func (c Config) HandshakeBase() time.Duration {
	return time.Duration(c.Orchestrator.HandshakeBaseSeconds) * time.Second
}

func (c Config) HandshakeMax() time.Duration {
	return time.Duration(c.Orchestrator.HandshakeMaxSeconds) * time.Second
}

func (c Config) IdleThreshold() time.Duration {
	return time.Duration(c.Orchestrator.IdleThresholdMinutes) * time.Minute
}

func (c Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.Embedding.TimeoutMillis) * time.Millisecond
}

// TTL returns the time-to-live for a memory entry type, or 0 when unset.
func (c Config) TTL(entryType string) time.Duration {
	return time.Duration(c.Memory.TTLDays[entryType]) * 24 * time.Hour
}
