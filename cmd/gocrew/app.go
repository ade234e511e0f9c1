package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/go-crew/internal/backend"
	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/embedding"
	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/mesh"
	"github.com/basket/go-crew/internal/orchestrator"
	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/policy"
	"github.com/basket/go-crew/internal/records"
	"github.com/basket/go-crew/internal/telemetry"
	"github.com/basket/go-crew/internal/tools"
)

// app is one process's wiring of config, stores, supervisor and tools.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	otel    *otelPkg.Provider
	bus     *bus.Bus
	records *records.Store
	mesh    *mesh.Mesh
	history *history.Log
	memory  *memory.Store
	sup     *orchestrator.Supervisor
	tools   *tools.Registry
	policy  *policy.LivePolicy

	closers []func() error
}

type appMode int

const (
	// modeOneShot serves a single CLI command. Headless workers would lose
	// their output pipe when the command exits, so only panes are spawned.
	modeOneShot appMode = iota
	// modeServe is the long-running tool server; both backends are live.
	modeServe
)

var errHeadlessNeedsServe = errors.New("headless workers live only as long as the process that spawned them; run inside tmux or use gocrew serve")

func openApp(ctx context.Context, mode appMode) (*app, error) {
	cfg, err := config.Load(flags.project)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg}

	logger, closer, err := telemetry.NewLogger(telemetry.Options{
		StateDir: cfg.StateDir,
		Level:    cfg.LogLevel,
		Quiet:    !flags.verbose,
		Identity: cfg.Identity,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger
	slog.SetDefault(logger)

	metricsEnabled := cfg.OTel.MetricsEnabled
	otelCfg := otelPkg.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
		MetricsEnabled: &metricsEnabled,
		Identity:       cfg.Identity,
	}
	if cfg.OTel.Enabled && cfg.OTel.Exporter == otelPkg.ExporterFile {
		f, err := os.OpenFile(cfg.TracesPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		otelCfg.SpanWriter = f
	}
	prov, err := otelPkg.Init(ctx, otelCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.otel = prov
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return prov.Shutdown(sctx)
	})
	metrics, err := otelPkg.NewMetrics(prov.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
	}
	a.bus = bus.New()
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	if a.records, err = records.Open(cfg.AgentsDir(), telemetry.Component(logger, "records")); err != nil {
		a.close()
		return nil, err
	}
	if a.mesh, err = mesh.New(cfg.MeshDir, telemetry.Component(logger, "mesh")); err != nil {
		a.close()
		return nil, err
	}
	if a.history, err = history.Open(cfg.HistoryPath()); err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.history.Close)

	embedder := embedding.New(embedding.Options{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.EmbeddingTimeout(),
		BaseURL:    cfg.ProviderBaseURL(cfg.Embedding.Provider),
		APIKey:     cfg.ProviderAPIKey(cfg.Embedding.Provider),
	}, telemetry.Component(logger, "embedding")).WithMetrics(metrics)
	if err := embedder.Configured(); err != nil && cfg.Memory.Enabled {
		logger.Warn("embedding provider not configured; memory will run degraded", "error", err)
	}
	a.memory = memory.New(memory.OptionsFromConfig(cfg), embedder, telemetry.Component(logger, "memory")).WithMetrics(metrics).WithBus(a.bus)
	a.closers = append(a.closers, a.memory.Close)

	headless := backend.NewHeadless(cfg.Orchestrator.TailLines, telemetry.Component(logger, "backend"))
	backends := map[records.BackendKind]backend.Backend{records.BackendHeadless: headless}
	hasTmux := backend.TmuxAvailable()
	if hasTmux {
		backends[records.BackendPaned] = backend.NewPaned(cfg.Orchestrator.TmuxSession, cfg.ProjectDir, telemetry.Component(logger, "backend"))
	}
	pref := cfg.Orchestrator.Backend
	selectBackend := func() (records.BackendKind, error) {
		kind, err := backend.Select(pref, hasTmux)
		if err != nil {
			return "", err
		}
		if kind == records.BackendHeadless && mode == modeOneShot {
			return "", errHeadlessNeedsServe
		}
		return kind, nil
	}

	a.sup, err = orchestrator.New(orchestrator.OptionsFromConfig(cfg), orchestrator.Deps{
		Records:       a.records,
		Mesh:          a.mesh,
		Backends:      backends,
		SelectBackend: selectBackend,
		Memory:        a.memory,
		History:       a.history,
		Bus:           a.bus,
		Metrics:       metrics,
		Tracer:        prov.Tracer,
		Logger:        telemetry.Component(logger, "supervisor"),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	if a.tools, err = tools.NewRegistry(a.sup, a.memory, a.history, telemetry.Component(logger, "tools")); err != nil {
		a.close()
		return nil, err
	}
	pol, err := policy.Load(config.PolicyPath(cfg.StateDir))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load tool policy: %w", err)
	}
	a.policy = policy.NewLivePolicy(pol)
	a.tools.Policy = a.policy
	logger.Debug("app ready", "project", cfg.ProjectDir, "identity", cfg.Identity, "tmux", hasTmux, "config", cfg.Fingerprint(), "policy", a.policy.PolicyVersion())
	return a, nil
}

// close waits for background supervisor work, then releases resources in
// reverse order of acquisition.
func (a *app) close() {
	if a.sup != nil {
		a.sup.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
