package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the orchestrator's metric instruments. A nil *Metrics is
// valid and records nothing, so components can be constructed without one.
type Metrics struct {
	AgentsSpawned     metric.Int64Counter
	AgentsActive      metric.Int64UpDownCounter
	AgentsReaped      metric.Int64Counter
	HandshakeDuration metric.Float64Histogram
	SpawnTimeouts     metric.Int64Counter
	MemoryWrites      metric.Int64Counter
	MemoryRecalls     metric.Int64Counter
	BreakerTrips      metric.Int64Counter
	EmbeddingDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AgentsSpawned, err = meter.Int64Counter("gocrew.agents.spawned",
		metric.WithDescription("Worker agents that completed the spawn handshake"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsActive, err = meter.Int64UpDownCounter("gocrew.agents.active",
		metric.WithDescription("Worker agents currently tracked by the supervisor"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsReaped, err = meter.Int64Counter("gocrew.agents.reaped",
		metric.WithDescription("Dead or orphaned agents cleaned up by sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.HandshakeDuration, err = meter.Float64Histogram("gocrew.spawn.handshake.duration",
		metric.WithDescription("Time from process start to confirmed mesh registration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnTimeouts, err = meter.Int64Counter("gocrew.spawn.timeouts",
		metric.WithDescription("Spawn handshakes that timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryWrites, err = meter.Int64Counter("gocrew.memory.writes",
		metric.WithDescription("Memory write attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryRecalls, err = meter.Int64Counter("gocrew.memory.recalls",
		metric.WithDescription("Memory recall attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("gocrew.memory.breaker.trips",
		metric.WithDescription("Embedding circuit breaker openings"),
	)
	if err != nil {
		return nil, err
	}

	m.EmbeddingDuration, err = meter.Float64Histogram("gocrew.embedding.duration",
		metric.WithDescription("Embedding request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// AgentSpawned records a completed handshake.
func (m *Metrics) AgentSpawned(ctx context.Context, backend string, handshakeSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrBackendKind.String(backend))
	m.AgentsSpawned.Add(ctx, 1, attrs)
	m.HandshakeDuration.Record(ctx, handshakeSeconds, attrs)
}

// AgentActive moves the active gauge. Callers pair +1 and -1 per agent.
func (m *Metrics) AgentActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.AgentsActive.Add(ctx, delta)
}

// AgentReaped records a dead or orphaned agent cleaned up by a sweep.
func (m *Metrics) AgentReaped(ctx context.Context) {
	if m == nil {
		return
	}
	m.AgentsReaped.Add(ctx, 1)
}

// SpawnTimedOut records a failed handshake.
func (m *Metrics) SpawnTimedOut(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.SpawnTimeouts.Add(ctx, 1, metric.WithAttributes(AttrBackendKind.String(backend)))
}

// MemoryWrite records a remember() outcome ("inserted", "duplicate", "degraded", "error").
func (m *Metrics) MemoryWrite(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.MemoryWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// MemoryRecall records a recall() outcome.
func (m *Metrics) MemoryRecall(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.MemoryRecalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// BreakerOpened records a circuit breaker trip.
func (m *Metrics) BreakerOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.BreakerTrips.Add(ctx, 1)
}

// Embedding records one embedding request.
func (m *Metrics) Embedding(ctx context.Context, provider string, seconds float64, ok bool) {
	if m == nil {
		return
	}
	m.EmbeddingDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("ok", ok),
	))
}
