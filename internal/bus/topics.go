package bus

// Agent lifecycle topics published by the supervisor.
const (
	TopicAgentStateChanged = "agent.state_changed"
	TopicAgentIdle         = "agent.idle"
	TopicAgentReaped       = "agent.reaped"
	TopicAgentSpawnFailed  = "agent.spawn_failed"
)

// TopicMemoryDegraded is published by the memory store when it stops serving.
const TopicMemoryDegraded = "memory.degraded"

// Payloads are sent to tool-server clients as JSON notification params.

// AgentStateChangedEvent follows a persisted lifecycle transition.
type AgentStateChangedEvent struct {
	Agent     string `json:"agent"`
	OldStatus string `json:"from"`
	NewStatus string `json:"to"`
	Task      string `json:"task,omitempty"`
}

// AgentIdleEvent is sent once per idle stretch past the threshold.
type AgentIdleEvent struct {
	Agent       string `json:"agent"`
	IdleSeconds int64  `json:"idleSeconds"`
}

type AgentReapedEvent struct {
	Agent  string `json:"agent"`
	PID    int    `json:"pid"`
	Reason string `json:"reason"`
}

// AgentSpawnFailedEvent points at the diagnostics bundle of a failed spawn.
type AgentSpawnFailedEvent struct {
	Agent           string `json:"agent"`
	Code            string `json:"code"`
	DiagnosticsPath string `json:"diagnosticsPath,omitempty"`
}

type MemoryDegradedEvent struct {
	Reason string `json:"reason"`
}
