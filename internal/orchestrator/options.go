package orchestrator

import (
	"time"

	"github.com/basket/go-crew/internal/config"
)

// Options are the supervisor's limits and timings.
type Options struct {
	// Identity is the mesh name of the process driving this supervisor.
	Identity string

	MaxAgents   int
	NameRetries int

	HandshakeBase time.Duration
	HandshakeMax  time.Duration
	HandshakePoll time.Duration

	Grace         time.Duration
	TerminateWait time.Duration

	IdleThreshold  time.Duration
	AutoKillOnDone bool
	AutoKillDelay  time.Duration

	WorkerCommand []string
	WorkerEnv     map[string]string
	WorkDir       string
	MeshDir       string

	DefaultModel     string
	DefaultReasoning string
	TailLines        int
	RecallOnAssign   bool

	DiagnosticsDir string
}

// DefaultOptions returns the built-in timings with an orchestrator identity.
func DefaultOptions() Options {
	return Options{
		Identity:         "orchestrator",
		MaxAgents:        6,
		NameRetries:      5,
		HandshakeBase:    30 * time.Second,
		HandshakeMax:     180 * time.Second,
		HandshakePoll:    250 * time.Millisecond,
		Grace:            10 * time.Second,
		TerminateWait:    3 * time.Second,
		IdleThreshold:    15 * time.Minute,
		AutoKillDelay:    1500 * time.Millisecond,
		WorkerCommand:    []string{"pi", "--model", "{model}", "--thinking", "{reasoning}", "{prompt}"},
		DefaultReasoning: "medium",
		TailLines:        200,
		RecallOnAssign:   true,
	}
}

// OptionsFromConfig maps a loaded config onto supervisor options.
func OptionsFromConfig(cfg config.Config) Options {
	oc := cfg.Orchestrator
	return Options{
		Identity:         cfg.Identity,
		MaxAgents:        oc.MaxAgents,
		NameRetries:      oc.NameRetries,
		HandshakeBase:    cfg.HandshakeBase(),
		HandshakeMax:     cfg.HandshakeMax(),
		HandshakePoll:    time.Duration(oc.HandshakePollMillis) * time.Millisecond,
		Grace:            time.Duration(oc.GraceSeconds) * time.Second,
		TerminateWait:    time.Duration(oc.TerminateWaitSeconds) * time.Second,
		IdleThreshold:    cfg.IdleThreshold(),
		AutoKillOnDone:   oc.AutoKillOnDone,
		AutoKillDelay:    time.Duration(oc.AutoKillDelayMillis) * time.Millisecond,
		WorkerCommand:    oc.WorkerCommand,
		WorkerEnv:        oc.WorkerEnv,
		WorkDir:          cfg.ProjectDir,
		MeshDir:          cfg.MeshDir,
		DefaultModel:     oc.DefaultModel,
		DefaultReasoning: oc.DefaultReasoning,
		TailLines:        oc.TailLines,
		RecallOnAssign:   oc.RecallOnAssign,
		DiagnosticsDir:   cfg.DiagnosticsDir(),
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.Identity == "" {
		o.Identity = d.Identity
	}
	if o.MaxAgents <= 0 {
		o.MaxAgents = d.MaxAgents
	}
	if o.NameRetries <= 0 {
		o.NameRetries = d.NameRetries
	}
	if o.HandshakeBase <= 0 {
		o.HandshakeBase = d.HandshakeBase
	}
	if o.HandshakeMax < o.HandshakeBase {
		o.HandshakeMax = max(d.HandshakeMax, o.HandshakeBase)
	}
	if o.HandshakePoll <= 0 {
		o.HandshakePoll = d.HandshakePoll
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.TerminateWait <= 0 {
		o.TerminateWait = d.TerminateWait
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = d.IdleThreshold
	}
	if len(o.WorkerCommand) == 0 {
		o.WorkerCommand = d.WorkerCommand
	}
	if o.DefaultReasoning == "" {
		o.DefaultReasoning = d.DefaultReasoning
	}
	if o.TailLines <= 0 {
		o.TailLines = d.TailLines
	}
}

// Limits are the settings a running supervisor picks up on config reload.
type Limits struct {
	MaxAgents      int
	IdleThreshold  time.Duration
	AutoKillOnDone bool
	AutoKillDelay  time.Duration
}

func (o Options) limits() Limits {
	return Limits{
		MaxAgents:      o.MaxAgents,
		IdleThreshold:  o.IdleThreshold,
		AutoKillOnDone: o.AutoKillOnDone,
		AutoKillDelay:  o.AutoKillDelay,
	}
}

// LimitsFromConfig extracts the reloadable settings from cfg.
func LimitsFromConfig(cfg config.Config) Limits {
	return OptionsFromConfig(cfg).limits()
}
