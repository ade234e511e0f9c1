// Package backend starts and stops worker processes.
//
// Two strategies share one contract: Paned opens a tmux window per worker
// and Headless runs a detached subprocess with captured output. Select picks
// one from the configured preference and a multiplexer availability check.
package backend

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"github.com/basket/go-crew/internal/records"
)

// Spec describes one worker launch.
type Spec struct {
	Name string
	Argv []string
	Env  map[string]string
	Dir  string
}

// Handle identifies a started worker. Ref is the pane id for Paned and empty
// for Headless.
type Handle struct {
	Name string
	PID  int
	Ref  string
}

// Result reports the outcome of a best-effort action.
type Result struct {
	OK  bool
	Err error
}

func ok() Result              { return Result{OK: true} }
func failed(err error) Result { return Result{Err: err} }

// Backend is the capability contract both strategies satisfy.
type Backend interface {
	Kind() records.BackendKind
	Spawn(ctx context.Context, spec Spec) (Handle, error)
	// IsAlive never fails; an unanswerable check means dead.
	IsAlive(h Handle) bool
	Tail(h Handle, lines int) []string
	Terminate(h Handle, sig syscall.Signal) Result
	// Release frees backend resources (the pane). Idempotent.
	Release(h Handle) Result
}

// Select resolves a backend preference. "auto" picks paned when the
// multiplexer is usable and headless otherwise.
func Select(preference string, multiplexerAvailable bool) (records.BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(preference)) {
	case "", "auto":
		if multiplexerAvailable {
			return records.BackendPaned, nil
		}
		return records.BackendHeadless, nil
	case string(records.BackendPaned):
		if !multiplexerAvailable {
			return "", fmt.Errorf("paned backend requested but tmux is not available")
		}
		return records.BackendPaned, nil
	case string(records.BackendHeadless):
		return records.BackendHeadless, nil
	default:
		return "", fmt.Errorf("unknown backend %q", preference)
	}
}

// TmuxAvailable reports whether tmux is on PATH and a server is reachable or
// can be started (TMUX set, or the binary answers -V).
func TmuxAvailable() bool {
	if _, err := exec.LookPath("tmux"); err != nil {
		return false
	}
	return exec.Command("tmux", "-V").Run() == nil
}

// ExpandArgv substitutes {key} placeholders in every argument.
func ExpandArgv(template []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(template))
	for _, arg := range template {
		for _, k := range keys {
			arg = strings.ReplaceAll(arg, "{"+k+"}", vars[k])
		}
		out = append(out, arg)
	}
	return out
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
