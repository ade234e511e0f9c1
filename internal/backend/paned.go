package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-crew/internal/records"
)

// Runner executes a tmux subcommand and returns stdout.
type Runner func(ctx context.Context, args ...string) (string, error)

// Paned runs each worker in its own tmux window.
type Paned struct {
	session string
	dir     string
	run     Runner
	leaf    func(pid int) int
	logger  *slog.Logger
}

func NewPaned(session, dir string, logger *slog.Logger) *Paned {
	if logger == nil {
		logger = slog.Default()
	}
	return &Paned{session: session, dir: dir, run: runTmux, leaf: LeafPID, logger: logger}
}

// WithRunner swaps the tmux executor.
func (p *Paned) WithRunner(run Runner) *Paned {
	p.run = run
	return p
}

func (p *Paned) Kind() records.BackendKind { return records.BackendPaned }

func runTmux(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}

func (p *Paned) ensureSession(ctx context.Context) error {
	if _, err := p.run(ctx, "has-session", "-t", p.session); err == nil {
		return nil
	}
	args := []string{"new-session", "-d", "-s", p.session, "-n", "gocrew"}
	if p.dir != "" {
		args = append(args, "-c", p.dir)
	}
	_, err := p.run(ctx, args...)
	return err
}

func (p *Paned) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Argv) == 0 {
		return Handle{}, errors.New("empty worker command")
	}
	if err := p.ensureSession(ctx); err != nil {
		return Handle{}, fmt.Errorf("tmux session: %w", err)
	}
	args := []string{"new-window", "-d", "-t", p.session + ":", "-n", spec.Name, "-P", "-F", "#{pane_id} #{pane_pid}"}
	dir := spec.Dir
	if dir == "" {
		dir = p.dir
	}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	args = append(args, ShellCommand(spec.Argv, spec.Env))

	out, err := p.run(ctx, args...)
	if err != nil {
		return Handle{}, err
	}
	paneID, panePID, err := parsePaneInfo(out)
	if err != nil {
		return Handle{}, err
	}
	pid := panePID
	if p.leaf != nil {
		pid = p.leaf(panePID)
	}
	p.logger.Info("worker pane opened", "agent", spec.Name, "pane", paneID, "pane_pid", panePID, "pid", pid)
	return Handle{Name: spec.Name, PID: pid, Ref: paneID}, nil
}

func parsePaneInfo(out string) (string, int, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("unexpected new-window output %q", strings.TrimSpace(out))
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("parse pane pid %q: %w", fields[1], err)
	}
	return fields[0], pid, nil
}

func (p *Paned) IsAlive(h Handle) bool {
	if h.Ref != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		out, err := p.run(ctx, "display-message", "-p", "-t", h.Ref, "#{pane_dead}")
		if err != nil || strings.TrimSpace(out) == "1" {
			return false
		}
	}
	return PIDAlive(h.PID)
}

func (p *Paned) Tail(h Handle, lines int) []string {
	if h.Ref == "" {
		return nil
	}
	if lines <= 0 {
		lines = 200
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := p.run(ctx, "capture-pane", "-p", "-t", h.Ref, "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return nil
	}
	all := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for len(all) > 0 && strings.TrimSpace(all[len(all)-1]) == "" {
		all = all[:len(all)-1]
	}
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return all
}

func (p *Paned) Terminate(h Handle, sig syscall.Signal) Result {
	return Signal(h.PID, sig)
}

// Release kills the pane. A pane that is already gone is not an error.
func (p *Paned) Release(h Handle) Result {
	if h.Ref == "" {
		return ok()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.run(ctx, "kill-pane", "-t", h.Ref); err != nil {
		p.logger.Debug("kill-pane ignored", "pane", h.Ref, "error", err)
	}
	return ok()
}

// ShellCommand renders argv and env as one POSIX shell command line.
func ShellCommand(argv []string, env map[string]string) string {
	var parts []string
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "env")
		for _, k := range keys {
			parts = append(parts, k+"="+shellQuote(env[k]))
		}
	}
	for _, a := range argv {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
