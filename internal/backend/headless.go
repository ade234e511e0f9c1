package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/basket/go-crew/internal/records"
)

// ExitFunc is called once when a headless worker exits.
type ExitFunc func(name string, pid int, err error)

type headlessProc struct {
	cmd    *exec.Cmd
	ring   *lineRing
	exited chan struct{}
	err    error
}

// Headless runs workers as detached subprocesses with piped output.
type Headless struct {
	logger    *slog.Logger
	tailLines int

	mu     sync.Mutex
	procs  map[int]*headlessProc
	onExit ExitFunc
}

func NewHeadless(tailLines int, logger *slog.Logger) *Headless {
	if logger == nil {
		logger = slog.Default()
	}
	return &Headless{
		logger:    logger,
		tailLines: tailLines,
		procs:     make(map[int]*headlessProc),
	}
}

// OnExit registers the exit callback. Exit is authoritative: the callback
// fires as soon as Wait returns.
func (h *Headless) OnExit(fn ExitFunc) {
	h.mu.Lock()
	h.onExit = fn
	h.mu.Unlock()
}

func (h *Headless) Kind() records.BackendKind { return records.BackendHeadless }

func (h *Headless) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Argv) == 0 {
		return Handle{}, errors.New("empty worker command")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Handle{}, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Handle{}, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	pw.Close()
	pid := cmd.Process.Pid
	proc := &headlessProc{cmd: cmd, ring: newLineRing(h.tailLines), exited: make(chan struct{})}

	h.mu.Lock()
	h.procs[pid] = proc
	h.mu.Unlock()

	go func() {
		defer pr.Close()
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			proc.ring.Add(sc.Text())
		}
	}()

	go func() {
		err := cmd.Wait()
		proc.err = err
		close(proc.exited)
		h.logger.Info("headless worker exited", "agent", spec.Name, "pid", pid, "error", err)

		h.mu.Lock()
		fn := h.onExit
		h.mu.Unlock()
		if fn != nil {
			fn(spec.Name, pid, err)
		}
	}()

	return Handle{Name: spec.Name, PID: pid}, nil
}

func (h *Headless) proc(pid int) *headlessProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[pid]
}

func (h *Headless) IsAlive(hd Handle) bool {
	if p := h.proc(hd.PID); p != nil {
		select {
		case <-p.exited:
			return false
		default:
			return true
		}
	}
	return PIDAlive(hd.PID)
}

func (h *Headless) Tail(hd Handle, lines int) []string {
	if p := h.proc(hd.PID); p != nil {
		return p.ring.Last(lines)
	}
	return nil
}

// Terminate signals the worker's process group, falling back to the pid.
func (h *Headless) Terminate(hd Handle, sig syscall.Signal) Result {
	if hd.PID <= 0 {
		return failed(errors.New("no pid"))
	}
	if err := syscall.Kill(-hd.PID, sig); err == nil {
		return ok()
	}
	return Signal(hd.PID, sig)
}

// Release forgets an exited worker's output buffer.
func (h *Headless) Release(hd Handle) Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, found := h.procs[hd.PID]; found {
		select {
		case <-p.exited:
			delete(h.procs, hd.PID)
		default:
		}
	}
	return ok()
}

// Wait blocks until the worker exits or ctx ends. Unknown pids return at once.
func (h *Headless) Wait(ctx context.Context, pid int) error {
	p := h.proc(pid)
	if p == nil {
		return nil
	}
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
