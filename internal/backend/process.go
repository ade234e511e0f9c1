package backend

import (
	"errors"
	"syscall"

	ps "github.com/mitchellh/go-ps"
)

// ProcessSnapshot is a point-in-time view of one pid.
type ProcessSnapshot struct {
	PID        int    `json:"pid"`
	PPID       int    `json:"ppid"`
	Executable string `json:"executable,omitempty"`
	Alive      bool   `json:"alive"`
}

// PIDAlive checks pid with signal 0. EPERM counts as alive; any other error
// counts as dead.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Snapshot returns what the process table knows about pid.
func Snapshot(pid int) ProcessSnapshot {
	snap := ProcessSnapshot{PID: pid, Alive: PIDAlive(pid)}
	if pid <= 0 {
		return snap
	}
	p, err := ps.FindProcess(pid)
	if err != nil || p == nil {
		return snap
	}
	snap.PPID = p.PPid()
	snap.Executable = p.Executable()
	return snap
}

// IsDescendant reports whether pid equals ancestor or has it in its parent
// chain.
func IsDescendant(pid, ancestor int) bool {
	if pid <= 0 || ancestor <= 0 {
		return false
	}
	seen := map[int]bool{}
	for cur := pid; cur > 1 && !seen[cur]; {
		if cur == ancestor {
			return true
		}
		seen[cur] = true
		p, err := ps.FindProcess(cur)
		if err != nil || p == nil {
			return false
		}
		cur = p.PPid()
	}
	return false
}

// LeafPID follows the newest child of root until it reaches a process with
// no children. Returns root when the table cannot be read.
func LeafPID(root int) int {
	procs, err := ps.Processes()
	if err != nil {
		return root
	}
	children := map[int][]int{}
	for _, p := range procs {
		children[p.PPid()] = append(children[p.PPid()], p.Pid())
	}
	cur := root
	for depth := 0; depth < 32; depth++ {
		kids := children[cur]
		if len(kids) == 0 {
			return cur
		}
		next := kids[0]
		for _, k := range kids[1:] {
			if k > next {
				next = k
			}
		}
		cur = next
	}
	return cur
}

// Signal sends sig to pid, swallowing "already gone".
func Signal(pid int, sig syscall.Signal) Result {
	if pid <= 0 {
		return failed(errors.New("no pid"))
	}
	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ok()
		}
		return failed(err)
	}
	return ok()
}
