package backend

import "sync"

// lineRing keeps the most recent lines of output.
type lineRing struct {
	mu    sync.RWMutex
	lines []string
	size  int
	pos   int
	full  bool
}

func newLineRing(size int) *lineRing {
	if size <= 0 {
		size = 200
	}
	return &lineRing{lines: make([]string, size), size: size}
}

func (r *lineRing) Add(line string) {
	r.mu.Lock()
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Last returns up to n lines, oldest first. n <= 0 returns everything held.
func (r *lineRing) Last(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []string
	if !r.full {
		all = make([]string, r.pos)
		copy(all, r.lines[:r.pos])
	} else {
		all = make([]string, r.size)
		copy(all, r.lines[r.pos:])
		copy(all[r.size-r.pos:], r.lines[:r.pos])
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}
