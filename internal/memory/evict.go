package memory

import (
	"math"
	"sort"
)

type evictRow struct {
	ID        string
	Agent     string
	Type      Type
	CreatedMs int64
}

// FairShareCap is the most entries one agent may keep under maxEntries.
func FairShareCap(maxEntries int, share float64) int {
	c := int(math.Floor(share * float64(maxEntries)))
	if c < 1 {
		c = 1
	}
	return c
}

// planEviction picks ids to delete when rows exceed maxEntries. Agents above
// the fair-share cap are trimmed to it first, lowest (importance, age)
// first; then the global lowest go until the total is at most maxEntries.
func planEviction(rows []evictRow, maxEntries int, share float64) []string {
	if maxEntries <= 0 || len(rows) <= maxEntries {
		return nil
	}
	ordered := make([]evictRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Type.Importance() != b.Type.Importance() {
			return a.Type.Importance() < b.Type.Importance()
		}
		if a.CreatedMs != b.CreatedMs {
			return a.CreatedMs < b.CreatedMs
		}
		return a.ID < b.ID
	})

	capPerAgent := FairShareCap(maxEntries, share)
	perAgent := map[string]int{}
	for _, r := range ordered {
		perAgent[r.Agent]++
	}

	removed := make(map[string]bool)
	var out []string
	total := len(ordered)
	for _, r := range ordered {
		if perAgent[r.Agent] > capPerAgent {
			removed[r.ID] = true
			out = append(out, r.ID)
			perAgent[r.Agent]--
			total--
		}
	}
	for _, r := range ordered {
		if total <= maxEntries {
			break
		}
		if removed[r.ID] {
			continue
		}
		removed[r.ID] = true
		out = append(out, r.ID)
		total--
	}
	return out
}
