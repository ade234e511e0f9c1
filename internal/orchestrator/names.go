package orchestrator

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/basket/go-crew/internal/records"
)

var namePool = []string{
	"Atlas", "Birch", "Cedar", "Comet", "Delta", "Ember", "Falcon", "Harbor",
	"Indigo", "Juniper", "Kestrel", "Lumen", "Maple", "Nova", "Onyx", "Pilot",
	"Quill", "Raven", "Sable", "Tundra", "Umber", "Vesper", "Willow", "Zephyr",
}

// RandomName picks a worker name from the built-in pool.
func RandomName() string {
	return namePool[rand.IntN(len(namePool))]
}

// resolveName returns the first candidate not held by a live record or a
// live mesh registration. A requested name is tried as-is, then with a
// numeric suffix.
func (s *Supervisor) resolveName(requested string) (string, error) {
	if requested != "" {
		if err := records.ValidName(requested); err != nil {
			return "", newError(CodeInvalidParams, "%v", err).with("name", requested)
		}
	}

	live := map[string]bool{}
	regs, err := s.mesh.ListLiveAgents()
	if err != nil {
		s.logger.Warn("list mesh agents for name check failed", "error", err)
	}
	for _, reg := range regs {
		live[reg.Name] = true
	}

	var tried []string
	for attempt := 0; attempt < s.opts.NameRetries; attempt++ {
		var candidate string
		switch {
		case requested != "" && attempt == 0:
			candidate = requested
		case requested != "":
			candidate = fmt.Sprintf("%s-%d", requested, attempt+1)
		default:
			candidate = s.nameGen()
		}
		tried = append(tried, candidate)
		if records.ValidName(candidate) != nil {
			continue
		}
		taken, err := s.nameTaken(candidate, live)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		s.logger.Debug("agent name taken", "name", candidate, "attempt", attempt+1)
	}
	return "", newError(CodeNameCollision, "no free agent name after %d attempts", len(tried)).with("tried", tried)
}

func (s *Supervisor) nameTaken(name string, live map[string]bool) (bool, error) {
	if live[name] {
		return true, nil
	}
	rec, err := s.records.Get(name)
	switch {
	case errors.Is(err, records.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check name %s: %w", name, err)
	}
	return rec.Status != records.StatusDead, nil
}
