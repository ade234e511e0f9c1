package orchestrator

import "github.com/basket/go-crew/internal/records"

// transitions lists the forward edges of the worker lifecycle. Every
// non-terminal state may also fall to dead.
var transitions = map[records.Status][]records.Status{
	records.StatusSpawning: {records.StatusJoined, records.StatusDead},
	records.StatusJoined:   {records.StatusIdle, records.StatusDead},
	records.StatusIdle:     {records.StatusAssigned, records.StatusDone, records.StatusDead},
	records.StatusAssigned: {records.StatusIdle, records.StatusDone, records.StatusDead},
	records.StatusDone:     {records.StatusDead},
}

// CanTransition reports whether from -> to is allowed. Same-state is allowed
// and treated by callers as a no-op.
func CanTransition(from, to records.Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllStatuses lists every lifecycle state in order.
func AllStatuses() []records.Status {
	return []records.Status{
		records.StatusSpawning,
		records.StatusJoined,
		records.StatusIdle,
		records.StatusAssigned,
		records.StatusDone,
		records.StatusDead,
	}
}
