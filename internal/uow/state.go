package uow

import "context"

// State is a step of one execution attempt.
type State int

const (
	StateStarted State = iota
	StateLoaded
	StateMutated
	StatePersisted
	StateEventsRecorded
	StateCommitted
	StateCacheInvalidated
	StateAborted
)

var stateNames = [...]string{
	StateStarted:          "started",
	StateLoaded:           "loaded",
	StateMutated:          "mutated",
	StatePersisted:        "persisted",
	StateEventsRecorded:   "events_recorded",
	StateCommitted:        "committed",
	StateCacheInvalidated: "cache_invalidated",
	StateAborted:          "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Observer is told about every state an attempt enters. It must not block.
type Observer func(ctx context.Context, command string, attempt int, state State)
