package process

// State is the lifecycle state of a managed process. The supervisor is the
// sole writer; everyone else observes snapshots.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateFailed     State = "failed"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// AllStates lists every state, used to keep per-state gauges consistent.
var AllStates = []State{
	StateNotStarted, StateStarting, StateRunning,
	StateFailed, StateRestarting, StateStopped,
}

var transitions = map[State][]State{
	StateNotStarted: {StateStarting},
	StateStarting:   {StateRunning, StateFailed, StateStopped},
	StateRunning:    {StateFailed, StateStopped},
	StateFailed:     {StateRestarting, StateStopped},
	StateRestarting: {StateStarting, StateStopped},
	StateStopped:    {},
}

// CanTransition reports whether moving from s to next is legal.
// StateStopped is terminal.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return len(transitions[s]) == 0 }
