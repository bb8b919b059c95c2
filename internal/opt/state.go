package opt

import "fmt"

// State is the run state of an optimizer.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateConverged
	StateMaxIterationsReached
	StateUserStopped
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                 "idle",
	StateRunning:              "running",
	StateConverged:            "converged",
	StateMaxIterationsReached: "max-iterations-reached",
	StateUserStopped:          "user-stopped",
	StateFailed:               "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s >= StateConverged
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown optimizer state %q", text)
}
