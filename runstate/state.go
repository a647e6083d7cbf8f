// Package runstate holds the finite-state discipline a single agent run moves
// through.
package runstate

type State string

const (
	Initializing State = "INITIALIZING"
	Thinking     State = "THINKING"
	Planning     State = "PLANNING"
	Executing    State = "EXECUTING"
	Observing    State = "OBSERVING"
	Reflecting   State = "REFLECTING"
	Completed    State = "COMPLETED"
	Failed       State = "FAILED"
	Paused       State = "PAUSED"
)

var edges = map[State][]State{
	Initializing: {Thinking, Failed},
	Thinking:     {Planning, Executing, Completed, Failed, Paused},
	Planning:     {Executing, Thinking, Failed, Paused},
	Executing:    {Observing, Failed, Paused},
	Observing:    {Reflecting, Completed, Executing, Failed},
	Reflecting:   {Thinking, Executing, Completed, Failed, Paused},
	Paused:       {Thinking, Executing, Completed, Failed},
	Completed:    nil,
	Failed:       nil,
}

var descriptions = map[State]string{
	Initializing: "initializing",
	Thinking:     "thinking",
	Planning:     "planning",
	Executing:    "executing",
	Observing:    "observing",
	Reflecting:   "reflecting",
	Completed:    "completed",
	Failed:       "failed",
	Paused:       "paused",
}

// CanTransitionTo reports whether the edge s -> target exists.
func (s State) CanTransitionTo(target State) bool {
	for _, next := range edges[s] {
		if next == target {
			return true
		}
	}
	return false
}

func (s State) IsTerminal() bool {
	return s == Completed || s == Failed
}

// IsExecutable reports whether a run in this state may still make progress.
func (s State) IsExecutable() bool {
	switch s {
	case Thinking, Planning, Executing, Observing, Reflecting:
		return true
	default:
		return false
	}
}

// Description is the human-facing label used in progress events.
func (s State) Description() string {
	if d, ok := descriptions[s]; ok {
		return d
	}
	return string(s)
}

func (s State) Valid() bool {
	_, ok := edges[s]
	return ok
}
