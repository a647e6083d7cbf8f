package runstate

import (
	"github.com/rs/zerolog"
)

// ChangeFunc is notified after every accepted transition.
type ChangeFunc func(next State)

// Machine tracks the current State of one run. It is not safe for concurrent
// use; a single goroutine drives transitions for a run.
type Machine struct {
	current     State
	initialized bool
	onChange    ChangeFunc
	history     []State
	logger      zerolog.Logger
}

type Option func(*Machine)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

func New(opts ...Option) *Machine {
	m := &Machine{current: Initializing, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize resets the machine to Initializing and installs onChange.
func (m *Machine) Initialize(onChange ChangeFunc) {
	m.current = Initializing
	m.onChange = onChange
	m.history = []State{Initializing}
	m.initialized = true
}

// Transition moves to target when the edge is allowed. It returns false
// without changing state when the machine is uninitialized or the edge does
// not exist. A panicking callback is recovered and logged; the new state
// stands.
func (m *Machine) Transition(target State) bool {
	if m == nil || !m.initialized {
		return false
	}
	if !m.current.CanTransitionTo(target) {
		m.logger.Debug().
			Str("from", string(m.current)).
			Str("to", string(target)).
			Msg("rejected state transition")
		return false
	}
	m.current = target
	m.history = append(m.history, target)
	m.notify(target)
	return true
}

func (m *Machine) notify(target State) {
	if m.onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn().
				Interface("panic", r).
				Str("state", string(target)).
				Msg("state change callback panicked")
		}
	}()
	m.onChange(target)
}

// Reset returns to Initializing and discards history. The callback is kept.
func (m *Machine) Reset() {
	m.current = Initializing
	m.history = []State{Initializing}
}

func (m *Machine) Current() State {
	if m == nil {
		return Initializing
	}
	return m.current
}

func (m *Machine) Initialized() bool { return m != nil && m.initialized }

func (m *Machine) IsTerminal() bool  { return m.Current().IsTerminal() }
func (m *Machine) IsCompleted() bool { return m.Current() == Completed }
func (m *Machine) IsFailed() bool    { return m.Current() == Failed }

// History returns every state entered since the last Initialize or Reset.
func (m *Machine) History() []State {
	if m == nil {
		return nil
	}
	return append([]State(nil), m.history...)
}
