package runstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionBeforeInitializeIsRejected(t *testing.T) {
	m := New()
	assert.False(t, m.Transition(Thinking))
	assert.Equal(t, Initializing, m.Current())
}

func TestHappyPath(t *testing.T) {
	var seen []State
	m := New()
	m.Initialize(func(next State) { seen = append(seen, next) })

	path := []State{Thinking, Executing, Observing, Reflecting, Thinking, Completed}
	for _, s := range path {
		require.True(t, m.Transition(s), "transition to %s", s)
	}
	assert.Equal(t, path, seen)
	assert.True(t, m.IsTerminal())
	assert.True(t, m.IsCompleted())
	assert.Equal(t, append([]State{Initializing}, path...), m.History())
}

func TestInvalidEdgeLeavesStateUnchanged(t *testing.T) {
	calls := 0
	m := New()
	m.Initialize(func(State) { calls++ })

	assert.False(t, m.Transition(Executing))
	assert.Equal(t, Initializing, m.Current())
	assert.Equal(t, 0, calls)
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	all := []State{Initializing, Thinking, Planning, Executing, Observing, Reflecting, Completed, Failed, Paused}
	for _, terminal := range []State{Completed, Failed} {
		for _, target := range all {
			assert.False(t, terminal.CanTransitionTo(target), "%s -> %s", terminal, target)
		}
	}
}

func TestEdgeTable(t *testing.T) {
	all := []State{Initializing, Thinking, Planning, Executing, Observing, Reflecting, Completed, Failed, Paused}
	allowed := map[State][]State{
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
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			m := New()
			m.Initialize(nil)
			m.current = from

			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
			assert.Equal(t, want, m.Transition(to), "%s -> %s", from, to)
			if want {
				assert.Equal(t, to, m.Current(), "%s -> %s", from, to)
			} else {
				assert.Equal(t, from, m.Current(), "%s -> %s", from, to)
			}
		}
	}
}

func TestPanickingCallbackDoesNotCorruptState(t *testing.T) {
	m := New()
	m.Initialize(func(State) { panic("boom") })

	require.True(t, m.Transition(Thinking))
	assert.Equal(t, Thinking, m.Current())
	require.True(t, m.Transition(Completed))
	assert.True(t, m.IsCompleted())
}

func TestReset(t *testing.T) {
	m := New()
	m.Initialize(nil)
	require.True(t, m.Transition(Thinking))
	require.True(t, m.Transition(Failed))

	m.Reset()
	assert.Equal(t, Initializing, m.Current())
	assert.Equal(t, []State{Initializing}, m.History())
	assert.True(t, m.Transition(Thinking))
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, Executing.IsExecutable())
	assert.False(t, Paused.IsExecutable())
	assert.False(t, Completed.IsExecutable())
	assert.Equal(t, "reflecting", Reflecting.Description())
	assert.False(t, State("BOGUS").Valid())
}
