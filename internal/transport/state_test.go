package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	sm := newStateMachine(StateDialing)
	require.NoError(t, sm.Transition(StateDialing, StateHandshaking))
	require.NoError(t, sm.Transition(StateHandshaking, StateEstablished))
	require.NoError(t, sm.Transition(StateEstablished, StateDead))
	assert.Equal(t, StateDead, sm.Current())
	assert.True(t, sm.Current().IsTerminal())
}

func TestStateMachineRejectsInvalidMoves(t *testing.T) {
	sm := newStateMachine(StateDialing)

	err := sm.Transition(StateHandshaking, StateEstablished)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session state is dialing")

	require.NoError(t, sm.Transition(StateDialing, StateHandshaking))
	err = sm.Transition(StateHandshaking, StateDialing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot go handshaking -> dialing")
	assert.Equal(t, StateHandshaking, sm.Current())
}

func TestStateMachineForce(t *testing.T) {
	sm := newStateMachine(StateEstablished)
	sm.Force(StateDead)
	assert.Equal(t, StateDead, sm.Current())

	// repeated force is a no-op, and nothing leaves dead
	sm.Force(StateDead)
	assert.Equal(t, StateDead, sm.Current())
	require.Error(t, sm.Transition(StateDead, StateEstablished))
}

func TestSessionStateStrings(t *testing.T) {
	assert.Equal(t, "dialing", StateDialing.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "established", StateEstablished.String())
	assert.Equal(t, "dead", StateDead.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}
