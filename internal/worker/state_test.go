package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateIdle, StateBusy},
		{StateIdle, StateError},
		{StateBusy, StateIdle},
		{StateBusy, StateError},
		{StateError, StateIdle},
		{StateError, StateCrashed},
		{StateCrashed, StateIdle},
	}
	for _, tr := range allowed {
		assert.NoError(t, checkTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	forbidden := []struct{ from, to State }{
		{StateIdle, StateCrashed},
		{StateBusy, StateCrashed},
		{StateCrashed, StateBusy},
		{StateCrashed, StateError},
		{StateError, StateBusy},
		{StateIdle, StateIdle},
		{StateBusy, StateBusy},
	}
	for _, tr := range forbidden {
		assert.Error(t, checkTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "busy", StateBusy.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "crashed", StateCrashed.String())
}
