package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewID(t *testing.T) {
	id := NewID()
	require.True(t, id.IsValid())
	require.NotEqual(t, id, NewID(), "ids should be unique")
}

func TestID_IsValid(t *testing.T) {
	require.False(t, ID("").IsValid())
	require.False(t, ID("not-a-uuid").IsValid())
	require.True(t, ID("a2f1f3f8-0c70-4f4e-94a9-6d3c7b1f2a4d").IsValid())
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to failed (start timeout)", StatusPending, StatusFailed, true},
		{"pending to blocked", StatusPending, StatusBlocked, false},
		{"pending to completed", StatusPending, StatusCompleted, false},
		{"running to blocked", StatusRunning, StatusBlocked, true},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to cancelled", StatusRunning, StatusCancelled, true},
		{"running to pending", StatusRunning, StatusPending, false},
		{"blocked to running", StatusBlocked, StatusRunning, true},
		{"blocked to cancelled", StatusBlocked, StatusCancelled, true},
		{"blocked to failed", StatusBlocked, StatusFailed, true},
		{"blocked to completed", StatusBlocked, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusRunning, false},
		{"cancelled is terminal", StatusCancelled, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
	require.False(t, StatusPending.IsTerminal())
	require.False(t, StatusRunning.IsTerminal())
	require.False(t, StatusBlocked.IsTerminal())
}

func TestStatus_IsActive(t *testing.T) {
	require.True(t, StatusRunning.IsActive())
	require.True(t, StatusBlocked.IsActive())
	require.False(t, StatusPending.IsActive())
	require.False(t, StatusCompleted.IsActive())
	require.False(t, StatusFailed.IsActive())
	require.False(t, StatusCancelled.IsActive())
}

func TestStatus_IsValid(t *testing.T) {
	for _, s := range []Status{
		StatusPending, StatusRunning, StatusBlocked,
		StatusCompleted, StatusFailed, StatusCancelled,
	} {
		require.True(t, s.IsValid(), "status %s", s)
	}
	require.False(t, Status("paused").IsValid())
	require.False(t, Status("").IsValid())
}

// Terminal statuses admit no outgoing transitions, for any target.
func TestStatus_TerminalStatesAreSinks(t *testing.T) {
	all := []Status{
		StatusPending, StatusRunning, StatusBlocked,
		StatusCompleted, StatusFailed, StatusCancelled,
	}
	rapid.Check(t, func(r *rapid.T) {
		from := rapid.SampledFrom(all).Draw(r, "from")
		to := rapid.SampledFrom(all).Draw(r, "to")
		if from.IsTerminal() {
			require.False(t, from.CanTransitionTo(to))
		}
		if from.CanTransitionTo(to) {
			require.False(t, from.IsTerminal())
			require.NotEqual(t, from, to)
		}
	})
}

func TestStatus_ValidTargets(t *testing.T) {
	require.ElementsMatch(t,
		[]Status{StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
		StatusRunning.ValidTargets())
	require.Empty(t, StatusCompleted.ValidTargets())
	require.Nil(t, Status("bogus").ValidTargets())
}
