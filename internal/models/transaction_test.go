package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "pending to processing", from: StatusPending, to: StatusProcessing, want: true},
		{name: "pending to failed direct", from: StatusPending, to: StatusFailed, want: true},
		{name: "processing to completed", from: StatusProcessing, to: StatusCompleted, want: true},
		{name: "processing to failed", from: StatusProcessing, to: StatusFailed, want: true},
		{name: "completed to refunded", from: StatusCompleted, to: StatusRefunded, want: true},

		{name: "pending straight to completed", from: StatusPending, to: StatusCompleted, want: false},
		{name: "completed back to pending", from: StatusCompleted, to: StatusPending, want: false},
		{name: "completed back to processing", from: StatusCompleted, to: StatusProcessing, want: false},
		{name: "failed back to pending", from: StatusFailed, to: StatusPending, want: false},
		{name: "failed back to processing", from: StatusFailed, to: StatusProcessing, want: false},
		{name: "failed to completed", from: StatusFailed, to: StatusCompleted, want: false},
		{name: "refunded to anything", from: StatusRefunded, to: StatusProcessing, want: false},
		{name: "refunded not reversible", from: StatusRefunded, to: StatusCompleted, want: false},
		{name: "same state is not an edge", from: StatusProcessing, to: StatusProcessing, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestLegalPredecessors(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusPending}, LegalPredecessors(StatusProcessing))
	assert.ElementsMatch(t, []Status{StatusProcessing}, LegalPredecessors(StatusCompleted))
	assert.ElementsMatch(t, []Status{StatusPending, StatusProcessing}, LegalPredecessors(StatusFailed))
	assert.ElementsMatch(t, []Status{StatusCompleted}, LegalPredecessors(StatusRefunded))
	assert.Empty(t, LegalPredecessors(StatusPending), "nothing transitions back into pending")
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(StatusPending))
	assert.False(t, IsTerminal(StatusProcessing))
	assert.True(t, IsTerminal(StatusCompleted))
	assert.True(t, IsTerminal(StatusFailed))
	assert.True(t, IsTerminal(StatusRefunded))
}
