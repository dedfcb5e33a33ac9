package experiment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jkaninda/crucible/internal/domain"
)

func TestCanTransition_TerminalHasNoEdges(t *testing.T) {
	for _, from := range domain.AllStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range domain.AllStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
			assert.ErrorIs(t, validate(from, to), domain.ErrInvalidTransition)
		}
		assert.Empty(t, AllowedTargets(from))
	}
}

func TestCanTransition_Graph(t *testing.T) {
	tests := []struct {
		from, to domain.ExperimentStatus
		want     bool
	}{
		{domain.StatusDraft, domain.StatusRunning, true},
		{domain.StatusDraft, domain.StatusCompleted, false},
		{domain.StatusDraft, domain.StatusPaused, false},
		{domain.StatusRunning, domain.StatusPaused, true},
		{domain.StatusRunning, domain.StatusAwaitingApproval, true},
		{domain.StatusRunning, domain.StatusRunning, false},
		{domain.StatusAwaitingApproval, domain.StatusRunning, true},
		{domain.StatusAwaitingApproval, domain.StatusCompleted, false},
		{domain.StatusPaused, domain.StatusRunning, true},
		{domain.StatusPaused, domain.StatusPaused, false},
		{domain.StatusPaused, domain.StatusCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestValidate_UnknownTarget(t *testing.T) {
	err := validate(domain.StatusRunning, "exploded")
	var te *domain.TransitionError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, domain.StatusRunning, te.From)
}
