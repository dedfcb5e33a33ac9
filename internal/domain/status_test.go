package domain

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	cases := map[ExperimentStatus]StatusClass{
		StatusDraft:            ClassIdle,
		StatusRunning:          ClassActive,
		StatusAwaitingApproval: ClassActive,
		StatusPaused:           ClassPaused,
		StatusCompleted:        ClassTerminal,
		StatusFailed:           ClassTerminal,
		StatusCancelled:        ClassTerminal,
	}
	require.Len(t, cases, len(AllStatuses))
	for s, want := range cases {
		assert.Equal(t, want, s.Class(), "status %s", s)
		assert.True(t, s.Valid())
	}
	assert.True(t, ExperimentStatus("bogus").IsTerminal())
}

func TestParseExperimentStatus(t *testing.T) {
	s, err := ParseExperimentStatus("awaiting_approval")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, s)

	_, err = ParseExperimentStatus("archived")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAgentAvailability(t *testing.T) {
	assert.True(t, AgentActive.Available())
	assert.True(t, AgentDegraded.Available())
	assert.False(t, AgentDisabled.Available())
	assert.False(t, AgentOffline.Available())
}

func TestEntryTypeSign(t *testing.T) {
	assert.Equal(t, int64(1), EntryDebit.Sign())
	assert.Equal(t, int64(-1), EntryCredit.Sign())
	assert.Equal(t, int64(0), EntryType("refund").Sign())
}

func TestTransitionErrorUnwraps(t *testing.T) {
	err := error(&TransitionError{From: StatusCompleted, To: StatusRunning})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "terminal")
}

func TestScope(t *testing.T) {
	assert.ErrorIs(t, Scope{}.Validate(), ErrInvalidScope)

	team, exp := uuid.New(), uuid.New()
	s := Scope{TeamID: team}.ForExperiment(exp)
	require.NoError(t, s.Validate())
	require.NotNil(t, s.ExperimentID)
	assert.Equal(t, exp, *s.ExperimentID)
	assert.Nil(t, s.AgentID)
}
