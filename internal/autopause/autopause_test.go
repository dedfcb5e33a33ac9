package autopause_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/crucible/internal/autopause"
	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/events"
	"github.com/jkaninda/crucible/internal/experiment"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/storage/memory"
)

type world struct {
	store   *memory.Store
	bus     *events.Bus
	machine *experiment.Machine
	ledger  *ledger.Ledger
	team    uuid.UUID
}

func newWorld(t *testing.T, policy budget.Policy) *world {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	bus := events.NewBus(nil, nil)
	w := &world{
		store:   st,
		bus:     bus,
		machine: experiment.NewMachine(st, bus, nil, nil),
		ledger:  ledger.New(st),
		team:    uuid.New(),
	}
	guard := budget.NewGuard(st, st, policy, nil, nil)
	autopause.New(guard, w.machine, bus, nil, nil).Subscribe(bus)

	_, err := st.EnsureTeam(ctx, w.team, "lab")
	require.NoError(t, err)
	_, err = w.ledger.Fund(ctx, w.team, 100_000, nil)
	require.NoError(t, err)
	return w
}

func (w *world) runningExperiment(t *testing.T, capCredits int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	e, err := w.machine.Create(ctx, experiment.NewExperiment{TeamID: w.team, Name: "run", BudgetCapCredits: capCredits})
	require.NoError(t, err)
	_, err = w.machine.Transition(ctx, e.ID, domain.StatusRunning, "start", "test")
	require.NoError(t, err)
	return e.ID
}

func (w *world) spend(t *testing.T, expID uuid.UUID, credits int64) {
	t.Helper()
	_, err := w.ledger.Record(context.Background(), ledger.RecordRequest{
		Scope:  domain.Scope{TeamID: w.team}.ForExperiment(expID),
		Type:   domain.EntryDebit,
		Amount: credits,
	})
	require.NoError(t, err)
}

func TestAutoPause_SoftThresholdScenario(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, budget.Policy{SoftThreshold: 0.95, Mode: budget.ModeDeny})
	expID := w.runningExperiment(t, 10_000)
	w.spend(t, expID, 9_600)

	got, err := w.machine.Transition(ctx, expID, domain.StatusAwaitingApproval, "checkpoint", "agent")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, got.Status, "the triggering transition itself succeeds")

	cur, err := w.machine.Get(ctx, expID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, cur.Status)

	hist, err := w.machine.History(ctx, expID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Contains(t, last.Reason, "Auto-paused")
	assert.Equal(t, autopause.Actor, last.Actor)
}

func TestAutoPause_UnderThresholdLeavesRunning(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, budget.Policy{SoftThreshold: 0.95, Mode: budget.ModeDeny})
	expID := w.runningExperiment(t, 10_000)
	w.spend(t, expID, 9_000)

	_, err := w.machine.Transition(ctx, expID, domain.StatusAwaitingApproval, "", "agent")
	require.NoError(t, err)
	cur, err := w.machine.Get(ctx, expID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, cur.Status)
}

func TestAutoPause_WarnModeOnlyPausesAtCap(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, budget.Policy{SoftThreshold: 0.95, Mode: budget.ModeWarn})
	expID := w.runningExperiment(t, 10_000)
	w.spend(t, expID, 9_600)

	_, err := w.machine.Transition(ctx, expID, domain.StatusAwaitingApproval, "", "agent")
	require.NoError(t, err)
	cur, _ := w.machine.Get(ctx, expID)
	assert.Equal(t, domain.StatusAwaitingApproval, cur.Status)

	w.spend(t, expID, 400)
	_, err = w.machine.Transition(ctx, expID, domain.StatusRunning, "", "agent")
	require.NoError(t, err)
	cur, _ = w.machine.Get(ctx, expID)
	assert.Equal(t, domain.StatusPaused, cur.Status)
}

func TestAutoPause_ResumeWhileBreachedPausesAgain(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, budget.Policy{})
	expID := w.runningExperiment(t, 100)
	w.spend(t, expID, 100)

	_, err := w.machine.Transition(ctx, expID, domain.StatusPaused, "operator", "alice")
	require.NoError(t, err)
	_, err = w.machine.Transition(ctx, expID, domain.StatusRunning, "resume", "alice")
	require.NoError(t, err)

	cur, _ := w.machine.Get(ctx, expID)
	assert.Equal(t, domain.StatusPaused, cur.Status)
}

type countingChecker struct {
	calls    int
	standing budget.Standing
	err      error
}

func (c *countingChecker) Check(context.Context, uuid.UUID) (budget.Standing, error) {
	c.calls++
	return c.standing, c.err
}

type stubTransitioner struct {
	err   error
	calls int
}

func (s *stubTransitioner) Transition(context.Context, uuid.UUID, domain.ExperimentStatus, string, string) (*domain.Experiment, error) {
	s.calls++
	return nil, s.err
}

func TestHandle_IgnoresPausedAndTerminalTargets(t *testing.T) {
	checker := &countingChecker{standing: budget.Standing{OK: false, Reason: "x"}}
	tr := &stubTransitioner{}
	c := autopause.New(checker, tr, nil, nil, nil)

	for _, to := range []domain.ExperimentStatus{domain.StatusPaused, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		err := c.Handle(context.Background(), events.Transitioned{ExperimentID: uuid.New(), From: domain.StatusRunning, To: to})
		require.NoError(t, err)
	}
	assert.Zero(t, checker.calls)
	assert.Zero(t, tr.calls)
}

func TestHandle_FailuresAreSwallowedAndPublished(t *testing.T) {
	bus := events.NewBus(nil, nil)
	var failed []events.AutoPauseFailed
	bus.Subscribe(events.TopicAutoPauseFailed, "test", func(_ context.Context, ev events.Event) error {
		failed = append(failed, ev.(events.AutoPauseFailed))
		return nil
	})

	checker := &countingChecker{standing: budget.Standing{OK: false, Reason: "budget exhausted"}}
	tr := &stubTransitioner{err: errors.New("database is locked")}
	c := autopause.New(checker, tr, bus, nil, nil)

	id := uuid.New()
	err := c.Handle(context.Background(), events.Transitioned{ExperimentID: id, From: domain.StatusDraft, To: domain.StatusRunning})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ExperimentID)
	assert.Contains(t, failed[0].Error, "database is locked")

	// A lost race is expected and not reported as a failure.
	tr.err = &domain.TransitionError{From: domain.StatusCancelled, To: domain.StatusPaused}
	require.NoError(t, c.Handle(context.Background(), events.Transitioned{ExperimentID: id, To: domain.StatusRunning}))
	assert.Len(t, failed, 1)

	// A check that cannot be evaluated is.
	checker.err = domain.ErrNotFound
	require.NoError(t, c.Handle(context.Background(), events.Transitioned{ExperimentID: id, To: domain.StatusRunning}))
	assert.Len(t, failed, 2)
}
