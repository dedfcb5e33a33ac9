package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/events"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/storage/memory"
)

type harness struct {
	store  *memory.Store
	ledger *ledger.Ledger
	team   uuid.UUID
}

func newHarness(t *testing.T, funds int64, opts ...ledger.Option) *harness {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	h := &harness{store: st, ledger: ledger.New(st, opts...), team: uuid.New()}
	_, err := st.EnsureTeam(ctx, h.team, "research")
	require.NoError(t, err)
	if funds > 0 {
		_, err = h.ledger.Fund(ctx, h.team, funds, nil)
		require.NoError(t, err)
	}
	return h
}

func (h *harness) experiment(t *testing.T, capCredits int64) uuid.UUID {
	t.Helper()
	e := &domain.Experiment{
		ID:               uuid.New(),
		TeamID:           h.team,
		Name:             "exp",
		Status:           domain.StatusRunning,
		BudgetCapCredits: capCredits,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, h.store.CreateExperiment(context.Background(), e))
	return e.ID
}

func (h *harness) debit(scope domain.Scope, amount int64) error {
	_, err := h.ledger.Record(context.Background(), ledger.RecordRequest{
		Scope:  scope,
		Type:   domain.EntryDebit,
		Amount: amount,
	})
	return err
}

func TestRecord_ReconciliationInvariant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10_000)
	expID := h.experiment(t, 5_000)
	scope := domain.Scope{TeamID: h.team}.ForExperiment(expID)

	writes := []struct {
		typ    domain.EntryType
		amount int64
	}{
		{domain.EntryDebit, 120},
		{domain.EntryDebit, 75},
		{domain.EntryCredit, 20}, // refund
		{domain.EntryDebit, 1_000},
		{domain.EntryDebit, 3},
	}
	for _, w := range writes {
		_, err := h.ledger.Record(ctx, ledger.RecordRequest{Scope: scope, Type: w.typ, Amount: w.amount})
		require.NoError(t, err)
	}
	// One more top-up at team level.
	_, err := h.ledger.Fund(ctx, h.team, 500, map[string]any{"source": "invoice"})
	require.NoError(t, err)

	recs, err := h.ledger.Reconcile(ctx, scope)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.True(t, r.OK(), "%s drift %d", r.Kind, r.Drift)
	}

	exp, err := h.store.GetExperiment(ctx, expID)
	require.NoError(t, err)
	assert.Equal(t, int64(120+75-20+1_000+3), exp.BudgetSpentCredits)

	bal, err := h.ledger.Balance(ctx, h.team)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000+500-1_178), bal)

	entries, err := h.ledger.Entries(ctx, ledger.Filter{TeamID: h.team})
	require.NoError(t, err)
	require.Len(t, entries, 7)
	assert.Equal(t, bal, entries[0].BalanceAfter, "newest entry snapshots the current balance")
}

func TestRecord_RejectsNegativeBalanceWithoutWriting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	err := h.debit(domain.Scope{TeamID: h.team}, 101)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	bal, err := h.ledger.Balance(ctx, h.team)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	entries, err := h.ledger.Entries(ctx, ledger.Filter{TeamID: h.team})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the funding entry exists")
}

func TestRecord_RejectsOverCap(t *testing.T) {
	h := newHarness(t, 10_000)
	scope := domain.Scope{TeamID: h.team}.ForExperiment(h.experiment(t, 1_000))

	require.NoError(t, h.debit(scope, 950))
	assert.ErrorIs(t, h.debit(scope, 51), domain.ErrInsufficientBalance)
	assert.NoError(t, h.debit(scope, 50))
}

func TestRecord_RejectsDebitOnFinishedExperiment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000)
	expID := h.experiment(t, 0)
	scope := domain.Scope{TeamID: h.team}.ForExperiment(expID)
	require.NoError(t, h.debit(scope, 10))

	rec := &domain.TransitionRecord{ID: uuid.New(), ExperimentID: expID, From: domain.StatusRunning, To: domain.StatusCompleted}
	_, err := h.store.CompareAndSetStatus(ctx, expID, domain.StatusRunning, rec, false)
	require.NoError(t, err)

	assert.ErrorIs(t, h.debit(scope, 10), domain.ErrExperimentNotActive)

	bal, err := h.ledger.Balance(ctx, h.team)
	require.NoError(t, err)
	assert.Equal(t, int64(990), bal)
}

func TestRecord_ConcurrentDebitsFitExactly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100_000)
	expID := h.experiment(t, 1_000)
	scope := domain.Scope{TeamID: h.team}.ForExperiment(expID)

	const workers = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.debit(scope, 30)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
			fail++
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, ok)
	assert.Equal(t, workers-33, fail)

	exp, err := h.store.GetExperiment(ctx, expID)
	require.NoError(t, err)
	assert.Equal(t, int64(990), exp.BudgetSpentCredits)

	recs, err := h.ledger.Reconcile(ctx, scope)
	require.NoError(t, err)
	for _, r := range recs {
		assert.True(t, r.OK())
	}
}

func TestRecord_ValidatesInput(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	_, err := h.ledger.Record(ctx, ledger.RecordRequest{Scope: domain.Scope{TeamID: h.team}, Type: domain.EntryDebit, Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.ledger.Record(ctx, ledger.RecordRequest{Scope: domain.Scope{TeamID: h.team}, Type: "refund", Amount: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.ledger.Record(ctx, ledger.RecordRequest{Type: domain.EntryDebit, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidScope)

	err = h.debit(domain.Scope{TeamID: uuid.New()}, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecord_ReleasesReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000)
	scope := domain.Scope{TeamID: h.team}
	now := time.Now().UTC()

	res := &domain.Reservation{ID: uuid.New(), Scope: scope, Amount: 400, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, h.store.Reserve(ctx, res))

	reserved, err := h.store.ActiveReserved(ctx, ledger.Filter{TeamID: h.team}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(400), reserved)

	_, err = h.ledger.Record(ctx, ledger.RecordRequest{Scope: scope, Type: domain.EntryDebit, Amount: 250, ReservationID: &res.ID})
	require.NoError(t, err)

	reserved, err = h.store.ActiveReserved(ctx, ledger.Filter{TeamID: h.team}, now)
	require.NoError(t, err)
	assert.Zero(t, reserved)
}

func TestReconcile_StatusChangesKeepCounters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000)
	expID := h.experiment(t, 0)
	scope := domain.Scope{TeamID: h.team}.ForExperiment(expID)
	require.NoError(t, h.debit(scope, 10))

	rec := &domain.TransitionRecord{ID: uuid.New(), ExperimentID: expID, From: domain.StatusRunning, To: domain.StatusPaused}
	_, err := h.store.CompareAndSetStatus(ctx, expID, domain.StatusRunning, rec, false)
	require.NoError(t, err)

	recs, err := h.ledger.Reconcile(ctx, scope)
	require.NoError(t, err)
	for _, r := range recs {
		assert.True(t, r.OK(), "status changes do not touch counters")
	}
}

func TestFlagShortfall_PersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil, nil)
	var got []events.SettlementShortfall
	bus.Subscribe(events.TopicSettlementShortfall, "test", func(_ context.Context, ev events.Event) error {
		got = append(got, ev.(events.SettlementShortfall))
		return nil
	})
	h := newHarness(t, 0, ledger.WithPublisher(bus))

	sf := &domain.Shortfall{Scope: domain.Scope{TeamID: h.team}, Credits: 42, Reason: "insufficient balance"}
	require.NoError(t, h.ledger.FlagShortfall(ctx, sf))
	assert.NotEqual(t, uuid.Nil, sf.ID)

	list, err := h.ledger.Shortfalls(ctx, h.team, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(42), list[0].Credits)

	require.Len(t, got, 1)
	assert.Equal(t, sf.ID, got[0].Shortfall.ID)
}
