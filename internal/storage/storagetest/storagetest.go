// Package storagetest holds a behavioural suite that every storage.Store
// backend must pass. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/storage"
)

// Factory returns a fresh, migrated store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"EnsureTeamIsIdempotent", testEnsureTeam},
		{"PostMovesEveryCounter", testPostMovesCounters},
		{"PostRejectsWithoutWriting", testPostRejects},
		{"ConcurrentDebitsNeverOverdraw", testConcurrentDebits},
		{"ReserveCountsActiveReservations", testReserve},
		{"ReleaseExpiredReservations", testReleaseExpired},
		{"InactiveExperimentRejectsSpend", testInactiveExperiment},
		{"CompareAndSetStatus", testCompareAndSet},
		{"Agents", testAgents},
		{"AgentHeartbeats", testAgentHeartbeats},
		{"Responses", testResponses},
		{"Shortfalls", testShortfalls},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func fundedTeam(t *testing.T, s storage.Store, credits int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	_, err := s.Ledger().EnsureTeam(ctx, id, "team-"+id.String()[:8])
	require.NoError(t, err)
	if credits > 0 {
		require.NoError(t, s.Ledger().Post(ctx, &domain.LedgerEntry{
			ID:        uuid.New(),
			Scope:     domain.Scope{TeamID: id},
			Type:      domain.EntryCredit,
			Amount:    -credits,
			Metadata:  map[string]any{"reason": "funding"},
			CreatedAt: now(),
		}, nil))
	}
	return id
}

func newExperiment(t *testing.T, s storage.Store, teamID uuid.UUID, capCredits int64) *domain.Experiment {
	t.Helper()
	ts := now()
	e := &domain.Experiment{
		ID:               uuid.New(),
		TeamID:           teamID,
		Name:             "exp",
		Status:           domain.StatusRunning,
		BudgetCapCredits: capCredits,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	require.NoError(t, s.Experiments().CreateExperiment(context.Background(), e))
	return e
}

func debit(scope domain.Scope, amount int64) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:        uuid.New(),
		Scope:     scope,
		Type:      domain.EntryDebit,
		Amount:    amount,
		CreatedAt: now(),
	}
}

func testEnsureTeam(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uuid.New()

	first, err := s.Ledger().EnsureTeam(ctx, id, "research")
	require.NoError(t, err)
	second, err := s.Ledger().EnsureTeam(ctx, id, "renamed")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "research", second.Name)
	assert.Zero(t, second.BalanceCredits)

	_, err = s.Ledger().GetTeam(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Ledger().EnsureTeam(ctx, uuid.Nil, "nil")
	assert.ErrorIs(t, err, domain.ErrInvalidScope)
}

func testPostMovesCounters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 1000)
	exp := newExperiment(t, s, teamID, 500)
	scope := domain.Scope{TeamID: teamID, UserID: "alice"}.ForExperiment(exp.ID)

	entry := debit(scope, 120)
	require.NoError(t, s.Ledger().Post(ctx, entry, nil))
	assert.Equal(t, int64(880), entry.BalanceAfter)

	b, err := s.Ledger().Balances(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(880), b.Team.BalanceCredits)
	assert.Equal(t, int64(120), b.Experiment.BudgetSpentCredits)

	sum, err := s.Ledger().SumEntries(ctx, ledger.Filter{TeamID: teamID, ExperimentID: &exp.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(120), sum)

	teamSum, err := s.Ledger().SumEntries(ctx, ledger.Filter{TeamID: teamID})
	require.NoError(t, err)
	assert.Equal(t, -b.Team.BalanceCredits, teamSum)

	entries, err := s.Ledger().Entries(ctx, ledger.Filter{TeamID: teamID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.Type == domain.EntryCredit {
			assert.Equal(t, "funding", e.Metadata["reason"])
			assert.Equal(t, int64(-1000), e.Amount)
		}
	}
}

func testPostRejects(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 100)
	exp := newExperiment(t, s, teamID, 50)

	err := s.Ledger().Post(ctx, debit(domain.Scope{TeamID: teamID}, 101), nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	err = s.Ledger().Post(ctx, debit(domain.Scope{TeamID: teamID}.ForExperiment(exp.ID), 51), nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	err = s.Ledger().Post(ctx, debit(domain.Scope{TeamID: teamID}.ForAgent(uuid.New()), 1), nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	entries, err := s.Ledger().Entries(ctx, ledger.Filter{TeamID: teamID})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the funding entry may exist")

	team, err := s.Ledger().GetTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), team.BalanceCredits)
}

func testConcurrentDebits(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 1000)

	const workers = 20
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Ledger().Post(ctx, debit(domain.Scope{TeamID: teamID}, 100), nil)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientBalance):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(10), rejected.Load())

	team, err := s.Ledger().GetTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Zero(t, team.BalanceCredits)
}

func testReserve(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 1000)
	exp := newExperiment(t, s, teamID, 1000)
	scope := domain.Scope{TeamID: teamID}.ForExperiment(exp.ID)
	require.NoError(t, s.Ledger().Post(ctx, debit(scope, 900), nil))

	ts := now()
	res := &domain.Reservation{ID: uuid.New(), Scope: scope, Amount: 60, CreatedAt: ts, ExpiresAt: ts.Add(time.Minute)}
	require.NoError(t, s.Ledger().Reserve(ctx, res))

	over := &domain.Reservation{ID: uuid.New(), Scope: scope, Amount: 60, CreatedAt: ts, ExpiresAt: ts.Add(time.Minute)}
	assert.ErrorIs(t, s.Ledger().Reserve(ctx, over), domain.ErrBudgetExceeded)

	reserved, err := s.Ledger().ActiveReserved(ctx, ledger.Filter{TeamID: teamID, ExperimentID: &exp.ID}, ts)
	require.NoError(t, err)
	assert.Equal(t, int64(60), reserved)

	// Settling against the reservation frees it.
	require.NoError(t, s.Ledger().Post(ctx, debit(scope, 55), &res.ID))
	reserved, err = s.Ledger().ActiveReserved(ctx, ledger.Filter{TeamID: teamID}, ts)
	require.NoError(t, err)
	assert.Zero(t, reserved)

	require.NoError(t, s.Ledger().ReleaseReservation(ctx, res.ID))
	assert.ErrorIs(t, s.Ledger().ReleaseReservation(ctx, uuid.New()), domain.ErrNotFound)
}

func testReleaseExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 1000)
	ts := now()

	stale := &domain.Reservation{ID: uuid.New(), Scope: domain.Scope{TeamID: teamID}, Amount: 10, CreatedAt: ts, ExpiresAt: ts.Add(time.Second)}
	fresh := &domain.Reservation{ID: uuid.New(), Scope: domain.Scope{TeamID: teamID}, Amount: 20, CreatedAt: ts, ExpiresAt: ts.Add(time.Hour)}
	require.NoError(t, s.Ledger().Reserve(ctx, stale))
	require.NoError(t, s.Ledger().Reserve(ctx, fresh))

	later := ts.Add(time.Minute)
	n, err := s.Ledger().ReleaseExpired(ctx, later)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	reserved, err := s.Ledger().ActiveReserved(ctx, ledger.Filter{TeamID: teamID}, ts)
	require.NoError(t, err)
	assert.Equal(t, int64(20), reserved, "the stale reservation no longer counts even before its TTL")
}

func testInactiveExperiment(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 1000)
	exp := newExperiment(t, s, teamID, 0)
	scope := domain.Scope{TeamID: teamID}.ForExperiment(exp.ID)
	ts := now()

	_, err := s.Experiments().CompareAndSetStatus(ctx, exp.ID, domain.StatusRunning, &domain.TransitionRecord{
		ID: uuid.New(), ExperimentID: exp.ID, From: domain.StatusRunning, To: domain.StatusPaused,
		Reason: "test", Actor: "tester", CreatedAt: ts,
	}, false)
	require.NoError(t, err)

	res := &domain.Reservation{ID: uuid.New(), Scope: scope, Amount: 10, CreatedAt: ts, ExpiresAt: ts.Add(time.Minute)}
	assert.ErrorIs(t, s.Ledger().Reserve(ctx, res), domain.ErrExperimentNotActive)

	_, err = s.Experiments().CompareAndSetStatus(ctx, exp.ID, domain.StatusPaused, &domain.TransitionRecord{
		ID: uuid.New(), ExperimentID: exp.ID, From: domain.StatusPaused, To: domain.StatusCancelled,
		Reason: "test", Actor: "tester", CreatedAt: ts.Add(time.Second),
	}, false)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Ledger().Post(ctx, debit(scope, 10), nil), domain.ErrExperimentNotActive)

	got, err := s.Experiments().GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Zero(t, got.BudgetSpentCredits)
	team, err := s.Ledger().GetTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), team.BalanceCredits)
	reserved, err := s.Ledger().ActiveReserved(ctx, ledger.Filter{TeamID: teamID}, ts)
	require.NoError(t, err)
	assert.Zero(t, reserved)
}

func testCompareAndSet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 0)
	exp := newExperiment(t, s, teamID, 0)

	at := now()
	rec := func(from, to domain.ExperimentStatus) *domain.TransitionRecord {
		at = at.Add(time.Second)
		return &domain.TransitionRecord{
			ID: uuid.New(), ExperimentID: exp.ID, From: from, To: to,
			Reason: "test", Actor: "tester", CreatedAt: at,
		}
	}

	got, err := s.Experiments().CompareAndSetStatus(ctx, exp.ID, domain.StatusRunning,
		rec(domain.StatusRunning, domain.StatusAwaitingApproval), false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, got.Status)

	_, err = s.Experiments().CompareAndSetStatus(ctx, exp.ID, domain.StatusRunning,
		rec(domain.StatusRunning, domain.StatusPaused), false)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	got, err = s.Experiments().CompareAndSetStatus(ctx, exp.ID, domain.StatusAwaitingApproval,
		rec(domain.StatusAwaitingApproval, domain.StatusRunning), true)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentIteration)

	_, err = s.Experiments().CompareAndSetStatus(ctx, uuid.New(), domain.StatusRunning,
		rec(domain.StatusRunning, domain.StatusPaused), false)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	history, err := s.Experiments().Transitions(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, history, 2, "the conflicting attempt must not leave a record")
	assert.Equal(t, domain.StatusAwaitingApproval, history[0].To)
	assert.Equal(t, domain.StatusRunning, history[1].To)

	list, err := s.Experiments().ListExperiments(ctx, teamID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testAgents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 0)
	ts := now()
	a := &domain.Agent{ID: uuid.New(), TeamID: teamID, Name: "planner", Status: domain.AgentActive, BudgetCapCredits: 100, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, s.Agents().CreateAgent(ctx, a))

	require.NoError(t, s.Agents().SetAgentStatus(ctx, a.ID, domain.AgentDegraded))
	got, err := s.Agents().GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentDegraded, got.Status)
	assert.Equal(t, int64(100), got.BudgetCapCredits)

	list, err := s.Agents().ListAgents(ctx, teamID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, s.Agents().SetAgentStatus(ctx, uuid.New(), domain.AgentOffline), domain.ErrNotFound)
	_, err = s.Agents().GetAgent(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testAgentHeartbeats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 0)
	ts := now()
	mk := func(name string, status domain.AgentStatus) *domain.Agent {
		a := &domain.Agent{ID: uuid.New(), TeamID: teamID, Name: name, Status: status, CreatedAt: ts, UpdatedAt: ts}
		require.NoError(t, s.Agents().CreateAgent(ctx, a))
		return a
	}
	silent := mk("silent", domain.AgentActive)
	fresh := mk("fresh", domain.AgentActive)
	disabled := mk("disabled", domain.AgentActive)
	never := mk("never", domain.AgentActive)

	old := ts.Add(-10 * time.Minute)
	_, err := s.Agents().RecordHeartbeat(ctx, silent.ID, old)
	require.NoError(t, err)
	_, err = s.Agents().RecordHeartbeat(ctx, fresh.ID, ts)
	require.NoError(t, err)
	_, err = s.Agents().RecordHeartbeat(ctx, disabled.ID, old)
	require.NoError(t, err)
	require.NoError(t, s.Agents().SetAgentStatus(ctx, disabled.ID, domain.AgentDisabled))

	n, err := s.Agents().MarkStale(ctx, ts.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	want := map[uuid.UUID]domain.AgentStatus{
		silent.ID:   domain.AgentOffline,
		fresh.ID:    domain.AgentActive,
		disabled.ID: domain.AgentDisabled,
		never.ID:    domain.AgentActive,
	}
	for id, status := range want {
		got, err := s.Agents().GetAgent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, got.Name)
	}

	// A heartbeat brings an offline agent back.
	back, err := s.Agents().RecordHeartbeat(ctx, silent.ID, ts)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentActive, back.Status)
	require.NotNil(t, back.LastSeenAt)
	assert.WithinDuration(t, ts, *back.LastSeenAt, time.Second)

	_, err = s.Agents().RecordHeartbeat(ctx, uuid.New(), ts)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testResponses(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ts := now()
	k1, k2 := "k:"+uuid.NewString(), "k:"+uuid.NewString()
	resp := &domain.AIResponse{
		ID:           uuid.New(),
		Content:      `{"score": 1}`,
		Parsed:       []byte(`{"score":1}`),
		Usage:        domain.Usage{InputTokens: 10, OutputTokens: 5, CostCredits: 3},
		Provider:     "fake",
		Model:        "m",
		SchemaValid:  true,
		PricingKnown: true,
	}
	require.NoError(t, s.Responses().PutResponse(ctx, k1, resp, ts.Add(time.Hour)))
	require.NoError(t, s.Responses().PutResponse(ctx, k2, resp, ts.Add(time.Second)))

	got, err := s.Responses().GetResponse(ctx, k1, ts)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, got.ID)
	assert.Equal(t, resp.Usage, got.Usage)
	assert.JSONEq(t, string(resp.Parsed), string(got.Parsed))

	_, err = s.Responses().GetResponse(ctx, k2, ts.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Responses().GetResponse(ctx, "missing", ts)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := s.Responses().PurgeExpired(ctx, ts.Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	_, err = s.Responses().GetResponse(ctx, k1, ts)
	assert.NoError(t, err, "unexpired responses survive a purge")
}

func testShortfalls(t *testing.T, s storage.Store) {
	ctx := context.Background()
	teamID := fundedTeam(t, s, 0)
	resolved := now()
	require.NoError(t, s.Ledger().AppendShortfall(ctx, &domain.Shortfall{
		ID: uuid.New(), Scope: domain.Scope{TeamID: teamID}, Credits: 15, Reason: "insufficient balance",
		IdempotencyKey: "h:abc", Provider: "fake", Model: "m", CreatedAt: now(),
	}))
	require.NoError(t, s.Ledger().AppendShortfall(ctx, &domain.Shortfall{
		ID: uuid.New(), Scope: domain.Scope{TeamID: teamID}, Credits: 5, Reason: "settled manually",
		CreatedAt: now(), ResolvedAt: &resolved,
	}))

	all, err := s.Ledger().Shortfalls(ctx, teamID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := s.Ledger().Shortfalls(ctx, teamID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(15), open[0].Credits)
}
