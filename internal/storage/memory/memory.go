// Package memory is an in-process implementation of storage.Store. A single
// mutex serializes every write, which makes each ledger post and
// reservation one atomic read-check-write unit. Used by tests, dry runs and
// the "memory" driver.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/agents"
	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/experiment"
	"github.com/jkaninda/crucible/internal/gateway"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu           sync.Mutex
	teams        map[uuid.UUID]*domain.Team
	experiments  map[uuid.UUID]*domain.Experiment
	transitions  map[uuid.UUID][]domain.TransitionRecord
	agents       map[uuid.UUID]*domain.Agent
	entries      []domain.LedgerEntry
	reservations map[uuid.UUID]*domain.Reservation
	shortfalls   []domain.Shortfall
	responses    map[string]cachedResponse
	now          func() time.Time
}

type cachedResponse struct {
	resp      *domain.AIResponse
	expiresAt time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		teams:        make(map[uuid.UUID]*domain.Team),
		experiments:  make(map[uuid.UUID]*domain.Experiment),
		transitions:  make(map[uuid.UUID][]domain.TransitionRecord),
		agents:       make(map[uuid.UUID]*domain.Agent),
		reservations: make(map[uuid.UUID]*domain.Reservation),
		responses:    make(map[string]cachedResponse),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ledger() ledger.Store             { return s }
func (s *Store) Experiments() experiment.Store    { return s }
func (s *Store) Agents() agents.Store             { return s }
func (s *Store) Responses() gateway.ResponseStore { return s }

func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Close() error                  { return nil }
func (s *Store) Driver() string                { return storage.DriverMemory }

// --- teams and ledger ---

func (s *Store) EnsureTeam(_ context.Context, id uuid.UUID, name string) (*domain.Team, error) {
	if id == uuid.Nil {
		return nil, domain.ErrInvalidScope
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.teams[id]; ok {
		cp := *t
		return &cp, nil
	}
	now := s.now()
	t := &domain.Team{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
	s.teams[id] = t
	cp := *t
	return &cp, nil
}

func (s *Store) GetTeam(_ context.Context, id uuid.UUID) (*domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, fmt.Errorf("%w: team %s", domain.ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) Balances(_ context.Context, scope domain.Scope) (ledger.Balances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balancesLocked(scope), nil
}

// balancesLocked returns copies of the counters named by scope.
func (s *Store) balancesLocked(scope domain.Scope) ledger.Balances {
	var b ledger.Balances
	if t, ok := s.teams[scope.TeamID]; ok {
		cp := *t
		b.Team = &cp
	}
	if scope.ExperimentID != nil {
		if e, ok := s.experiments[*scope.ExperimentID]; ok {
			cp := *e
			b.Experiment = &cp
		}
	}
	if scope.AgentID != nil {
		if a, ok := s.agents[*scope.AgentID]; ok {
			cp := *a
			b.Agent = &cp
		}
	}
	return b
}

func (s *Store) Post(_ context.Context, entry *domain.LedgerEntry, reservationID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balancesLocked(entry.Scope)
	amount := entry.Type.Sign() * entry.Amount
	balance, err := ledger.CheckPost(b, entry.Scope, entry.Type, amount)
	if err != nil {
		return err
	}

	now := entry.CreatedAt
	t := s.teams[entry.Scope.TeamID]
	t.BalanceCredits = balance
	t.UpdatedAt = now
	if entry.Scope.ExperimentID != nil {
		e := s.experiments[*entry.Scope.ExperimentID]
		e.BudgetSpentCredits += entry.Amount
		e.UpdatedAt = now
	}
	if entry.Scope.AgentID != nil {
		a := s.agents[*entry.Scope.AgentID]
		a.BudgetSpentCredits += entry.Amount
		a.UpdatedAt = now
	}

	entry.BalanceAfter = balance
	stored := *entry
	stored.Metadata = maps.Clone(entry.Metadata)
	s.entries = append(s.entries, stored)

	if reservationID != nil {
		if r, ok := s.reservations[*reservationID]; ok && r.ReleasedAt == nil {
			r.ReleasedAt = &now
		}
	}
	return nil
}

func matches(scope domain.Scope, f ledger.Filter) bool {
	if scope.TeamID != f.TeamID {
		return false
	}
	if f.ExperimentID != nil && (scope.ExperimentID == nil || *scope.ExperimentID != *f.ExperimentID) {
		return false
	}
	if f.AgentID != nil && (scope.AgentID == nil || *scope.AgentID != *f.AgentID) {
		return false
	}
	return true
}

// Entries returns matching entries, newest first.
func (s *Store) Entries(_ context.Context, f ledger.Filter) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !matches(e.Scope, f) {
			continue
		}
		e.Metadata = maps.Clone(e.Metadata)
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SumEntries(_ context.Context, f ledger.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, e := range s.entries {
		if matches(e.Scope, f) {
			sum += e.Amount
		}
	}
	return sum, nil
}

// --- reservations ---

func (s *Store) Reserve(_ context.Context, res *domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balancesLocked(res.Scope)
	r := s.reservedLocked(res.Scope, res.CreatedAt)
	if err := ledger.CheckReserve(b, res.Scope, r, res.Amount); err != nil {
		return err
	}
	cp := *res
	s.reservations[res.ID] = &cp
	return nil
}

func (s *Store) reservedLocked(scope domain.Scope, now time.Time) ledger.Reserved {
	var r ledger.Reserved
	for _, res := range s.reservations {
		if res.Scope.TeamID != scope.TeamID || !res.Active(now) {
			continue
		}
		r.Team += res.Amount
		if scope.ExperimentID != nil && res.Scope.ExperimentID != nil && *res.Scope.ExperimentID == *scope.ExperimentID {
			r.Experiment += res.Amount
		}
		if scope.AgentID != nil && res.Scope.AgentID != nil && *res.Scope.AgentID == *scope.AgentID {
			r.Agent += res.Amount
		}
	}
	return r
}

func (s *Store) ReleaseReservation(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return fmt.Errorf("%w: reservation %s", domain.ErrNotFound, id)
	}
	if r.ReleasedAt == nil {
		now := s.now()
		r.ReleasedAt = &now
	}
	return nil
}

func (s *Store) ActiveReserved(_ context.Context, f ledger.Filter, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, r := range s.reservations {
		if r.Active(now) && matches(r.Scope, f) {
			sum += r.Amount
		}
	}
	return sum, nil
}

func (s *Store) ReleaseExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reservations {
		if r.ReleasedAt == nil && !r.ExpiresAt.After(now) {
			released := now
			r.ReleasedAt = &released
			n++
		}
	}
	return n, nil
}

// --- shortfalls ---

func (s *Store) AppendShortfall(_ context.Context, sf *domain.Shortfall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shortfalls = append(s.shortfalls, *sf)
	return nil
}

func (s *Store) Shortfalls(_ context.Context, teamID uuid.UUID, unresolvedOnly bool) ([]domain.Shortfall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Shortfall
	for _, sf := range s.shortfalls {
		if sf.Scope.TeamID != teamID || (unresolvedOnly && sf.ResolvedAt != nil) {
			continue
		}
		out = append(out, sf)
	}
	return out, nil
}

// --- experiments ---

func (s *Store) CreateExperiment(_ context.Context, e *domain.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[e.ID]; ok {
		return fmt.Errorf("%w: experiment %s already exists", domain.ErrInvalidRequest, e.ID)
	}
	cp := *e
	s.experiments[e.ID] = &cp
	return nil
}

func (s *Store) GetExperiment(_ context.Context, id uuid.UUID) (*domain.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: experiment %s", domain.ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListExperiments(_ context.Context, teamID uuid.UUID) ([]domain.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Experiment
	for _, e := range s.experiments {
		if e.TeamID == teamID {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b domain.Experiment) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) CompareAndSetStatus(_ context.Context, id uuid.UUID, from domain.ExperimentStatus, rec *domain.TransitionRecord, bumpIteration bool) (*domain.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: experiment %s", domain.ErrNotFound, id)
	}
	if e.Status != from {
		return nil, fmt.Errorf("%w: experiment %s is %s, expected %s", domain.ErrStatusConflict, id, e.Status, from)
	}
	e.Status = rec.To
	e.UpdatedAt = rec.CreatedAt
	if bumpIteration {
		e.CurrentIteration++
	}
	s.transitions[id] = append(s.transitions[id], *rec)
	cp := *e
	return &cp, nil
}

func (s *Store) Transitions(_ context.Context, id uuid.UUID) ([]domain.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transitions[id]), nil
}

// --- agents ---

func (s *Store) CreateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("%w: agent %s already exists", domain.ErrInvalidRequest, a.ID)
	}
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *Store) GetAgent(_ context.Context, id uuid.UUID) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAgents(_ context.Context, teamID uuid.UUID) ([]domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Agent
	for _, a := range s.agents {
		if a.TeamID == teamID {
			out = append(out, *a)
		}
	}
	slices.SortFunc(out, func(a, b domain.Agent) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) SetAgentStatus(_ context.Context, id uuid.UUID, status domain.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	a.Status = status
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) RecordHeartbeat(_ context.Context, id uuid.UUID, at time.Time) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	seen := at
	a.LastSeenAt = &seen
	if a.Status == domain.AgentOffline {
		a.Status = domain.AgentActive
	}
	a.UpdatedAt = s.now()
	cp := *a
	return &cp, nil
}

func (s *Store) MarkStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agents {
		if !a.Status.Available() || a.LastSeenAt == nil || !a.LastSeenAt.Before(cutoff) {
			continue
		}
		a.Status = domain.AgentOffline
		a.UpdatedAt = s.now()
		n++
	}
	return n, nil
}

// --- idempotency responses ---

func (s *Store) GetResponse(_ context.Context, key string, now time.Time) (*domain.AIResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.responses[key]
	if !ok || !c.expiresAt.After(now) {
		return nil, fmt.Errorf("%w: response %s", domain.ErrNotFound, key)
	}
	return c.resp.Clone(), nil
}

func (s *Store) PutResponse(_ context.Context, key string, resp *domain.AIResponse, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[key] = cachedResponse{resp: resp.Clone(), expiresAt: expiresAt}
	return nil
}

func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.responses {
		if !c.expiresAt.After(now) {
			delete(s.responses, k)
			n++
		}
	}
	return n, nil
}
