// Package domain defines the entity and value types shared by the ledger,
// the experiment state machine and the AI gateway. It has no dependencies on
// storage or transport packages.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Team owns experiments, agents and a credit balance.
// BalanceCredits is the sum of all credits minus all debits posted for the team.
type Team struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	BalanceCredits int64     `json:"balance_credits"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Experiment is a long-running, multi-stage unit of agent work.
// BudgetCapCredits of 0 means the experiment has no cap.
type Experiment struct {
	ID                 uuid.UUID        `json:"id"`
	TeamID             uuid.UUID        `json:"team_id"`
	Name               string           `json:"name"`
	Status             ExperimentStatus `json:"status"`
	BudgetCapCredits   int64            `json:"budget_cap_credits"`
	BudgetSpentCredits int64            `json:"budget_spent_credits"`
	CurrentIteration   int              `json:"current_iteration"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Remaining returns the credits left under the cap, or -1 when uncapped.
func (e *Experiment) Remaining() int64 {
	if e.BudgetCapCredits == 0 {
		return -1
	}
	return e.BudgetCapCredits - e.BudgetSpentCredits
}

// Agent is a worker that spends credits on behalf of a team.
type Agent struct {
	ID                 uuid.UUID   `json:"id"`
	TeamID             uuid.UUID   `json:"team_id"`
	Name               string      `json:"name"`
	Status             AgentStatus `json:"status"`
	BudgetCapCredits   int64       `json:"budget_cap_credits"`
	BudgetSpentCredits int64       `json:"budget_spent_credits"`
	LastSeenAt         *time.Time  `json:"last_seen_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// TransitionRecord is the audit row appended with every status change.
type TransitionRecord struct {
	ID           uuid.UUID        `json:"id"`
	ExperimentID uuid.UUID        `json:"experiment_id"`
	From         ExperimentStatus `json:"from"`
	To           ExperimentStatus `json:"to"`
	Reason       string           `json:"reason"`
	Actor        string           `json:"actor"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Scope names the balances a ledger write or reservation touches.
// TeamID is always required; the rest are optional.
type Scope struct {
	TeamID       uuid.UUID  `json:"team_id"`
	UserID       string     `json:"user_id,omitempty"`
	ExperimentID *uuid.UUID `json:"experiment_id,omitempty"`
	AgentID      *uuid.UUID `json:"agent_id,omitempty"`
}

// Validate reports whether the scope carries a team.
func (s Scope) Validate() error {
	if s.TeamID == uuid.Nil {
		return ErrInvalidScope
	}
	return nil
}

// ForExperiment returns a copy of s bound to the given experiment.
func (s Scope) ForExperiment(id uuid.UUID) Scope {
	s.ExperimentID = &id
	return s
}

// ForAgent returns a copy of s bound to the given agent.
func (s Scope) ForAgent(id uuid.UUID) Scope {
	s.AgentID = &id
	return s
}

// LedgerEntry is an immutable balance-affecting record.
//
// Amount is signed in spend orientation: debits are positive and credits are
// negative, so the sum of Amount over any scope equals that scope's spent
// counter. BalanceAfter is the team balance snapshot at insertion time.
type LedgerEntry struct {
	ID           uuid.UUID      `json:"id"`
	Scope        Scope          `json:"scope"`
	Type         EntryType      `json:"type"`
	Amount       int64          `json:"amount"`
	BalanceAfter int64          `json:"balance_after"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Reservation holds estimated credits against a scope until the call
// settles or the reservation expires.
type Reservation struct {
	ID         uuid.UUID  `json:"id"`
	Scope      Scope      `json:"scope"`
	Amount     int64      `json:"amount"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the reservation still holds budget at t.
func (r *Reservation) Active(t time.Time) bool {
	return r.ReleasedAt == nil && t.Before(r.ExpiresAt)
}

// Shortfall records a settlement that could not be posted after the
// provider call already happened.
type Shortfall struct {
	ID             uuid.UUID  `json:"id"`
	Scope          Scope      `json:"scope"`
	Credits        int64      `json:"credits"`
	Reason         string     `json:"reason"`
	IdempotencyKey string     `json:"idempotency_key"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}
