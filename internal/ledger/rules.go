package ledger

import (
	"fmt"

	"github.com/jkaninda/crucible/internal/domain"
)

// Balances are the counters a write touches, loaded (and locked) by the
// store inside its transaction. Experiment and Agent are nil when the scope
// does not name them.
type Balances struct {
	Team       *domain.Team
	Experiment *domain.Experiment
	Agent      *domain.Agent
}

// Reserved holds the active reservation totals for each scope level.
type Reserved struct {
	Team       int64
	Experiment int64
	Agent      int64
}

// CheckPost validates a ledger write and returns the team balance after it.
// Stores call this inside their transaction so the check and the write
// observe the same counters.
func CheckPost(b Balances, scope domain.Scope, typ domain.EntryType, amount int64) (int64, error) {
	if err := checkOwnership(b, scope); err != nil {
		return 0, err
	}
	// Nothing is written against an experiment once it has ended.
	if e := b.Experiment; e != nil && e.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: experiment %s is %s", domain.ErrExperimentNotActive, e.ID, e.Status)
	}
	delta := typ.Sign() * amount

	balance := b.Team.BalanceCredits - delta
	if balance < 0 {
		return 0, fmt.Errorf("%w: team %s has %d credits, debit of %d",
			domain.ErrInsufficientBalance, b.Team.ID, b.Team.BalanceCredits, amount)
	}
	if e := b.Experiment; e != nil {
		if err := checkSpend("experiment", e.ID.String(), e.BudgetCapCredits, e.BudgetSpentCredits, delta); err != nil {
			return 0, err
		}
	}
	if a := b.Agent; a != nil {
		if err := checkSpend("agent", a.ID.String(), a.BudgetCapCredits, a.BudgetSpentCredits, delta); err != nil {
			return 0, err
		}
	}
	return balance, nil
}

// CheckReserve validates a pre-authorization of amount credits. It allows
// only if spent + reserved + amount stays within every cap in scope and
// reserved + amount stays within the team balance. Paused and terminal
// experiments take no new work.
func CheckReserve(b Balances, scope domain.Scope, r Reserved, amount int64) error {
	if err := checkOwnership(b, scope); err != nil {
		return err
	}
	if e := b.Experiment; e != nil {
		switch e.Status.Class() {
		case domain.ClassPaused, domain.ClassTerminal:
			return fmt.Errorf("%w: experiment %s is %s", domain.ErrExperimentNotActive, e.ID, e.Status)
		}
	}
	if a := b.Agent; a != nil && !a.Status.Available() {
		return fmt.Errorf("%w: agent %s is %s", domain.ErrAgentUnavailable, a.ID, a.Status)
	}
	if avail := b.Team.BalanceCredits - r.Team; amount > avail {
		return fmt.Errorf("%w: team %s has %d credits available, estimate %d",
			domain.ErrBudgetExceeded, b.Team.ID, avail, amount)
	}
	if e := b.Experiment; e != nil && e.BudgetCapCredits > 0 {
		if e.BudgetSpentCredits+r.Experiment+amount > e.BudgetCapCredits {
			return fmt.Errorf("%w: experiment %s spent %d + reserved %d + estimate %d > cap %d",
				domain.ErrBudgetExceeded, e.ID, e.BudgetSpentCredits, r.Experiment, amount, e.BudgetCapCredits)
		}
	}
	if a := b.Agent; a != nil && a.BudgetCapCredits > 0 {
		if a.BudgetSpentCredits+r.Agent+amount > a.BudgetCapCredits {
			return fmt.Errorf("%w: agent %s spent %d + reserved %d + estimate %d > cap %d",
				domain.ErrBudgetExceeded, a.ID, a.BudgetSpentCredits, r.Agent, amount, a.BudgetCapCredits)
		}
	}
	return nil
}

func checkSpend(kind, id string, limit, spent, delta int64) error {
	next := spent + delta
	if next < 0 {
		return fmt.Errorf("%w: %s %s credit of %d exceeds spent %d",
			domain.ErrInsufficientBalance, kind, id, -delta, spent)
	}
	if delta > 0 && limit > 0 && next > limit {
		return fmt.Errorf("%w: %s %s has %d of %d credits left, debit of %d",
			domain.ErrInsufficientBalance, kind, id, limit-spent, limit, delta)
	}
	return nil
}

func checkOwnership(b Balances, scope domain.Scope) error {
	if b.Team == nil {
		return fmt.Errorf("%w: team %s", domain.ErrNotFound, scope.TeamID)
	}
	if scope.ExperimentID != nil && b.Experiment == nil {
		return fmt.Errorf("%w: experiment %s", domain.ErrNotFound, *scope.ExperimentID)
	}
	if scope.AgentID != nil && b.Agent == nil {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, *scope.AgentID)
	}
	if b.Experiment != nil && b.Experiment.TeamID != b.Team.ID {
		return fmt.Errorf("%w: experiment %s belongs to another team", domain.ErrInvalidScope, b.Experiment.ID)
	}
	if b.Agent != nil && b.Agent.TeamID != b.Team.ID {
		return fmt.Errorf("%w: agent %s belongs to another team", domain.ErrInvalidScope, b.Agent.ID)
	}
	return nil
}
