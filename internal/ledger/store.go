package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/domain"
)

// Filter selects ledger rows. TeamID is required; ExperimentID and AgentID
// narrow the result to one scope.
type Filter struct {
	TeamID       uuid.UUID
	ExperimentID *uuid.UUID
	AgentID      *uuid.UUID
	Limit        int
}

// Store is the persistence collaborator for the ledger. Post and Reserve
// must each run as one atomic read-check-write unit.
type Store interface {
	EnsureTeam(ctx context.Context, id uuid.UUID, name string) (*domain.Team, error)
	GetTeam(ctx context.Context, id uuid.UUID) (*domain.Team, error)
	// Balances reads the counters for scope without locking.
	Balances(ctx context.Context, scope domain.Scope) (Balances, error)

	// Post validates entry against the current counters with CheckPost,
	// inserts it with BalanceAfter set, updates every touched counter and,
	// when reservationID is non-nil, releases that reservation. Nothing is
	// written if the check fails.
	Post(ctx context.Context, entry *domain.LedgerEntry, reservationID *uuid.UUID) error
	Entries(ctx context.Context, f Filter) ([]domain.LedgerEntry, error)
	SumEntries(ctx context.Context, f Filter) (int64, error)

	// Reserve validates res against counters and active reservations with
	// CheckReserve and inserts it. Fails with domain.ErrBudgetExceeded.
	Reserve(ctx context.Context, res *domain.Reservation) error
	ReleaseReservation(ctx context.Context, id uuid.UUID) error
	ActiveReserved(ctx context.Context, f Filter, now time.Time) (int64, error)
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)

	AppendShortfall(ctx context.Context, s *domain.Shortfall) error
	Shortfalls(ctx context.Context, teamID uuid.UUID, unresolvedOnly bool) ([]domain.Shortfall, error)
}
