// Package ledger implements the append-only credit ledger. Every balance
// change is a new immutable entry; corrections are compensating entries.
// The entry insert and the running-total updates commit together.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/events"
	"github.com/jkaninda/crucible/internal/observability"
)

// RecordRequest describes one ledger write.
type RecordRequest struct {
	Scope    domain.Scope
	Type     domain.EntryType
	Amount   int64 // Always positive; Type decides the direction.
	Metadata map[string]any
	// ReservationID, when set, is released in the same transaction.
	ReservationID *uuid.UUID
}

// Ledger records debits and credits against team, experiment and agent scopes.
type Ledger struct {
	store   Store
	bus     events.Publisher
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithPublisher(p events.Publisher) Option { return func(l *Ledger) { l.bus = p } }
func WithLogger(lg *slog.Logger) Option       { return func(l *Ledger) { l.logger = lg } }
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(l *Ledger) { l.metrics = m }
}
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}
	return l
}

// Store exposes the underlying store for collaborators that share it.
func (l *Ledger) Store() Store { return l.store }

// Record appends one entry. A write that would drive the team balance, an
// experiment's remaining cap or an agent's remaining cap below zero fails
// with domain.ErrInsufficientBalance and nothing is written.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (*domain.LedgerEntry, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: entry type %q", domain.ErrInvalidRequest, req.Type)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", domain.ErrInvalidRequest, req.Amount)
	}

	entry := &domain.LedgerEntry{
		ID:        uuid.New(),
		Scope:     req.Scope,
		Type:      req.Type,
		Amount:    req.Type.Sign() * req.Amount,
		Metadata:  req.Metadata,
		CreatedAt: l.now(),
	}
	if err := l.store.Post(ctx, entry, req.ReservationID); err != nil {
		if reason := rejectReason(err); reason != "" {
			l.metrics.RecordLedgerReject(reason)
			l.logger.WarnContext(ctx, "ledger write rejected",
				slog.String("team_id", req.Scope.TeamID.String()),
				slog.String("type", string(req.Type)),
				slog.Int64("amount", req.Amount),
				slog.String("error", err.Error()),
			)
		}
		return nil, fmt.Errorf("recording %s: %w", req.Type, err)
	}

	l.metrics.RecordPosted(string(req.Type), req.Amount)
	l.logger.InfoContext(ctx, "ledger entry recorded",
		slog.String("entry_id", entry.ID.String()),
		slog.String("team_id", req.Scope.TeamID.String()),
		slog.String("type", string(req.Type)),
		slog.Int64("amount", req.Amount),
		slog.Int64("balance_after", entry.BalanceAfter),
	)
	return entry, nil
}

// Fund tops up a team balance with a team-scoped credit.
func (l *Ledger) Fund(ctx context.Context, teamID uuid.UUID, amount int64, metadata map[string]any) (*domain.LedgerEntry, error) {
	return l.Record(ctx, RecordRequest{
		Scope:    domain.Scope{TeamID: teamID},
		Type:     domain.EntryCredit,
		Amount:   amount,
		Metadata: metadata,
	})
}

// Balance returns the team's current balance.
func (l *Ledger) Balance(ctx context.Context, teamID uuid.UUID) (int64, error) {
	t, err := l.store.GetTeam(ctx, teamID)
	if err != nil {
		return 0, err
	}
	return t.BalanceCredits, nil
}

// Entries lists entries newest first.
func (l *Ledger) Entries(ctx context.Context, f Filter) ([]domain.LedgerEntry, error) {
	return l.store.Entries(ctx, f)
}

// Reconciliation compares a denormalized counter against its entries.
type Reconciliation struct {
	Kind    string    `json:"kind"` // "team", "experiment" or "agent"
	ID      uuid.UUID `json:"id"`
	Counter int64     `json:"counter"`
	Ledger  int64     `json:"ledger"`
	Drift   int64     `json:"drift"`
}

// OK reports whether the counter matches the ledger.
func (r Reconciliation) OK() bool { return r.Drift == 0 }

// Reconcile checks every level named by scope. For the team the counter is
// the balance (credits minus debits); for experiments and agents it is the
// spent total. Drift is counter minus what the entries say.
func (l *Ledger) Reconcile(ctx context.Context, scope domain.Scope) ([]Reconciliation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	b, err := l.store.Balances(ctx, scope)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(b, scope); err != nil {
		return nil, err
	}

	var out []Reconciliation

	teamSum, err := l.store.SumEntries(ctx, Filter{TeamID: scope.TeamID})
	if err != nil {
		return nil, err
	}
	out = append(out, newReconciliation("team", b.Team.ID, b.Team.BalanceCredits, -teamSum))

	if b.Experiment != nil {
		sum, err := l.store.SumEntries(ctx, Filter{TeamID: scope.TeamID, ExperimentID: &b.Experiment.ID})
		if err != nil {
			return nil, err
		}
		out = append(out, newReconciliation("experiment", b.Experiment.ID, b.Experiment.BudgetSpentCredits, sum))
	}
	if b.Agent != nil {
		sum, err := l.store.SumEntries(ctx, Filter{TeamID: scope.TeamID, AgentID: &b.Agent.ID})
		if err != nil {
			return nil, err
		}
		out = append(out, newReconciliation("agent", b.Agent.ID, b.Agent.BudgetSpentCredits, sum))
	}

	for _, r := range out {
		if !r.OK() {
			l.logger.ErrorContext(ctx, "ledger drift detected",
				slog.String("kind", r.Kind),
				slog.String("id", r.ID.String()),
				slog.Int64("counter", r.Counter),
				slog.Int64("ledger", r.Ledger),
			)
		}
	}
	return out, nil
}

func newReconciliation(kind string, id uuid.UUID, counter, ledger int64) Reconciliation {
	return Reconciliation{Kind: kind, ID: id, Counter: counter, Ledger: ledger, Drift: counter - ledger}
}

// FlagShortfall persists a failed settlement, counts it and publishes it.
// It returns the persistence error, if any; publication is best effort.
func (l *Ledger) FlagShortfall(ctx context.Context, s *domain.Shortfall) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = l.now()
	}

	l.metrics.RecordShortfall(s.Credits)
	l.logger.ErrorContext(ctx, "settlement shortfall",
		slog.String("shortfall_id", s.ID.String()),
		slog.String("team_id", s.Scope.TeamID.String()),
		slog.Int64("credits", s.Credits),
		slog.String("reason", s.Reason),
		slog.String("idempotency_key", s.IdempotencyKey),
	)

	err := l.store.AppendShortfall(ctx, s)
	if err != nil {
		l.logger.ErrorContext(ctx, "persisting shortfall failed",
			slog.String("shortfall_id", s.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if l.bus != nil {
		_ = l.bus.Publish(ctx, events.SettlementShortfall{Shortfall: *s})
	}
	return err
}

// Shortfalls lists recorded settlement shortfalls for a team.
func (l *Ledger) Shortfalls(ctx context.Context, teamID uuid.UUID, unresolvedOnly bool) ([]domain.Shortfall, error) {
	return l.store.Shortfalls(ctx, teamID, unresolvedOnly)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrExperimentNotActive):
		return "experiment_not_active"
	default:
		return ""
	}
}
