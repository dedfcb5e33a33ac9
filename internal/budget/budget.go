// Package budget decides whether experiments and agents may keep spending.
// Check reports standing against the cap and the soft-threshold policy;
// Preauthorize reserves an estimate before a provider call is made.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/observability"
)

// Mode decides what happens once the soft threshold is crossed.
type Mode string

const (
	// ModeDeny reports not-ok at the soft threshold.
	ModeDeny Mode = "deny"
	// ModeWarn logs at the soft threshold and only denies at 100%.
	ModeWarn Mode = "warn"
)

// ParseMode converts a config value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDeny, ModeWarn:
		return Mode(s), nil
	case "":
		return ModeDeny, nil
	default:
		return "", fmt.Errorf("unknown budget policy mode %q", s)
	}
}

// Policy configures the guard.
type Policy struct {
	SoftThreshold  float64 // Fraction of cap, (0, 1]. Default 1.0.
	Mode           Mode
	ReservationTTL time.Duration // Default 5m.
}

func (p Policy) threshold() float64 {
	if p.SoftThreshold > 0 && p.SoftThreshold <= 1 {
		return p.SoftThreshold
	}
	return 1.0
}

func (p Policy) ttl() time.Duration {
	if p.ReservationTTL > 0 {
		return p.ReservationTTL
	}
	return 5 * time.Minute
}

// Standing is the outcome of a budget check.
type Standing struct {
	OK      bool    `json:"ok"`
	Reason  string  `json:"reason,omitempty"`
	PctUsed float64 `json:"pct_used"`
	Spent   int64   `json:"spent"`
	Cap     int64   `json:"cap"`
	// Warning is set when the soft threshold is crossed in warn mode.
	Warning bool `json:"warning,omitempty"`
}

// Evaluate computes standing for spent against limit. A limit of 0 is
// unlimited and always ok.
func Evaluate(spent, limit int64, p Policy) Standing {
	s := Standing{OK: true, Spent: spent, Cap: limit}
	if limit <= 0 {
		return s
	}
	s.PctUsed = float64(spent) / float64(limit)
	soft := p.threshold()
	switch {
	case s.PctUsed >= 1.0:
		s.OK = false
		s.Reason = fmt.Sprintf("budget exhausted: %d of %d credits used", spent, limit)
	case s.PctUsed >= soft && p.Mode != ModeWarn:
		s.OK = false
		s.Reason = fmt.Sprintf("budget at %.1f%%, soft limit %.1f%%", s.PctUsed*100, soft*100)
	case s.PctUsed >= soft:
		s.Warning = true
	}
	return s
}

// Reader loads the entities a check needs.
type Reader interface {
	GetExperiment(ctx context.Context, id uuid.UUID) (*domain.Experiment, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*domain.Agent, error)
}

// Guard enforces budget caps. It is safe for concurrent use; atomicity of
// pre-authorization is delegated to ledger.Store.Reserve.
type Guard struct {
	reader  Reader
	store   ledger.Store
	policy  Policy
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	now     func() time.Time
}

// NewGuard creates a Guard. logger and metrics may be nil.
func NewGuard(reader Reader, store ledger.Store, policy Policy, logger *slog.Logger, metrics *observability.MetricsCollector) *Guard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if policy.Mode == "" {
		policy.Mode = ModeDeny
	}
	return &Guard{
		reader:  reader,
		store:   store,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the policy in effect.
func (g *Guard) Policy() Policy { return g.policy }

// Check reports the experiment's standing: pctUsed = spent/cap.
func (g *Guard) Check(ctx context.Context, experimentID uuid.UUID) (Standing, error) {
	e, err := g.reader.GetExperiment(ctx, experimentID)
	if err != nil {
		return Standing{}, err
	}
	s := Evaluate(e.BudgetSpentCredits, e.BudgetCapCredits, g.policy)
	g.report(ctx, "experiment", experimentID, s)
	return s, nil
}

// CheckAgent reports the agent's standing. Agents that are not available
// for dispatch are never ok.
func (g *Guard) CheckAgent(ctx context.Context, agentID uuid.UUID) (Standing, error) {
	a, err := g.reader.GetAgent(ctx, agentID)
	if err != nil {
		return Standing{}, err
	}
	s := Evaluate(a.BudgetSpentCredits, a.BudgetCapCredits, g.policy)
	if !a.Status.Available() {
		s.OK = false
		s.Reason = fmt.Sprintf("agent is %s", a.Status)
	}
	g.report(ctx, "agent", agentID, s)
	return s, nil
}

func (g *Guard) report(ctx context.Context, kind string, id uuid.UUID, s Standing) {
	switch {
	case !s.OK:
		g.metrics.RecordBudgetDenial("check")
		g.logger.WarnContext(ctx, "budget check failed",
			slog.String("kind", kind),
			slog.String("id", id.String()),
			slog.String("reason", s.Reason),
			slog.Float64("pct_used", s.PctUsed),
		)
	case s.Warning:
		g.logger.WarnContext(ctx, "budget soft threshold crossed",
			slog.String("kind", kind),
			slog.String("id", id.String()),
			slog.Float64("pct_used", s.PctUsed),
		)
	}
}

// Preauthorize reserves estimate credits against every level of scope.
// It allows only if spent + active reservations + estimate fits each cap
// and the team balance. Denials return domain.ErrBudgetExceeded, or
// domain.ErrExperimentNotActive once the experiment is paused or finished.
//
// The returned reservation must be settled through the ledger or released
// with Release; otherwise it lapses after the policy TTL.
func (g *Guard) Preauthorize(ctx context.Context, scope domain.Scope, estimate int64) (*domain.Reservation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if estimate < 0 {
		return nil, fmt.Errorf("%w: negative estimate", domain.ErrInvalidRequest)
	}

	now := g.now()
	res := &domain.Reservation{
		ID:        uuid.New(),
		Scope:     scope,
		Amount:    estimate,
		CreatedAt: now,
		ExpiresAt: now.Add(g.policy.ttl()),
	}
	if err := g.store.Reserve(ctx, res); err != nil {
		if errors.Is(err, domain.ErrBudgetExceeded) || errors.Is(err, domain.ErrAgentUnavailable) ||
			errors.Is(err, domain.ErrExperimentNotActive) {
			g.metrics.RecordBudgetDenial("preauthorize")
			g.logger.WarnContext(ctx, "pre-authorization denied",
				slog.String("team_id", scope.TeamID.String()),
				slog.Int64("estimate", estimate),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	g.logger.DebugContext(ctx, "budget reserved",
		slog.String("reservation_id", res.ID.String()),
		slog.String("team_id", scope.TeamID.String()),
		slog.Int64("amount", estimate),
	)
	return res, nil
}

// Release frees a reservation without recording spend. Releasing twice is
// a no-op.
func (g *Guard) Release(ctx context.Context, reservationID uuid.UUID) error {
	if err := g.store.ReleaseReservation(ctx, reservationID); err != nil {
		return fmt.Errorf("releasing reservation %s: %w", reservationID, err)
	}
	return nil
}

// Remaining returns credits still available to scope after active
// reservations: the minimum over every capped level and the team balance.
func (g *Guard) Remaining(ctx context.Context, scope domain.Scope) (int64, error) {
	b, err := g.store.Balances(ctx, scope)
	if err != nil {
		return 0, err
	}
	if b.Team == nil {
		return 0, fmt.Errorf("%w: team %s", domain.ErrNotFound, scope.TeamID)
	}
	now := g.now()
	reserved, err := g.store.ActiveReserved(ctx, ledger.Filter{TeamID: scope.TeamID}, now)
	if err != nil {
		return 0, err
	}
	remaining := b.Team.BalanceCredits - reserved
	if e := b.Experiment; e != nil && e.BudgetCapCredits > 0 {
		r, err := g.store.ActiveReserved(ctx, ledger.Filter{TeamID: scope.TeamID, ExperimentID: &e.ID}, now)
		if err != nil {
			return 0, err
		}
		remaining = min(remaining, e.BudgetCapCredits-e.BudgetSpentCredits-r)
	}
	if a := b.Agent; a != nil && a.BudgetCapCredits > 0 {
		r, err := g.store.ActiveReserved(ctx, ledger.Filter{TeamID: scope.TeamID, AgentID: &a.ID}, now)
		if err != nil {
			return 0, err
		}
		remaining = min(remaining, a.BudgetCapCredits-a.BudgetSpentCredits-r)
	}
	return max(remaining, 0), nil
}
