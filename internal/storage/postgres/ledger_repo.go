package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/ledger"
)

// LedgerRepository implements ledger.Store with GORM.
// Post and Reserve lock the team, experiment and agent rows (in that order)
// with SELECT ... FOR UPDATE so the check and the write see the same counters.
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a LedgerRepository.
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// EnsureTeam returns the team, creating it with a zero balance if absent.
func (r *LedgerRepository) EnsureTeam(ctx context.Context, id uuid.UUID, name string) (*domain.Team, error) {
	if id == uuid.Nil {
		return nil, domain.ErrInvalidScope
	}
	now := time.Now().UTC()
	m := TeamModel{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&m).Error; err != nil {
		return nil, fmt.Errorf("creating team: %w", err)
	}
	return r.GetTeam(ctx, id)
}

func (r *LedgerRepository) GetTeam(ctx context.Context, id uuid.UUID) (*domain.Team, error) {
	var m TeamModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: team %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting team: %w", err)
	}
	return toTeamDomain(&m), nil
}

func (r *LedgerRepository) Balances(ctx context.Context, scope domain.Scope) (ledger.Balances, error) {
	return loadBalances(r.db.WithContext(ctx), scope)
}

// loadBalances reads the counters named by scope. Inside a transaction
// passed through forUpdate, the rows stay locked until commit.
func loadBalances(db *gorm.DB, scope domain.Scope) (ledger.Balances, error) {
	var b ledger.Balances

	var team TeamModel
	switch err := db.First(&team, "id = ?", scope.TeamID).Error; {
	case err == nil:
		b.Team = toTeamDomain(&team)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return b, fmt.Errorf("loading team: %w", err)
	}

	if scope.ExperimentID != nil {
		var exp ExperimentModel
		switch err := db.First(&exp, "id = ?", *scope.ExperimentID).Error; {
		case err == nil:
			b.Experiment = toExperimentDomain(&exp)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return b, fmt.Errorf("loading experiment: %w", err)
		}
	}

	if scope.AgentID != nil {
		var ag AgentModel
		switch err := db.First(&ag, "id = ?", *scope.AgentID).Error; {
		case err == nil:
			b.Agent = toAgentDomain(&ag)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return b, fmt.Errorf("loading agent: %w", err)
		}
	}
	return b, nil
}

// Post inserts entry and moves every counter it touches in one transaction.
func (r *LedgerRepository) Post(ctx context.Context, entry *domain.LedgerEntry, reservationID *uuid.UUID) error {
	return WithRetry(ctx, defaultMaxRetries, defaultRetryDelay, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			b, err := loadBalances(forUpdate(tx), entry.Scope)
			if err != nil {
				return err
			}

			amount := entry.Type.Sign() * entry.Amount
			balance, err := ledger.CheckPost(b, entry.Scope, entry.Type, amount)
			if err != nil {
				return err
			}

			now := entry.CreatedAt
			if err := tx.Model(&TeamModel{}).
				Where("id = ?", entry.Scope.TeamID).
				Updates(map[string]any{"balance_credits": balance, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("updating team balance: %w", err)
			}
			spent := map[string]any{
				"budget_spent_credits": gorm.Expr("budget_spent_credits + ?", entry.Amount),
				"updated_at":           now,
			}
			if entry.Scope.ExperimentID != nil {
				if err := tx.Model(&ExperimentModel{}).
					Where("id = ?", *entry.Scope.ExperimentID).
					Updates(spent).Error; err != nil {
					return fmt.Errorf("updating experiment spend: %w", err)
				}
			}
			if entry.Scope.AgentID != nil {
				if err := tx.Model(&AgentModel{}).
					Where("id = ?", *entry.Scope.AgentID).
					Updates(spent).Error; err != nil {
					return fmt.Errorf("updating agent spend: %w", err)
				}
			}

			entry.BalanceAfter = balance
			m := toLedgerEntryModel(entry)
			if err := tx.Create(&m).Error; err != nil {
				return fmt.Errorf("inserting ledger entry: %w", err)
			}

			if reservationID != nil {
				if err := tx.Model(&ReservationModel{}).
					Where("id = ? AND released_at IS NULL", *reservationID).
					Update("released_at", now).Error; err != nil {
					return fmt.Errorf("releasing reservation: %w", err)
				}
			}
			return nil
		})
	})
}

// Entries returns matching entries, newest first.
func (r *LedgerRepository) Entries(ctx context.Context, f ledger.Filter) ([]domain.LedgerEntry, error) {
	q := r.db.WithContext(ctx).Scopes(FilterScope(f)).Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var models []LedgerEntryModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	out := make([]domain.LedgerEntry, len(models))
	for i := range models {
		out[i] = toLedgerEntryDomain(&models[i])
	}
	return out, nil
}

func (r *LedgerRepository) SumEntries(ctx context.Context, f ledger.Filter) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Scopes(FilterScope(f)).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("summing ledger entries: %w", err)
	}
	return sum, nil
}

// Reserve atomically checks available budget and inserts the reservation.
func (r *LedgerRepository) Reserve(ctx context.Context, res *domain.Reservation) error {
	return WithRetry(ctx, defaultMaxRetries, defaultRetryDelay, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			b, err := loadBalances(forUpdate(tx), res.Scope)
			if err != nil {
				return err
			}
			reserved, err := reservedFor(tx, res.Scope, res.CreatedAt)
			if err != nil {
				return err
			}
			if err := ledger.CheckReserve(b, res.Scope, reserved, res.Amount); err != nil {
				return err
			}
			m := toReservationModel(res)
			return tx.Create(&m).Error
		})
	})
}

// reservedFor sums the active reservations at each level of scope.
func reservedFor(tx *gorm.DB, scope domain.Scope, now time.Time) (ledger.Reserved, error) {
	var out ledger.Reserved
	sum := func(dst *int64, where string, args ...any) error {
		return tx.Model(&ReservationModel{}).
			Where("team_id = ? AND released_at IS NULL AND expires_at > ?", scope.TeamID, now).
			Where(where, args...).
			Select("COALESCE(SUM(amount), 0)").
			Scan(dst).Error
	}
	if err := sum(&out.Team, "1 = 1"); err != nil {
		return out, fmt.Errorf("summing reservations: %w", err)
	}
	if scope.ExperimentID != nil {
		if err := sum(&out.Experiment, "experiment_id = ?", *scope.ExperimentID); err != nil {
			return out, fmt.Errorf("summing experiment reservations: %w", err)
		}
	}
	if scope.AgentID != nil {
		if err := sum(&out.Agent, "agent_id = ?", *scope.AgentID); err != nil {
			return out, fmt.Errorf("summing agent reservations: %w", err)
		}
	}
	return out, nil
}

// ReleaseReservation marks a reservation as released. Releasing twice is a no-op.
func (r *LedgerRepository) ReleaseReservation(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&ReservationModel{}).
		Where("id = ? AND released_at IS NULL", id).
		Update("released_at", time.Now().UTC())
	if result.Error != nil {
		return fmt.Errorf("releasing reservation: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := r.db.WithContext(ctx).Model(&ReservationModel{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("looking up reservation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: reservation %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *LedgerRepository) ActiveReserved(ctx context.Context, f ledger.Filter, now time.Time) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&ReservationModel{}).
		Scopes(FilterScope(f)).
		Where("released_at IS NULL AND expires_at > ?", now).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("summing reservations: %w", err)
	}
	return sum, nil
}

// ReleaseExpired releases every reservation whose TTL has passed.
func (r *LedgerRepository) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&ReservationModel{}).
		Where("released_at IS NULL AND expires_at <= ?", now).
		Update("released_at", now)
	if result.Error != nil {
		return 0, fmt.Errorf("releasing expired reservations: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (r *LedgerRepository) AppendShortfall(ctx context.Context, s *domain.Shortfall) error {
	m := toShortfallModel(s)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("recording shortfall: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Shortfalls(ctx context.Context, teamID uuid.UUID, unresolvedOnly bool) ([]domain.Shortfall, error) {
	q := r.db.WithContext(ctx).Scopes(TeamScope(teamID)).Order("created_at ASC")
	if unresolvedOnly {
		q = q.Where("resolved_at IS NULL")
	}
	var models []ShortfallModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing shortfalls: %w", err)
	}
	out := make([]domain.Shortfall, len(models))
	for i := range models {
		out[i] = toShortfallDomain(&models[i])
	}
	return out, nil
}
