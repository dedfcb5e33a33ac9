package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/crucible/internal/domain"
)

// ExperimentRepository implements experiment.Store with GORM.
type ExperimentRepository struct {
	db *gorm.DB
}

// NewExperimentRepository creates an ExperimentRepository.
func NewExperimentRepository(db *gorm.DB) *ExperimentRepository {
	return &ExperimentRepository{db: db}
}

func (r *ExperimentRepository) CreateExperiment(ctx context.Context, e *domain.Experiment) error {
	m := toExperimentModel(e)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("creating experiment: %w", err)
	}
	return nil
}

func (r *ExperimentRepository) GetExperiment(ctx context.Context, id uuid.UUID) (*domain.Experiment, error) {
	var m ExperimentModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: experiment %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting experiment: %w", err)
	}
	return toExperimentDomain(&m), nil
}

func (r *ExperimentRepository) ListExperiments(ctx context.Context, teamID uuid.UUID) ([]domain.Experiment, error) {
	var models []ExperimentModel
	if err := r.db.WithContext(ctx).
		Scopes(TeamScope(teamID)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	out := make([]domain.Experiment, len(models))
	for i := range models {
		out[i] = *toExperimentDomain(&models[i])
	}
	return out, nil
}

// CompareAndSetStatus is a conditional UPDATE ... WHERE status = from. Zero
// affected rows means another writer moved the experiment first.
func (r *ExperimentRepository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from domain.ExperimentStatus, rec *domain.TransitionRecord, bumpIteration bool) (*domain.Experiment, error) {
	var out *domain.Experiment
	err := WithRetry(ctx, defaultMaxRetries, defaultRetryDelay, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			updates := map[string]any{
				"status":     string(rec.To),
				"updated_at": rec.CreatedAt,
			}
			if bumpIteration {
				updates["current_iteration"] = gorm.Expr("current_iteration + 1")
			}
			result := tx.Model(&ExperimentModel{}).
				Where("id = ? AND status = ?", id, string(from)).
				Updates(updates)
			if result.Error != nil {
				return fmt.Errorf("updating experiment status: %w", result.Error)
			}

			var m ExperimentModel
			err := tx.First(&m, "id = ?", id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: experiment %s", domain.ErrNotFound, id)
			}
			if err != nil {
				return fmt.Errorf("getting experiment: %w", err)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: experiment %s is %s, expected %s", domain.ErrStatusConflict, id, m.Status, from)
			}

			tm := toTransitionModel(rec)
			if err := tx.Create(&tm).Error; err != nil {
				return fmt.Errorf("recording transition: %w", err)
			}
			out = toExperimentDomain(&m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transitions returns the audit trail for an experiment, oldest first.
func (r *ExperimentRepository) Transitions(ctx context.Context, id uuid.UUID) ([]domain.TransitionRecord, error) {
	var models []TransitionModel
	if err := r.db.WithContext(ctx).
		Where("experiment_id = ?", id).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	out := make([]domain.TransitionRecord, len(models))
	for i := range models {
		out[i] = toTransitionDomain(&models[i])
	}
	return out, nil
}
