package experiment

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/domain"
)

// Store is the persistence collaborator for experiments.
type Store interface {
	CreateExperiment(ctx context.Context, e *domain.Experiment) error
	GetExperiment(ctx context.Context, id uuid.UUID) (*domain.Experiment, error)
	ListExperiments(ctx context.Context, teamID uuid.UUID) ([]domain.Experiment, error)

	// CompareAndSetStatus moves the experiment from -> rec.To only if its
	// current status is still from, appending rec in the same transaction.
	// When bumpIteration is set, CurrentIteration is incremented as well.
	// Returns domain.ErrStatusConflict if the status no longer matches.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from domain.ExperimentStatus, rec *domain.TransitionRecord, bumpIteration bool) (*domain.Experiment, error)
	Transitions(ctx context.Context, id uuid.UUID) ([]domain.TransitionRecord, error)
}
