// Package experiment owns the experiment lifecycle: creation and validated
// status transitions, each followed by a Transitioned event.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/events"
	"github.com/jkaninda/crucible/internal/observability"
)

// maxCASAttempts bounds re-reads when another writer changes the status
// between our read and our compare-and-set.
const maxCASAttempts = 3

// NewExperiment is the input to Machine.Create.
type NewExperiment struct {
	TeamID           uuid.UUID
	Name             string
	BudgetCapCredits int64
}

// Machine validates and applies experiment status transitions.
type Machine struct {
	store   Store
	bus     events.Publisher
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	now     func() time.Time
}

// NewMachine creates a Machine. bus, logger and metrics may be nil.
func NewMachine(store Store, bus events.Publisher, logger *slog.Logger, metrics *observability.MetricsCollector) *Machine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Machine{
		store:   store,
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new experiment in Draft.
func (m *Machine) Create(ctx context.Context, in NewExperiment) (*domain.Experiment, error) {
	if in.TeamID == uuid.Nil {
		return nil, domain.ErrInvalidScope
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: experiment name is required", domain.ErrInvalidRequest)
	}
	if in.BudgetCapCredits < 0 {
		return nil, fmt.Errorf("%w: budget cap must not be negative", domain.ErrInvalidRequest)
	}

	now := m.now()
	e := &domain.Experiment{
		ID:               uuid.New(),
		TeamID:           in.TeamID,
		Name:             name,
		Status:           domain.StatusDraft,
		BudgetCapCredits: in.BudgetCapCredits,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateExperiment(ctx, e); err != nil {
		return nil, fmt.Errorf("creating experiment: %w", err)
	}
	m.logger.InfoContext(ctx, "experiment created",
		slog.String("experiment_id", e.ID.String()),
		slog.String("team_id", e.TeamID.String()),
		slog.Int64("budget_cap_credits", e.BudgetCapCredits),
	)
	return e, nil
}

// Get returns an experiment by id.
func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*domain.Experiment, error) {
	return m.store.GetExperiment(ctx, id)
}

// List returns a team's experiments, oldest first.
func (m *Machine) List(ctx context.Context, teamID uuid.UUID) ([]domain.Experiment, error) {
	return m.store.ListExperiments(ctx, teamID)
}

// History returns the transition records of an experiment, oldest first.
func (m *Machine) History(ctx context.Context, id uuid.UUID) ([]domain.TransitionRecord, error) {
	return m.store.Transitions(ctx, id)
}

// Transition moves experiment id to status to.
//
// Moves out of a terminal state and moves that are not edges of the
// lifecycle graph fail with a *domain.TransitionError. The status write and
// its transition record commit together; the Transitioned event is
// published only afterwards, and a publish failure never undoes the write.
func (m *Machine) Transition(ctx context.Context, id uuid.UUID, to domain.ExperimentStatus, reason, actor string) (*domain.Experiment, error) {
	var lastErr error
	for range maxCASAttempts {
		current, err := m.store.GetExperiment(ctx, id)
		if err != nil {
			return nil, err
		}
		from := current.Status
		if err := validate(from, to); err != nil {
			return nil, err
		}

		rec := &domain.TransitionRecord{
			ID:           uuid.New(),
			ExperimentID: id,
			From:         from,
			To:           to,
			Reason:       reason,
			Actor:        actor,
			CreatedAt:    m.now(),
		}
		bump := from == domain.StatusAwaitingApproval && to == domain.StatusRunning

		updated, err := m.store.CompareAndSetStatus(ctx, id, from, rec, bump)
		if errors.Is(err, domain.ErrStatusConflict) {
			lastErr = err
			m.logger.DebugContext(ctx, "transition raced, re-reading",
				slog.String("experiment_id", id.String()),
				slog.String("expected", string(from)),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("applying transition: %w", err)
		}

		m.metrics.RecordTransition(string(from), string(to))
		m.logger.InfoContext(ctx, "experiment transitioned",
			slog.String("experiment_id", id.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("reason", reason),
			slog.String("actor", actor),
		)
		m.publish(ctx, events.Transitioned{
			ExperimentID: id,
			From:         from,
			To:           to,
			Reason:       reason,
			Timestamp:    rec.CreatedAt,
		})
		return updated, nil
	}
	return nil, fmt.Errorf("transition of %s to %s: %w", id, to, lastErr)
}

func (m *Machine) publish(ctx context.Context, ev events.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.WarnContext(ctx, "transition event delivery incomplete",
			slog.String("topic", string(ev.Topic())),
			slog.String("error", err.Error()),
		)
	}
}
