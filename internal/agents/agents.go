// Package agents keeps the registry of agents that spend credits on behalf
// of a team, along with their dispatch status and budget caps.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/domain"
)

// Store persists agents.
type Store interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*domain.Agent, error)
	ListAgents(ctx context.Context, teamID uuid.UUID) ([]domain.Agent, error)
	SetAgentStatus(ctx context.Context, id uuid.UUID, status domain.AgentStatus) error
	// RecordHeartbeat stamps last_seen_at and brings an offline agent back
	// to active. Disabled and degraded agents keep their status.
	RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) (*domain.Agent, error)
	// MarkStale moves available agents last seen before cutoff to offline
	// and returns how many changed. Agents that never sent a heartbeat are
	// left alone.
	MarkStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Registry manages agents.
type Registry struct {
	store  Store
	logger *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{store: store, logger: logger}
}

// Register creates an Active agent for a team. A cap of 0 means uncapped.
func (r *Registry) Register(ctx context.Context, teamID uuid.UUID, name string, capCredits int64) (*domain.Agent, error) {
	if teamID == uuid.Nil {
		return nil, domain.ErrInvalidScope
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: agent name is required", domain.ErrInvalidRequest)
	}
	if capCredits < 0 {
		return nil, fmt.Errorf("%w: budget cap must not be negative", domain.ErrInvalidRequest)
	}
	now := time.Now().UTC()
	a := &domain.Agent{
		ID:               uuid.New(),
		TeamID:           teamID,
		Name:             name,
		Status:           domain.AgentActive,
		BudgetCapCredits: capCredits,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}
	r.logger.InfoContext(ctx, "agent registered",
		slog.String("agent_id", a.ID.String()),
		slog.String("team_id", teamID.String()),
	)
	return a, nil
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns the agents of a team.
func (r *Registry) List(ctx context.Context, teamID uuid.UUID) ([]domain.Agent, error) {
	return r.store.ListAgents(ctx, teamID)
}

// SetStatus changes an agent's dispatch status.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, status domain.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: agent status %q", domain.ErrInvalidRequest, status)
	}
	if err := r.store.SetAgentStatus(ctx, id, status); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "agent status changed",
		slog.String("agent_id", id.String()),
		slog.String("status", string(status)),
	)
	return nil
}

// Heartbeat records that an agent is alive.
func (r *Registry) Heartbeat(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	prev, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := r.store.RecordHeartbeat(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if prev.Status != a.Status {
		r.logger.InfoContext(ctx, "agent back online",
			slog.String("agent_id", id.String()),
			slog.String("status", string(a.Status)),
		)
	}
	return a, nil
}
