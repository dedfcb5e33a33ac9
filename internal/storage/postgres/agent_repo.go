package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/crucible/internal/domain"
)

// AgentRepository implements agents.Store with GORM.
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

func (r *AgentRepository) CreateAgent(ctx context.Context, a *domain.Agent) error {
	m := toAgentModel(a)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	return nil
}

func (r *AgentRepository) GetAgent(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	var m AgentModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	return toAgentDomain(&m), nil
}

func (r *AgentRepository) ListAgents(ctx context.Context, teamID uuid.UUID) ([]domain.Agent, error) {
	var models []AgentModel
	if err := r.db.WithContext(ctx).
		Scopes(TeamScope(teamID)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	out := make([]domain.Agent, len(models))
	for i := range models {
		out[i] = *toAgentDomain(&models[i])
	}
	return out, nil
}

func (r *AgentRepository) SetAgentStatus(ctx context.Context, id uuid.UUID, status domain.AgentStatus) error {
	result := r.db.WithContext(ctx).
		Model(&AgentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("updating agent status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *AgentRepository) RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) (*domain.Agent, error) {
	var out *domain.Agent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m AgentModel
		err := forUpdate(tx).First(&m, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("locking agent: %w", err)
		}
		seen := at.UTC()
		m.LastSeenAt = &seen
		if m.Status == string(domain.AgentOffline) {
			m.Status = string(domain.AgentActive)
		}
		m.UpdatedAt = time.Now().UTC()
		if err := tx.Model(&AgentModel{}).Where("id = ?", id).Updates(map[string]any{
			"last_seen_at": m.LastSeenAt,
			"status":       m.Status,
			"updated_at":   m.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("recording heartbeat: %w", err)
		}
		out = toAgentDomain(&m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *AgentRepository) MarkStale(ctx context.Context, cutoff time.Time) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&AgentModel{}).
		Where("status IN ? AND last_seen_at IS NOT NULL AND last_seen_at < ?",
			[]string{string(domain.AgentActive), string(domain.AgentDegraded)}, cutoff.UTC()).
		Updates(map[string]any{"status": string(domain.AgentOffline), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return 0, fmt.Errorf("marking stale agents: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}
