package postgres

import (
	"maps"

	"github.com/jkaninda/crucible/internal/domain"
)

// --- Team ---

func toTeamDomain(m *TeamModel) *domain.Team {
	return &domain.Team{
		ID:             m.ID,
		Name:           m.Name,
		BalanceCredits: m.BalanceCredits,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// --- Experiment ---

func toExperimentModel(e *domain.Experiment) ExperimentModel {
	return ExperimentModel{
		ID:                 e.ID,
		TeamID:             e.TeamID,
		Name:               e.Name,
		Status:             string(e.Status),
		BudgetCapCredits:   e.BudgetCapCredits,
		BudgetSpentCredits: e.BudgetSpentCredits,
		CurrentIteration:   e.CurrentIteration,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

func toExperimentDomain(m *ExperimentModel) *domain.Experiment {
	return &domain.Experiment{
		ID:                 m.ID,
		TeamID:             m.TeamID,
		Name:               m.Name,
		Status:             domain.ExperimentStatus(m.Status),
		BudgetCapCredits:   m.BudgetCapCredits,
		BudgetSpentCredits: m.BudgetSpentCredits,
		CurrentIteration:   m.CurrentIteration,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func toTransitionModel(r *domain.TransitionRecord) TransitionModel {
	return TransitionModel{
		ID:           r.ID,
		ExperimentID: r.ExperimentID,
		FromStatus:   string(r.From),
		ToStatus:     string(r.To),
		Reason:       r.Reason,
		Actor:        r.Actor,
		CreatedAt:    r.CreatedAt,
	}
}

func toTransitionDomain(m *TransitionModel) domain.TransitionRecord {
	return domain.TransitionRecord{
		ID:           m.ID,
		ExperimentID: m.ExperimentID,
		From:         domain.ExperimentStatus(m.FromStatus),
		To:           domain.ExperimentStatus(m.ToStatus),
		Reason:       m.Reason,
		Actor:        m.Actor,
		CreatedAt:    m.CreatedAt,
	}
}

// --- Agent ---

func toAgentModel(a *domain.Agent) AgentModel {
	return AgentModel{
		ID:                 a.ID,
		TeamID:             a.TeamID,
		Name:               a.Name,
		Status:             string(a.Status),
		BudgetCapCredits:   a.BudgetCapCredits,
		BudgetSpentCredits: a.BudgetSpentCredits,
		LastSeenAt:         a.LastSeenAt,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func toAgentDomain(m *AgentModel) *domain.Agent {
	return &domain.Agent{
		ID:                 m.ID,
		TeamID:             m.TeamID,
		Name:               m.Name,
		Status:             domain.AgentStatus(m.Status),
		BudgetCapCredits:   m.BudgetCapCredits,
		BudgetSpentCredits: m.BudgetSpentCredits,
		LastSeenAt:         m.LastSeenAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

// --- Ledger ---

func toLedgerEntryModel(e *domain.LedgerEntry) LedgerEntryModel {
	return LedgerEntryModel{
		ID:           e.ID,
		TeamID:       e.Scope.TeamID,
		UserID:       e.Scope.UserID,
		ExperimentID: e.Scope.ExperimentID,
		AgentID:      e.Scope.AgentID,
		EntryType:    string(e.Type),
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Metadata:     maps.Clone(e.Metadata),
		CreatedAt:    e.CreatedAt,
	}
}

func toLedgerEntryDomain(m *LedgerEntryModel) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID: m.ID,
		Scope: domain.Scope{
			TeamID:       m.TeamID,
			UserID:       m.UserID,
			ExperimentID: m.ExperimentID,
			AgentID:      m.AgentID,
		},
		Type:         domain.EntryType(m.EntryType),
		Amount:       m.Amount,
		BalanceAfter: m.BalanceAfter,
		Metadata:     m.Metadata,
		CreatedAt:    m.CreatedAt,
	}
}

func toReservationModel(r *domain.Reservation) ReservationModel {
	return ReservationModel{
		ID:           r.ID,
		TeamID:       r.Scope.TeamID,
		UserID:       r.Scope.UserID,
		ExperimentID: r.Scope.ExperimentID,
		AgentID:      r.Scope.AgentID,
		Amount:       r.Amount,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		ReleasedAt:   r.ReleasedAt,
	}
}

func toShortfallModel(s *domain.Shortfall) ShortfallModel {
	return ShortfallModel{
		ID:             s.ID,
		TeamID:         s.Scope.TeamID,
		UserID:         s.Scope.UserID,
		ExperimentID:   s.Scope.ExperimentID,
		AgentID:        s.Scope.AgentID,
		Credits:        s.Credits,
		Reason:         s.Reason,
		IdempotencyKey: s.IdempotencyKey,
		Provider:       s.Provider,
		Model:          s.Model,
		CreatedAt:      s.CreatedAt,
		ResolvedAt:     s.ResolvedAt,
	}
}

func toShortfallDomain(m *ShortfallModel) domain.Shortfall {
	return domain.Shortfall{
		ID: m.ID,
		Scope: domain.Scope{
			TeamID:       m.TeamID,
			UserID:       m.UserID,
			ExperimentID: m.ExperimentID,
			AgentID:      m.AgentID,
		},
		Credits:        m.Credits,
		Reason:         m.Reason,
		IdempotencyKey: m.IdempotencyKey,
		Provider:       m.Provider,
		Model:          m.Model,
		CreatedAt:      m.CreatedAt,
		ResolvedAt:     m.ResolvedAt,
	}
}
