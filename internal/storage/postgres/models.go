package postgres

import (
	"time"

	"github.com/google/uuid"
)

// TeamModel maps to the "teams" table.
type TeamModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"not null"`
	BalanceCredits int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (TeamModel) TableName() string { return "teams" }

// ExperimentModel maps to the "experiments" table.
type ExperimentModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	TeamID             uuid.UUID `gorm:"type:uuid;not null;index"`
	Name               string    `gorm:"not null"`
	Status             string    `gorm:"not null;index"`
	BudgetCapCredits   int64     `gorm:"not null;default:0"`
	BudgetSpentCredits int64     `gorm:"not null;default:0"`
	CurrentIteration   int       `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (ExperimentModel) TableName() string { return "experiments" }

// TransitionModel maps to the "experiment_transitions" table.
// Append-only: rows are never updated.
type TransitionModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExperimentID uuid.UUID `gorm:"type:uuid;not null;index"`
	FromStatus   string    `gorm:"not null"`
	ToStatus     string    `gorm:"not null"`
	Reason       string
	Actor        string
	CreatedAt    time.Time `gorm:"index"`
}

func (TransitionModel) TableName() string { return "experiment_transitions" }

// AgentModel maps to the "agents" table.
type AgentModel struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TeamID             uuid.UUID  `gorm:"type:uuid;not null;index"`
	Name               string     `gorm:"not null"`
	Status             string     `gorm:"not null"`
	BudgetCapCredits   int64      `gorm:"not null;default:0"`
	BudgetSpentCredits int64      `gorm:"not null;default:0"`
	LastSeenAt         *time.Time `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (AgentModel) TableName() string { return "agents" }

// LedgerEntryModel maps to the "ledger_entries" table.
// Immutable: no UpdatedAt, no DeletedAt.
type LedgerEntryModel struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TeamID       uuid.UUID      `gorm:"type:uuid;not null;index:idx_ledger_team_created"`
	UserID       string         `gorm:"index"`
	ExperimentID *uuid.UUID     `gorm:"type:uuid;index"`
	AgentID      *uuid.UUID     `gorm:"type:uuid;index"`
	EntryType    string         `gorm:"not null"`
	Amount       int64          `gorm:"not null"`
	BalanceAfter int64          `gorm:"not null"`
	Metadata     map[string]any `gorm:"type:text;serializer:json"`
	CreatedAt    time.Time      `gorm:"index:idx_ledger_team_created"`
}

func (LedgerEntryModel) TableName() string { return "ledger_entries" }

// ReservationModel maps to the "budget_reservations" table.
type ReservationModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TeamID       uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID       string
	ExperimentID *uuid.UUID `gorm:"type:uuid;index"`
	AgentID      *uuid.UUID `gorm:"type:uuid;index"`
	Amount       int64      `gorm:"not null"`
	CreatedAt    time.Time
	ExpiresAt    time.Time  `gorm:"not null;index"`
	ReleasedAt   *time.Time // NULL = active reservation
}

func (ReservationModel) TableName() string { return "budget_reservations" }

// ShortfallModel maps to the "settlement_shortfalls" table.
type ShortfallModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	TeamID         uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID         string
	ExperimentID   *uuid.UUID `gorm:"type:uuid"`
	AgentID        *uuid.UUID `gorm:"type:uuid"`
	Credits        int64      `gorm:"not null"`
	Reason         string
	IdempotencyKey string
	Provider       string
	Model          string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

func (ShortfallModel) TableName() string { return "settlement_shortfalls" }

// ResponseModel maps to the "idempotency_responses" table.
// Body holds the JSON-encoded domain.AIResponse.
type ResponseModel struct {
	IdempotencyKey string `gorm:"primaryKey"`
	Body           []byte `gorm:"not null"`
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"not null;index"`
}

func (ResponseModel) TableName() string { return "idempotency_responses" }

// allModels lists every table in FK-dependency order.
func allModels() []any {
	return []any{
		&TeamModel{},
		&ExperimentModel{},
		&TransitionModel{},
		&AgentModel{},
		&LedgerEntryModel{},
		&ReservationModel{},
		&ShortfallModel{},
		&ResponseModel{},
	}
}
