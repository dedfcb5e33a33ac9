// Package storage defines the unified Store interface over every
// persistence concern. Three backends are provided: SQLite (default,
// zero-config), PostgreSQL (production) and an in-process memory store.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/agents"
	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/experiment"
	"github.com/jkaninda/crucible/internal/gateway"
	"github.com/jkaninda/crucible/internal/ledger"
)

// Store is the unified persistence interface for Crucible.
// The sub-stores share the same underlying connection.
type Store interface {
	Ledger() ledger.Store
	Experiments() experiment.Store
	Agents() agents.Store
	Responses() gateway.ResponseStore

	// Ping checks connectivity; used by the readiness probe.
	Ping(ctx context.Context) error
	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite", "postgres" or "memory").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// BudgetReader adapts a Store to budget.Reader.
func BudgetReader(s Store) budget.Reader {
	return budgetReader{experiments: s.Experiments(), agents: s.Agents()}
}

type budgetReader struct {
	experiments experiment.Store
	agents      agents.Store
}

func (r budgetReader) GetExperiment(ctx context.Context, id uuid.UUID) (*domain.Experiment, error) {
	return r.experiments.GetExperiment(ctx, id)
}

func (r budgetReader) GetAgent(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	return r.agents.GetAgent(ctx, id)
}
