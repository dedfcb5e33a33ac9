package postgres

import (
	"context"

	"github.com/jkaninda/crucible/internal/agents"
	"github.com/jkaninda/crucible/internal/experiment"
	"github.com/jkaninda/crucible/internal/gateway"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and the repositories built on it.
type Store struct {
	pgDB *DB

	ledger      *LedgerRepository
	experiments *ExperimentRepository
	agents      *AgentRepository
	responses   *ResponseRepository
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	db := pgDB.GormDB()
	return &Store{
		pgDB:        pgDB,
		ledger:      NewLedgerRepository(db),
		experiments: NewExperimentRepository(db),
		agents:      NewAgentRepository(db),
		responses:   NewResponseRepository(db),
	}
}

func (s *Store) Ledger() ledger.Store             { return s.ledger }
func (s *Store) Experiments() experiment.Store    { return s.experiments }
func (s *Store) Agents() agents.Store             { return s.agents }
func (s *Store) Responses() gateway.ResponseStore { return s.responses }

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// compile-time interface checks
var (
	_ storage.Store         = (*Store)(nil)
	_ ledger.Store          = (*LedgerRepository)(nil)
	_ experiment.Store      = (*ExperimentRepository)(nil)
	_ agents.Store          = (*AgentRepository)(nil)
	_ gateway.ResponseStore = (*ResponseRepository)(nil)
)
