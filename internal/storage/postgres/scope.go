package postgres

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/crucible/internal/ledger"
)

// TeamScope returns a GORM scope that filters by team_id.
func TeamScope(teamID uuid.UUID) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("team_id = ?", teamID)
	}
}

// FilterScope narrows a ledger or reservation query to f.
func FilterScope(f ledger.Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Scopes(TeamScope(f.TeamID))
		if f.ExperimentID != nil {
			db = db.Where("experiment_id = ?", *f.ExperimentID)
		}
		if f.AgentID != nil {
			db = db.Where("agent_id = ?", *f.AgentID)
		}
		return db
	}
}

// forUpdate locks the selected rows until the transaction ends. SQLite has
// no row locks; its writers are serialized by the connection instead.
func forUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"}).Session(&gorm.Session{})
	}
	return db
}
