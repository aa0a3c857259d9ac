package migrate

import (
	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
)

// dialect holds the engine-specific SQL for the _migrations tracking table.
// Everything else about a migration run is engine-neutral.
type dialect struct {
	createTable   string
	seedRow       string
	selectVersion string
	lockVersion   string // read inside the migration transaction; SQLite locks the file on first write
	updateVersion string // one placeholder: the new version
}

var sqliteDialect = dialect{
	createTable: `
		CREATE TABLE IF NOT EXISTS _migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 0,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	seedRow:       `INSERT OR IGNORE INTO _migrations (id, version) VALUES (1, 0)`,
	selectVersion: `SELECT version FROM _migrations WHERE id = 1`,
	lockVersion:   `SELECT version FROM _migrations WHERE id = 1`,
	updateVersion: `UPDATE _migrations SET version = ?, applied_at = datetime('now') WHERE id = 1`,
}

var postgresDialect = dialect{
	createTable: `
		CREATE TABLE IF NOT EXISTS _migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 0,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	seedRow:       `INSERT INTO _migrations (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	selectVersion: `SELECT version FROM _migrations WHERE id = 1`,
	lockVersion:   `SELECT version FROM _migrations WHERE id = 1 FOR UPDATE`,
	updateVersion: `UPDATE _migrations SET version = $1, applied_at = CURRENT_TIMESTAMP WHERE id = 1`,
}

func dialectFor(engine database.Engine) (dialect, error) {
	switch engine {
	case database.EngineEmbedded:
		return sqliteDialect, nil
	case database.EngineClientServer:
		return postgresDialect, nil
	default:
		return dialect{}, errs.Newf(errs.ErrKindInvalidConfig, "no migration dialect for engine %q", engine)
	}
}
