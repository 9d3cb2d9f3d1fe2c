package database

import (
	"context"
	"fmt"

	"assetindex/internal/logging"
)

const schema = `
-- Content identities. One row per content hash.
CREATE TABLE IF NOT EXISTS blobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content_hash TEXT NOT NULL UNIQUE,
	size INTEGER NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	media_type TEXT NOT NULL DEFAULT 'other',
	ref_count INTEGER NOT NULL DEFAULT 0 CHECK (ref_count >= 0),
	created_at INTEGER NOT NULL,
	reclaimable_at INTEGER,
	preview_ref TEXT,
	fingerprint_ref TEXT
);

CREATE INDEX IF NOT EXISTS idx_blobs_reclaimable ON blobs(reclaimable_at) WHERE reclaimable_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_blobs_ref_count ON blobs(ref_count);

-- Physical locations. Absent rows are kept as history.
CREATE TABLE IF NOT EXISTS assets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	root TEXT NOT NULL,
	size INTEGER NOT NULL,
	mod_time INTEGER NOT NULL,
	fast_hash TEXT NOT NULL CHECK (fast_hash <> ''),
	content_hash TEXT,
	hash_version INTEGER NOT NULL DEFAULT 1,
	state TEXT NOT NULL,
	present INTEGER NOT NULL DEFAULT 1,
	container_parent TEXT,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	absent_since INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assets_present_path ON assets(path) WHERE present = 1;
CREATE INDEX IF NOT EXISTS idx_assets_root_present ON assets(root, present);
CREATE INDEX IF NOT EXISTS idx_assets_content_hash ON assets(content_hash);
CREATE INDEX IF NOT EXISTS idx_assets_fast_hash ON assets(fast_hash);
CREATE INDEX IF NOT EXISTS idx_assets_container ON assets(container_parent) WHERE container_parent IS NOT NULL;

-- Background work. At most one live job per (kind, target).
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	target_id INTEGER NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	rerun INTEGER NOT NULL DEFAULT 0,
	scheduled_at INTEGER NOT NULL,
	next_retry_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_live ON jobs(kind, target_id) WHERE state IN ('pending', 'running', 'failed');
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, next_retry_at, priority);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(state, finished_at);

-- Append-only history of index mutations.
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '{}',
	undo_token TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_log_kind ON audit_log(kind);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

-- Key/value bookkeeping (schema version, last sweep per root).
CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT
);
`

func (d *Database) initialize(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return d.runMigrations(ctx)
}

// migration adds a column to an existing table when missing.
type migration struct {
	table  string
	column string
	ddl    string
}

var migrations = []migration{
	// volume was introduced after the first release; older rows get "".
	{table: "assets", column: "volume", ddl: `ALTER TABLE assets ADD COLUMN volume TEXT NOT NULL DEFAULT ''`},
}

func (d *Database) runMigrations(ctx context.Context) error {
	for _, m := range migrations {
		var exists bool
		err := d.db.QueryRowContext(ctx, `
			SELECT COUNT(*) > 0
			FROM pragma_table_info(?)
			WHERE name = ?
		`, m.table, m.column).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check for %s.%s column: %w", m.table, m.column, err)
		}
		if exists {
			continue
		}

		logging.Info("Migrating database: adding %s column to %s table", m.column, m.table)
		if _, err := d.db.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("failed to add %s.%s column: %w", m.table, m.column, err)
		}
	}
	return nil
}
