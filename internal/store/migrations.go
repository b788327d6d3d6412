package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all pipeline tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		filename        TEXT NOT NULL UNIQUE,
		remote_filename TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'new',
		size            INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		details         TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		status     TEXT NOT NULL DEFAULT 'new',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		details    TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS job_files (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id     INTEGER NOT NULL REFERENCES jobs(id),
		file_id    INTEGER NOT NULL REFERENCES files(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS job_submits (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id     INTEGER NOT NULL REFERENCES jobs(id),
		queue_id   TEXT,
		status     TEXT NOT NULL DEFAULT 'new',
		output_dir TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		details    TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS requests (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		guid         TEXT NOT NULL UNIQUE,
		status       TEXT NOT NULL DEFAULT 'waiting',
		numrequested INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		details      TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_files_status ON files(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_job_files_job_id ON job_files(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_files_file_id ON job_files(file_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_submits_job_id ON job_submits(job_id)`,
	// In-flight lookups filter on (status) across all jobs.
	`CREATE INDEX IF NOT EXISTS idx_job_submits_status ON job_submits(status)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
// Databases created by older pipeline versions lack these columns.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "files",
		column:   "details",
		alterSQL: "ALTER TABLE files ADD COLUMN details TEXT NOT NULL DEFAULT ''",
	},
	{
		table:    "job_submits",
		column:   "output_dir",
		alterSQL: "ALTER TABLE job_submits ADD COLUMN output_dir TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}

	found := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	// Close before the ALTER: the pool holds a single connection.
	if err := rows.Close(); err != nil {
		return err
	}
	if found {
		return nil
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
