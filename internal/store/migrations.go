package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all dispatch tables.
// Each statement uses IF NOT EXISTS for idempotency. Timestamps are unix
// milliseconds so range predicates compare numerically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id                         TEXT PRIMARY KEY,
		account_id                 TEXT NOT NULL,
		status                     TEXT NOT NULL DEFAULT 'QUEUED',
		task_type                  TEXT NOT NULL DEFAULT '',
		async                      INTEGER NOT NULL DEFAULT 1,
		agent_id                   TEXT NOT NULL DEFAULT '',
		eligible_agents            TEXT NOT NULL DEFAULT '[]',
		already_tried              TEXT NOT NULL DEFAULT '[]',
		broadcast_to               TEXT NOT NULL DEFAULT '[]',
		broadcast_count            INTEGER NOT NULL DEFAULT 0,
		broadcast_round            INTEGER NOT NULL DEFAULT 0,
		last_broadcast_at          INTEGER,
		next_broadcast_at          INTEGER NOT NULL,
		capabilities               TEXT NOT NULL DEFAULT '[]',
		validation_started_at      INTEGER,
		validating_agents          TEXT NOT NULL DEFAULT '[]',
		validation_complete_agents TEXT NOT NULL DEFAULT '[]',
		force_execute              INTEGER NOT NULL DEFAULT 0,
		wait_id                    TEXT NOT NULL DEFAULT '',
		execution_timeout_ms       INTEGER NOT NULL DEFAULT 0,
		payload                    TEXT NOT NULL DEFAULT '',
		version                    INTEGER NOT NULL DEFAULT 0,
		created_at                 INTEGER NOT NULL,
		expiry_at                  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_account_status ON tasks(account_id, status)`,
	// Compound index for the broadcast due query.
	`CREATE INDEX IF NOT EXISTS idx_tasks_broadcast_due ON tasks(account_id, status, agent_id, next_broadcast_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id) WHERE agent_id != ''`,

	`CREATE TABLE IF NOT EXISTS agents (
		id                           TEXT PRIMARY KEY,
		account_id                   TEXT NOT NULL,
		host_name                    TEXT NOT NULL DEFAULT '',
		ip                           TEXT NOT NULL DEFAULT '',
		status                       TEXT NOT NULL DEFAULT 'ENABLED',
		group_name                   TEXT NOT NULL DEFAULT '',
		last_heartbeat               INTEGER NOT NULL DEFAULT 0,
		last_expired_event_heartbeat INTEGER NOT NULL DEFAULT 0,
		group_expiry_at              INTEGER,
		registered_seq               INTEGER NOT NULL,
		registered_at                INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_account ON agents(account_id, registered_seq)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(account_id, last_heartbeat)`,

	`CREATE TABLE IF NOT EXISTS agent_connections (
		id             TEXT PRIMARY KEY,
		agent_id       TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		account_id     TEXT NOT NULL,
		version        TEXT NOT NULL DEFAULT '',
		last_heartbeat INTEGER NOT NULL,
		disconnected   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_connections_agent ON agent_connections(agent_id, disconnected)`,

	`CREATE TABLE IF NOT EXISTS capability_results (
		account_id TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		criteria   TEXT NOT NULL,
		validated  INTEGER NOT NULL,
		checked_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, agent_id, criteria)
	)`,

	`CREATE TABLE IF NOT EXISTS responses (
		wait_id      TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL,
		account_id   TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		delivered_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_responses_task ON responses(task_id)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
// Databases created before these columns existed are upgraded in place.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "agents",
		column:   "group_name",
		alterSQL: "ALTER TABLE agents ADD COLUMN group_name TEXT NOT NULL DEFAULT ''",
	},
	{
		table:    "agents",
		column:   "group_expiry_at",
		alterSQL: "ALTER TABLE agents ADD COLUMN group_expiry_at INTEGER",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_agents_group_expiry ON agents(account_id, group_expiry_at) WHERE group_expiry_at IS NOT NULL",
	},
	{
		table:    "tasks",
		column:   "broadcast_to",
		alterSQL: "ALTER TABLE tasks ADD COLUMN broadcast_to TEXT NOT NULL DEFAULT '[]'",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
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
	exists, err := columnExists(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
