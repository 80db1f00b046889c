package sqlite

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/store"
)

const schemaVersion = "2"

// Base schema. Later revisions add columns through addColumnIfMissing so a
// database created by any earlier build upgrades in place.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS instance (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		base_url TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS listener (
		instance_id TEXT NOT NULL,
		chat_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_message_time INTEGER NOT NULL DEFAULT 0,
		manual_added INTEGER NOT NULL DEFAULT 0,
		fixed INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL,
		PRIMARY KEY (instance_id, chat_name)
	)`,
	`CREATE TABLE IF NOT EXISTS message (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL DEFAULT '',
		instance_id TEXT NOT NULL,
		chat_name TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		sender_remark TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL DEFAULT 'text',
		create_time INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		delivery_status INTEGER NOT NULL DEFAULT 0,
		delivery_time INTEGER NOT NULL DEFAULT 0,
		platform_id TEXT NOT NULL DEFAULT '',
		reply_content TEXT NOT NULL DEFAULT '',
		reply_status INTEGER NOT NULL DEFAULT 0,
		reply_time INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS platform (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rule (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		instance_id TEXT NOT NULL DEFAULT '*',
		chat_pattern TEXT NOT NULL DEFAULT '*',
		platform_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		only_at_messages INTEGER NOT NULL DEFAULT 0,
		at_name TEXT NOT NULL DEFAULT '',
		reply_at_sender INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fixed_listener (
		id TEXT PRIMARY KEY,
		session_name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		description TEXT NOT NULL DEFAULT '',
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounting_record (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		amount REAL NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT '',
		account_book_id TEXT NOT NULL DEFAULT '',
		account_book_name TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		processing_time_ms INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_setting (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
}

var indexStatements = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_message_dedup ON message (instance_id, chat_name, fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_message_scan ON message (processed, create_time)`,
	`CREATE INDEX IF NOT EXISTS idx_listener_activity ON listener (status, last_message_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_rule_platform ON rule (platform_id)`,
	`CREATE INDEX IF NOT EXISTS idx_accounting_platform ON accounting_record (platform_id, created_ts)`,
}

// Columns added after the initial release. addColumnIfMissing keeps the
// upgrade idempotent.
var addedColumns = []struct {
	table, column, definition string
}{
	{"message", "retry_count", "INTEGER NOT NULL DEFAULT 0"},
	{"message", "last_error", "TEXT NOT NULL DEFAULT ''"},
}

// Migrate creates missing tables, columns and indices. It runs at every
// startup and is a no-op on an up-to-date database.
func (d *DB) Migrate(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin migration transaction")
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply schema statement")
		}
	}
	for _, col := range addedColumns {
		if err := addColumnIfMissing(ctx, tx, col.table, col.column, col.definition); err != nil {
			return err
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to create index")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO system_setting (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		store.SettingSchemaVersion, schemaVersion,
	); err != nil {
		return errors.Wrap(err, "failed to record schema version")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit migration")
	}

	slog.Debug("schema migration complete", "version", schemaVersion)
	return nil
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return errors.Wrapf(err, "failed to inspect table %s", table)
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errors.Wrap(err, "failed to scan column name")
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to iterate columns")
	}
	if exists {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN `+column+` `+definition); err != nil {
		return errors.Wrapf(err, "failed to add column %s.%s", table, column)
	}
	slog.Info("added missing column", "table", table, "column", column)
	return nil
}
