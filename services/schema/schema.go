// Package schema declares the durable tables of the runtime and applies them
// through an embedded, versioned migration set. System tables live in the
// "dbos" schema of the system database; the application database carries only
// dbos.transaction_outputs.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// Schema is the Postgres schema holding every durable table.
	Schema = "dbos"

	// NotificationsChannel and WorkflowEventsChannel are the NOTIFY channels
	// the triggers publish on. Payload format: "<uuid>::<topic_or_key>".
	NotificationsChannel  = "dbos_notifications_channel"
	WorkflowEventsChannel = "dbos_workflow_events_channel"
)

type migration struct {
	version    int64
	name       string
	statements []string
}

// systemMigrations seeds the system database. Order matters: workflow_status
// first, since every other table has a foreign key to it.
var systemMigrations = []migration{
	{
		version: 1,
		name:    "workflow_status",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS dbos.workflow_status (
				workflow_uuid TEXT PRIMARY KEY,
				status TEXT,
				name TEXT,
				class_name TEXT,
				config_name TEXT,
				output TEXT,
				error TEXT,
				executor_id TEXT,
				application_version TEXT,
				application_id TEXT,
				request TEXT,
				recovery_attempts BIGINT NOT NULL DEFAULT 0,
				authenticated_user TEXT,
				authenticated_roles TEXT,
				assumed_role TEXT,
				queue_name TEXT,
				created_at BIGINT NOT NULL DEFAULT (EXTRACT(epoch FROM now()) * 1000::numeric)::bigint
			)`,
			`CREATE INDEX IF NOT EXISTS workflow_status_created_at_index ON dbos.workflow_status (created_at)`,
			`CREATE INDEX IF NOT EXISTS workflow_status_executor_id_index ON dbos.workflow_status (executor_id)`,
		},
	},
	{
		version: 2,
		name:    "workflow_inputs_and_operation_outputs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS dbos.workflow_inputs (
				workflow_uuid TEXT PRIMARY KEY REFERENCES dbos.workflow_status (workflow_uuid) ON DELETE CASCADE ON UPDATE CASCADE,
				inputs TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS dbos.operation_outputs (
				workflow_uuid TEXT NOT NULL REFERENCES dbos.workflow_status (workflow_uuid) ON DELETE CASCADE ON UPDATE CASCADE,
				function_id INTEGER NOT NULL,
				output TEXT,
				error TEXT,
				PRIMARY KEY (workflow_uuid, function_id)
			)`,
		},
	},
	{
		version: 3,
		name:    "notifications",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS dbos.notifications (
				destination_uuid TEXT NOT NULL REFERENCES dbos.workflow_status (workflow_uuid) ON DELETE CASCADE ON UPDATE CASCADE,
				topic TEXT,
				message TEXT NOT NULL,
				created_at_epoch_ms BIGINT NOT NULL DEFAULT (EXTRACT(epoch FROM now()) * 1000::numeric)::bigint
			)`,
			`CREATE INDEX IF NOT EXISTS idx_workflow_topic ON dbos.notifications (destination_uuid, topic)`,
			`CREATE OR REPLACE FUNCTION dbos.notifications_function() RETURNS TRIGGER AS $$
			DECLARE
				payload text;
			BEGIN
				payload := NEW.destination_uuid || '::' || NEW.topic;
				PERFORM pg_notify('dbos_notifications_channel', payload);
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql`,
			`CREATE OR REPLACE TRIGGER dbos_notifications_trigger
				AFTER INSERT ON dbos.notifications
				FOR EACH ROW EXECUTE FUNCTION dbos.notifications_function()`,
		},
	},
	{
		version: 4,
		name:    "workflow_events",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS dbos.workflow_events (
				workflow_uuid TEXT NOT NULL REFERENCES dbos.workflow_status (workflow_uuid) ON DELETE CASCADE ON UPDATE CASCADE,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				PRIMARY KEY (workflow_uuid, key)
			)`,
			`CREATE OR REPLACE FUNCTION dbos.workflow_events_function() RETURNS TRIGGER AS $$
			DECLARE
				payload text;
			BEGIN
				payload := NEW.workflow_uuid || '::' || NEW.key;
				PERFORM pg_notify('dbos_workflow_events_channel', payload);
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql`,
			`CREATE OR REPLACE TRIGGER dbos_workflow_events_trigger
				AFTER INSERT ON dbos.workflow_events
				FOR EACH ROW EXECUTE FUNCTION dbos.workflow_events_function()`,
		},
	},
	{
		version: 5,
		name:    "job_queue",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS dbos.job_queue (
				workflow_uuid TEXT PRIMARY KEY REFERENCES dbos.workflow_status (workflow_uuid) ON DELETE CASCADE ON UPDATE CASCADE,
				queue_name TEXT NOT NULL,
				created_at_epoch_ms BIGINT NOT NULL DEFAULT (EXTRACT(epoch FROM now()) * 1000::numeric)::bigint
			)`,
			`CREATE INDEX IF NOT EXISTS idx_job_queue_name ON dbos.job_queue (queue_name, created_at_epoch_ms)`,
		},
	},
}

// applicationMigrations seeds the application database with the OAOO record of
// transactional steps. It commits alongside user SQL, so it must live there.
var applicationMigrations = []migration{
	{
		version: 1,
		name:    "transaction_outputs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS dbos.transaction_outputs (
				workflow_uuid TEXT NOT NULL,
				function_id INTEGER NOT NULL,
				output TEXT,
				error TEXT,
				txn_id TEXT,
				txn_snapshot TEXT NOT NULL,
				executor_id TEXT,
				created_at BIGINT NOT NULL DEFAULT (EXTRACT(epoch FROM now()) * 1000::numeric)::bigint,
				PRIMARY KEY (workflow_uuid, function_id)
			)`,
		},
	},
}

// DB is the subset of pgxpool.Pool the migration runner needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// MigrateSystemDB applies all pending system-database migrations.
func MigrateSystemDB(ctx context.Context, db DB) error {
	return migrate(ctx, db, systemMigrations)
}

// MigrateApplicationDB creates dbos.transaction_outputs in the application
// database.
func MigrateApplicationDB(ctx context.Context, db DB) error {
	return migrate(ctx, db, applicationMigrations)
}

func migrate(ctx context.Context, db DB, migrations []migration) error {
	if _, err := db.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS dbos`); err != nil {
		return fmt.Errorf("create dbos schema: %w", err)
	}
	if _, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS dbos.migrations (
		version BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int64
	err := db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM dbos.migrations`).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		slog.Info("Applied schema migration", "version", m.version, "name", m.name)
	}
	return nil
}

func applyMigration(ctx context.Context, db DB, m migration) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range m.statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dbos.migrations (version, name) VALUES ($1, $2)`,
		m.version, m.name,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return tx.Commit(ctx)
}
