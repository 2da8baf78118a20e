// Package appdb is the application-database adjunct of the journal: the
// once-and-only-once record of transactional steps. Rows in
// dbos.transaction_outputs commit atomically with the user's own SQL, which is
// why they live here and not in the system database.
package appdb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"durable-workflows/core/services/workflow"
)

// DB abstracts the pool operations used by the application database layer.
// Satisfied by *pgxpool.Pool in production and pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ApplicationDatabase journals transactional step results in the user's
// database.
type ApplicationDatabase struct {
	db DB
}

// New creates the application-database journal over an existing pool.
func New(db DB) (*ApplicationDatabase, error) {
	if db == nil {
		return nil, fmt.Errorf("appdb: db connection cannot be nil")
	}
	return &ApplicationDatabase{db: db}, nil
}

// Begin opens a transaction on the application database for a transactional
// step. The executor runs user SQL and the journal insert on it together.
func (a *ApplicationDatabase) Begin(ctx context.Context) (pgx.Tx, error) {
	return a.db.Begin(ctx)
}

const insertTransactionOutput = `
	INSERT INTO dbos.transaction_outputs
		(workflow_uuid, function_id, output, error, txn_id, txn_snapshot, executor_id)
	VALUES ($1, $2, $3, $4, (SELECT pg_current_xact_id_if_assigned()::text), $5, $6)`

// RecordTransactionOutput inserts the step's OAOO row on the caller's open
// transaction. It MUST run on the same transaction as the user's SQL so the
// journal entry and the user's writes commit or roll back together.
func (a *ApplicationDatabase) RecordTransactionOutput(ctx context.Context, tx pgx.Tx, result workflow.TransactionResult) error {
	_, err := tx.Exec(ctx, insertTransactionOutput,
		result.WorkflowUUID, result.FunctionID, result.Output, nil,
		result.TxnSnapshot, result.ExecutorID,
	)
	if err != nil {
		if workflow.PgErrorCode(err) == workflow.SQLStateUniqueViolation {
			return &workflow.ConflictError{WorkflowUUID: result.WorkflowUUID}
		}
		return fmt.Errorf("record transaction output: %w", err)
	}
	return nil
}

// RecordTransactionError journals a failed transactional step. The user's
// transaction has already rolled back, so this opens its own.
func (a *ApplicationDatabase) RecordTransactionError(ctx context.Context, result workflow.TransactionResult) error {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record transaction error: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertTransactionOutput,
		result.WorkflowUUID, result.FunctionID, nil, result.Error,
		result.TxnSnapshot, result.ExecutorID,
	)
	if err != nil {
		if workflow.PgErrorCode(err) == workflow.SQLStateUniqueViolation {
			return &workflow.ConflictError{WorkflowUUID: result.WorkflowUUID}
		}
		return fmt.Errorf("record transaction error: %w", err)
	}
	return tx.Commit(ctx)
}

// CheckTransactionExecution is the OAOO read path: it returns the journaled
// result of a transactional step, or nil when the step has not run. When tx is
// non-nil the read happens on that transaction.
func (a *ApplicationDatabase) CheckTransactionExecution(ctx context.Context, tx pgx.Tx, workflowUUID string, functionID int) (*workflow.RecordedResult, error) {
	const query = `
		SELECT output, error FROM dbos.transaction_outputs
		WHERE workflow_uuid = $1 AND function_id = $2`

	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, query, workflowUUID, functionID)
	} else {
		row = a.db.QueryRow(ctx, query, workflowUUID, functionID)
	}

	var result workflow.RecordedResult
	if err := row.Scan(&result.Output, &result.Error); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("check transaction execution: %w", err)
	}
	return &result, nil
}
