package workflow

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ConflictError reports a duplicate journal insert for a (workflow, function)
// pair: a concurrent execution already recorded this step.
type ConflictError struct {
	WorkflowUUID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting workflow invocation with the same UUID %s", e.WorkflowUUID)
}

// NonExistentWorkflowError reports an operation against a workflow UUID with
// no status row, e.g. a send to an unknown destination.
type NonExistentWorkflowError struct {
	WorkflowUUID string
}

func (e *NonExistentWorkflowError) Error() string {
	return fmt.Sprintf("workflow %s does not exist", e.WorkflowUUID)
}

// FunctionNotFoundError reports that a workflow's function has not been
// registered with the executor yet. Startup recovery retries on this.
type FunctionNotFoundError struct {
	Name string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("workflow function %q is not registered", e.Name)
}

// IsConflict reports whether err is a journal conflict.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsNonExistent reports whether err is a missing-workflow error.
func IsNonExistent(err error) bool {
	var n *NonExistentWorkflowError
	return errors.As(err, &n)
}

// IsFunctionNotFound reports whether err means the workflow function is not
// registered yet.
func IsFunctionNotFound(err error) bool {
	var f *FunctionNotFoundError
	return errors.As(err, &f)
}

// SQLState codes the journal maps to typed errors.
const (
	SQLStateUniqueViolation     = "23505"
	SQLStateForeignKeyViolation = "23503"
)

// PgErrorCode extracts the SQLSTATE from a pgx error, or "" when err is not a
// Postgres error.
func PgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
