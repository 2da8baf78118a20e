package workflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		conflict   bool
		missing    bool
		unregister bool
	}{
		{
			name:     "conflict",
			err:      &ConflictError{WorkflowUUID: "wf-1"},
			conflict: true,
		},
		{
			name:    "missing workflow",
			err:     &NonExistentWorkflowError{WorkflowUUID: "wf-1"},
			missing: true,
		},
		{
			name:       "unregistered function",
			err:        &FunctionNotFoundError{Name: "orders.process"},
			unregister: true,
		},
		{
			name:     "wrapped conflict",
			err:      fmt.Errorf("recording step: %w", &ConflictError{WorkflowUUID: "wf-1"}),
			conflict: true,
		},
		{
			name: "plain error matches nothing",
			err:  errors.New("boom"),
		},
		{
			name: "nil matches nothing",
			err:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict = %v, want %v", got, tt.conflict)
			}
			if got := IsNonExistent(tt.err); got != tt.missing {
				t.Errorf("IsNonExistent = %v, want %v", got, tt.missing)
			}
			if got := IsFunctionNotFound(tt.err); got != tt.unregister {
				t.Errorf("IsFunctionNotFound = %v, want %v", got, tt.unregister)
			}
		})
	}
}

func TestPgErrorCode(t *testing.T) {
	if got := PgErrorCode(&pgconn.PgError{Code: SQLStateUniqueViolation}); got != "23505" {
		t.Errorf("expected 23505, got %q", got)
	}
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: SQLStateForeignKeyViolation})
	if got := PgErrorCode(wrapped); got != "23503" {
		t.Errorf("expected 23503, got %q", got)
	}
	if got := PgErrorCode(errors.New("boom")); got != "" {
		t.Errorf("expected empty code, got %q", got)
	}
}
