package sysdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	"durable-workflows/core/services/workflow"
)

func TestRecordOperationResult(t *testing.T) {
	t.Run("rejects output and error together", func(t *testing.T) {
		s, mock := newTestSystemDB(t)
		defer mock.Close()

		out, wfErr := `"ok"`, `{"error":"boom"}`
		err := s.RecordOperationResult(context.Background(), workflow.OperationResult{
			WorkflowUUID: "wf-1",
			FunctionID:   0,
			Output:       &out,
			Error:        &wfErr,
		})
		if err == nil {
			t.Error("expected error when both output and error are set")
		}
	})

	t.Run("duplicate journal entry is a conflict", func(t *testing.T) {
		s, mock := newTestSystemDB(t)
		defer mock.Close()

		out := `"ok"`
		mock.ExpectExec(`INSERT INTO dbos\.operation_outputs`).
			WithArgs("wf-1", 0, &out, (*string)(nil)).
			WillReturnError(&pgconn.PgError{Code: workflow.SQLStateUniqueViolation})

		err := s.RecordOperationResult(context.Background(), workflow.OperationResult{
			WorkflowUUID: "wf-1",
			FunctionID:   0,
			Output:       &out,
		})
		if !workflow.IsConflict(err) {
			t.Errorf("expected ConflictError, got %v", err)
		}
	})

	t.Run("records a step output", func(t *testing.T) {
		s, mock := newTestSystemDB(t)
		defer mock.Close()

		out := `"ok"`
		mock.ExpectExec(`INSERT INTO dbos\.operation_outputs`).
			WithArgs("wf-1", 3, &out, (*string)(nil)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := s.RecordOperationResult(context.Background(), workflow.OperationResult{
			WorkflowUUID: "wf-1",
			FunctionID:   3,
			Output:       &out,
		})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestCheckOperationExecution(t *testing.T) {
	t.Run("unexecuted step returns nil", func(t *testing.T) {
		s, mock := newTestSystemDB(t)
		defer mock.Close()

		mock.ExpectQuery(`SELECT output, error FROM dbos\.operation_outputs`).
			WithArgs("wf-1", 0).
			WillReturnError(pgx.ErrNoRows)

		recorded, err := s.CheckOperationExecution(context.Background(), "wf-1", 0)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if recorded != nil {
			t.Errorf("expected nil, got %+v", recorded)
		}
	})

	t.Run("replayed step returns the journaled result", func(t *testing.T) {
		s, mock := newTestSystemDB(t)
		defer mock.Close()

		out := `"ok"`
		mock.ExpectQuery(`SELECT output, error FROM dbos\.operation_outputs`).
			WithArgs("wf-1", 0).
			WillReturnRows(pgxmock.NewRows([]string{"output", "error"}).
				AddRow(&out, (*string)(nil)))

		recorded, err := s.CheckOperationExecution(context.Background(), "wf-1", 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if recorded == nil || recorded.Output == nil || *recorded.Output != `"ok"` {
			t.Errorf("unexpected recorded result: %+v", recorded)
		}
	})
}

func TestSleep(t *testing.T) {
	t.Run("journals the wake time on first call", func(t *testing.T) {
		s, mock := newTestSystemDB(t)
		defer mock.Close()

		mock.ExpectQuery(`SELECT output, error FROM dbos\.operation_outputs`).
			WithArgs("wf-1", 2).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec(`INSERT INTO dbos\.operation_outputs`).
			WithArgs("wf-1", 2, pgxmock.AnyArg(), (*string)(nil)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		remaining, err := s.Sleep(context.Background(), "wf-1", 2, 5*time.Second, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if remaining <= 4*time.Second || remaining > 5*time.Second {
			t.Errorf("expected remaining close to 5s, got %v", remaining)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("replays an expired recorded wake time without waiting", func(t *testing.T) {
		s, mock := newTestSystemDB(t)
		defer mock.Close()

		// End time one hour in the past, as epoch seconds.
		blob := fmt.Sprintf("%f", float64(time.Now().Add(-time.Hour).UnixMilli())/1000)
		mock.ExpectQuery(`SELECT output, error FROM dbos\.operation_outputs`).
			WithArgs("wf-1", 2).
			WillReturnRows(pgxmock.NewRows([]string{"output", "error"}).
				AddRow(&blob, (*string)(nil)))

		start := time.Now()
		remaining, err := s.Sleep(context.Background(), "wf-1", 2, time.Hour, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if remaining != 0 {
			t.Errorf("expected zero remaining, got %v", remaining)
		}
		if time.Since(start) > time.Second {
			t.Error("sleep waited despite expired recorded wake time")
		}
	})

	t.Run("concurrent journaling conflict is benign", func(t *testing.T) {
		s, mock := newTestSystemDB(t)
		defer mock.Close()

		mock.ExpectQuery(`SELECT output, error FROM dbos\.operation_outputs`).
			WithArgs("wf-1", 2).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec(`INSERT INTO dbos\.operation_outputs`).
			WithArgs("wf-1", 2, pgxmock.AnyArg(), (*string)(nil)).
			WillReturnError(&pgconn.PgError{Code: workflow.SQLStateUniqueViolation})

		if _, err := s.Sleep(context.Background(), "wf-1", 2, time.Millisecond, true); err != nil {
			t.Errorf("expected conflict to be swallowed, got %v", err)
		}
	})
}
