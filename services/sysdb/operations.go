package sysdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"durable-workflows/core/services/workflow"
)

// RecordOperationResult journals a step's result. At most one of
// output/error may be set; a duplicate (workflow, function) insert surfaces
// as a ConflictError, which is how concurrent re-execution of the same step
// is detected.
func (s *SystemDatabase) RecordOperationResult(ctx context.Context, result workflow.OperationResult) error {
	return s.recordOperationResult(ctx, s.db, result)
}

func (s *SystemDatabase) recordOperationResult(ctx context.Context, q Querier, result workflow.OperationResult) error {
	if result.Output != nil && result.Error != nil {
		return fmt.Errorf("record operation result: only one of error or output can be set")
	}
	_, err := q.Exec(ctx, `
		INSERT INTO dbos.operation_outputs (workflow_uuid, function_id, output, error)
		VALUES ($1, $2, $3, $4)`,
		result.WorkflowUUID, result.FunctionID, result.Output, result.Error,
	)
	if err != nil {
		if workflow.PgErrorCode(err) == workflow.SQLStateUniqueViolation {
			return &workflow.ConflictError{WorkflowUUID: result.WorkflowUUID}
		}
		return fmt.Errorf("record operation result: %w", err)
	}
	return nil
}

// CheckOperationExecution is the OAOO read path for a step: the journaled
// result, or nil when the step has not run yet.
func (s *SystemDatabase) CheckOperationExecution(ctx context.Context, workflowUUID string, functionID int) (*workflow.RecordedResult, error) {
	return s.checkOperationExecution(ctx, s.db, workflowUUID, functionID)
}

func (s *SystemDatabase) checkOperationExecution(ctx context.Context, q Querier, workflowUUID string, functionID int) (*workflow.RecordedResult, error) {
	var result workflow.RecordedResult
	err := q.QueryRow(ctx, `
		SELECT output, error FROM dbos.operation_outputs
		WHERE workflow_uuid = $1 AND function_id = $2`,
		workflowUUID, functionID,
	).Scan(&result.Output, &result.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("check operation execution: %w", err)
	}
	return &result, nil
}

// Sleep is the durable sleep: the wake time is journaled on first call, so a
// workflow resumed after a crash sleeps until the originally scheduled end,
// not a fresh interval. With skipSleep the journaling happens but the caller
// does its own waiting (recv and get_event use this for their timeouts). The
// effective duration is returned either way.
func (s *SystemDatabase) Sleep(ctx context.Context, workflowUUID string, functionID int, duration time.Duration, skipSleep bool) (time.Duration, error) {
	recorded, err := s.CheckOperationExecution(ctx, workflowUUID, functionID)
	if err != nil {
		return 0, err
	}

	var endTime time.Time
	if recorded != nil {
		if recorded.Output == nil {
			return 0, fmt.Errorf("durable sleep: no recorded end time for %s/%d", workflowUUID, functionID)
		}
		raw, err := s.ser.Deserialize(*recorded.Output)
		if err != nil {
			return 0, fmt.Errorf("durable sleep: %w", err)
		}
		epochSecs, ok := raw.(float64)
		if !ok {
			return 0, fmt.Errorf("durable sleep: malformed end time %q", *recorded.Output)
		}
		endTime = time.UnixMilli(int64(epochSecs * 1000))
	} else {
		endTime = time.Now().Add(duration)
		blob, err := s.ser.Serialize(float64(endTime.UnixMilli()) / 1000)
		if err != nil {
			return 0, fmt.Errorf("durable sleep: %w", err)
		}
		err = s.RecordOperationResult(ctx, workflow.OperationResult{
			WorkflowUUID: workflowUUID,
			FunctionID:   functionID,
			Output:       &blob,
		})
		// Concurrent journalers agree on the end time; the conflict is benign.
		if err != nil && !workflow.IsConflict(err) {
			return 0, err
		}
	}

	remaining := max(0, time.Until(endTime))
	if !skipSleep && remaining > 0 {
		select {
		case <-ctx.Done():
			return remaining, ctx.Err()
		case <-time.After(remaining):
		}
	}
	return remaining, nil
}
