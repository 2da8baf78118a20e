package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"durable-workflows/core/services/workflow"
)

// Context is the durable-operation surface handed to a workflow function.
// Each operation consumes the next function ID, so the sequence of calls must
// be deterministic for replay to line up with the journal.
type Context struct {
	context.Context

	workflowUUID string
	exec         *Executor

	mu     sync.Mutex
	nextID int
}

// WorkflowID returns the identity of the running workflow.
func (c *Context) WorkflowID() string { return c.workflowUUID }

func (c *Context) functionID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Sleep pauses the workflow for at least d. The wake time is journaled, so a
// workflow recovered mid-sleep resumes at the original deadline.
func (c *Context) Sleep(d time.Duration) error {
	_, err := c.exec.sysDB.Sleep(c.Context, c.workflowUUID, c.functionID(), d, false)
	return err
}

// Send delivers a message to another workflow, exactly once per call site.
func (c *Context) Send(destinationID string, message any, topic string) error {
	return c.exec.sysDB.Send(c.Context, c.workflowUUID, c.functionID(), destinationID, message, topic)
}

// Recv consumes the oldest message on topic, waiting up to timeout. Returns
// nil when the wait expires with nothing delivered.
func (c *Context) Recv(topic string, timeout time.Duration) (any, error) {
	functionID := c.functionID()
	timeoutFunctionID := c.functionID()
	return c.exec.sysDB.Recv(c.Context, c.workflowUUID, functionID, timeoutFunctionID, topic, timeout)
}

// SetEvent publishes a key/value pair on this workflow for outside observers.
func (c *Context) SetEvent(key string, value any) error {
	return c.exec.sysDB.SetEvent(c.Context, c.workflowUUID, c.functionID(), key, value)
}

// GetEvent reads an event published by another workflow, waiting up to
// timeout for it to appear. Both the value and the timeout are journaled.
func (c *Context) GetEvent(targetID, key string, timeout time.Duration) (any, error) {
	caller := &workflow.GetEventContext{
		WorkflowUUID:      c.workflowUUID,
		FunctionID:        c.functionID(),
		TimeoutFunctionID: c.functionID(),
	}
	return c.exec.sysDB.GetEvent(c.Context, targetID, key, timeout, caller)
}

// GetWorkflowStatus reads another workflow's status. The snapshot is
// journaled, so replays see the status as of the first execution.
func (c *Context) GetWorkflowStatus(targetID string) (*workflow.StatusRecord, error) {
	return c.exec.sysDB.GetWorkflowStatusWithinWorkflow(c.Context, targetID, c.workflowUUID, c.functionID())
}

// Step runs a non-transactional side effect once. On replay the journaled
// output (or error) is returned without re-running fn.
func (c *Context) Step(fn func(ctx context.Context) (any, error)) (any, error) {
	functionID := c.functionID()

	recorded, err := c.exec.sysDB.CheckOperationExecution(c.Context, c.workflowUUID, functionID)
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		return c.replayRecorded(recorded)
	}

	output, stepErr := fn(c.Context)
	result := workflow.OperationResult{WorkflowUUID: c.workflowUUID, FunctionID: functionID}
	if stepErr != nil {
		blob, err := c.exec.ser.SerializeError(stepErr)
		if err != nil {
			return nil, err
		}
		result.Error = &blob
	} else {
		blob, err := c.exec.ser.Serialize(output)
		if err != nil {
			return nil, err
		}
		result.Output = &blob
	}

	if err := c.exec.sysDB.RecordOperationResult(c.Context, result); err != nil {
		// A concurrent execution journaled this step first; its result wins.
		if workflow.IsConflict(err) {
			recorded, err := c.exec.sysDB.CheckOperationExecution(c.Context, c.workflowUUID, functionID)
			if err != nil {
				return nil, err
			}
			return c.replayRecorded(recorded)
		}
		return nil, err
	}
	return output, stepErr
}

// Transaction runs fn inside an application-database transaction with
// once-and-only-once semantics: the journal row commits atomically with fn's
// writes, and replays return the journaled result without re-running fn.
func (c *Context) Transaction(fn func(tx pgx.Tx) (any, error)) (any, error) {
	if c.exec.appDB == nil {
		return nil, fmt.Errorf("transaction: no application database configured")
	}
	functionID := c.functionID()

	recorded, err := c.exec.appDB.CheckTransactionExecution(c.Context, nil, c.workflowUUID, functionID)
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		return c.replayRecorded(recorded)
	}

	tx, err := c.exec.appDB.Begin(c.Context)
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	defer tx.Rollback(c.Context)

	var snapshot string
	if err := tx.QueryRow(c.Context, `SELECT pg_current_snapshot()::text`).Scan(&snapshot); err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}

	output, txErr := fn(tx)
	if txErr != nil {
		_ = tx.Rollback(c.Context)
		blob, err := c.exec.ser.SerializeError(txErr)
		if err != nil {
			return nil, err
		}
		if err := c.exec.appDB.RecordTransactionError(c.Context, workflow.TransactionResult{
			WorkflowUUID: c.workflowUUID,
			FunctionID:   functionID,
			Error:        &blob,
			TxnSnapshot:  snapshot,
			ExecutorID:   &c.exec.executorID,
		}); err != nil && !workflow.IsConflict(err) {
			return nil, err
		}
		return nil, txErr
	}

	blob, err := c.exec.ser.Serialize(output)
	if err != nil {
		return nil, err
	}
	err = c.exec.appDB.RecordTransactionOutput(c.Context, tx, workflow.TransactionResult{
		WorkflowUUID: c.workflowUUID,
		FunctionID:   functionID,
		Output:       &blob,
		TxnSnapshot:  snapshot,
		ExecutorID:   &c.exec.executorID,
	})
	if err != nil {
		// Another execution committed this step; roll back ours and replay.
		if workflow.IsConflict(err) {
			_ = tx.Rollback(c.Context)
			recorded, err := c.exec.appDB.CheckTransactionExecution(c.Context, nil, c.workflowUUID, functionID)
			if err != nil {
				return nil, err
			}
			return c.replayRecorded(recorded)
		}
		return nil, err
	}
	if err := tx.Commit(c.Context); err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	return output, nil
}

func (c *Context) replayRecorded(recorded *workflow.RecordedResult) (any, error) {
	if recorded == nil {
		return nil, fmt.Errorf("replay: journal entry disappeared")
	}
	if recorded.Error != nil {
		return nil, c.exec.ser.DeserializeError(*recorded.Error)
	}
	if recorded.Output == nil {
		return nil, nil
	}
	return c.exec.ser.Deserialize(*recorded.Output)
}
