package sysdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"durable-workflows/core/services/workflow"
)

func topicOrNull(topic string) string {
	if topic == "" {
		return NullTopic
	}
	return topic
}

// Send delivers a message to another workflow's inbox. The whole operation is
// one transaction: OAOO check, notification insert, journal entry. The
// notifications trigger NOTIFYs the destination's listener as a side effect
// of the commit.
func (s *SystemDatabase) Send(ctx context.Context, callerUUID string, callerFunctionID int, destinationUUID string, message any, topic string) error {
	topic = topicOrNull(topic)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer tx.Rollback(ctx)

	recorded, err := s.checkOperationExecution(ctx, tx, callerUUID, callerFunctionID)
	if err != nil {
		return err
	}
	if recorded != nil {
		return nil // already sent before
	}

	blob, err := s.ser.Serialize(message)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO dbos.notifications (destination_uuid, topic, message)
		VALUES ($1, $2, $3)`,
		destinationUUID, topic, blob,
	)
	if err != nil {
		if workflow.PgErrorCode(err) == workflow.SQLStateForeignKeyViolation {
			return &workflow.NonExistentWorkflowError{WorkflowUUID: destinationUUID}
		}
		return fmt.Errorf("send: %w", err)
	}

	if err := s.recordOperationResult(ctx, tx, workflow.OperationResult{
		WorkflowUUID: callerUUID,
		FunctionID:   callerFunctionID,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Recv consumes the oldest message for (caller, topic), waiting up to timeout
// for one to arrive. The timeout itself is journaled through the durable
// sleep under timeoutFunctionID, so a recovered workflow keeps its original
// deadline. Returns nil when the wait expires with no message.
func (s *SystemDatabase) Recv(ctx context.Context, callerUUID string, callerFunctionID, timeoutFunctionID int, topic string, timeout time.Duration) (any, error) {
	topic = topicOrNull(topic)

	// First, check for a previous execution.
	recorded, err := s.CheckOperationExecution(ctx, callerUUID, callerFunctionID)
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		if recorded.Output == nil {
			return nil, fmt.Errorf("recv: no output recorded in the previous recv")
		}
		return s.ser.Deserialize(*recorded.Output)
	}

	// The waiter must be registered before the existence probe; a NOTIFY
	// landing between probe and wait would otherwise be lost.
	key := payloadKey(callerUUID, topic)
	wake := s.notifications.register(key)
	defer s.notifications.unregister(key)

	var exists bool
	err = s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM dbos.notifications
			WHERE destination_uuid = $1 AND topic = $2
		)`,
		callerUUID, topic,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("recv: %w", err)
	}

	if !exists {
		wait, err := s.Sleep(ctx, callerUUID, timeoutFunctionID, timeout, true)
		if err != nil {
			return nil, err
		}
		select {
		case <-wake:
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Transactionally consume the oldest matching message, then journal the
	// outcome (a nil message journals as "null").
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("recv: %w", err)
	}
	defer tx.Rollback(ctx)

	var blob *string
	err = tx.QueryRow(ctx, `
		WITH oldest_entry AS (
			SELECT destination_uuid, topic, created_at_epoch_ms
			FROM dbos.notifications
			WHERE destination_uuid = $1 AND topic = $2
			ORDER BY created_at_epoch_ms ASC
			LIMIT 1
		)
		DELETE FROM dbos.notifications n
		USING oldest_entry oe
		WHERE n.destination_uuid = oe.destination_uuid
		  AND n.topic = oe.topic
		  AND n.created_at_epoch_ms = oe.created_at_epoch_ms
		RETURNING n.message`,
		callerUUID, topic,
	).Scan(&blob)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recv: %w", err)
	}

	var message any
	if blob != nil {
		if message, err = s.ser.Deserialize(*blob); err != nil {
			return nil, err
		}
	}
	out, err := s.ser.Serialize(message)
	if err != nil {
		return nil, fmt.Errorf("recv: %w", err)
	}
	if err := s.recordOperationResult(ctx, tx, workflow.OperationResult{
		WorkflowUUID: callerUUID,
		FunctionID:   callerFunctionID,
		Output:       &out,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("recv: %w", err)
	}
	return message, nil
}

// SetEvent publishes (or overwrites) a key/value pair on the calling
// workflow, visible to GetEvent callers. One transaction: OAOO check, upsert,
// journal entry; the workflow_events trigger NOTIFYs watchers on commit.
func (s *SystemDatabase) SetEvent(ctx context.Context, workflowUUID string, functionID int, key string, message any) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("set event: %w", err)
	}
	defer tx.Rollback(ctx)

	recorded, err := s.checkOperationExecution(ctx, tx, workflowUUID, functionID)
	if err != nil {
		return err
	}
	if recorded != nil {
		return nil // already set before
	}

	blob, err := s.ser.Serialize(message)
	if err != nil {
		return fmt.Errorf("set event: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO dbos.workflow_events (workflow_uuid, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (workflow_uuid, key) DO UPDATE SET value = EXCLUDED.value`,
		workflowUUID, key, blob,
	); err != nil {
		return fmt.Errorf("set event: %w", err)
	}

	if err := s.recordOperationResult(ctx, tx, workflow.OperationResult{
		WorkflowUUID: workflowUUID,
		FunctionID:   functionID,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetEvent reads the value of (targetUUID, key), waiting up to timeout for it
// to be set. When called from within a workflow (callerCtx non-nil) both the
// result and the timeout are journaled for OAOO; outside a workflow it is a
// plain in-memory wait.
func (s *SystemDatabase) GetEvent(ctx context.Context, targetUUID, key string, timeout time.Duration, callerCtx *workflow.GetEventContext) (any, error) {
	if callerCtx != nil {
		recorded, err := s.CheckOperationExecution(ctx, callerCtx.WorkflowUUID, callerCtx.FunctionID)
		if err != nil {
			return nil, err
		}
		if recorded != nil {
			if recorded.Output == nil {
				return nil, fmt.Errorf("get event: no output recorded in the previous get_event")
			}
			return s.ser.Deserialize(*recorded.Output)
		}
	}

	registryKey := payloadKey(targetUUID, key)
	wake := s.events.register(registryKey)
	defer s.events.unregister(registryKey)

	value, found, err := s.readEventValue(ctx, targetUUID, key)
	if err != nil {
		return nil, err
	}
	if !found {
		wait := timeout
		if callerCtx != nil {
			if wait, err = s.Sleep(ctx, callerCtx.WorkflowUUID, callerCtx.TimeoutFunctionID, timeout, true); err != nil {
				return nil, err
			}
		}
		select {
		case <-wake:
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if value, _, err = s.readEventValue(ctx, targetUUID, key); err != nil {
			return nil, err
		}
	}

	if callerCtx != nil {
		out, err := s.ser.Serialize(value)
		if err != nil {
			return nil, fmt.Errorf("get event: %w", err)
		}
		if err := s.RecordOperationResult(ctx, workflow.OperationResult{
			WorkflowUUID: callerCtx.WorkflowUUID,
			FunctionID:   callerCtx.FunctionID,
			Output:       &out,
		}); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func (s *SystemDatabase) readEventValue(ctx context.Context, targetUUID, key string) (any, bool, error) {
	var blob string
	err := s.db.QueryRow(ctx,
		`SELECT value FROM dbos.workflow_events WHERE workflow_uuid = $1 AND key = $2`,
		targetUUID, key,
	).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get event: %w", err)
	}
	value, err := s.ser.Deserialize(blob)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}
