package sysdb

import (
	"context"
	"fmt"
	"time"

	"durable-workflows/core/services/workflow"
)

// EnqueueWorkflow adds a workflow to a queue's backlog. Idempotent: re-adding
// the same workflow is a no-op.
func (s *SystemDatabase) EnqueueWorkflow(ctx context.Context, workflowUUID, queueName string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dbos.job_queue (workflow_uuid, queue_name)
		VALUES ($1, $2)
		ON CONFLICT (workflow_uuid) DO NOTHING`,
		workflowUUID, queueName,
	)
	if err != nil {
		return fmt.Errorf("enqueue workflow: %w", err)
	}
	return nil
}

// StartQueuedWorkflows admits backlog entries of a queue for execution,
// returning the workflow UUIDs whose status it flipped from ENQUEUED to
// PENDING. Admission respects the queue's concurrency cap (nil means
// unbounded) and rate limiter, and is safe to run from multiple processes:
// the ENQUEUED->PENDING update is a compare-and-swap, so a workflow claimed
// by another dispatcher drops out of this one's result.
func (s *SystemDatabase) StartQueuedWorkflows(ctx context.Context, queueName string, concurrency *int, limiter *workflow.QueueRateLimit) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("start queued workflows: %w", err)
	}
	defer tx.Rollback(ctx)

	room := -1 // unbounded
	if limiter != nil {
		cutoff := time.Now().Add(-limiter.Period).UnixMilli()
		var started int
		err := tx.QueryRow(ctx, `
			SELECT count(*) FROM dbos.workflow_status
			WHERE queue_name = $1 AND status <> $2 AND created_at > $3`,
			queueName, workflow.StatusEnqueued, cutoff,
		).Scan(&started)
		if err != nil {
			return nil, fmt.Errorf("start queued workflows: %w", err)
		}
		room = limiter.Limit - started
		if room <= 0 {
			return nil, nil
		}
	}

	query := `
		SELECT workflow_uuid FROM dbos.job_queue
		WHERE queue_name = $1
		ORDER BY created_at_epoch_ms ASC`
	args := []any{queueName}
	if concurrency != nil {
		query += ` LIMIT $2`
		args = append(args, *concurrency)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("start queued workflows: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("start queued workflows: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("start queued workflows: %w", err)
	}

	if room >= 0 && len(candidates) > room {
		candidates = candidates[:room]
	}

	var claimed []string
	for _, id := range candidates {
		tag, err := tx.Exec(ctx, `
			UPDATE dbos.workflow_status SET status = $1
			WHERE workflow_uuid = $2 AND status = $3`,
			workflow.StatusPending, id, workflow.StatusEnqueued,
		)
		if err != nil {
			return nil, fmt.Errorf("start queued workflows: %w", err)
		}
		if tag.RowsAffected() > 0 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("start queued workflows: %w", err)
	}
	return claimed, nil
}

// RemoveFromQueue deletes a workflow's backlog entry, called once the
// workflow finishes.
func (s *SystemDatabase) RemoveFromQueue(ctx context.Context, workflowUUID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM dbos.job_queue WHERE workflow_uuid = $1`, workflowUUID)
	if err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	return nil
}
