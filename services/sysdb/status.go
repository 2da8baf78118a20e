package sysdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"durable-workflows/core/services/serializer"
	"durable-workflows/core/services/workflow"
)

// awaitPollInterval is how often AwaitWorkflowResult re-reads the status row.
const awaitPollInterval = time.Second

// UpdateStatusOptions selects the conflict behavior of UpdateWorkflowStatus.
// Replace overwrites status/output/error; InRecovery increments
// recovery_attempts instead; with neither set an existing row is preserved.
type UpdateStatusOptions struct {
	Replace    bool
	InRecovery bool
}

const insertWorkflowStatus = `
	INSERT INTO dbos.workflow_status
		(workflow_uuid, status, name, class_name, config_name, output, error,
		 executor_id, application_version, application_id, request,
		 authenticated_user, authenticated_roles, assumed_role, queue_name)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

// UpdateWorkflowStatus upserts the workflow's status row. A successful write
// for a buffered single-transaction workflow unblocks that workflow's input
// flush.
func (s *SystemDatabase) UpdateWorkflowStatus(ctx context.Context, status *workflow.StatusRecord, opts UpdateStatusOptions) error {
	if err := s.updateWorkflowStatus(ctx, s.db, status, opts); err != nil {
		return err
	}
	s.buf.markStatusExported(status.WorkflowUUID)
	return nil
}

func (s *SystemDatabase) updateWorkflowStatus(ctx context.Context, q Querier, status *workflow.StatusRecord, opts UpdateStatusOptions) error {
	sql := insertWorkflowStatus
	switch {
	case opts.Replace:
		sql += ` ON CONFLICT (workflow_uuid) DO UPDATE
			SET status = EXCLUDED.status, output = EXCLUDED.output, error = EXCLUDED.error`
	case opts.InRecovery:
		sql += ` ON CONFLICT (workflow_uuid) DO UPDATE
			SET recovery_attempts = workflow_status.recovery_attempts + 1`
	default:
		sql += ` ON CONFLICT (workflow_uuid) DO NOTHING`
	}

	_, err := q.Exec(ctx, sql,
		status.WorkflowUUID, status.Status, status.Name,
		status.ClassName, status.ConfigName, status.Output, status.Error,
		status.ExecutorID, status.AppVersion, status.AppID, status.Request,
		status.AuthenticatedUser, status.AuthenticatedRoles, status.AssumedRole,
		status.QueueName,
	)
	if err != nil {
		if workflow.PgErrorCode(err) == workflow.SQLStateUniqueViolation {
			return &workflow.ConflictError{WorkflowUUID: status.WorkflowUUID}
		}
		return fmt.Errorf("update workflow status: %w", err)
	}
	return nil
}

// SetWorkflowStatus updates only the status column of an existing row; a
// missing row is a silent no-op. When resetRecoveryAttempts is set the
// counter is written back to zero.
func (s *SystemDatabase) SetWorkflowStatus(ctx context.Context, workflowUUID string, status workflow.Status, resetRecoveryAttempts bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("set workflow status: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE dbos.workflow_status SET status = $2 WHERE workflow_uuid = $1`,
		workflowUUID, status,
	); err != nil {
		return fmt.Errorf("set workflow status: %w", err)
	}

	if resetRecoveryAttempts {
		if _, err := tx.Exec(ctx,
			`UPDATE dbos.workflow_status SET recovery_attempts = 0 WHERE workflow_uuid = $1`,
			workflowUUID,
		); err != nil {
			return fmt.Errorf("reset recovery attempts: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// GetWorkflowStatus reads the status projection without output/error blobs.
// Returns nil when the workflow is unknown.
func (s *SystemDatabase) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*workflow.StatusRecord, error) {
	rec := workflow.StatusRecord{WorkflowUUID: workflowUUID}
	err := s.db.QueryRow(ctx, `
		SELECT status, name, request, recovery_attempts, config_name, class_name,
		       authenticated_user, authenticated_roles, assumed_role, queue_name
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1`,
		workflowUUID,
	).Scan(
		&rec.Status, &rec.Name, &rec.Request, &rec.RecoveryAttempts,
		&rec.ConfigName, &rec.ClassName, &rec.AuthenticatedUser,
		&rec.AuthenticatedRoles, &rec.AssumedRole, &rec.QueueName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workflow status: %w", err)
	}
	return &rec, nil
}

// GetWorkflowStatusWithOutputs reads the status projection including the
// output and error blobs.
func (s *SystemDatabase) GetWorkflowStatusWithOutputs(ctx context.Context, workflowUUID string) (*workflow.StatusRecord, error) {
	rec := workflow.StatusRecord{WorkflowUUID: workflowUUID}
	err := s.db.QueryRow(ctx, `
		SELECT status, name, request, output, error, config_name, class_name,
		       authenticated_user, authenticated_roles, assumed_role, queue_name
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1`,
		workflowUUID,
	).Scan(
		&rec.Status, &rec.Name, &rec.Request, &rec.Output, &rec.Error,
		&rec.ConfigName, &rec.ClassName, &rec.AuthenticatedUser,
		&rec.AuthenticatedRoles, &rec.AssumedRole, &rec.QueueName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workflow status: %w", err)
	}
	return &rec, nil
}

// GetWorkflowStatusWithinWorkflow is the OAOO-wrapped status read: the first
// call journals a snapshot of the status under the caller's step; replays
// return the journaled snapshot rather than the live row.
func (s *SystemDatabase) GetWorkflowStatusWithinWorkflow(ctx context.Context, workflowUUID, callerUUID string, callerFunctionID int) (*workflow.StatusRecord, error) {
	recorded, err := s.CheckOperationExecution(ctx, callerUUID, callerFunctionID)
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		if recorded.Output == nil || *recorded.Output == serializer.Null {
			return nil, nil
		}
		var snapshot workflow.StatusRecord
		if err := json.Unmarshal([]byte(*recorded.Output), &snapshot); err != nil {
			return nil, fmt.Errorf("decode status snapshot: %w", err)
		}
		return &snapshot, nil
	}

	stat, err := s.GetWorkflowStatus(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(stat) // nil marshals to "null"
	if err != nil {
		return nil, fmt.Errorf("encode status snapshot: %w", err)
	}
	out := string(blob)
	if err := s.RecordOperationResult(ctx, workflow.OperationResult{
		WorkflowUUID: callerUUID,
		FunctionID:   callerFunctionID,
		Output:       &out,
	}); err != nil {
		return nil, err
	}
	return stat, nil
}

// AwaitWorkflowResult polls the status row every second until the workflow
// reaches SUCCESS (returns the deserialized output) or ERROR (returns the
// deserialized error). A missing row means "not yet observed" and polling
// continues; the only exit before a terminal status is ctx cancellation.
func (s *SystemDatabase) AwaitWorkflowResult(ctx context.Context, workflowUUID string) (any, error) {
	for {
		var status workflow.Status
		var output, wfErr *string
		err := s.db.QueryRow(ctx, `
			SELECT status, output, error FROM dbos.workflow_status
			WHERE workflow_uuid = $1`,
			workflowUUID,
		).Scan(&status, &output, &wfErr)

		switch {
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("await workflow result: %w", err)
		case err == nil && status == workflow.StatusSuccess:
			if output == nil {
				return nil, nil
			}
			return s.ser.Deserialize(*output)
		case err == nil && status == workflow.StatusError:
			if wfErr == nil {
				return nil, nil
			}
			return nil, s.ser.DeserializeError(*wfErr)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(awaitPollInterval):
		}
	}
}

// GetWorkflowInfo assembles the external projection: status with outputs plus
// the deserialized inputs. getRequest controls whether the serialized request
// blob is included.
func (s *SystemDatabase) GetWorkflowInfo(ctx context.Context, workflowUUID string, getRequest bool) (*workflow.Information, error) {
	stat, err := s.GetWorkflowStatusWithOutputs(ctx, workflowUUID)
	if err != nil || stat == nil {
		return nil, err
	}

	info := &workflow.Information{
		WorkflowUUID:       stat.WorkflowUUID,
		Status:             stat.Status,
		Name:               stat.Name,
		ClassName:          stat.ClassName,
		ConfigName:         stat.ConfigName,
		AuthenticatedUser:  stat.AuthenticatedUser,
		AssumedRole:        stat.AssumedRole,
		AuthenticatedRoles: stat.AuthenticatedRoles,
		QueueName:          stat.QueueName,
		Output:             stat.Output,
		Error:              stat.Error,
	}
	if getRequest {
		info.Request = stat.Request
	}

	inputs, err := s.GetWorkflowInputs(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	info.Input = inputs
	return info, nil
}

// UpdateWorkflowInputs records the serialized inputs once; re-inserts are
// ignored so the first recorded inputs stay authoritative.
func (s *SystemDatabase) UpdateWorkflowInputs(ctx context.Context, workflowUUID, inputs string) error {
	if err := s.updateWorkflowInputs(ctx, s.db, workflowUUID, inputs); err != nil {
		return err
	}
	s.buf.clearTempTxnTracking(workflowUUID)
	return nil
}

func (s *SystemDatabase) updateWorkflowInputs(ctx context.Context, q Querier, workflowUUID, inputs string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO dbos.workflow_inputs (workflow_uuid, inputs)
		VALUES ($1, $2)
		ON CONFLICT (workflow_uuid) DO NOTHING`,
		workflowUUID, inputs,
	)
	if err != nil {
		return fmt.Errorf("update workflow inputs: %w", err)
	}
	return nil
}

// GetWorkflowInputs returns the deserialized argument bundle, or nil when
// none was recorded.
func (s *SystemDatabase) GetWorkflowInputs(ctx context.Context, workflowUUID string) (*workflow.Inputs, error) {
	var blob string
	err := s.db.QueryRow(ctx,
		`SELECT inputs FROM dbos.workflow_inputs WHERE workflow_uuid = $1`,
		workflowUUID,
	).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workflow inputs: %w", err)
	}

	var inputs workflow.Inputs
	if err := json.Unmarshal([]byte(blob), &inputs); err != nil {
		return nil, fmt.Errorf("decode workflow inputs: %w", err)
	}
	return &inputs, nil
}

// ListWorkflows returns workflow UUIDs matching the filter, newest first.
func (s *SystemDatabase) ListWorkflows(ctx context.Context, input workflow.ListWorkflowsInput) ([]string, error) {
	var (
		conds []string
		args  []any
	)
	addCond := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if input.Name != "" {
		addCond("name = $%d", input.Name)
	}
	if input.AuthenticatedUser != "" {
		addCond("authenticated_user = $%d", input.AuthenticatedUser)
	}
	if input.StartTimeEpochMs > 0 {
		addCond("created_at >= $%d", input.StartTimeEpochMs)
	}
	if input.EndTimeEpochMs > 0 {
		addCond("created_at <= $%d", input.EndTimeEpochMs)
	}
	if input.Status != "" {
		addCond("status = $%d", input.Status)
	}
	if input.AppVersion != "" {
		addCond("application_version = $%d", input.AppVersion)
	}

	query := `SELECT workflow_uuid FROM dbos.workflow_status`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if input.Limit > 0 {
		args = append(args, input.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var uuids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		uuids = append(uuids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return uuids, nil
}

// GetPendingWorkflows lists every PENDING workflow owned by the executor.
// Recovery re-drives these on startup.
func (s *SystemDatabase) GetPendingWorkflows(ctx context.Context, executorID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT workflow_uuid FROM dbos.workflow_status
		WHERE status = $1 AND executor_id = $2`,
		workflow.StatusPending, executorID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending workflows: %w", err)
	}
	defer rows.Close()

	var uuids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("get pending workflows: %w", err)
		}
		uuids = append(uuids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get pending workflows: %w", err)
	}
	return uuids, nil
}
