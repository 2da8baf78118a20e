package workflow

import "context"

// Handle tracks a started workflow. GetResult blocks until the workflow
// reaches a terminal status and returns its deserialized output.
type Handle interface {
	WorkflowID() string
	GetResult(ctx context.Context) (any, error)
	GetStatus(ctx context.Context) (*StatusRecord, error)
}

// Executor is the callback surface the core drives. The executor owns
// function registration, invocation, and the per-workflow step counter;
// the queue dispatcher and the recovery engine only hand it workflow IDs.
type Executor interface {
	// ExecuteWorkflowByID re-drives a known workflow from its journaled
	// status and inputs. inRecovery makes the status upsert increment
	// recovery_attempts. Returns FunctionNotFoundError when the workflow's
	// function has not been registered.
	ExecuteWorkflowByID(ctx context.Context, workflowID string, inRecovery bool) (Handle, error)
}
