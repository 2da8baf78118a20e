// Package executor registers workflow functions and drives their execution
// against the journals. Every run, first or recovered, goes through the same
// path: load status and inputs, invoke the function with a step-counting
// context, record the terminal status. Determinism of the function plus the
// journal gives once-and-only-once effects.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"durable-workflows/core/services/appdb"
	"durable-workflows/core/services/serializer"
	"durable-workflows/core/services/sysdb"
	"durable-workflows/core/services/workflow"
)

// DefaultExecutorID tags workflows started by a process with no explicit
// executor identity. Recovery uses the same default.
const DefaultExecutorID = "local"

// WorkflowFunc is a registered durable function. It must be deterministic
// apart from the operations it performs through ctx, which are journaled.
type WorkflowFunc func(ctx *Context, inputs workflow.Inputs) (any, error)

// Config carries the process identity stamped onto every workflow this
// executor starts.
type Config struct {
	ExecutorID string
	AppVersion string
}

// Executor owns the function registry and the run loop. It satisfies
// workflow.Executor for the queue dispatcher and the recovery engine.
type Executor struct {
	sysDB *sysdb.SystemDatabase
	appDB *appdb.ApplicationDatabase
	ser   serializer.Serializer

	executorID string
	appVersion string

	mu       sync.RWMutex
	registry map[string]WorkflowFunc
}

// New creates an executor. appDB may be nil when the application never uses
// transactional steps.
func New(sysDB *sysdb.SystemDatabase, appDB *appdb.ApplicationDatabase, ser serializer.Serializer, cfg Config) (*Executor, error) {
	if sysDB == nil {
		return nil, fmt.Errorf("executor: system database cannot be nil")
	}
	if ser == nil {
		return nil, fmt.Errorf("executor: serializer cannot be nil")
	}
	if cfg.ExecutorID == "" {
		cfg.ExecutorID = DefaultExecutorID
	}
	return &Executor{
		sysDB:      sysDB,
		appDB:      appDB,
		ser:        ser,
		executorID: cfg.ExecutorID,
		appVersion: cfg.AppVersion,
		registry:   make(map[string]WorkflowFunc),
	}, nil
}

// ExecutorID returns the identity stamped onto started workflows.
func (e *Executor) ExecutorID() string { return e.executorID }

// Register binds a name to a workflow function. Names must be unique; the
// status row stores the name, so renames orphan recoverable workflows.
func (e *Executor) Register(name string, fn WorkflowFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("executor: name and function are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.registry[name]; exists {
		return fmt.Errorf("executor: function %q already registered", name)
	}
	e.registry[name] = fn
	return nil
}

func (e *Executor) lookup(name string) WorkflowFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry[name]
}

// StartOptions configures a new workflow invocation.
type StartOptions struct {
	// WorkflowID pins the workflow identity; generated when empty. Reusing
	// an ID re-attaches to the existing journal instead of starting fresh.
	WorkflowID string
	// Name of the registered workflow function.
	Name string
	// Inputs passed to the function and recorded for recovery.
	Inputs workflow.Inputs
	// QueueName parks the workflow as ENQUEUED for the dispatcher instead
	// of running it immediately.
	QueueName string
	// BufferWrites routes the status and inputs rows through the write
	// buffer instead of synchronous inserts. Meant for short
	// single-transaction workflows where the insert round-trips dominate.
	BufferWrites bool
}

// StartWorkflow durably records a workflow and either runs it asynchronously
// or leaves it for the queue dispatcher. The returned handle polls the status
// row, so it remains valid across process restarts.
func (e *Executor) StartWorkflow(ctx context.Context, opts StartOptions) (workflow.Handle, error) {
	fn := e.lookup(opts.Name)
	if fn == nil {
		return nil, &workflow.FunctionNotFoundError{Name: opts.Name}
	}

	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	inputBlob, err := e.ser.Serialize(opts.Inputs)
	if err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}

	status := workflow.StatusPending
	var queueName *string
	if opts.QueueName != "" {
		status = workflow.StatusEnqueued
		queueName = &opts.QueueName
	}
	record := &workflow.StatusRecord{
		WorkflowUUID: workflowID,
		Status:       status,
		Name:         opts.Name,
		ExecutorID:   &e.executorID,
		QueueName:    queueName,
	}
	if e.appVersion != "" {
		record.AppVersion = &e.appVersion
	}

	if opts.BufferWrites {
		e.sysDB.BufferWorkflowInputs(workflowID, inputBlob)
		e.sysDB.BufferWorkflowStatus(record)
	} else {
		if err := e.sysDB.UpdateWorkflowStatus(ctx, record, sysdb.UpdateStatusOptions{}); err != nil {
			return nil, err
		}
		if err := e.sysDB.UpdateWorkflowInputs(ctx, workflowID, inputBlob); err != nil {
			return nil, err
		}
	}

	if opts.QueueName != "" {
		if err := e.sysDB.EnqueueWorkflow(ctx, workflowID, opts.QueueName); err != nil {
			return nil, err
		}
		return e.handle(workflowID), nil
	}

	go e.run(context.WithoutCancel(ctx), workflowID, opts.Name, queueName, fn, opts.Inputs, opts.BufferWrites)
	return e.handle(workflowID), nil
}

// ExecuteWorkflowByID re-drives a workflow from its journaled status and
// inputs. The queue dispatcher calls it on admission and the recovery engine
// calls it for interrupted workflows; inRecovery makes the status upsert
// increment recovery_attempts.
func (e *Executor) ExecuteWorkflowByID(ctx context.Context, workflowID string, inRecovery bool) (workflow.Handle, error) {
	status, err := e.sysDB.GetWorkflowStatus(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, &workflow.NonExistentWorkflowError{WorkflowUUID: workflowID}
	}

	fn := e.lookup(status.Name)
	if fn == nil {
		return nil, &workflow.FunctionNotFoundError{Name: status.Name}
	}

	var inputs workflow.Inputs
	if recorded, err := e.sysDB.GetWorkflowInputs(ctx, workflowID); err != nil {
		return nil, err
	} else if recorded != nil {
		inputs = *recorded
	}

	if inRecovery {
		attempt := *status
		attempt.Status = workflow.StatusPending
		attempt.ExecutorID = &e.executorID
		if err := e.sysDB.UpdateWorkflowStatus(ctx, &attempt, sysdb.UpdateStatusOptions{InRecovery: true}); err != nil {
			return nil, err
		}
	}

	go e.run(context.WithoutCancel(ctx), workflowID, status.Name, status.QueueName, fn, inputs, false)
	return e.handle(workflowID), nil
}

// run invokes the function and records its terminal status. A failure to
// record is logged, not surfaced: the workflow stays PENDING and recovery
// re-drives it.
func (e *Executor) run(ctx context.Context, workflowID, name string, queueName *string, fn WorkflowFunc, inputs workflow.Inputs, buffered bool) {
	wfCtx := &Context{
		Context:      ctx,
		workflowUUID: workflowID,
		exec:         e,
	}

	output, runErr := fn(wfCtx, inputs)

	record := &workflow.StatusRecord{
		WorkflowUUID: workflowID,
		Name:         name,
		ExecutorID:   &e.executorID,
		QueueName:    queueName,
	}
	if e.appVersion != "" {
		record.AppVersion = &e.appVersion
	}
	if runErr != nil {
		record.Status = workflow.StatusError
		blob, err := e.ser.SerializeError(runErr)
		if err != nil {
			slog.Error("Failed to serialize workflow error", "workflow_uuid", workflowID, "error", err)
			return
		}
		record.Error = &blob
	} else {
		record.Status = workflow.StatusSuccess
		blob, err := e.ser.Serialize(output)
		if err != nil {
			slog.Error("Failed to serialize workflow output", "workflow_uuid", workflowID, "error", err)
			return
		}
		record.Output = &blob
	}

	if buffered {
		e.sysDB.BufferWorkflowStatus(record)
	} else if err := e.sysDB.UpdateWorkflowStatus(ctx, record, sysdb.UpdateStatusOptions{Replace: true}); err != nil {
		slog.Error("Failed to record workflow completion", "workflow_uuid", workflowID, "error", err)
		return
	}

	if queueName != nil {
		if err := e.sysDB.RemoveFromQueue(ctx, workflowID); err != nil {
			slog.Error("Failed to remove workflow from queue", "workflow_uuid", workflowID, "error", err)
		}
	}
}

func (e *Executor) handle(workflowID string) workflow.Handle {
	return &pollingHandle{workflowID: workflowID, sysDB: e.sysDB}
}

// pollingHandle tracks a workflow through its status row only, so it works
// for workflows started by any process.
type pollingHandle struct {
	workflowID string
	sysDB      *sysdb.SystemDatabase
}

func (h *pollingHandle) WorkflowID() string { return h.workflowID }

func (h *pollingHandle) GetResult(ctx context.Context) (any, error) {
	return h.sysDB.AwaitWorkflowResult(ctx, h.workflowID)
}

func (h *pollingHandle) GetStatus(ctx context.Context) (*workflow.StatusRecord, error) {
	return h.sysDB.GetWorkflowStatus(ctx, h.workflowID)
}
