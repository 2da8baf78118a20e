// Package recovery re-drives workflows left PENDING by a crashed or restarted
// process. Because every operation is journaled, re-running an interrupted
// workflow replays its completed steps and resumes where it stopped.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"durable-workflows/core/services/workflow"
)

// retryInterval spaces attempts while workflow functions are still being
// registered during startup.
const retryInterval = time.Second

// vmIDEnv is set by hosted platforms that manage recovery themselves; when
// present, startup recovery skips locally-owned workflows.
const vmIDEnv = "DBOS__VMID"

// Store is the system-database surface recovery needs.
type Store interface {
	GetPendingWorkflows(ctx context.Context, executorID string) ([]string, error)
}

// Engine re-executes interrupted workflows on behalf of a set of executor
// identities.
type Engine struct {
	store Store
	exec  workflow.Executor
}

func NewEngine(store Store, exec workflow.Executor) *Engine {
	return &Engine{store: store, exec: exec}
}

// RecoverPendingWorkflows re-drives every PENDING workflow owned by the given
// executors and returns handles to the restarted runs. With no executors
// given it recovers the default local identity.
func (e *Engine) RecoverPendingWorkflows(ctx context.Context, executorIDs []string) ([]workflow.Handle, error) {
	if len(executorIDs) == 0 {
		executorIDs = []string{"local"}
	}

	var handles []workflow.Handle
	for _, executorID := range executorIDs {
		if executorID == "local" && os.Getenv(vmIDEnv) != "" {
			slog.Debug("Skipping local recovery under a hosted executor")
			continue
		}
		slog.Debug("Recovering pending workflows", "executor_id", executorID)

		pending, err := e.store.GetPendingWorkflows(ctx, executorID)
		if err != nil {
			return nil, err
		}
		for _, workflowID := range pending {
			handle, err := e.exec.ExecuteWorkflowByID(ctx, workflowID, true)
			if err != nil {
				return nil, err
			}
			handles = append(handles, handle)
		}
	}
	return handles, nil
}

// RunStartupRecovery drives recovery for the given executors until every
// workflow is handed off. Workflows whose functions are not yet registered
// (FunctionNotFoundError) are retried each interval, since registration races
// with startup. Any other failure is returned and must be treated as fatal by
// the caller: an undrivable PENDING workflow means the process cannot meet
// its durability guarantee.
func (e *Engine) RunStartupRecovery(ctx context.Context, executorIDs []string, stop <-chan struct{}) error {
	if len(executorIDs) == 0 {
		executorIDs = []string{"local"}
	}

	remaining := map[string][]string{}
	for _, executorID := range executorIDs {
		if executorID == "local" && os.Getenv(vmIDEnv) != "" {
			continue
		}
		pending, err := e.store.GetPendingWorkflows(ctx, executorID)
		if err != nil {
			return fmt.Errorf("list pending workflows for %s: %w", executorID, err)
		}
		if len(pending) > 0 {
			remaining[executorID] = pending
		}
	}

	for len(remaining) > 0 {
		for executorID, pending := range remaining {
			var retry []string
			for _, workflowID := range pending {
				_, err := e.exec.ExecuteWorkflowByID(ctx, workflowID, true)
				switch {
				case err == nil:
				case workflow.IsFunctionNotFound(err):
					// Registration may still be in flight; try again later.
					retry = append(retry, workflowID)
				default:
					return fmt.Errorf("recover workflow %s: %w", workflowID, err)
				}
			}
			if len(retry) > 0 {
				remaining[executorID] = retry
			} else {
				delete(remaining, executorID)
			}
		}
		if len(remaining) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-time.After(retryInterval):
		}
	}
	return nil
}
