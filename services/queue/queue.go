// Package queue runs the dispatcher that turns ENQUEUED workflows into
// running ones. Admission control (concurrency caps, rate limits, the
// ENQUEUED->PENDING compare-and-swap) lives in the system database; this
// package owns the queue definitions and the polling loop.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"durable-workflows/core/services/workflow"
)

// pollInterval is how often the dispatcher scans every queue's backlog.
const pollInterval = time.Second

// Queue declares a named queue and its admission limits. A nil Concurrency
// means unbounded; a nil Limiter means no rate limit.
type Queue struct {
	Name        string
	Concurrency *int
	Limiter     *workflow.QueueRateLimit
}

// Store is the system-database surface the dispatcher needs.
type Store interface {
	StartQueuedWorkflows(ctx context.Context, queueName string, concurrency *int, limiter *workflow.QueueRateLimit) ([]string, error)
}

// Registry holds the process's queue definitions. Workflows may only be
// enqueued to declared queues; the dispatcher polls exactly this set.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]Queue
}

func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]Queue)}
}

// Add declares a queue. Queue names must be unique within the process.
func (r *Registry) Add(q Queue) error {
	if q.Name == "" {
		return fmt.Errorf("queue: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.queues[q.Name]; exists {
		return fmt.Errorf("queue: %q already registered", q.Name)
	}
	r.queues[q.Name] = q
	return nil
}

// Lookup returns the queue definition and whether it exists.
func (r *Registry) Lookup(name string) (Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

func (r *Registry) snapshot() []Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}

// Dispatcher polls every registered queue and hands admitted workflows to the
// executor. Safe to run in multiple processes against the same database; the
// admission CAS keeps any workflow from being started twice.
type Dispatcher struct {
	store    Store
	registry *Registry
	exec     workflow.Executor
	stop     <-chan struct{}
}

func NewDispatcher(store Store, registry *Registry, exec workflow.Executor, stop <-chan struct{}) *Dispatcher {
	return &Dispatcher{store: store, registry: registry, exec: exec, stop: stop}
}

// Run polls until the context is cancelled or the stop channel closes.
// Per-queue errors are logged and the loop keeps going; a transient database
// outage must not kill dispatching for good.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-time.After(pollInterval):
		}
		d.dispatchOnce(ctx)
	}
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	for _, q := range d.registry.snapshot() {
		claimed, err := d.store.StartQueuedWorkflows(ctx, q.Name, q.Concurrency, q.Limiter)
		if err != nil {
			slog.Error("Failed to poll queue", "queue", q.Name, "error", err)
			continue
		}
		for _, workflowID := range claimed {
			if _, err := d.exec.ExecuteWorkflowByID(ctx, workflowID, false); err != nil {
				// The status row is already PENDING; recovery picks it up.
				slog.Error("Failed to start queued workflow",
					"queue", q.Name, "workflow_uuid", workflowID, "error", err)
			}
		}
	}
}
