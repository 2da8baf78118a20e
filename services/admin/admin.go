// Package admin exposes the management HTTP API: listing workflows,
// inspecting one, cancelling, resuming, and triggering recovery. It only
// reads and flips journal state; execution stays with the executor.
package admin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"durable-workflows/core/services/workflow"
)

// Store is the system-database surface the admin API needs.
type Store interface {
	ListWorkflows(ctx context.Context, input workflow.ListWorkflowsInput) ([]string, error)
	GetWorkflowInfo(ctx context.Context, workflowUUID string, getRequest bool) (*workflow.Information, error)
	SetWorkflowStatus(ctx context.Context, workflowUUID string, status workflow.Status, resetRecoveryAttempts bool) error
}

// Recoverer triggers recovery for a set of executor identities.
type Recoverer interface {
	RecoverPendingWorkflows(ctx context.Context, executorIDs []string) ([]workflow.Handle, error)
}

// Service handles HTTP requests for workflow management.
// It depends on narrow interfaces rather than concrete implementations,
// keeping the HTTP layer decoupled from the journal.
type Service struct {
	store     Store
	exec      workflow.Executor
	recoverer Recoverer
}

// NewService creates an admin Service over the given journal surfaces.
func NewService(store Store, exec workflow.Executor, recoverer Recoverer) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("service: store cannot be nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("service: executor cannot be nil")
	}
	if recoverer == nil {
		return nil, fmt.Errorf("service: recoverer cannot be nil")
	}
	return &Service{store: store, exec: exec, recoverer: recoverer}, nil
}

type contextKey string

const requestIDKey contextKey = "requestID"

// requestIDMiddleware tags each request with an ID for log correlation,
// honoring an X-Request-ID header when the caller supplies one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, rid)))
	})
}

// jsonMiddleware sets the Content-Type header to application/json
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(requestIDMiddleware, jsonMiddleware)

	router.HandleFunc("", s.HandleListWorkflows).Methods("GET")
	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}/cancel", s.HandleCancelWorkflow).Methods("POST")
	router.HandleFunc("/{id}/resume", s.HandleResumeWorkflow).Methods("POST")

	parentRouter.Path("/recovery").Methods("POST").
		Handler(requestIDMiddleware(jsonMiddleware(http.HandlerFunc(s.HandleRecovery))))
}

// reqID extracts the request ID from context (set by requestIDMiddleware).
func reqID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}
