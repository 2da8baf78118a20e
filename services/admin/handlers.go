package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"durable-workflows/core/services/workflow"
)

// maxRequestBody limits the size of request bodies to prevent abuse.
const maxRequestBody = 1 << 20 // 1MB

// HandleListWorkflows returns the UUIDs of workflows matching the query
// filters, newest first. Supported filters: name, user, status, app_version,
// start_time, end_time (epoch milliseconds) and limit.
func (s *Service) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	q := r.URL.Query()

	input := workflow.ListWorkflowsInput{
		Name:              q.Get("name"),
		AuthenticatedUser: q.Get("user"),
		Status:            workflow.Status(q.Get("status")),
		AppVersion:        q.Get("app_version"),
	}
	var err error
	if input.StartTimeEpochMs, err = epochParam(q.Get("start_time")); err != nil {
		writeErrorJSON(w, "INVALID_FILTER", "invalid start_time", http.StatusBadRequest)
		return
	}
	if input.EndTimeEpochMs, err = epochParam(q.Get("end_time")); err != nil {
		writeErrorJSON(w, "INVALID_FILTER", "invalid end_time", http.StatusBadRequest)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeErrorJSON(w, "INVALID_FILTER", "invalid limit", http.StatusBadRequest)
			return
		}
		input.Limit = limit
	}

	uuids, err := s.store.ListWorkflows(r.Context(), input)
	if err != nil {
		slog.Error("failed to list workflows", "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	if uuids == nil {
		uuids = []string{}
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{"workflowUUIDs": uuids}); err != nil {
		slog.Error("failed to write response", "requestId", rid, "error", err)
	}
}

// HandleGetWorkflow returns the full projection of one workflow: status
// columns plus deserialized inputs. Pass request=true to include the
// serialized request blob.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]
	slog.Debug("returning workflow information", "id", id, "requestId", rid)

	getRequest := r.URL.Query().Get("request") == "true"
	info, err := s.store.GetWorkflowInfo(r.Context(), id, getRequest)
	if err != nil {
		slog.Error("failed to get workflow", "id", id, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	if info == nil {
		slog.Warn("workflow not found", "id", id, "requestId", rid)
		writeErrorJSON(w, "NOT_FOUND", "workflow not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		slog.Error("failed to write response", "id", id, "requestId", rid, "error", err)
	}
}

// HandleCancelWorkflow flips a workflow to CANCELLED. Steps already running
// finish; the status stops recovery from re-driving it.
func (s *Service) HandleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]
	slog.Debug("cancelling workflow", "id", id, "requestId", rid)

	if err := s.store.SetWorkflowStatus(r.Context(), id, workflow.StatusCancelled, false); err != nil {
		slog.Error("failed to cancel workflow", "id", id, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleResumeWorkflow re-drives a cancelled or stuck workflow: the status
// goes back to PENDING with recovery_attempts reset, then the executor
// replays it from the journal.
func (s *Service) HandleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]
	slog.Debug("resuming workflow", "id", id, "requestId", rid)

	ctx := r.Context()
	if err := s.store.SetWorkflowStatus(ctx, id, workflow.StatusPending, true); err != nil {
		slog.Error("failed to reset workflow status", "id", id, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	handle, err := s.exec.ExecuteWorkflowByID(ctx, id, false)
	if err != nil {
		switch {
		case workflow.IsNonExistent(err):
			slog.Warn("workflow not found", "id", id, "requestId", rid)
			writeErrorJSON(w, "NOT_FOUND", "workflow not found", http.StatusNotFound)
		case workflow.IsFunctionNotFound(err):
			slog.Warn("workflow function not registered", "id", id, "requestId", rid, "error", err)
			writeErrorJSON(w, "UNREGISTERED_FUNCTION", "workflow function not registered", http.StatusConflict)
		default:
			slog.Error("failed to resume workflow", "id", id, "requestId", rid, "error", err)
			writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{"workflowUUID": handle.WorkflowID()}); err != nil {
		slog.Error("failed to write response", "id", id, "requestId", rid, "error", err)
	}
}

// HandleRecovery re-drives every PENDING workflow owned by the given executor
// identities and returns the restarted workflow UUIDs. Hosted platforms call
// this when reassigning a dead executor's workload.
func (s *Service) HandleRecovery(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var body struct {
		ExecutorIDs []string `json:"executorIDs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("failed to decode request body", "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_BODY", "invalid request body", http.StatusBadRequest)
		return
	}

	handles, err := s.recoverer.RecoverPendingWorkflows(r.Context(), body.ExecutorIDs)
	if err != nil {
		slog.Error("failed to recover workflows", "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	uuids := make([]string, 0, len(handles))
	for _, h := range handles {
		uuids = append(uuids, h.WorkflowID())
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{"workflowUUIDs": uuids}); err != nil {
		slog.Error("failed to write response", "requestId", rid, "error", err)
	}
}

func epochParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// writeErrorJSON writes a structured JSON error response with a
// machine-readable code and a human-readable message.
func writeErrorJSON(w http.ResponseWriter, errCode, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"code": errCode, "message": message})
}
