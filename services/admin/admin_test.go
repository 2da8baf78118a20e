package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"durable-workflows/core/services/workflow"
)

type stubStore struct {
	listInput    workflow.ListWorkflowsInput
	listResult   []string
	info         *workflow.Information
	statusCalls  []statusCall
	err          error
	getRequested bool
}

type statusCall struct {
	workflowUUID string
	status       workflow.Status
	reset        bool
}

func (s *stubStore) ListWorkflows(ctx context.Context, input workflow.ListWorkflowsInput) ([]string, error) {
	s.listInput = input
	return s.listResult, s.err
}

func (s *stubStore) GetWorkflowInfo(ctx context.Context, workflowUUID string, getRequest bool) (*workflow.Information, error) {
	s.getRequested = getRequest
	return s.info, s.err
}

func (s *stubStore) SetWorkflowStatus(ctx context.Context, workflowUUID string, status workflow.Status, reset bool) error {
	s.statusCalls = append(s.statusCalls, statusCall{workflowUUID, status, reset})
	return s.err
}

type stubExecutor struct {
	err error
}

func (e *stubExecutor) ExecuteWorkflowByID(ctx context.Context, workflowID string, inRecovery bool) (workflow.Handle, error) {
	if e.err != nil {
		return nil, e.err
	}
	return stubHandle(workflowID), nil
}

type stubRecoverer struct {
	executorIDs []string
	handles     []workflow.Handle
	err         error
}

func (r *stubRecoverer) RecoverPendingWorkflows(ctx context.Context, executorIDs []string) ([]workflow.Handle, error) {
	r.executorIDs = executorIDs
	return r.handles, r.err
}

type stubHandle string

func (h stubHandle) WorkflowID() string { return string(h) }
func (h stubHandle) GetResult(ctx context.Context) (any, error) {
	return nil, nil
}
func (h stubHandle) GetStatus(ctx context.Context) (*workflow.StatusRecord, error) {
	return nil, nil
}

func newTestRouter(t *testing.T, store *stubStore, exec *stubExecutor, rec *stubRecoverer) *mux.Router {
	t.Helper()
	svc, err := NewService(store, exec, rec)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	router := mux.NewRouter()
	svc.LoadRoutes(router)
	return router
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(nil, &stubExecutor{}, &stubRecoverer{}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewService(&stubStore{}, nil, &stubRecoverer{}); err == nil {
		t.Error("expected error for nil executor")
	}
	if _, err := NewService(&stubStore{}, &stubExecutor{}, nil); err == nil {
		t.Error("expected error for nil recoverer")
	}
}

func TestHandleListWorkflows(t *testing.T) {
	t.Run("passes filters through", func(t *testing.T) {
		store := &stubStore{listResult: []string{"wf-2", "wf-1"}}
		router := newTestRouter(t, store, &stubExecutor{}, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET",
			"/workflows?status=SUCCESS&name=orders.process&start_time=1000&limit=5", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if store.listInput.Status != workflow.StatusSuccess ||
			store.listInput.Name != "orders.process" ||
			store.listInput.StartTimeEpochMs != 1000 ||
			store.listInput.Limit != 5 {
			t.Errorf("filters not passed through: %+v", store.listInput)
		}

		var body map[string][]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid response body: %v", err)
		}
		if len(body["workflowUUIDs"]) != 2 {
			t.Errorf("unexpected body: %v", body)
		}
	})

	t.Run("no matches yields an empty list, not null", func(t *testing.T) {
		router := newTestRouter(t, &stubStore{}, &stubExecutor{}, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", "/workflows", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"workflowUUIDs":[]`) {
			t.Errorf("expected empty array, got %s", rr.Body.String())
		}
	})

	t.Run("rejects a malformed time filter", func(t *testing.T) {
		router := newTestRouter(t, &stubStore{}, &stubExecutor{}, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", "/workflows?start_time=yesterday", nil))

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("store failure is a 500", func(t *testing.T) {
		router := newTestRouter(t, &stubStore{err: errors.New("db down")}, &stubExecutor{}, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", "/workflows", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rr.Code)
		}
	})
}

func TestHandleGetWorkflow(t *testing.T) {
	t.Run("returns the workflow projection", func(t *testing.T) {
		store := &stubStore{info: &workflow.Information{
			WorkflowUUID: "wf-1",
			Status:       workflow.StatusSuccess,
			Name:         "orders.process",
		}}
		router := newTestRouter(t, store, &stubExecutor{}, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", "/workflows/wf-1", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var info workflow.Information
		if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
			t.Fatalf("invalid response body: %v", err)
		}
		if info.WorkflowUUID != "wf-1" || info.Status != workflow.StatusSuccess {
			t.Errorf("unexpected info: %+v", info)
		}
		if store.getRequested {
			t.Error("request blob included without request=true")
		}
	})

	t.Run("request=true includes the request blob", func(t *testing.T) {
		store := &stubStore{info: &workflow.Information{WorkflowUUID: "wf-1"}}
		router := newTestRouter(t, store, &stubExecutor{}, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", "/workflows/wf-1?request=true", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !store.getRequested {
			t.Error("request blob was not requested from the store")
		}
	})

	t.Run("unknown workflow is a 404", func(t *testing.T) {
		router := newTestRouter(t, &stubStore{}, &stubExecutor{}, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", "/workflows/missing", nil))

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestHandleCancelWorkflow(t *testing.T) {
	store := &stubStore{}
	router := newTestRouter(t, store, &stubExecutor{}, &stubRecoverer{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/workflows/wf-1/cancel", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if len(store.statusCalls) != 1 {
		t.Fatalf("expected 1 status call, got %d", len(store.statusCalls))
	}
	call := store.statusCalls[0]
	if call.workflowUUID != "wf-1" || call.status != workflow.StatusCancelled || call.reset {
		t.Errorf("unexpected status call: %+v", call)
	}
}

func TestHandleResumeWorkflow(t *testing.T) {
	t.Run("resets status and re-executes", func(t *testing.T) {
		store := &stubStore{}
		router := newTestRouter(t, store, &stubExecutor{}, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("POST", "/workflows/wf-1/resume", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		call := store.statusCalls[0]
		if call.status != workflow.StatusPending || !call.reset {
			t.Errorf("unexpected status call: %+v", call)
		}
		if !strings.Contains(rr.Body.String(), "wf-1") {
			t.Errorf("unexpected body: %s", rr.Body.String())
		}
	})

	t.Run("unregistered function is a 409", func(t *testing.T) {
		exec := &stubExecutor{err: &workflow.FunctionNotFoundError{Name: "ghost"}}
		router := newTestRouter(t, &stubStore{}, exec, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("POST", "/workflows/wf-1/resume", nil))

		if rr.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rr.Code)
		}
	})

	t.Run("unknown workflow is a 404", func(t *testing.T) {
		exec := &stubExecutor{err: &workflow.NonExistentWorkflowError{WorkflowUUID: "wf-1"}}
		router := newTestRouter(t, &stubStore{}, exec, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("POST", "/workflows/wf-1/resume", nil))

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestHandleRecovery(t *testing.T) {
	t.Run("returns restarted workflow ids", func(t *testing.T) {
		rec := &stubRecoverer{handles: []workflow.Handle{stubHandle("wf-1"), stubHandle("wf-2")}}
		router := newTestRouter(t, &stubStore{}, &stubExecutor{}, rec)

		body := strings.NewReader(`{"executorIDs": ["executor-a"]}`)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("POST", "/recovery", body))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if len(rec.executorIDs) != 1 || rec.executorIDs[0] != "executor-a" {
			t.Errorf("executor ids not passed through: %v", rec.executorIDs)
		}
		if !strings.Contains(rr.Body.String(), "wf-2") {
			t.Errorf("unexpected body: %s", rr.Body.String())
		}
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		router := newTestRouter(t, &stubStore{}, &stubExecutor{}, &stubRecoverer{})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("POST", "/recovery", strings.NewReader("{")))

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestRequestIDPropagation(t *testing.T) {
	router := newTestRouter(t, &stubStore{}, &stubExecutor{}, &stubRecoverer{})

	req := httptest.NewRequest("GET", "/workflows", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("expected request id to round-trip, got %q", got)
	}
}
