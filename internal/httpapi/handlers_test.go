package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/casefill/orchestrator/internal/apperrors"
	"github.com/casefill/orchestrator/internal/models"
	"github.com/casefill/orchestrator/internal/session"
	"github.com/casefill/orchestrator/internal/tasks"
	"github.com/casefill/orchestrator/internal/workflow"
)

type fakeOrchestrator struct {
	calls int
	last  workflow.Request
	res   *workflow.Result
	err   error
}

func (f *fakeOrchestrator) Handle(_ context.Context, req workflow.Request) (*workflow.Result, error) {
	f.calls++
	f.last = req
	return f.res, f.err
}

type fakeTasks map[string]*tasks.Task

func (f fakeTasks) GetStatus(_ context.Context, id string) (*tasks.Task, error) {
	if id == "broken" {
		return nil, errors.New("database is locked")
	}
	if t, ok := f[id]; ok {
		return t, nil
	}
	return &tasks.Task{ID: id, Status: tasks.StatusNotFound}, nil
}

type fakeSessions map[string]*session.Session

func (f fakeSessions) Get(_ context.Context, id string) (*session.Session, error) {
	if s, ok := f[id]; ok {
		return s, nil
	}
	return nil, session.ErrSessionNotFound
}

type apiResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func newTestMux(t *testing.T, orch RequestHandler, tr TaskStatusReader, sr SessionReader) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(orch, tr, sr, zaptest.NewLogger(t)).RegisterRoutes(mux)
	return mux
}

func serve(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp apiResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func TestReceiveRequestSuccess(t *testing.T) {
	orch := &fakeOrchestrator{res: &workflow.Result{
		Flow:      workflow.FlowInitialization,
		SessionID: "sess-1",
		TaskID:    "task-1",
		NextStep:  workflow.StepPreprocessing.String(),
	}}
	mux := newTestMux(t, orch, fakeTasks{}, fakeSessions{})

	rec, resp := serve(t, mux, http.MethodPost, "/api/v1/receive-request",
		`{"record_id":"REC-1","session_id":null,"user_message":"extract the policy number"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "success", resp.Status)
	assert.Nil(t, resp.Error)

	var data map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "initialization", data["status"])
	assert.Equal(t, "sess-1", data["session_id"])
	assert.Equal(t, "task-1", data["task_id"])

	assert.Equal(t, workflow.Request{RecordID: "REC-1", UserMessage: "extract the policy number"}, orch.last)
}

func TestReceiveRequestPassesSessionID(t *testing.T) {
	orch := &fakeOrchestrator{res: &workflow.Result{Flow: workflow.FlowContinuation, SessionID: "sess-9"}}
	mux := newTestMux(t, orch, fakeTasks{}, fakeSessions{})

	rec, _ := serve(t, mux, http.MethodPost, "/api/v1/receive-request",
		`{"record_id":"REC-1","session_id":"sess-9","user_message":"and the insured name?"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sess-9", orch.last.SessionID)
}

func TestReceiveRequestErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		res        *workflow.Result
		wantStatus int
		wantCode   string
		wantData   bool
	}{
		{
			name:       "validation",
			err:        apperrors.New(apperrors.CodeInvalidRecordID, "record_id is required"),
			res:        &workflow.Result{},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_RECORD_ID",
			wantData:   true,
		},
		{
			name:       "expired session",
			err:        apperrors.New(apperrors.CodeSessionNotFound, "Session not found or expired"),
			wantStatus: http.StatusNotFound,
			wantCode:   "SESSION_NOT_FOUND",
		},
		{
			name:       "upstream down",
			err:        apperrors.New(apperrors.CodeServiceUnavailable, "CRM service is unavailable").WithDetail("service", "crm"),
			res:        &workflow.Result{SessionID: ""},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "SERVICE_UNAVAILABLE",
			wantData:   true,
		},
		{
			name:       "unclassified",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "WORKFLOW_ERROR",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newTestMux(t, &fakeOrchestrator{res: tc.res, err: tc.err}, fakeTasks{}, fakeSessions{})
			rec, resp := serve(t, mux, http.MethodPost, "/api/v1/receive-request",
				`{"record_id":"REC-1","user_message":"hi"}`)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.wantCode, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
			assert.Equal(t, tc.wantData, len(resp.Data) > 0)
			assert.NotContains(t, rec.Body.String(), "boom")
		})
	}
}

func TestReceiveRequestMalformedBody(t *testing.T) {
	orch := &fakeOrchestrator{}
	mux := newTestMux(t, orch, fakeTasks{}, fakeSessions{})

	for _, body := range []string{"", "{", "[1,2]"} {
		rec, resp := serve(t, mux, http.MethodPost, "/api/v1/receive-request", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
	}
	assert.Zero(t, orch.calls)
}

func TestReceiveRequestMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t, &fakeOrchestrator{}, fakeTasks{}, fakeSessions{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/receive-request", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTaskStatus(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := fakeTasks{
		"done": {
			ID:        "done",
			Status:    tasks.StatusCompleted,
			SessionID: "sess-1",
			Result: &models.ExtractionResult{
				ExtractedData:    map[string]any{"policy_number": "PN-42"},
				ConfidenceScores: map[string]float64{"policy_number": 0.93},
			},
			CreatedAt: created,
			UpdatedAt: created.Add(5 * time.Second),
		},
		"failed": {
			ID:        "failed",
			Status:    tasks.StatusFailed,
			Error:     &tasks.TaskError{Code: "TIMEOUT", Message: "Extraction agent did not respond in time"},
			CreatedAt: created,
			UpdatedAt: created,
		},
	}
	mux := newTestMux(t, &fakeOrchestrator{}, store, fakeSessions{})

	t.Run("completed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/task-status/done", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body taskStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "done", body.TaskID)
		assert.Equal(t, tasks.StatusCompleted, body.Status)
		require.NotNil(t, body.Result)
		assert.Equal(t, "PN-42", body.Result.ExtractedData["policy_number"])
		assert.InDelta(t, 0.93, body.Result.ConfidenceScores["policy_number"], 1e-9)
		require.NotNil(t, body.CreatedAt)
		assert.True(t, body.CreatedAt.Equal(created))
	})

	t.Run("failed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/task-status/failed", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body taskStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tasks.StatusFailed, body.Status)
		require.NotNil(t, body.Error)
		assert.Equal(t, "TIMEOUT", body.Error.Code)
		assert.Nil(t, body.Result)
	})

	t.Run("unknown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/task-status/nope", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code)

		var body taskStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tasks.StatusNotFound, body.Status)
		assert.Equal(t, "nope", body.TaskID)
		require.NotNil(t, body.Error)
		assert.Equal(t, "TASK_NOT_FOUND", body.Error.Code)
	})

	t.Run("store error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/task-status/broken", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "locked")
	})
}

func TestGetSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &session.Session{
		ID:        "sess-1",
		RecordID:  "REC-1",
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		Context: session.Context{
			ConversationHistory: []session.Message{
				{Role: session.RoleUser, Message: "extract", Timestamp: now},
				{Role: session.RoleAssistant, Message: "Extraction queued", Timestamp: now, TaskID: "task-1", Pending: true},
			},
			ExtractedFields: map[string]any{},
			Metadata:        map[string]bool{session.FlagAgentCallIssued: true},
		},
	}
	mux := newTestMux(t, &fakeOrchestrator{}, fakeTasks{}, fakeSessions{"sess-1": s})

	rec, resp := serve(t, mux, http.MethodGet, "/api/v1/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view sessionView
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	assert.Equal(t, "REC-1", view.RecordID)
	assert.Equal(t, 2, view.HistoryLength)
	assert.Equal(t, "task-1", view.PendingTaskID)
	assert.Empty(t, view.History)

	rec, resp = serve(t, mux, http.MethodGet, "/api/v1/sessions/sess-1?include_history=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	assert.Len(t, view.History, 2)

	rec, resp = serve(t, mux, http.MethodGet, "/api/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SESSION_NOT_FOUND", resp.Error.Code)
}
