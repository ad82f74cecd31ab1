// Package httpapi exposes the orchestrator over HTTP: receive-request,
// task-status polling (plain or over a websocket) and a read-only session
// view, behind the tracing, auth, rate limit and idempotency middleware.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/apperrors"
	"github.com/casefill/orchestrator/internal/metrics"
	"github.com/casefill/orchestrator/internal/models"
	"github.com/casefill/orchestrator/internal/session"
	"github.com/casefill/orchestrator/internal/tasks"
	"github.com/casefill/orchestrator/internal/workflow"
)

const maxRequestBody = 1 << 20

// RequestHandler runs one receive-request call
type RequestHandler interface {
	Handle(ctx context.Context, req workflow.Request) (*workflow.Result, error)
}

// TaskStatusReader reports task status
type TaskStatusReader interface {
	GetStatus(ctx context.Context, taskID string) (*tasks.Task, error)
}

// SessionReader loads sessions
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
}

// Handler serves the versioned API routes
type Handler struct {
	orch          RequestHandler
	tasks         TaskStatusReader
	sessions      SessionReader
	watchInterval time.Duration
	logger        *zap.Logger
}

// NewHandler creates the API handler
func NewHandler(orch RequestHandler, taskReader TaskStatusReader, sessions SessionReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		orch:          orch,
		tasks:         taskReader,
		sessions:      sessions,
		watchInterval: time.Second,
		logger:        logger,
	}
}

// RegisterRoutes mounts the API on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/receive-request", instrument("receive_request", h.ReceiveRequest))
	mux.Handle("GET /api/v1/task-status/{task_id}", instrument("task_status", h.TaskStatus))
	mux.Handle("GET /api/v1/task-status/{task_id}/watch", instrument("task_watch", h.WatchTask))
	mux.Handle("GET /api/v1/sessions/{session_id}", instrument("session", h.GetSession))
}

// receiveRequestBody mirrors workflow.Request; session_id may be null
type receiveRequestBody struct {
	RecordID    string  `json:"record_id"`
	SessionID   *string `json:"session_id"`
	UserMessage string  `json:"user_message"`
}

// ReceiveRequest handles POST /api/v1/receive-request
func (h *Handler) ReceiveRequest(w http.ResponseWriter, r *http.Request) {
	var body receiveRequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		msg := "Request body must be a JSON object"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "Request body too large"
		} else if errors.Is(err, io.EOF) {
			msg = "Request body is empty"
		}
		writeError(w, apperrors.New(apperrors.CodeInvalidRequest, msg), nil)
		return
	}

	req := workflow.Request{RecordID: body.RecordID, UserMessage: body.UserMessage}
	if body.SessionID != nil {
		req.SessionID = *body.SessionID
	}

	res, err := h.orch.Handle(r.Context(), req)
	if err != nil {
		ae, ok := apperrors.As(err)
		if !ok {
			ae = apperrors.From(err)
		}
		if ae.Code.HTTPStatus() >= http.StatusInternalServerError {
			h.logger.Warn("Request failed",
				zap.String("record_id", req.RecordID),
				zap.String("session_id", req.SessionID),
				zap.String("code", string(ae.Code)),
				zap.Error(ae.Err),
			)
		}
		if res != nil {
			writeError(w, ae, res)
		} else {
			writeError(w, ae, nil)
		}
		return
	}
	writeSuccess(w, res)
}

// taskStatusResponse is the polling view of a task
type taskStatusResponse struct {
	TaskID    string                   `json:"task_id"`
	Status    tasks.Status             `json:"status"`
	SessionID string                   `json:"session_id,omitempty"`
	Result    *models.ExtractionResult `json:"result,omitempty"`
	Error     *tasks.TaskError         `json:"error,omitempty"`
	CreatedAt *time.Time               `json:"created_at,omitempty"`
	UpdatedAt *time.Time               `json:"updated_at,omitempty"`
	StartedAt *time.Time               `json:"started_at,omitempty"`
}

// TaskStatus handles GET /api/v1/task-status/{task_id}. Unknown and
// expired ids answer 404 with status "not_found".
func (h *Handler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("task_id"))

	t, err := h.tasks.GetStatus(r.Context(), id)
	if err != nil {
		ae := apperrors.From(err)
		h.logger.Error("Task status lookup failed", zap.String("task_id", id), zap.Error(err))
		writeError(w, ae, nil)
		return
	}

	if t.Status == tasks.StatusNotFound {
		writeJSON(w, http.StatusNotFound, taskView(id, t))
		return
	}
	writeJSON(w, http.StatusOK, taskView(id, t))
}

func taskView(id string, t *tasks.Task) taskStatusResponse {
	if t.Status == tasks.StatusNotFound {
		return taskStatusResponse{
			TaskID: id,
			Status: tasks.StatusNotFound,
			Error: &tasks.TaskError{
				Code:    string(apperrors.CodeTaskNotFound),
				Message: "Task not found or expired",
			},
		}
	}
	return taskStatusResponse{
		TaskID:    t.ID,
		Status:    t.Status,
		SessionID: t.SessionID,
		Result:    t.Result,
		Error:     t.Error,
		CreatedAt: &t.CreatedAt,
		UpdatedAt: &t.UpdatedAt,
		StartedAt: t.StartedAt,
	}
}

// sessionView is the read-only summary of a session
type sessionView struct {
	SessionID       string            `json:"session_id"`
	RecordID        string            `json:"record_id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	HistoryLength   int               `json:"history_length"`
	PendingTaskID   string            `json:"pending_task_id,omitempty"`
	ExtractedFields map[string]any    `json:"extracted_fields"`
	Metadata        map[string]bool   `json:"metadata"`
	History         []session.Message `json:"conversation_history,omitempty"`
}

// GetSession handles GET /api/v1/sessions/{session_id}. The conversation
// history is included with ?include_history=true.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("session_id"))

	s, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		ae := apperrors.From(err)
		if !errors.Is(err, session.ErrSessionNotFound) {
			h.logger.Error("Session lookup failed", zap.String("session_id", id), zap.Error(err))
		}
		writeError(w, ae, nil)
		return
	}

	view := sessionView{
		SessionID:       s.ID,
		RecordID:        s.RecordID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		ExpiresAt:       s.ExpiresAt,
		HistoryLength:   len(s.Context.ConversationHistory),
		PendingTaskID:   pendingTaskID(s),
		ExtractedFields: s.Context.ExtractedFields,
		Metadata:        s.Context.Metadata,
	}
	if strings.EqualFold(r.URL.Query().Get("include_history"), "true") {
		view.History = s.Context.ConversationHistory
	}
	writeSuccess(w, view)
}

// pendingTaskID returns the task of the outstanding agent call, if any
func pendingTaskID(s *session.Session) string {
	if !s.Flag(session.FlagAgentCallIssued) {
		return ""
	}
	h := s.Context.ConversationHistory
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Pending {
			return h[i].TaskID
		}
	}
	return ""
}

// instrument records route metrics around a handler
func instrument(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		metrics.RecordHTTPRequest(route, rec.status, time.Since(start).Seconds())
	})
}

// statusRecorder remembers the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if !s.wroteHeader {
		s.status = http.StatusSwitchingProtocols
		s.wroteHeader = true
	}
	return hj.Hijack()
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}
