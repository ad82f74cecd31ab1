// Package apperrors defines the stable error codes returned to callers and
// maps internal failures onto them.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/casefill/orchestrator/internal/clients"
	"github.com/casefill/orchestrator/internal/session"
	"github.com/casefill/orchestrator/internal/tasks"
)

// Code is a stable, programmatic error identifier
type Code string

const (
	CodeInvalidRecordID    Code = "INVALID_RECORD_ID"
	CodeInvalidUserMessage Code = "INVALID_USER_MESSAGE"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeRecordNotFound     Code = "RECORD_NOT_FOUND"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeWorkflowError      Code = "WORKFLOW_ERROR"
	CodeTaskNotFound       Code = "TASK_NOT_FOUND"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInProgress         Code = "REQUEST_IN_PROGRESS"
)

// HTTPStatus is the response status used for the code
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRecordID, CodeInvalidUserMessage, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeSessionNotFound, CodeRecordNotFound, CodeTaskNotFound:
		return http.StatusNotFound
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a caller-facing error. Err keeps the internal cause for logs and
// is never serialized.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error without an internal cause
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error carrying err as its cause
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetail returns a copy of e with one more detail entry
func (e *Error) WithDetail(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// As extracts an *Error from err's chain
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// From maps any error onto a caller-facing error. Unknown failures become
// WORKFLOW_ERROR with a generic message.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := As(err); ok {
		return ae
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return Wrap(CodeSessionNotFound, "Session not found or expired; omit session_id to start a new session", err)
	case errors.Is(err, tasks.ErrTaskNotFound):
		return Wrap(CodeTaskNotFound, "Task not found or expired", err)
	case clients.IsTimeout(err):
		var te *clients.TimeoutError
		errors.As(err, &te)
		return Wrap(CodeTimeout, fmt.Sprintf("%s did not respond in time", serviceName(te.Service)), err).
			WithDetail("service", te.Service)
	case clients.IsUnreachable(err):
		var ue *clients.UnreachableError
		errors.As(err, &ue)
		return Wrap(CodeServiceUnavailable, fmt.Sprintf("%s is unavailable", serviceName(ue.Service)), err).
			WithDetail("service", ue.Service)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, "Request timed out", err)
	}

	if re, ok := clients.AsRemote(err); ok {
		switch {
		case re.Status == http.StatusNotFound && re.Service == clients.ServiceCRM:
			return Wrap(CodeRecordNotFound, "Record not found in CRM", err)
		case re.Retryable():
			return Wrap(CodeServiceUnavailable, fmt.Sprintf("%s is unavailable", serviceName(re.Service)), err).
				WithDetail("service", re.Service).
				WithDetail("status", re.Status)
		default:
			return Wrap(CodeWorkflowError, fmt.Sprintf("%s rejected the request", serviceName(re.Service)), err).
				WithDetail("service", re.Service).
				WithDetail("status", re.Status)
		}
	}

	return Wrap(CodeWorkflowError, "Internal workflow error", err)
}

// Classify returns the code and message for err. It matches the signature
// the task queue uses to record failures.
func Classify(err error) (string, string) {
	ae := From(err)
	return string(ae.Code), ae.Message
}

func serviceName(s string) string {
	switch s {
	case clients.ServiceCRM:
		return "CRM service"
	case clients.ServiceAgent:
		return "Extraction agent"
	case "":
		return "Upstream service"
	}
	return s
}
