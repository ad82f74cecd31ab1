package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefill/orchestrator/internal/clients"
	"github.com/casefill/orchestrator/internal/session"
	"github.com/casefill/orchestrator/internal/tasks"
)

func TestFrom(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   Code
		status int
	}{
		{"session missing", fmt.Errorf("load: %w", session.ErrSessionNotFound), CodeSessionNotFound, http.StatusNotFound},
		{"task missing", tasks.ErrTaskNotFound, CodeTaskNotFound, http.StatusNotFound},
		{"crm 404", &clients.RemoteError{Service: clients.ServiceCRM, Status: 404}, CodeRecordNotFound, http.StatusNotFound},
		{"agent 404", &clients.RemoteError{Service: clients.ServiceAgent, Status: 404}, CodeWorkflowError, http.StatusInternalServerError},
		{"crm 503", &clients.RemoteError{Service: clients.ServiceCRM, Status: 503}, CodeServiceUnavailable, http.StatusServiceUnavailable},
		{"timeout", &clients.TimeoutError{Service: clients.ServiceAgent, Timeout: time.Second}, CodeTimeout, http.StatusGatewayTimeout},
		{"unreachable", &clients.UnreachableError{Service: clients.ServiceCRM, Err: errors.New("dial")}, CodeServiceUnavailable, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, CodeTimeout, http.StatusGatewayTimeout},
		{"unknown", errors.New("nil pointer somewhere"), CodeWorkflowError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ae := From(tt.err)
			require.NotNil(t, ae)
			assert.Equal(t, tt.code, ae.Code)
			assert.Equal(t, tt.status, ae.Code.HTTPStatus())
			assert.ErrorIs(t, ae, tt.err)
		})
	}
}

func TestFromDoesNotLeakInternals(t *testing.T) {
	ae := From(errors.New("pq: relation \"sessions\" does not exist"))
	assert.Equal(t, "Internal workflow error", ae.Message)
	assert.Empty(t, ae.Details)
}

func TestFromKeepsAppErrors(t *testing.T) {
	orig := New(CodeInvalidRecordID, "record_id is required")
	assert.Same(t, orig, From(fmt.Errorf("validate: %w", orig)))
	assert.Nil(t, From(nil))
}

func TestWithDetailCopies(t *testing.T) {
	base := New(CodeTimeout, "slow")
	withService := base.WithDetail("service", "crm")
	assert.Nil(t, base.Details)
	assert.Equal(t, map[string]any{"service": "crm"}, withService.Details)
}

func TestClassify(t *testing.T) {
	code, msg := Classify(&clients.UnreachableError{Service: clients.ServiceAgent, Err: errors.New("refused")})
	assert.Equal(t, "SERVICE_UNAVAILABLE", code)
	assert.Equal(t, "Extraction agent is unavailable", msg)
}
