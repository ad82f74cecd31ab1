package circuitbreaker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPWrapperDefaultClientHasNoTimeout(t *testing.T) {
	hw := NewHTTPWrapper(nil, "agent-http", "agent", zaptest.NewLogger(t))
	assert.Zero(t, hw.client.Timeout, "requests are bounded by their context")

	custom := &http.Client{}
	assert.Same(t, custom, NewHTTPWrapper(custom, "crm-http", "crm", zaptest.NewLogger(t)).client)
}

func TestHTTPWrapperCountsServerErrors(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(nil, "wrapper-test-http", "wrapper-test", zaptest.NewLogger(t))
	send := func() int {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := hw.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusBadGateway, send())
	assert.Equal(t, 1, hw.Snapshot().ConsecutiveFailures)

	status = http.StatusNotFound
	assert.Equal(t, http.StatusNotFound, send())
	assert.Zero(t, hw.Snapshot().ConsecutiveFailures, "4xx is an answer from a healthy service")
}
