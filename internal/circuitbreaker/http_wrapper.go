package circuitbreaker

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// HTTPWrapper sends requests to one downstream service through a breaker
type HTTPWrapper struct {
	client *http.Client
	cb     *Breaker
}

// NewHTTPWrapper creates an HTTP wrapper for one downstream service. A nil
// client gets one without a Timeout; callers bound each request with its
// context.
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPWrapper{
		client: client,
		cb:     track(New(name, service, SettingsFor(KindHTTP, service), logger)),
	}
}

// Do executes an HTTP request through the circuit breaker. 5xx responses are
// breaker failures but the response is still handed back to the caller; 4xx
// responses never trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	var se *httpStatusError
	if errors.As(err, &se) {
		return resp, nil
	}
	return resp, err
}

// IsCircuitBreakerOpen reports whether calls are currently being rejected
func (hw *HTTPWrapper) IsCircuitBreakerOpen() bool {
	return hw.cb.State() == StateOpen
}

// Service returns the downstream service label
func (hw *HTTPWrapper) Service() string { return hw.cb.Service() }

// Snapshot reports the breaker state
func (hw *HTTPWrapper) Snapshot() Snapshot { return hw.cb.Snapshot() }

// httpStatusError marks 5xx responses as breaker failures
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
