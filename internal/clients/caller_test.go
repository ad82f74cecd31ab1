package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/casefill/orchestrator/internal/models"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond}
}

func newTestCaller(t *testing.T, url string) *Caller {
	t.Helper()
	return NewCaller(CallerConfig{Service: "test", BaseURL: url, Retry: fastRetry()}, zaptest.NewLogger(t))
}

// hang blocks until the client gives up on the request
func hang(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

func TestCallRetriesTimeoutsThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			hang(w, r)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := newTestCaller(t, srv.URL).Call(context.Background(), http.MethodPost, "/x", map[string]string{"a": "b"}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestCallGivesUpAfterThreeTimeouts(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		hang(w, r)
	}))
	defer srv.Close()

	_, err := newTestCaller(t, srv.URL).Call(context.Background(), http.MethodPost, "/x", nil, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)

	// Give the server a moment to observe any stray extra attempt.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDefaultRetrySchedule(t *testing.T) {
	b := DefaultRetryPolicy().backOff(context.Background())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "three attempts in total")
}

func TestCallTimeoutOverridesClientTimeout(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewCaller(CallerConfig{
		Service:    "agent",
		BaseURL:    srv.URL,
		Retry:      fastRetry(),
		HTTPClient: &http.Client{Timeout: 50 * time.Millisecond},
	}, zaptest.NewLogger(t))

	body, err := c.Call(context.Background(), http.MethodPost, "/extract", nil, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "bad record", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestCaller(t, srv.URL).Call(context.Background(), http.MethodPost, "/x", nil, time.Second)
	re, ok := AsRemote(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusBadRequest, re.Status)
	assert.Equal(t, "bad record", re.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestCallRetriesServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestCaller(t, srv.URL).Call(context.Background(), http.MethodGet, "/x", nil, time.Second)
	re, ok := AsRemote(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, re.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestCallUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestCaller(t, url).Call(context.Background(), http.MethodGet, "/x", nil, time.Second)
	assert.True(t, IsUnreachable(err), "got %v", err)
}

func TestCallStopsOnCallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(hang))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestCaller(t, srv.URL).Call(ctx, http.MethodGet, "/x", nil, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsTimeout(err), "caller deadline is not an attempt timeout")
}

func TestCallSendsJSONAndTraceHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "REC-1", in["record_id"])
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewCaller(CallerConfig{
		Service: "test",
		BaseURL: srv.URL + "/",
		Retry:   fastRetry(),
		Headers: map[string]string{"X-Api-Key": "secret"},
	}, zaptest.NewLogger(t))
	_, err := c.Call(context.Background(), http.MethodPost, "get-record-data", map[string]string{"record_id": "REC-1"}, time.Second)
	require.NoError(t, err)
}

func TestCRMClientGetRecordData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/get-record-data", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{
			"record_type": "Claim",
			"documents": [{"id": "d1", "name": "invoice.pdf"}],
			"fields": [{"label": "Invoice Amount", "apiName": "Invoice_Amount__c", "type": "currency", "required": true}]
		}`))
	}))
	defer srv.Close()

	crm := NewCRMClient(newTestCaller(t, srv.URL), time.Second)
	rd, err := crm.GetRecordData(context.Background(), "REC-1")
	require.NoError(t, err)
	assert.Equal(t, "REC-1", rd.RecordID)
	assert.Equal(t, "Claim", rd.RecordType)
	require.Len(t, rd.Fields, 1)
	assert.Equal(t, "Invoice_Amount__c", rd.Fields[0].APIName)
	assert.True(t, rd.Fields[0].Required)
}

func TestCRMClientKeepsRequestedRecordID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"record_id": "rec-1", "record_type": "Claim"}`))
	}))
	defer srv.Close()

	rd, err := NewCRMClient(newTestCaller(t, srv.URL), time.Second).GetRecordData(context.Background(), "REC-1")
	require.NoError(t, err)
	assert.Equal(t, "REC-1", rd.RecordID)
}

func TestAgentClientExtractClampsScores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env models.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, "sess-1", env.SessionID)
		w.Write([]byte(`{"extracted_data": {"Amount": "120.50"}, "confidence_scores": {"Amount": 1.4, "Date": -0.2}}`))
	}))
	defer srv.Close()

	agent := NewAgentClient(newTestCaller(t, srv.URL), time.Second)
	res, err := agent.Extract(context.Background(), &models.Envelope{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "120.50", res.ExtractedData["Amount"])
	assert.Equal(t, 1.0, res.ConfidenceScores["Amount"])
	assert.Equal(t, 0.0, res.ConfidenceScores["Date"])
}
