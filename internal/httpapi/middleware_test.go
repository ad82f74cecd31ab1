package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret string, claims Claims, method jwt.SigningMethod) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func validClaims(subject string) Claims {
	now := time.Now()
	return Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "casefill",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
}

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := "anonymous"
		if c, ok := ClaimsFromContext(r.Context()); ok {
			p = c.Principal()
		}
		_, _ = w.Write([]byte(p))
	})
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthMiddleware(testSecret, "casefill", zaptest.NewLogger(t))
	h := auth.Middleware(echoPrincipal())

	expired := validClaims("svc-a")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := validClaims("svc-a")
	wrongIssuer.Issuer = "someone-else"

	cases := []struct {
		name   string
		header string
		want   int
		body   string
	}{
		{name: "valid", header: "Bearer " + signToken(t, testSecret, validClaims("svc-a"), jwt.SigningMethodHS256), want: http.StatusOK, body: "svc-a"},
		{name: "lowercase scheme", header: "bearer " + signToken(t, testSecret, validClaims("svc-b"), jwt.SigningMethodHS256), want: http.StatusOK, body: "svc-b"},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad signature", header: "Bearer " + signToken(t, "other", validClaims("svc-a"), jwt.SigningMethodHS256), want: http.StatusUnauthorized},
		{name: "wrong algorithm", header: "Bearer " + signToken(t, testSecret, validClaims("svc-a"), jwt.SigningMethodHS512), want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, testSecret, expired, jwt.SigningMethodHS256), want: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + signToken(t, testSecret, wrongIssuer, jwt.SigningMethodHS256), want: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signToken(t, testSecret, validClaims(""), jwt.SigningMethodHS256), want: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/receive-request", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusOK {
				assert.Equal(t, tc.body, rec.Body.String())
				return
			}
			var resp apiResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
		})
	}
}

func TestAuthMiddlewareDisabledWithoutSecret(t *testing.T) {
	h := NewAuthMiddleware("", "", zaptest.NewLogger(t)).Middleware(echoPrincipal())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2, zaptest.NewLogger(t))
	h := rl.Middleware(echoPrincipal())

	hit := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, hit("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, hit("10.0.0.1:1001").Code)

	rec := hit("10.0.0.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RATE_LIMITED", resp.Error.Code)

	assert.Equal(t, http.StatusOK, hit("10.0.0.2:1000").Code, "other clients have their own bucket")
}

func TestRateLimiterKeysByPrincipal(t *testing.T) {
	rl := NewRateLimiter(1, 1, zaptest.NewLogger(t))
	auth := NewAuthMiddleware(testSecret, "", zaptest.NewLogger(t))
	h := Chain(echoPrincipal(), auth.Middleware, rl.Middleware)

	call := func(subject, addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims(subject), jwt.SigningMethodHS256))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("svc-a", "10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, call("svc-b", "10.0.0.1:2"), "same address, different principal")
	assert.Equal(t, http.StatusTooManyRequests, call("svc-a", "10.0.0.9:1"), "same principal, different address")
}

func TestRateLimiterDisabled(t *testing.T) {
	h := NewRateLimiter(0, 0, zaptest.NewLogger(t)).Middleware(echoPrincipal())
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1, zaptest.NewLogger(t))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.limiterFor("ip:a")
	rl.limiterFor("ip:b")
	require.Len(t, rl.clients, 2)

	now = now.Add(idleLimiterTTL + time.Second)
	rl.limiterFor("ip:b")
	assert.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "ip:b")
}

func TestTracingMiddlewareSetsTraceID(t *testing.T) {
	var seen string
	h := NewTracingMiddleware(zaptest.NewLogger(t)).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, seen, 32)
	assert.Equal(t, seen, rec.Header().Get("X-Trace-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Header().Get("X-Trace-ID"))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }),
		mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
