package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/circuitbreaker"
	"github.com/casefill/orchestrator/internal/metrics"
	"github.com/casefill/orchestrator/internal/tracing"
	"github.com/casefill/orchestrator/internal/util"
)

const maxErrorBody = 2048

// RetryPolicy is an exponential backoff without jitter
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries up to 3 attempts waiting 2s then 4s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 2 * time.Second, MaxInterval: 8 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// CallerConfig configures a Caller
type CallerConfig struct {
	Service    string // metric and breaker label, e.g. "crm"
	BaseURL    string
	Retry      RetryPolicy
	HTTPClient *http.Client
	Headers    map[string]string
}

// Caller sends JSON requests to one collaborator with retry and a circuit breaker
type Caller struct {
	service string
	baseURL string
	retry   RetryPolicy
	http    *circuitbreaker.HTTPWrapper
	headers map[string]string
	logger  *zap.Logger
}

// NewCaller creates a Caller
func NewCaller(cfg CallerConfig, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.HTTPClient != nil && cfg.HTTPClient.Timeout > 0 {
		// The per-call timeout passed to Call bounds every attempt
		hc := *cfg.HTTPClient
		hc.Timeout = 0
		cfg.HTTPClient = &hc
	}
	return &Caller{
		service: cfg.Service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		retry:   cfg.Retry,
		http:    circuitbreaker.NewHTTPWrapper(cfg.HTTPClient, cfg.Service+"-http", cfg.Service, logger),
		headers: cfg.Headers,
		logger:  logger.With(zap.String("service", cfg.Service)),
	}
}

// Call sends body as JSON and returns the raw 2xx response body. Each
// attempt is bounded by timeout. Timeouts, unreachable errors and 5xx
// responses are retried; 4xx responses are returned immediately. When
// retries run out the last error is returned.
func (c *Caller) Call(ctx context.Context, method, path string, body any, timeout time.Duration) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", c.service, err)
		}
	}
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	var (
		result  []byte
		attempt int
	)
	op := func() error {
		attempt++
		data, err := c.attempt(ctx, method, url, payload, timeout)
		if err == nil {
			result = data
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if re, ok := AsRemote(err); ok && !re.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.ClientRetries.WithLabelValues(c.service).Inc()
		c.logger.Warn("Retrying call",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, c.retry.backOff(ctx), notify); err != nil {
		c.logger.Error("Call failed",
			zap.String("url", url),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

func (c *Caller) attempt(ctx context.Context, method, url string, payload []byte, timeout time.Duration) ([]byte, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	attemptCtx, span := tracing.StartHTTPSpan(attemptCtx, method, url)
	defer span.End()

	start := time.Now()
	data, err := c.do(attemptCtx, method, url, payload)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &TimeoutError{Service: c.service, Timeout: timeout, Err: err}
		} else if ctx.Err() == nil {
			err = c.classify(err, timeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordClientCall(c.service, outcome(err), elapsed)
	return data, err
}

func (c *Caller) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	tracing.Inject(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &RemoteError{
			Service: c.service,
			Status:  resp.StatusCode,
			Body:    util.TruncateString(strings.TrimSpace(string(data)), maxErrorBody, true),
		}
	}
	return data, nil
}

func (c *Caller) classify(err error, timeout time.Duration) error {
	if _, ok := AsRemote(err); ok {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Service: c.service, Timeout: timeout, Err: err}
	}
	return &UnreachableError{Service: c.service, Err: err}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsTimeout(err):
		return "timeout"
	case IsUnreachable(err):
		return "unreachable"
	}
	if re, ok := AsRemote(err); ok && re.Status < 500 {
		return "client_error"
	}
	return "server_error"
}

// BreakerOpen reports whether the collaborator's circuit is open
func (c *Caller) BreakerOpen() bool { return c.http.IsCircuitBreakerOpen() }

// Service returns the collaborator label
func (c *Caller) Service() string { return c.service }
