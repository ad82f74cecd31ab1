package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/casefill/orchestrator/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// DatabaseHealthChecker checks the SQL store shared by sessions and tasks
type DatabaseHealthChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{wrapper: wrapper, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: startTime}

	if d.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Database circuit breaker is open"
		return result
	}

	err := d.wrapper.PingContext(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
		return result
	}

	stats := d.wrapper.DB().Stats()
	switch {
	case stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections:
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"idle_connections":     stats.Idle,
		"in_use_connections":   stats.InUse,
		"circuit_breaker":      d.wrapper.Snapshot().State.String(),
	}
	return result
}

// SessionStore is the part of the session manager a health check needs
type SessionStore interface {
	Ping(ctx context.Context) error
	BackendName() string
}

// SessionStoreHealthChecker checks the configured session backend
type SessionStoreHealthChecker struct {
	store   SessionStore
	timeout time.Duration
}

// NewSessionStoreHealthChecker creates a session store health checker
func NewSessionStoreHealthChecker(store SessionStore) *SessionStoreHealthChecker {
	return &SessionStoreHealthChecker{store: store, timeout: 5 * time.Second}
}

func (s *SessionStoreHealthChecker) Name() string           { return "session_store" }
func (s *SessionStoreHealthChecker) IsCritical() bool       { return true }
func (s *SessionStoreHealthChecker) Timeout() time.Duration { return s.timeout }

func (s *SessionStoreHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "session_store", Critical: true, Timestamp: startTime}

	err := s.store.Ping(ctx)
	result.Duration = time.Since(startTime)
	result.Details = map[string]interface{}{
		"backend":    s.store.BackendName(),
		"latency_ms": result.Duration.Milliseconds(),
	}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Session store unreachable"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "Session store responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Session store healthy"
	}
	return result
}

// Breaker reports a collaborator's circuit state
type Breaker interface {
	BreakerOpen() bool
}

// DependencyHealthChecker checks an HTTP collaborator: its circuit breaker
// and, when probeURL is set, a GET against it.
type DependencyHealthChecker struct {
	name     string
	breaker  Breaker
	probeURL string
	client   *http.Client
	critical bool
	timeout  time.Duration
}

// NewDependencyHealthChecker creates a collaborator health checker
func NewDependencyHealthChecker(name string, breaker Breaker, probeURL string, critical bool) *DependencyHealthChecker {
	return &DependencyHealthChecker{
		name:     name,
		breaker:  breaker,
		probeURL: probeURL,
		client:   &http.Client{},
		critical: critical,
		timeout:  5 * time.Second,
	}
}

func (d *DependencyHealthChecker) Name() string           { return d.name }
func (d *DependencyHealthChecker) IsCritical() bool       { return d.critical }
func (d *DependencyHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DependencyHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: d.name, Critical: d.critical, Timestamp: startTime}

	open := d.breaker != nil && d.breaker.BreakerOpen()
	result.Details = map[string]interface{}{"circuit_breaker_open": open}
	if open {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = fmt.Sprintf("%s circuit breaker is open", d.name)
		return result
	}
	if d.probeURL == "" {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s circuit closed", d.name)
		return result
	}

	status, err := d.probe(ctx)
	result.Duration = time.Since(startTime)
	result.Details["latency_ms"] = result.Duration.Milliseconds()
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = fmt.Sprintf("%s unreachable", d.name)
	case status >= http.StatusInternalServerError:
		result.Status = StatusUnhealthy
		result.Error = http.StatusText(status)
		result.Message = fmt.Sprintf("%s responding with errors", d.name)
		result.Details["status_code"] = status
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s healthy", d.name)
		result.Details["status_code"] = status
	}
	return result
}

func (d *DependencyHealthChecker) probe(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.probeURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// BreakerHealthChecker reports every tracked circuit breaker. Open breakers
// degrade the service; the per-dependency checkers decide readiness.
type BreakerHealthChecker struct {
	snapshots func() []circuitbreaker.Snapshot
}

// NewBreakerHealthChecker creates a checker over circuitbreaker.Snapshots
func NewBreakerHealthChecker() *BreakerHealthChecker {
	return &BreakerHealthChecker{snapshots: circuitbreaker.Snapshots}
}

func (b *BreakerHealthChecker) Name() string           { return "circuit_breakers" }
func (b *BreakerHealthChecker) IsCritical() bool       { return false }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Component: "circuit_breakers", Timestamp: time.Now()}

	var open, probing int
	details := make(map[string]interface{})
	for _, s := range b.snapshots() {
		entry := map[string]interface{}{
			"state":                s.State.String(),
			"consecutive_failures": s.ConsecutiveFailures,
			"calls":                s.Stats.Calls,
			"failures":             s.Stats.Failures,
			"rejected":             s.Stats.Rejected,
		}
		switch s.State {
		case circuitbreaker.StateOpen:
			open++
			entry["retry_at"] = s.RetryAt
		case circuitbreaker.StateHalfOpen:
			probing++
		}
		details[s.Service+"/"+s.Name] = entry
	}
	result.Details = details

	switch {
	case open > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d circuit breaker(s) open", open)
	case probing > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d circuit breaker(s) probing", probing)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d circuit breaker(s) closed", len(details))
	}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}

// PingChecker adapts a ping function into a CustomHealthChecker
func PingChecker(name string, critical bool, ping func(ctx context.Context) error) *CustomHealthChecker {
	return NewCustomHealthChecker(name, critical, 0, func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: name + " ping failed"}
		}
		return CheckResult{Status: StatusHealthy, Message: name + " healthy"}
	})
}
