package health

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/metrics"
)

type registration struct {
	checker Checker
	timeout time.Duration
}

// Manager runs the registered checkers on demand and on a background
// interval, remembering the latest result of each.
type Manager struct {
	interval       time.Duration
	defaultTimeout time.Duration
	logger         *zap.Logger

	mu     sync.RWMutex
	checks map[string]registration
	last   map[string]CheckResult
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. interval paces background rounds and
// defaultTimeout applies to checkers reporting no timeout of their own.
func NewManager(interval, defaultTimeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	return &Manager{
		interval:       interval,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		checks:         make(map[string]registration),
		last:           make(map[string]CheckResult),
	}
}

// RegisterChecker adds a checker; names must be unique
func (m *Manager) RegisterChecker(c Checker) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.checks[name]; dup {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checks[name] = registration{checker: c, timeout: timeout}
	m.logger.Debug("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
		zap.Duration("timeout", timeout),
	)
	return nil
}

// Run executes every checker concurrently and returns the combined report
func (m *Manager) Run(ctx context.Context) Report {
	start := time.Now()

	m.mu.RLock()
	checks := make([]registration, 0, len(m.checks))
	for _, r := range m.checks {
		checks = append(checks, r)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, r := range checks {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			results[i] = run(ctx, r)
		}(i, r)
	}
	wg.Wait()

	components := make(map[string]CheckResult, len(results))
	m.mu.Lock()
	for _, res := range results {
		components[res.Component] = res
		m.last[res.Component] = res
	}
	m.mu.Unlock()

	for _, res := range results {
		metrics.HealthStatus.WithLabelValues(res.Component, strconv.FormatBool(res.Critical)).Set(float64(res.Status))
	}

	report := Summarize(components, start)
	report.Took = time.Since(start)
	return report
}

func run(ctx context.Context, r registration) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	res := r.checker.Check(ctx)
	res.Component = r.checker.Name()
	res.Critical = r.checker.IsCritical()
	res.Duration = time.Since(start)
	res.Timestamp = start
	if ctx.Err() != nil && res.Status == StatusHealthy {
		res.Status = StatusUnhealthy
		res.Error = ctx.Err().Error()
	}
	return res
}

// Cached summarises the latest result of each checker without probing
func (m *Manager) Cached() Report {
	m.mu.RLock()
	components := make(map[string]CheckResult, len(m.last))
	for name, res := range m.last {
		components[name] = res
	}
	m.mu.RUnlock()
	return Summarize(components, time.Now())
}

// Ready reports whether every critical dependency passes a fresh round
func (m *Manager) Ready(ctx context.Context) bool { return m.Run(ctx).Ready }

// Live reports process liveness. It never depends on collaborators: a
// restart does not fix an unreachable CRM.
func (m *Manager) Live() bool { return true }

// Summarize derives the service status from component results
func Summarize(components map[string]CheckResult, at time.Time) Report {
	r := Report{Components: components, CheckedAt: at, Live: true}
	for _, res := range components {
		r.Summary.Total++
		switch res.Status {
		case StatusHealthy:
			r.Summary.Healthy++
		case StatusDegraded:
			r.Summary.Degraded++
		case StatusUnhealthy:
			r.Summary.Unhealthy++
			if res.Critical {
				r.Summary.CriticalFailing++
			}
		}
	}

	switch s := r.Summary; {
	case s.Total == 0:
		r.Status, r.Message = StatusUnknown, "No health checks registered"
	case s.CriticalFailing > 0:
		r.Status = StatusUnhealthy
		r.Message = fmt.Sprintf("%d critical component(s) failing", s.CriticalFailing)
	case s.Unhealthy > 0:
		r.Status, r.Ready = StatusDegraded, true
		r.Message = fmt.Sprintf("%d non-critical component(s) failing", s.Unhealthy)
	case s.Degraded > 0:
		r.Status, r.Ready = StatusDegraded, true
		r.Message = fmt.Sprintf("%d component(s) degraded", s.Degraded)
	default:
		r.Status, r.Ready = StatusHealthy, true
		r.Message = fmt.Sprintf("All %d components healthy", s.Total)
	}
	return r
}

// Start runs a first round immediately, then one per interval until ctx is
// done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			m.background(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	m.logger.Info("Health checks started", zap.Duration("interval", m.interval))
}

// Stop ends background checking and waits for an in-progress round
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) background(ctx context.Context) {
	report := m.Run(ctx)
	if ctx.Err() != nil {
		return
	}
	for _, name := range report.Failing() {
		res := report.Components[name]
		m.logger.Warn("Health check failing",
			zap.String("checker", name),
			zap.Bool("critical", res.Critical),
			zap.String("error", res.Error),
		)
	}
	m.logger.Debug("Health round completed",
		zap.String("status", report.Status.String()),
		zap.Int("checks", report.Summary.Total),
		zap.Duration("took", report.Took),
	)
}
