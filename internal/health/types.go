// Package health runs dependency checks and serves the liveness, readiness
// and detail endpoints.
package health

import (
	"context"
	"sort"
	"time"
)

// CheckStatus is the outcome of a check
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckResult is what one checker reports. The manager fills in Component,
// Critical, Duration and Timestamp.
type CheckResult struct {
	Component string                 `json:"component"`
	Critical  bool                   `json:"critical"`
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// Checker probes one dependency. A failing critical checker makes the
// service not ready; a failing non-critical one only degrades it.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
	// Timeout bounds Check; zero means the manager default
	Timeout() time.Duration
}

// Report is the outcome of one round of checks
type Report struct {
	Status     CheckStatus            `json:"status"`
	Message    string                 `json:"message"`
	Ready      bool                   `json:"ready"`
	Live       bool                   `json:"live"`
	Summary    Summary                `json:"summary"`
	Components map[string]CheckResult `json:"components,omitempty"`
	CheckedAt  time.Time              `json:"checked_at"`
	Took       time.Duration          `json:"took"`
}

// Summary counts components by status
type Summary struct {
	Total           int `json:"total"`
	Healthy         int `json:"healthy"`
	Degraded        int `json:"degraded"`
	Unhealthy       int `json:"unhealthy"`
	CriticalFailing int `json:"critical_failing"`
}

// Failing returns the names of unhealthy components, critical ones first
func (r Report) Failing() []string {
	var critical, other []string
	for name, res := range r.Components {
		if res.Status != StatusUnhealthy {
			continue
		}
		if res.Critical {
			critical = append(critical, name)
		} else {
			other = append(other, name)
		}
	}
	sort.Strings(critical)
	sort.Strings(other)
	return append(critical, other...)
}
