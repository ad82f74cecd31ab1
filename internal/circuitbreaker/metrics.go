package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casefill_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_circuit_breaker_calls_total",
			Help: "Calls through circuit breakers by outcome (success, failure, ignored, rejected)",
		},
		[]string{"name", "service", "outcome"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "service", "from", "to"},
	)

	openSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casefill_circuit_breaker_open_since_seconds",
			Help: "Unix time the breaker last opened (0 while closed)",
		},
		[]string{"name", "service"},
	)
)

var tracked = struct {
	sync.RWMutex
	breakers map[string]*Breaker
}{breakers: make(map[string]*Breaker)}

// track exports b's state as metrics and includes it in Snapshots. A later
// breaker with the same service and name replaces the earlier one.
func track(b *Breaker) *Breaker {
	service := b.service
	b.addListener(func(name string, from, to State) {
		transitionsTotal.WithLabelValues(name, service, from.String(), to.String()).Inc()
		stateGauge.WithLabelValues(name, service).Set(float64(to))
		switch to {
		case StateOpen:
			openSince.WithLabelValues(name, service).SetToCurrentTime()
		case StateClosed:
			openSince.WithLabelValues(name, service).Set(0)
		}
	})
	stateGauge.WithLabelValues(b.name, service).Set(float64(b.State()))

	tracked.Lock()
	tracked.breakers[service+"/"+b.name] = b
	tracked.Unlock()
	return b
}

// Snapshots returns every tracked breaker ordered by service then name
func Snapshots() []Snapshot {
	tracked.RLock()
	out := make([]Snapshot, 0, len(tracked.breakers))
	for _, b := range tracked.breakers {
		out = append(out, b.Snapshot())
	}
	tracked.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// StartMetricsCollection refreshes the state gauges until stop is closed.
// Timed open to half-open moves only happen when a breaker is consulted, so
// an idle dependency would otherwise keep reporting open.
func StartMetricsCollection(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, s := range Snapshots() {
					stateGauge.WithLabelValues(s.Name, s.Service).Set(float64(s.State))
				}
			}
		}
	}()
}
