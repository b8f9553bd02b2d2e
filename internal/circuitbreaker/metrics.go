package circuitbreaker

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)
)

// MetricsCollector exports breaker state for every registered breaker.
type MetricsCollector struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{breakers: make(map[string]*CircuitBreaker)}
}

// RegisterCircuitBreaker hooks state changes of cb into the exported gauges.
// Register before the breaker is shared between goroutines.
func (mc *MetricsCollector) RegisterCircuitBreaker(name, service string, cb *CircuitBreaker) {
	mc.mu.Lock()
	mc.breakers[service+":"+name] = cb
	mc.mu.Unlock()

	cb.mu.Lock()
	previous := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from State, to State) {
		if previous != nil {
			previous(cbName, from, to)
		}
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
	}
	cb.mu.Unlock()
}

// RecordRequest counts one call through a breaker.
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// UpdateMetrics refreshes the state gauge of every breaker.
func (mc *MetricsCollector) UpdateMetrics() {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for key, cb := range mc.breakers {
		service, name, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		breakerState.WithLabelValues(name, service).Set(float64(cb.State()))
	}
}

// GlobalMetricsCollector is shared by the wrappers in this package.
var GlobalMetricsCollector = NewMetricsCollector()

// StartMetricsCollection refreshes gauges every 10s until stop is closed.
func StartMetricsCollection(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				GlobalMetricsCollector.UpdateMetrics()
			}
		}
	}()
}
