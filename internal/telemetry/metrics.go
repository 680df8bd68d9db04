// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// setup shared by the client core and the development ledger.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "burnerchat"

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeAbsent      = "absent"
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeCoalesced   = "coalesced"
	DispositionMerged  = "merged"
	DispositionRefetch = "refetch"
	DispositionForward = "forwarded"
	DispositionIgnored = "ignored"
	DispositionDropped = "dropped"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	cacheLookups   *prometheus.CounterVec
	remoteCalls    *prometheus.CounterVec
	decodeFailures prometheus.Counter
	signals        *prometheus.CounterVec
	ledgerRequests *prometheus.CounterVec
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Profile cache lookups by result.",
		}, []string{"result"}),
		remoteCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Remote calls issued by the client core, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		decodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Profile entries skipped because they failed to decode.",
		}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Push signals received, by type and routing disposition.",
		}, []string{"signal_type", "disposition"}),
		ledgerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_requests_total",
			Help:      "Requests served by the development ledger, by method and outcome.",
		}, []string{"method", "outcome"}),
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CacheLookup counts one cache lookup result.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RemoteCall counts one remote call outcome.
func (m *Metrics) RemoteCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(operation, outcome).Inc()
}

// DecodeFailure counts one skipped entry.
func (m *Metrics) DecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

// Signal counts one routed signal.
func (m *Metrics) Signal(signalType, disposition string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(signalType, disposition).Inc()
}

// LedgerRequest counts one served ledger request.
func (m *Metrics) LedgerRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.ledgerRequests.WithLabelValues(method, outcome).Inc()
}
