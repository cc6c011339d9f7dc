package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	transitionsTotal  *prometheus.CounterVec
	disclosuresTotal  *prometheus.CounterVec
	relayTotal        *prometheus.CounterVec
	replaysTotal      prometheus.Counter
	integrityTotal    prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec
}

func newMetricsRegistry() *metricsRegistry {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leasebond_transitions_total",
		Help: "Lease transitions by action and result",
	}, []string{"action", "result"})

	disclosures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leasebond_disclosures_total",
		Help: "Fulfillments disclosed to settlers",
	}, []string{"outcome"})

	relay := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leasebond_relay_submissions_total",
		Help: "Ledger submissions relayed on a caller's behalf",
	}, []string{"kind", "result"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leasebond_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	})

	integrity := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leasebond_integrity_failures_total",
		Help: "Condition pairs that failed verification",
	})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leasebond_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})

	r := prometheus.NewRegistry()
	r.MustRegister(transitions, disclosures, relay, replays, integrity, requests)

	return &metricsRegistry{
		registry:          r,
		transitionsTotal:  transitions,
		disclosuresTotal:  disclosures,
		relayTotal:        relay,
		replaysTotal:      replays,
		integrityTotal:    integrity,
		httpRequestsTotal: requests,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incTransition(action string, err error) {
	m.transitionsTotal.WithLabelValues(action, resultLabel(err)).Inc()
}

func (m *metricsRegistry) incDisclosure(outcome string) {
	m.disclosuresTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incRelay(kind string, err error) {
	m.relayTotal.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (m *metricsRegistry) incReplay() {
	m.replaysTotal.Inc()
}

func (m *metricsRegistry) incIntegrity() {
	m.integrityTotal.Inc()
}

func (m *metricsRegistry) incRequest(method, route string, code int) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
