// Package metrics exposes the proxy's Prometheus instrumentation: counters
// and histograms for connections, the action engine, and the raw-splice
// fallback, served over a loopback-only HTTP handler, never over the data
// plane's intercepted listeners.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tproxy_connections_total",
			Help: "Total accepted connections by listener kind",
		},
		[]string{"listener"},
	)

	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tproxy_connections_active",
			Help: "Currently open connections by listener kind",
		},
		[]string{"listener"},
	)

	RawSpliceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tproxy_raw_splice_total",
			Help: "Connections that degraded to raw TCP splice after an HTTP parse failure",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tproxy_requests_total",
			Help: "Decoded requests by outcome",
		},
		[]string{"outcome"}, // forwarded, aborted, upstream_error
	)

	RequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tproxy_request_duration_seconds",
			Help:    "Time spent applying rules to a decoded request and forwarding it upstream",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActionsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tproxy_actions_applied_total",
			Help: "Rule actions applied, by action kind and direction",
		},
		[]string{"action", "target"}, // abort|delay|replace|patch, Request|Response
	)

	ReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tproxy_reloads_total",
			Help: "Control channel reload attempts by result",
		},
		[]string{"result"}, // ok, error
	)

	FabricSetupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tproxy_fabric_setup_duration_seconds",
			Help:    "Time to bring up the network namespace and TPROXY rules",
			Buckets: prometheus.DefBuckets,
		},
	)

	FabricSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tproxy_fabric_sessions_active",
			Help: "Fabric sessions currently live",
		},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(RawSpliceTotal)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ActionsAppliedTotal)
	prometheus.MustRegister(ReloadsTotal)
	prometheus.MustRegister(FabricSetupDuration)
	prometheus.MustRegister(FabricSessionsActive)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
