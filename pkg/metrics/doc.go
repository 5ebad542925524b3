/*
Package metrics provides Prometheus metrics collection and exposition for the
transparent proxy.

The package defines and registers every proxy metric using the Prometheus
client library, giving visibility into connection volume, rule-engine
behavior, the raw-splice fallback rate, and fabric setup latency. Metrics are
exposed over a loopback-only HTTP endpoint for scraping.

# Metrics Catalog

Connection Metrics:

tproxy_connections_total{listener}:
  - Type: Counter
  - Description: Total accepted connections by listener kind (plain, tls)

tproxy_connections_active{listener}:
  - Type: Gauge
  - Description: Currently open connections by listener kind

tproxy_raw_splice_total:
  - Type: Counter
  - Description: Connections that degraded to raw TCP splice after an
    HTTP parse failure

Request Metrics:

tproxy_requests_total{outcome}:
  - Type: Counter
  - Description: Decoded requests by outcome (forwarded, aborted,
    upstream_error)

tproxy_request_duration_seconds:
  - Type: Histogram
  - Description: Time spent applying rules to a decoded request and
    forwarding it upstream, up to the point the response is handed back
    to the driver for writing

tproxy_actions_applied_total{action,target}:
  - Type: Counter
  - Description: Rule actions applied, labeled by action kind
    (abort, delay, replace, patch) and direction (Request, Response)

Control and Fabric Metrics:

tproxy_reloads_total{result}:
  - Type: Counter
  - Description: Control channel reload attempts by result (ok, error)

tproxy_fabric_setup_duration_seconds:
  - Type: Histogram
  - Description: Time to bring up the network namespace and TPROXY rules

tproxy_fabric_sessions_active:
  - Type: Gauge
  - Description: Live fabric sessions; the supervisor increments it when a
    session comes up and decrements it on teardown

# Usage

	import "github.com/cuemby/tproxy/pkg/metrics"

	metrics.ConnectionsTotal.WithLabelValues("plain").Inc()
	metrics.ConnectionsActive.WithLabelValues("tls").Inc()
	defer metrics.ConnectionsActive.WithLabelValues("tls").Dec()

	timer := metrics.NewTimer()
	resp, err := forward(req)
	timer.ObserveDuration(metrics.RequestDuration)

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so a metric is available before main() runs.

Collector:
  - pkg/metrics.Collector can set tproxy_fabric_sessions_active from the
    checkpoint store's record count on a fixed interval. No command
    creates or starts one; every metric is updated inline.

Label Discipline:
  - Labels stay low-cardinality: listener kind, outcome, action/target,
    reload result. No session IDs, ports, or hostnames as labels.

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
