// Package metrics exposes the process's VictoriaMetrics series covering
// the Noise tunnel, ICE/TURN node, Gateway flow tracker, stub resolver,
// and the admin HTTP surface.
package metrics

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

var (
	// Noise tunnel.
	HandshakesInitiated = metrics.NewCounter(`firezone_handshakes_initiated_total`)
	HandshakesCompleted = metrics.NewCounter(`firezone_handshakes_completed_total`)
	HandshakesExpired   = metrics.NewCounter(`firezone_handshakes_expired_total`)
	DecapsulateErrors   = metrics.NewCounter(`firezone_decapsulate_errors_total`)
	RateLimitedInits    = metrics.NewCounter(`firezone_handshake_rate_limited_total`)

	// ICE/TURN node.
	ConnectionsActive   = metrics.NewGauge(`firezone_connections_active`, nil)
	ConnectionsFailed   = metrics.NewCounter(`firezone_connections_failed_total`)
	RelayedConnections  = metrics.NewGauge(`firezone_connections_relayed`, nil)
	TurnAllocationRetry = metrics.NewCounter(`firezone_turn_allocation_retries_total`)
	TurnChannelsExhaust = metrics.NewCounter(`firezone_turn_channels_exhausted_total`)

	// Client/Gateway data plane.
	FlowsActive      = metrics.NewGauge(`firezone_flows_active`, nil)
	FlowsCompleted   = metrics.NewCounter(`firezone_flows_completed_total`)
	PacketsDropped   = metrics.NewCounter(`firezone_packets_dropped_total`)
	UnroutablePacket = metrics.NewCounter(`firezone_unroutable_packets_total`)

	// Stub resolver.
	DNSQueriesTotal    = metrics.NewCounter(`firezone_dns_queries_total`)
	DNSLocalResponses  = metrics.NewCounter(`firezone_dns_local_responses_total`)
	DNSProxyIPsMinted  = metrics.NewCounter(`firezone_dns_proxy_ips_minted_total`)
	DNSRecursedUpQuery = metrics.NewCounter(`firezone_dns_recursed_total`)

	// Admin HTTP surface.
	HTTPRequestsTotal   = metrics.NewCounter(`firezone_admin_http_requests_total`)
	HTTPRequestDuration = metrics.NewHistogram(`firezone_admin_http_request_duration_seconds`)
	AuthFailures        = metrics.NewCounter(`firezone_admin_auth_failures_total`)
	AuthSuccesses       = metrics.NewCounter(`firezone_admin_auth_successes_total`)
)

// Handler returns the Prometheus-text-format scrape handler.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	}
}

// RecordHTTPRequest updates the admin surface's request counters.
func RecordHTTPRequest(durationSeconds float64) {
	HTTPRequestsTotal.Inc()
	HTTPRequestDuration.Update(durationSeconds)
}
