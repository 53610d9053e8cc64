// Package metrics exposes Prometheus metrics for both gateway pipelines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

// Prometheus metrics for the DoH gateway
var (
	ServerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohgw_server_requests_total",
		Help: "Total number of DoH server requests, by method",
	}, []string{"method"})

	ServerResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohgw_server_responses_total",
		Help: "Total number of DoH server responses, by status code",
	}, []string{"status"})

	ServerCacheControlEmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohgw_server_cache_control_emitted_total",
		Help: "Total number of responses carrying a cache-control header",
	})

	ServerServfailSynthesizedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohgw_server_servfail_synthesized_total",
		Help: "Total number of synthesized SERVFAIL responses after upstream timeout",
	})

	UpstreamUDPTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohgw_upstream_udp_total",
		Help: "Total number of upstream queries answered over UDP",
	})

	UpstreamTCPFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohgw_upstream_tcp_fallback_total",
		Help: "Total number of upstream queries retried over TCP after UDP truncation or failure",
	})

	UpstreamTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohgw_upstream_timeout_total",
		Help: "Total number of upstream queries that exceeded their deadline with no answer",
	})

	StubIngressTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohgw_stub_ingress_total",
		Help: "Total number of DNS queries accepted on the stub ingress listeners, by transport",
	}, []string{"transport"})

	StubSessionsBuiltTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohgw_stub_sessions_built_total",
		Help: "Total number of upstream HTTP/2 sessions built by the stub pipeline",
	})

	StubTooManyStreamsRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohgw_stub_too_many_streams_retry_total",
		Help: "Total number of requests retried after the upstream refused a new HTTP/2 stream",
	})

	StubLateResponsesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohgw_stub_late_responses_dropped_total",
		Help: "Total number of upstream responses dropped because the ingress query was already cancelled",
	})
)

// Init registers all metrics with a new registry and returns the registry.
// Safe to call multiple times; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			ServerRequestsTotal,
			ServerResponsesTotal,
			ServerCacheControlEmittedTotal,
			ServerServfailSynthesizedTotal,
			UpstreamUDPTotal,
			UpstreamTCPFallbackTotal,
			UpstreamTimeoutTotal,
			StubIngressTotal,
			StubSessionsBuiltTotal,
			StubTooManyStreamsRetryTotal,
			StubLateResponsesDroppedTotal,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry (nil until Init is called).
func Registry() *prometheus.Registry {
	return registry
}

// RecordServerRequest increments the per-method request counter.
func RecordServerRequest(method string) {
	ServerRequestsTotal.WithLabelValues(method).Inc()
}

// RecordServerResponse increments the per-status response counter.
func RecordServerResponse(status string) {
	ServerResponsesTotal.WithLabelValues(status).Inc()
}

// RecordUpstreamFallback increments the TCP-fallback counter.
func RecordUpstreamFallback() {
	UpstreamTCPFallbackTotal.Inc()
}

// RecordUpstreamTimeout increments the upstream-timeout counter.
func RecordUpstreamTimeout() {
	UpstreamTimeoutTotal.Inc()
}

// RecordStubIngress increments the per-transport ingress counter.
func RecordStubIngress(transport string) {
	StubIngressTotal.WithLabelValues(transport).Inc()
}
