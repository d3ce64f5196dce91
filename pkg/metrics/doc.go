// Package metrics provides Prometheus-compatible metrics collection for the
// plugin's control plane and its dynamic gRPC mock servers.
//
// This package implements the Prometheus text exposition format (text/plain; version=0.0.4)
// without any external dependencies, using only the standard library.
//
// Supported metric types:
//   - Counter: monotonically increasing value (e.g., request counts)
//   - Gauge: value that can go up or down (e.g., active mock servers)
//   - Histogram: distribution of values with configurable buckets (e.g., latencies)
//
// All metrics are thread-safe and can be updated from multiple goroutines.
//
// # Default Metrics
//
// The package provides pre-defined metrics for tracking plugin activity:
//
//   - pact_protobuf_plugin_control_requests_total: Counter for control-plane RPCs (labels: rpc, status)
//   - pact_protobuf_plugin_control_request_duration_seconds: Histogram for control-plane RPC latency (labels: rpc)
//   - pact_protobuf_plugin_mock_calls_total: Counter for calls served by a mock gRPC server (labels: service, method, status)
//   - pact_protobuf_plugin_mock_call_duration_seconds: Histogram for mock gRPC call latency (labels: service, method)
//   - pact_protobuf_plugin_interaction_outcomes_total: Counter for interaction state-machine outcomes (labels: outcome)
//   - pact_protobuf_plugin_active_mock_servers: Gauge for currently live mock servers
//   - pact_protobuf_plugin_errors_total: Counter for errors by taxonomy kind (labels: kind)
//   - pact_protobuf_plugin_uptime_seconds: Gauge for plugin process uptime
//
// # Label Conventions
//
// Label values follow these conventions:
//
//   - rpc: the control-plane method name (ConfigureInteraction, CompareContents, …)
//   - status: lowercase gRPC status code name (ok, invalid_argument, …)
//   - outcome: matched, unmatched, missing
//   - kind: config, descriptor, wire_decode, mock_dispatch, internal
//
// # Usage
//
//	// Initialize the default metrics registry
//	registry := metrics.Init()
//
//	// Control-plane RPC (WithLabels returns the vector and an error)
//	if vec, err := metrics.ControlRequestsTotal.WithLabels("ConfigureInteraction", "ok"); err == nil {
//	    _ = vec.Inc()
//	}
//	if vec, err := metrics.ControlRequestDuration.WithLabels("ConfigureInteraction"); err == nil {
//	    vec.Observe(0.004)
//	}
//
//	// Mock gRPC call
//	if vec, err := metrics.MockCallsTotal.WithLabels("routeguide.RouteGuide", "GetFeature", "ok"); err == nil {
//	    _ = vec.Inc()
//	}
//	_ = metrics.ActiveMockServers.Inc()
//
//	// Register the /metrics endpoint
//	http.Handle("/metrics", registry.Handler())
//
// Custom metrics can also be created:
//
//	registry := metrics.NewRegistry()
//	counter := registry.NewCounter("my_counter", "Description of counter", "label1", "label2")
//	if vec, err := counter.WithLabels("value1", "value2"); err == nil {
//	    _ = vec.Inc()
//	}
package metrics
