package metrics

import (
	"sync"
	"time"
)

// Default metrics for the plugin's control plane and mock data plane.
// These are initialized by calling Init().
//
// # Label Conventions
//
//   - rpc: the control-plane method name (ConfigureInteraction, CompareContents, …)
//   - service/method: the mocked gRPC service and method path
//   - status: lowercase gRPC status code name (ok, invalid_argument, …)
//   - outcome: matched, unmatched, missing (mock-server result kinds)
var (
	// ControlRequestsTotal counts control-plane RPCs.
	// Labels: rpc, status
	ControlRequestsTotal *Counter

	// ControlRequestDuration tracks control-plane RPC latency in seconds.
	// Labels: rpc
	ControlRequestDuration *Histogram

	// MockCallsTotal counts calls served by a mock gRPC server.
	// Labels: service, method, status
	MockCallsTotal *Counter

	// MockCallDuration tracks mock server call latency in seconds.
	// Labels: service, method
	MockCallDuration *Histogram

	// InteractionOutcomes counts interaction state-machine outcomes at shutdown.
	// Labels: outcome (matched, unmatched, missing)
	InteractionOutcomes *Counter

	// ActiveMockServers is a gauge of the number of live mock servers.
	ActiveMockServers *Gauge

	// ErrorsTotal counts errors by taxonomy kind.
	// Labels: kind (config, descriptor, wire_decode, mock_dispatch, internal)
	ErrorsTotal *Counter

	// UptimeSeconds is a gauge of the plugin process uptime in seconds.
	UptimeSeconds *Gauge

	// RuntimeCollectorInstance is the Go runtime metrics collector.
	RuntimeCollectorInstance *RuntimeCollector

	// runtimeCollectorStop stops the runtime collector goroutine.
	runtimeCollectorStop func()

	// defaultRegistry is the global metrics registry.
	defaultRegistry *Registry

	// initOnce ensures Init() is only called once.
	initOnce sync.Once
)

// Init initializes the default metrics and returns the registry.
// This function is idempotent and safe to call multiple times.
func Init() *Registry {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()

		ControlRequestsTotal = defaultRegistry.NewCounter(
			"pact_protobuf_plugin_control_requests_total",
			"Total number of control-plane RPCs handled",
			"rpc", "status",
		)

		ControlRequestDuration = defaultRegistry.NewHistogram(
			"pact_protobuf_plugin_control_request_duration_seconds",
			"Duration of control-plane RPCs in seconds",
			DefaultBuckets,
			"rpc",
		)

		MockCallsTotal = defaultRegistry.NewCounter(
			"pact_protobuf_plugin_mock_calls_total",
			"Total number of calls served by a mock gRPC server",
			"service", "method", "status",
		)

		MockCallDuration = defaultRegistry.NewHistogram(
			"pact_protobuf_plugin_mock_call_duration_seconds",
			"Duration of mock gRPC calls in seconds",
			DefaultBuckets,
			"service", "method",
		)

		InteractionOutcomes = defaultRegistry.NewCounter(
			"pact_protobuf_plugin_interaction_outcomes_total",
			"Interaction state-machine outcomes recorded at shutdown",
			"outcome",
		)

		ActiveMockServers = defaultRegistry.NewGauge(
			"pact_protobuf_plugin_active_mock_servers",
			"Number of currently live mock servers",
		)

		ErrorsTotal = defaultRegistry.NewCounter(
			"pact_protobuf_plugin_errors_total",
			"Total number of errors by taxonomy kind",
			"kind",
		)

		UptimeSeconds = defaultRegistry.NewGauge(
			"pact_protobuf_plugin_uptime_seconds",
			"Plugin process uptime in seconds",
		)

		RuntimeCollectorInstance = NewRuntimeCollector(defaultRegistry, UptimeSeconds)
		runtimeCollectorStop = RuntimeCollectorInstance.StartCollector(10 * time.Second)
	})

	return defaultRegistry
}

// DefaultRegistry returns the default metrics registry.
// Returns nil if Init() has not been called.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset resets all default metrics. Useful for testing.
// This also resets the initOnce, allowing Init() to be called again.
func Reset() {
	if runtimeCollectorStop != nil {
		runtimeCollectorStop()
		runtimeCollectorStop = nil
	}

	initOnce = sync.Once{}
	defaultRegistry = nil
	ControlRequestsTotal = nil
	ControlRequestDuration = nil
	MockCallsTotal = nil
	MockCallDuration = nil
	InteractionOutcomes = nil
	ActiveMockServers = nil
	ErrorsTotal = nil
	UptimeSeconds = nil
	RuntimeCollectorInstance = nil
}
