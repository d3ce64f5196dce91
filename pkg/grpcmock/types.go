// Package grpcmock implements the MockServer: a dynamic gRPC endpoint that
// answers calls against a fixed set of compiled interactions without any
// statically generated service stub, intercepting every method path through
// google.golang.org/grpc's UnknownServiceHandler and dispatching through the
// descriptor set directly.
package grpcmock

import (
	"sync"
	"time"

	"github.com/pactflow/pact-protobuf-plugin/pkg/compare"
	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/generate"
	"github.com/pactflow/pact-protobuf-plugin/pkg/matching"
	"github.com/pactflow/pact-protobuf-plugin/pkg/valuetree"
	"github.com/pactflow/pact-protobuf-plugin/pkg/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// State is an interaction's position in the Pending -> Matched | Unmatched
// state machine.
type State int

const (
	StatePending State = iota
	StateMatched
	StateUnmatched
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateMatched:
		return "matched"
	case StateUnmatched:
		return "unmatched"
	default:
		return "unknown"
	}
}

// ServerState is a MockServer's position in the Bound -> Serving -> Shutdown
// state machine.
type ServerState int

const (
	ServerBound ServerState = iota
	ServerServing
	ServerShutdown
)

func (s ServerState) String() string {
	switch s {
	case ServerBound:
		return "bound"
	case ServerServing:
		return "serving"
	case ServerShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ResponseError is a declared response-error interaction: no body is sent,
// the client receives the status code and message as a gRPC status.
type ResponseError struct {
	Code    codes.Code
	Message string
}

// Interaction is one configured request/response pair, as compiled by the
// ConfigCompiler. Either Response or ResponseError is set, never both.
type Interaction struct {
	ID         string
	MethodPath string // "/package.Service/Method"
	Method     *descriptor.MethodDescriptor

	Request      *valuetree.Tree
	RequestRules *matching.Catalogue
	RequestExp   *wire.Expectations

	Response         *valuetree.Tree
	ResponseExp      *wire.Expectations
	ResponseGens     *generate.Catalogue
	ResponseMetadata metadata.MD
	ResponseError    *ResponseError

	// declaredOrder is this interaction's position among interactions
	// sharing the same MethodPath, used as the tie-break of last resort.
	declaredOrder int

	mu    sync.Mutex
	state State
}

// NewInteraction builds a Pending interaction from compiled request and
// response halves. declaredOrder should be the index among interactions
// sharing the same MethodPath, in configuration order.
func NewInteraction(id, methodPath string, method *descriptor.MethodDescriptor, declaredOrder int) *Interaction {
	return &Interaction{
		ID:            id,
		MethodPath:    methodPath,
		Method:        method,
		declaredOrder: declaredOrder,
		state:         StatePending,
	}
}

// State returns the interaction's current state machine position.
func (ia *Interaction) State() State {
	ia.mu.Lock()
	defer ia.mu.Unlock()
	return ia.state
}

// Kind enumerates the shapes an observed-request Result can take.
type Kind int

const (
	KindPass Kind = iota
	KindFail
	KindUnexpected
	KindNotReceived
)

func (k Kind) String() string {
	switch k {
	case KindPass:
		return "pass"
	case KindFail:
		return "fail"
	case KindUnexpected:
		return "unexpected"
	case KindNotReceived:
		return "not_received"
	default:
		return "unknown"
	}
}

// Result is one observed-request record: the outcome of a single incoming
// call, or a synthesised "expected but not received" record emitted at
// shutdown for any interaction still Pending.
type Result struct {
	InteractionID string
	MethodPath    string
	Kind          Kind
	Mismatches    []compare.Mismatch
	Diagnosis     string
	RecordedAt    time.Time
}

// Config tunes a Server's lifecycle parameters, all independent of the
// descriptor set and interaction list it serves.
type Config struct {
	// HostToBindTo is the interface to listen on. Empty defaults to the
	// IPv4 loopback adapter.
	HostToBindTo string

	// InactivityTimeout shuts the server down automatically after this
	// long with no accepted call. Zero uses DefaultInactivityTimeout.
	InactivityTimeout time.Duration

	// DrainGrace bounds how long Shutdown waits for in-flight calls to
	// finish before forcing the listener closed. Zero uses
	// DefaultDrainGrace.
	DrainGrace time.Duration
}

// DefaultHost is the loopback adapter the MockServer binds to unless the
// plugin manifest names an IPv6 loopback explicitly.
const DefaultHost = "127.0.0.1"

// DefaultInactivityTimeout is how long a MockServer idles before it shuts
// itself down.
const DefaultInactivityTimeout = 10 * time.Minute

// DefaultDrainGrace is how long Shutdown waits for in-flight calls before
// forcing the server stopped.
const DefaultDrainGrace = 5 * time.Second

func (c Config) withDefaults() Config {
	if c.HostToBindTo == "" {
		c.HostToBindTo = DefaultHost
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	return c
}
