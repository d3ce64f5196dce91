package grpcmock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pactflow/pact-protobuf-plugin/pkg/compare"
	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/generate"
	"github.com/pactflow/pact-protobuf-plugin/pkg/logging"
	"github.com/pactflow/pact-protobuf-plugin/pkg/metrics"
	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
	"github.com/pactflow/pact-protobuf-plugin/pkg/util"
	"github.com/pactflow/pact-protobuf-plugin/pkg/wire"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Server errors.
var (
	ErrServerNotRunning     = errors.New("grpcmock: server is not running")
	ErrServerAlreadyRunning = errors.New("grpcmock: server is already running")
	ErrNoInteractions       = errors.New("grpcmock: at least one interaction is required")
)

// Server is the MockServer: a dynamic gRPC endpoint bound to an ephemeral
// loopback port that answers calls against a fixed set of compiled
// interactions, with no statically generated service stub in front of it.
type Server struct {
	ID          string
	descriptors *descriptor.Set
	config      Config
	log         *slog.Logger

	mu           sync.RWMutex
	state        ServerState
	listener     net.Listener
	grpcServer   *grpc.Server
	startedAt    time.Time
	lastActivity time.Time
	idleTimer    *time.Timer

	interMu      sync.RWMutex
	byMethodPath map[string][]*Interaction
	all          []*Interaction

	// selectMu serializes the find-a-Pending-match-and-claim-it sequence
	// across concurrent calls, so two calls racing for the same single
	// Pending interaction can't both read it as pending before either
	// claims it.
	selectMu sync.Mutex

	resultsMu sync.Mutex
	results   []*Result
}

// NewServer builds a Bound MockServer over descriptors and interactions.
// The server does not listen until Start is called.
func NewServer(id string, descriptors *descriptor.Set, interactions []*Interaction, config Config, log *slog.Logger) (*Server, error) {
	if len(interactions) == 0 {
		return nil, ErrNoInteractions
	}
	if log == nil {
		log = logging.Nop()
	}

	byPath := make(map[string][]*Interaction)
	for _, ia := range interactions {
		byPath[ia.MethodPath] = append(byPath[ia.MethodPath], ia)
	}
	for _, group := range byPath {
		sort.Slice(group, func(i, j int) bool { return group[i].declaredOrder < group[j].declaredOrder })
	}

	return &Server{
		ID:           id,
		descriptors:  descriptors,
		config:       config.withDefaults(),
		log:          log,
		state:        ServerBound,
		byMethodPath: byPath,
		all:          interactions,
	}, nil
}

// State reports the server's current lifecycle position.
func (s *Server) State() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Address returns "host:port" once Serving, "" otherwise.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port once Serving, 0 otherwise.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Start binds the listener and begins serving. Moves Bound -> Serving.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerBound {
		return ErrServerAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.config.HostToBindTo+":0")
	if err != nil {
		return fmt.Errorf("grpcmock: failed to listen on %s: %w", s.config.HostToBindTo, err)
	}
	s.listener = listener

	s.grpcServer = grpc.NewServer(
		grpc.UnknownServiceHandler(s.handleUnknown),
		grpc.ForceServerCodec(passthroughCodec{}),
	)

	go func() {
		if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("grpcmock: server error", "error", err)
		}
	}()

	s.state = ServerServing
	s.startedAt = time.Now()
	s.lastActivity = s.startedAt
	s.idleTimer = time.AfterFunc(s.config.InactivityTimeout, s.onIdleTimeout)

	if metrics.ActiveMockServers != nil {
		_ = metrics.ActiveMockServers.Inc()
	}

	return nil
}

func (s *Server) onIdleTimeout() {
	s.log.Info("grpcmock: shutting down after inactivity", "id", s.ID)
	_ = s.Shutdown(context.Background())
}

func (s *Server) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.config.InactivityTimeout)
	}
	s.mu.Unlock()
}

// Shutdown stops accepting new calls, drains in-flight ones for up to
// Config.DrainGrace, and emits a "not received" Result for every
// interaction still Pending. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != ServerServing {
		s.mu.Unlock()
		return nil
	}
	s.state = ServerShutdown
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	grpcServer := s.grpcServer
	s.mu.Unlock()

	if grpcServer != nil {
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.config.DrainGrace):
			grpcServer.Stop()
		case <-ctx.Done():
			grpcServer.Stop()
		}
	}

	s.interMu.Lock()
	for _, ia := range s.all {
		if ia.isPending() {
			ia.markUnmatched()
			s.appendResult(&Result{
				InteractionID: ia.ID,
				MethodPath:    ia.MethodPath,
				Kind:          KindNotReceived,
				Diagnosis:     "expected interaction was never received before shutdown",
				RecordedAt:    time.Now(),
			})
			if metrics.InteractionOutcomes != nil {
				if v, err := metrics.InteractionOutcomes.WithLabels("missing"); err == nil {
					_ = v.Inc()
				}
			}
		}
	}
	s.interMu.Unlock()

	if metrics.ActiveMockServers != nil {
		_ = metrics.ActiveMockServers.Dec()
	}

	return nil
}

// Results returns every observed-request record in the order the server
// accepted the call. Never triggers shutdown.
func (s *Server) Results() []*Result {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	out := make([]*Result, len(s.results))
	copy(out, s.results)
	return out
}

// AllMatched reports whether every interaction has served at least one
// call, i.e. none remain Pending.
func (s *Server) AllMatched() bool {
	s.interMu.RLock()
	defer s.interMu.RUnlock()
	for _, ia := range s.all {
		if ia.isPending() {
			return false
		}
	}
	return true
}

func (s *Server) appendResult(r *Result) {
	s.resultsMu.Lock()
	s.results = append(s.results, r)
	s.resultsMu.Unlock()
}

// handleUnknown is the grpc.StreamHandler registered via
// grpc.UnknownServiceHandler: every call, whatever its method path, lands
// here since no grpc.ServiceDesc is ever registered.
func (s *Server) handleUnknown(srv any, stream grpc.ServerStream) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ie := plugerrors.Recover(r)
			s.log.Error("grpcmock: call handler panicked", "error", ie.Error())
			err = status.Error(codes.Internal, ie.Error())
		}
	}()

	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "grpcmock: cannot determine method from stream")
	}

	s.touch()

	req := &frame{}
	if err := stream.RecvMsg(req); err != nil {
		return status.Errorf(codes.InvalidArgument, "grpcmock: failed to read request: %v", err)
	}

	md, _ := metadata.FromIncomingContext(stream.Context())

	start := time.Now()
	outcome := s.dispatch(fullMethod, req.payload, md)
	outcome.result.Diagnosis = util.TruncateBody(outcome.result.Diagnosis, 0)
	s.appendResult(outcome.result)
	s.observeCall(fullMethod, outcome, time.Since(start))

	if outcome.err != nil {
		return outcome.err
	}
	if len(outcome.responseMD) > 0 {
		_ = stream.SendHeader(outcome.responseMD)
	}
	if outcome.responsePayload != nil {
		if err := stream.SendMsg(&frame{payload: outcome.responsePayload}); err != nil {
			return status.Errorf(codes.Internal, "grpcmock: failed to send response: %v", err)
		}
	}
	return nil
}

// dispatchOutcome bundles what one call produced: the Result to record and
// either a gRPC error or a response payload to send back.
type dispatchOutcome struct {
	result          *Result
	err             error
	responsePayload []byte
	responseMD      metadata.MD
}

// dispatch finds the interaction the incoming call binds to, compares its
// decoded request against that interaction's compiled expectation, and
// either builds a response or synthesises an Unmatched diagnosis.
func (s *Server) dispatch(fullMethod string, payload []byte, md metadata.MD) dispatchOutcome {
	s.interMu.RLock()
	candidates := s.byMethodPath[fullMethod]
	s.interMu.RUnlock()

	if len(candidates) == 0 {
		diag := fmt.Sprintf("no interaction configured for method %s", fullMethod)
		return unmatchedOutcome(fullMethod, "", diag)
	}

	method := candidates[0].Method
	decoded, err := wire.Decode(payload, method.InputType)
	if err != nil {
		diag := fmt.Sprintf("request for %s did not decode against its input descriptor: %v", fullMethod, err)
		return unmatchedOutcome(fullMethod, "", diag)
	}

	chosen, diag := s.selectInteraction(candidates, decoded)
	if chosen == nil {
		return unmatchedOutcome(fullMethod, "", diag)
	}

	if chosen.ResponseError != nil {
		st := status.New(chosen.ResponseError.Code, chosen.ResponseError.Message)
		return dispatchOutcome{
			result: &Result{
				InteractionID: chosen.ID,
				MethodPath:    fullMethod,
				Kind:          KindPass,
				RecordedAt:    time.Now(),
			},
			err: st.Err(),
		}
	}

	respTree := chosen.Response.Clone()
	if chosen.ResponseGens != nil {
		if err := generate.ApplyToTree(respTree, chosen.ResponseGens, generate.Context{MockServerURL: s.Address()}); err != nil {
			diag := fmt.Sprintf("response generator for %s failed: %v", fullMethod, err)
			return unmatchedOutcome(fullMethod, chosen.ID, diag)
		}
	}

	respBytes, err := wire.Encode(respTree, chosen.ResponseExp)
	if err != nil {
		diag := fmt.Sprintf("response for %s failed to encode: %v", fullMethod, err)
		return unmatchedOutcome(fullMethod, chosen.ID, diag)
	}

	return dispatchOutcome{
		result: &Result{
			InteractionID: chosen.ID,
			MethodPath:    fullMethod,
			Kind:          KindPass,
			RecordedAt:    time.Now(),
		},
		responsePayload: respBytes,
		responseMD:      chosen.ResponseMetadata,
	}
}

// selectInteraction decodes body-matches every candidate sharing
// fullMethod's path and applies the tie-break: a Pending match wins over a
// Matched one, otherwise the one declared first. The whole find-then-claim
// sequence runs under selectMu so two concurrent calls racing for the same
// single Pending interaction can't both observe it as pending -- the loser
// falls back to whichever already-Matched candidate would otherwise apply,
// per spec.md §5's "the second call takes whichever interaction remains
// Pending". Returns nil plus a diagnosis string built from whichever
// candidate came closest if none matched.
func (s *Server) selectInteraction(candidates []*Interaction, decoded *wire.DecodeResult) (*Interaction, string) {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	var firstMatch *Interaction
	var pendingMatches []*Interaction
	var bestDiag string
	fewestMismatches := -1

	for _, ia := range candidates {
		result := compare.Compare(ia.Request, decoded.Tree, ia.RequestRules, ia.RequestExp)
		if result.OK() {
			if firstMatch == nil {
				firstMatch = ia
			}
			if ia.isPending() {
				pendingMatches = append(pendingMatches, ia)
			}
			continue
		}
		if fewestMismatches == -1 || len(result.Mismatches) < fewestMismatches {
			fewestMismatches = len(result.Mismatches)
			bestDiag = diagnose(ia, result)
		}
	}

	for _, ia := range pendingMatches {
		if ia.tryMatch() {
			return ia, ""
		}
	}
	if firstMatch != nil {
		return firstMatch, ""
	}
	if bestDiag == "" {
		bestDiag = "no configured interaction's request matched the incoming call"
	}
	return nil, bestDiag
}

// observeCall records pact_protobuf_plugin_mock_calls_total and its
// latency histogram, and bumps InteractionOutcomes for a matched or
// unmatched call (the "missing" outcome is only ever recorded at
// Shutdown, for interactions no call ever reached).
func (s *Server) observeCall(fullMethod string, outcome dispatchOutcome, elapsed time.Duration) {
	service, method := splitMethodPath(fullMethod)
	statusLabel := "ok"
	switch {
	case outcome.err != nil:
		if st, ok := status.FromError(outcome.err); ok {
			statusLabel = strings.ToLower(st.Code().String())
		} else {
			statusLabel = "unknown"
		}
	case outcome.result.Kind == KindUnexpected:
		statusLabel = "invalid_argument"
	}

	if metrics.MockCallsTotal != nil {
		if v, err := metrics.MockCallsTotal.WithLabels(service, method, statusLabel); err == nil {
			_ = v.Inc()
		}
	}
	if metrics.MockCallDuration != nil {
		if v, err := metrics.MockCallDuration.WithLabels(service, method); err == nil {
			v.Observe(elapsed.Seconds())
		}
	}
	if metrics.InteractionOutcomes != nil {
		outcomeLabel := "unmatched"
		if outcome.result.Kind == KindPass {
			outcomeLabel = "matched"
		}
		if v, err := metrics.InteractionOutcomes.WithLabels(outcomeLabel); err == nil {
			_ = v.Inc()
		}
	}
}

// splitMethodPath splits a full gRPC method path ("/pkg.Service/Method")
// into its service and method components for metric labels.
func splitMethodPath(fullMethod string) (service, method string) {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed, ""
	}
	return trimmed[:idx], trimmed[idx+1:]
}

func diagnose(ia *Interaction, result *compare.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interaction %s closest match, %d mismatch(es):", ia.ID, len(result.Mismatches))
	for _, m := range result.Mismatches {
		fmt.Fprintf(&b, " %s at %s (expected %s, got %s);", m.Kind, m.Path, m.Expected, m.Actual)
	}
	return b.String()
}

func unmatchedOutcome(fullMethod, interactionID, diagnosis string) dispatchOutcome {
	return dispatchOutcome{
		result: &Result{
			InteractionID: interactionID,
			MethodPath:    fullMethod,
			Kind:          KindUnexpected,
			Diagnosis:     diagnosis,
			RecordedAt:    time.Now(),
		},
		err: unmatchedStatus(fullMethod, diagnosis),
	}
}

// unmatchedStatus builds the InvalidArgument status §4.6 requires for a
// call no stored interaction matched, attaching the diagnosis as a
// structured errdetails.BadRequest field violation on top of the plain
// status message so a host that reads status details gets the same
// information a human reading the log line does.
func unmatchedStatus(fullMethod, diagnosis string) error {
	st := status.New(codes.InvalidArgument, diagnosis)
	withDetails, err := st.WithDetails(&errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{
			{Field: fullMethod, Description: diagnosis},
		},
	})
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}
