package grpcmock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/logging"
	"github.com/pactflow/pact-protobuf-plugin/pkg/matching"
	"github.com/pactflow/pact-protobuf-plugin/pkg/testfixtures"
	"github.com/pactflow/pact-protobuf-plugin/pkg/valuetree"
	"github.com/pactflow/pact-protobuf-plugin/pkg/wire"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/descriptorpb"
)

// buildGreeterService loads a fixture descriptor.Set for a single unary
// SayHello(HelloRequest{name}) HelloResponse{message} method, mirroring
// the minimal service shape used across the rest of the module's tests.
func buildGreeterService(t *testing.T) (*descriptor.Set, *descriptor.MethodDescriptor) {
	t.Helper()
	req := testfixtures.Message("HelloRequest",
		testfixtures.Field("name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false, ""),
	)
	resp := testfixtures.Message("HelloResponse",
		testfixtures.Field("message", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false, ""),
	)
	svc := testfixtures.Service("Greeter", testfixtures.Method("SayHello", "greet.HelloRequest", "greet.HelloResponse"))
	set := testfixtures.Set(testfixtures.File("greet.proto", "greet",
		[]*descriptorpb.DescriptorProto{req, resp}, nil,
		[]*descriptorpb.ServiceDescriptorProto{svc}))

	ds, err := descriptor.Load(set)
	require.NoError(t, err)

	greeter, ok := ds.ServiceByName("greet.Greeter")
	require.True(t, ok)
	method := greeter.MethodByName("SayHello")
	require.NotNil(t, method)

	return ds, method
}

func buildSayHelloInteraction(t *testing.T, method *descriptor.MethodDescriptor, name, message string, order int) *Interaction {
	t.Helper()

	reqTree := valuetree.New(method.InputType)
	reqTree.Set(1, valuetree.ScalarValue(name))
	reqExp := wire.NewExpectations()
	reqExp.MarkPresent(1)

	respTree := valuetree.New(method.OutputType)
	respTree.Set(1, valuetree.ScalarValue(message))
	respExp := wire.NewExpectations()
	respExp.MarkPresent(1)

	ia := NewInteraction("interaction-1", "/greet.Greeter/SayHello", method, order)
	ia.Request = reqTree
	ia.RequestRules = matching.NewCatalogue()
	ia.RequestExp = reqExp
	ia.Response = respTree
	ia.ResponseExp = respExp
	return ia
}

func startTestServer(t *testing.T, ds *descriptor.Set, interactions []*Interaction, cfg Config) *Server {
	t.Helper()
	srv, err := NewServer("server-1", ds, interactions, cfg, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func dialTestServer(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func encodeRequest(t *testing.T, method *descriptor.MethodDescriptor, name string) []byte {
	t.Helper()
	tree := valuetree.New(method.InputType)
	tree.Set(1, valuetree.ScalarValue(name))
	exp := wire.NewExpectations()
	exp.MarkPresent(1)
	payload, err := wire.Encode(tree, exp)
	require.NoError(t, err)
	return payload
}

func TestServer_DispatchesMatchingInteraction(t *testing.T) {
	ds, method := buildGreeterService(t)
	ia := buildSayHelloInteraction(t, method, "Fred", "Hello Fred", 0)
	srv := startTestServer(t, ds, []*Interaction{ia}, Config{})

	conn := dialTestServer(t, srv.Address())
	req := &frame{payload: encodeRequest(t, method, "Fred")}
	resp := &frame{}
	err := conn.Invoke(context.Background(), "/greet.Greeter/SayHello", req, resp, grpc.ForceCodec(passthroughCodec{}))
	require.NoError(t, err)

	decoded, err := wire.Decode(resp.payload, method.OutputType)
	require.NoError(t, err)
	val := decoded.Tree.Get(1).Value
	require.Equal(t, "Hello Fred", val.Scalar)

	require.Equal(t, StateMatched, ia.State())
	require.True(t, srv.AllMatched())

	results := srv.Results()
	require.Len(t, results, 1)
	require.Equal(t, KindPass, results[0].Kind)
	require.Equal(t, ia.ID, results[0].InteractionID)
}

func TestServer_NonMatchingRequest_RespondsInvalidArgument(t *testing.T) {
	ds, method := buildGreeterService(t)
	ia := buildSayHelloInteraction(t, method, "Fred", "Hello Fred", 0)
	srv := startTestServer(t, ds, []*Interaction{ia}, Config{})

	conn := dialTestServer(t, srv.Address())
	req := &frame{payload: encodeRequest(t, method, "George")}
	resp := &frame{}
	err := conn.Invoke(context.Background(), "/greet.Greeter/SayHello", req, resp, grpc.ForceCodec(passthroughCodec{}))
	require.Error(t, err)

	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())

	require.Equal(t, StatePending, ia.State())

	results := srv.Results()
	require.Len(t, results, 1)
	require.Equal(t, KindUnexpected, results[0].Kind)
}

func TestServer_UnknownMethodPath_RespondsInvalidArgument(t *testing.T) {
	ds, method := buildGreeterService(t)
	ia := buildSayHelloInteraction(t, method, "Fred", "Hello Fred", 0)
	srv := startTestServer(t, ds, []*Interaction{ia}, Config{})

	conn := dialTestServer(t, srv.Address())
	req := &frame{payload: encodeRequest(t, method, "Fred")}
	resp := &frame{}
	err := conn.Invoke(context.Background(), "/greet.Greeter/Nonexistent", req, resp, grpc.ForceCodec(passthroughCodec{}))
	require.Error(t, err)

	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())
}

func TestServer_TwoInteractionsSameMethod_FirstPendingWinsTie(t *testing.T) {
	ds, method := buildGreeterService(t)
	first := buildSayHelloInteraction(t, method, "Fred", "Hello Fred", 0)
	second := buildSayHelloInteraction(t, method, "Fred", "Hello Fred Again", 1)
	srv := startTestServer(t, ds, []*Interaction{first, second}, Config{})

	conn := dialTestServer(t, srv.Address())
	req := &frame{payload: encodeRequest(t, method, "Fred")}
	resp := &frame{}
	require.NoError(t, conn.Invoke(context.Background(), "/greet.Greeter/SayHello", req, resp, grpc.ForceCodec(passthroughCodec{})))

	require.Equal(t, StateMatched, first.State())
	require.Equal(t, StatePending, second.State())

	resp2 := &frame{}
	require.NoError(t, conn.Invoke(context.Background(), "/greet.Greeter/SayHello", req, resp2, grpc.ForceCodec(passthroughCodec{})))
	require.Equal(t, StateMatched, second.State())
}

// TestServer_ConcurrentIndistinguishableRequests_EachClaimsExactlyOne fires
// two simultaneous, identically-matching requests at two Pending interactions
// for the same method. Both must be claimed -- one call per interaction --
// never the same interaction serving both while the other stays Pending
// forever, which is what happens if the find-a-Pending-match step and the
// claim-it step aren't atomic.
func TestServer_ConcurrentIndistinguishableRequests_EachClaimsExactlyOne(t *testing.T) {
	for i := 0; i < 50; i++ {
		ds, method := buildGreeterService(t)
		first := buildSayHelloInteraction(t, method, "Fred", "Hello Fred", 0)
		second := buildSayHelloInteraction(t, method, "Fred", "Hello Fred", 1)
		srv := startTestServer(t, ds, []*Interaction{first, second}, Config{})

		conn := dialTestServer(t, srv.Address())

		start := make(chan struct{})
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				req := &frame{payload: encodeRequest(t, method, "Fred")}
				resp := &frame{}
				<-start
				errs[idx] = conn.Invoke(context.Background(), "/greet.Greeter/SayHello", req, resp, grpc.ForceCodec(passthroughCodec{}))
			}(j)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		require.Equal(t, StateMatched, first.State())
		require.Equal(t, StateMatched, second.State())
	}
}

func TestServer_ResponseError_ReturnsConfiguredStatus(t *testing.T) {
	ds, method := buildGreeterService(t)
	ia := buildSayHelloInteraction(t, method, "Fred", "Hello Fred", 0)
	ia.Response = nil
	ia.ResponseExp = nil
	ia.ResponseError = &ResponseError{Code: codes.NotFound, Message: "no such greeting"}
	srv := startTestServer(t, ds, []*Interaction{ia}, Config{})

	conn := dialTestServer(t, srv.Address())
	req := &frame{payload: encodeRequest(t, method, "Fred")}
	resp := &frame{}
	err := conn.Invoke(context.Background(), "/greet.Greeter/SayHello", req, resp, grpc.ForceCodec(passthroughCodec{}))
	require.Error(t, err)

	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.NotFound, st.Code())
	require.Equal(t, "no such greeting", st.Message())
}

func TestServer_Shutdown_MarksPendingInteractionsUnmatched(t *testing.T) {
	ds, method := buildGreeterService(t)
	ia := buildSayHelloInteraction(t, method, "Fred", "Hello Fred", 0)
	srv := startTestServer(t, ds, []*Interaction{ia}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.Equal(t, StateUnmatched, ia.State())
	results := srv.Results()
	require.Len(t, results, 1)
	require.Equal(t, KindNotReceived, results[0].Kind)
}

func TestServer_Shutdown_LeavesMatchedInteractionsAlone(t *testing.T) {
	ds, method := buildGreeterService(t)
	ia := buildSayHelloInteraction(t, method, "Fred", "Hello Fred", 0)
	srv := startTestServer(t, ds, []*Interaction{ia}, Config{})

	conn := dialTestServer(t, srv.Address())
	req := &frame{payload: encodeRequest(t, method, "Fred")}
	resp := &frame{}
	require.NoError(t, conn.Invoke(context.Background(), "/greet.Greeter/SayHello", req, resp, grpc.ForceCodec(passthroughCodec{})))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.Equal(t, StateMatched, ia.State())
	results := srv.Results()
	require.Len(t, results, 1)
}

func TestNewServer_RequiresAtLeastOneInteraction(t *testing.T) {
	ds, _ := buildGreeterService(t)
	_, err := NewServer("server-1", ds, nil, Config{}, logging.Nop())
	require.ErrorIs(t, err, ErrNoInteractions)
}
