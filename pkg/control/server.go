package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pactflow/pact-protobuf-plugin/pkg/compare"
	"github.com/pactflow/pact-protobuf-plugin/pkg/configcompile"
	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/generate"
	"github.com/pactflow/pact-protobuf-plugin/pkg/grpcmock"
	"github.com/pactflow/pact-protobuf-plugin/pkg/logging"
	"github.com/pactflow/pact-protobuf-plugin/pkg/matching"
	"github.com/pactflow/pact-protobuf-plugin/pkg/metrics"
	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
	"github.com/pactflow/pact-protobuf-plugin/pkg/pluginconfig"
	"github.com/pactflow/pact-protobuf-plugin/pkg/protocsrc"
	"github.com/pactflow/pact-protobuf-plugin/pkg/taskpool"
	"github.com/pactflow/pact-protobuf-plugin/pkg/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// pluginVersion is reported to the host in InitPluginResponse.
const pluginVersion = "0.1.0"

// Server implements the PactPlugin control service: the host-facing RPC
// surface that compiles consumer configuration into interactions, starts
// and tears down gRPC MockServers for them, and verifies provider
// responses against the same compiled expectations.
type Server struct {
	manifest pluginconfig.Manifest
	compiler *protocsrc.Compiler
	pool     *taskpool.Pool
	log      *slog.Logger

	mu          sync.Mutex
	mockServers map[string]*grpcmock.Server
}

// NewServer builds a control Server. manifest supplies the default
// hostToBindTo and additionalIncludes; compiler and pool are shared with
// every request this Server handles.
func NewServer(manifest pluginconfig.Manifest, compiler *protocsrc.Compiler, pool *taskpool.Pool, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		manifest:    manifest,
		compiler:    compiler,
		pool:        pool,
		log:         log,
		mockServers: make(map[string]*grpcmock.Server),
	}
}

// pluginConfig is the opaque envelope persisted in a ConfigureInteraction
// response's plugin_configuration field and handed back unchanged in
// every later CompareContents/StartMockServer/PrepareInteractionForVerification/
// VerifyInteraction call. It carries everything a later call needs to
// recompile the same configuration tree against the same descriptor set
// without re-reading the .proto source from disk.
type pluginConfig struct {
	ProtoPath            string            `json:"protoPath,omitempty"`
	ImportDirs           []string          `json:"importDirs,omitempty"`
	DescriptorSet        []byte            `json:"descriptorSet"`
	ServiceName          string            `json:"serviceName,omitempty"`
	MethodName           string            `json:"methodName,omitempty"`
	MessageName          string            `json:"messageName"`
	Direction            string            `json:"direction"`
	Config               map[string]any    `json:"config"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	ResponseErrorCode    uint32            `json:"responseErrorCode,omitempty"`
	ResponseErrorMessage string            `json:"responseErrorMessage,omitempty"`
}

func loadPluginConfig(raw []byte) (*pluginConfig, *descriptor.Set, *descriptor.MessageDescriptor, error) {
	var pc pluginConfig
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, nil, nil, plugerrors.NewConfigError("", fmt.Errorf("malformed plugin configuration: %w", err))
	}
	var fdSet descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(pc.DescriptorSet, &fdSet); err != nil {
		return nil, nil, nil, plugerrors.NewDescriptorError(pc.MessageName, fmt.Errorf("malformed descriptor set: %w", err))
	}
	descSet, err := descriptor.Load(&fdSet)
	if err != nil {
		return nil, nil, nil, err
	}
	msg, ok := descSet.MessageByName(pc.MessageName)
	if !ok {
		return nil, nil, nil, plugerrors.NewDescriptorError(pc.MessageName, fmt.Errorf("message not found in descriptor set"))
	}
	return &pc, descSet, msg, nil
}

// ---- dynamicpb field helpers -------------------------------------------

func fieldOf(m *dynamicpb.Message, name string) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic("control: unknown field " + name)
	}
	return fd
}

func getString(m *dynamicpb.Message, name string) string { return m.Get(fieldOf(m, name)).String() }

func setString(m *dynamicpb.Message, name, v string) {
	m.Set(fieldOf(m, name), protoreflect.ValueOfString(v))
}

func getBytes(m *dynamicpb.Message, name string) []byte { return m.Get(fieldOf(m, name)).Bytes() }

func setBytes(m *dynamicpb.Message, name string, v []byte) {
	m.Set(fieldOf(m, name), protoreflect.ValueOfBytes(v))
}

func getBool(m *dynamicpb.Message, name string) bool { return m.Get(fieldOf(m, name)).Bool() }

func setBool(m *dynamicpb.Message, name string, v bool) {
	m.Set(fieldOf(m, name), protoreflect.ValueOfBool(v))
}

func getUint32(m *dynamicpb.Message, name string) uint32 { return uint32(m.Get(fieldOf(m, name)).Uint()) }

func setUint32(m *dynamicpb.Message, name string, v uint32) {
	m.Set(fieldOf(m, name), protoreflect.ValueOfUint32(v))
}

func appendMessage(m *dynamicpb.Message, name string) *dynamicpb.Message {
	fd := fieldOf(m, name)
	list := m.Mutable(fd).List()
	elem := dynamicpb.NewMessageType(fd.Message()).New().(*dynamicpb.Message)
	list.Append(protoreflect.ValueOfMessage(elem))
	return elem
}

func messageList(m *dynamicpb.Message, name string) []*dynamicpb.Message {
	list := m.Get(fieldOf(m, name)).List()
	out := make([]*dynamicpb.Message, list.Len())
	for i := 0; i < list.Len(); i++ {
		out[i] = list.Get(i).Message().(*dynamicpb.Message)
	}
	return out
}

func setMetadataMap(m *dynamicpb.Message, name string, md map[string]string) {
	mp := m.Mutable(fieldOf(m, name)).Map()
	for k, v := range md {
		mp.Set(protoreflect.ValueOfString(k).MapKey(), protoreflect.ValueOfString(v))
	}
}

// ---- configuration-tree helpers ----------------------------------------

// stripPactKeys drops every "pact:"-prefixed directive key, leaving only
// the field names a message-config compiles against.
func stripPactKeys(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		if strings.HasPrefix(k, "pact:") {
			continue
		}
		out[k] = v
	}
	return out
}

func toStringList(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// splitServiceMethod splits a "pact:proto-service" value of the form
// "Service/Method" into its two halves.
func splitServiceMethod(raw string) (service, method string, err error) {
	idx := strings.LastIndex(raw, "/")
	if idx < 0 {
		return "", "", plugerrors.NewConfigError("pact:proto-service", fmt.Errorf("expected \"Service/Method\", got %q", raw))
	}
	return raw[:idx], raw[idx+1:], nil
}

// splitServicePart splits a method name's optional ":request"/":response"
// suffix, signalling that this ConfigureInteraction call describes only
// one half of the RPC.
func splitServicePart(method string) (name, part string) {
	if idx := strings.Index(method, ":"); idx >= 0 {
		return method[:idx], method[idx+1:]
	}
	return method, ""
}

// requestPart extracts the request-direction sub-config from the full
// configuration tree, honouring an explicit ":request" service part.
func requestPart(tree map[string]any, servicePart string) map[string]any {
	if servicePart == "request" {
		return stripPactKeys(tree)
	}
	req, ok := tree["request"]
	if !ok {
		return map[string]any{}
	}
	switch v := req.(type) {
	case map[string]any:
		return v
	case string:
		return map[string]any{"value": v}
	default:
		return map[string]any{}
	}
}

// responsePartEntry is one response shape extracted from a configuration
// tree: a single struct, a list element, or a metadata-only placeholder.
type responsePartEntry struct {
	Config   map[string]any
	Metadata any
}

// responsePart extracts every response-direction sub-config from the
// full configuration tree, honouring an explicit ":response" service
// part and the several shapes "response" may take: a single struct, a
// list of structs or strings, a bare string, or nothing at all (in
// which case a lone "responseMetadata" sibling still produces one
// metadata-only entry).
func responsePart(tree map[string]any, servicePart string) []responsePartEntry {
	if servicePart == "response" {
		return []responsePartEntry{{Config: stripPactKeys(tree)}}
	}
	resp, ok := tree["response"]
	if !ok {
		if md, ok := tree["responseMetadata"]; ok {
			return []responsePartEntry{{Config: map[string]any{}, Metadata: md}}
		}
		return nil
	}
	switch v := resp.(type) {
	case map[string]any:
		return []responsePartEntry{{Config: v, Metadata: tree["responseMetadata"]}}
	case []any:
		out := make([]responsePartEntry, 0, len(v))
		for _, item := range v {
			switch iv := item.(type) {
			case map[string]any:
				out = append(out, responsePartEntry{Config: iv})
			case string:
				out = append(out, responsePartEntry{Config: map[string]any{"value": iv}})
			}
		}
		return out
	case string:
		return []responsePartEntry{{Config: map[string]any{"value": v}}}
	default:
		return nil
	}
}

// processMetadata splits a metadata sub-config into literal string
// values and the two special keys that signal a declared response
// error rather than a real header/trailer.
func processMetadata(raw any) (literal map[string]string, grpcStatus *uint32, grpcMessage *string) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		s := fmt.Sprintf("%v", v)
		switch k {
		case "grpc-status":
			if n, err := strconv.ParseUint(s, 10, 32); err == nil {
				c := uint32(n)
				grpcStatus = &c
			}
		case "grpc-message":
			grpcMessage = &s
		default:
			out[k] = s
		}
	}
	if len(out) == 0 {
		out = nil
	}
	return out, grpcStatus, grpcMessage
}

func describeRule(r matching.Rule) string {
	var b strings.Builder
	b.WriteString(r.Kind.String())
	if r.Pattern != "" {
		fmt.Fprintf(&b, "(%q)", r.Pattern)
	} else if r.Format != "" {
		fmt.Fprintf(&b, "(%q)", r.Format)
	} else if r.Reference != "" {
		fmt.Fprintf(&b, "(%q)", r.Reference)
	} else if r.Example != nil {
		fmt.Fprintf(&b, "(%v)", r.Example)
	}
	return b.String()
}

func describeGenerator(g generate.Generator) string {
	switch g.Kind {
	case generate.KindRandomInt:
		return "RandomInt"
	case generate.KindRandomDecimal:
		return "RandomDecimal"
	case generate.KindRandomHexadecimal:
		return "RandomHexadecimal"
	case generate.KindRandomString:
		return "RandomString"
	case generate.KindUUID:
		return "Uuid"
	case generate.KindDateTime:
		return "DateTime"
	case generate.KindDate:
		return "Date"
	case generate.KindTime:
		return "Time"
	case generate.KindMockServerURL:
		return "MockServerURL"
	case generate.KindProviderState:
		return fmt.Sprintf("ProviderState(%s)", g.Expression)
	case generate.KindRandomBoolean:
		return "RandomBoolean"
	default:
		return "Unknown"
	}
}

// ---- configuration compilation ------------------------------------------

type ruleEntry struct{ Path, Rule string }
type generatorEntry struct{ Path, Generator string }

type compiledDirection struct {
	Contents     []byte
	ContentType  string
	Metadata     map[string]string
	Rules        []ruleEntry
	Generators   []generatorEntry
	PluginConfig []byte
}

// compileDirection runs the configuration-to-message compiler for one
// direction (request, response, or bare message) and stamps the
// resulting plugin_configuration envelope that every later RPC for this
// interaction will be handed back.
func compileDirection(msg *descriptor.MessageDescriptor, config map[string]any, md map[string]string, base pluginConfig) (*compiledDirection, error) {
	result, err := configcompile.Compile(config, msg)
	if err != nil {
		return nil, err
	}
	contents, err := wire.Encode(result.Tree, result.Expectations)
	if err != nil {
		return nil, err
	}

	base.Config = config
	base.MessageName = msg.FullName
	base.Metadata = md
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, plugerrors.NewInternalError(err)
	}

	var rules []ruleEntry
	for _, e := range result.Matching.Entries() {
		for _, r := range e.Rules {
			rules = append(rules, ruleEntry{Path: e.Path.String(), Rule: describeRule(r)})
		}
	}
	var generators []generatorEntry
	for _, e := range result.Generators.Entries() {
		generators = append(generators, generatorEntry{Path: e.Path.String(), Generator: describeGenerator(e.Gen)})
	}

	return &compiledDirection{
		Contents:     contents,
		ContentType:  fmt.Sprintf("application/protobuf;message=%s", msg.FullName),
		Metadata:     md,
		Rules:        rules,
		Generators:   generators,
		PluginConfig: raw,
	}, nil
}

func appendInteractionResponse(resp *dynamicpb.Message, c *compiledDirection) {
	ir := appendMessage(resp, "interactions")
	setBytes(ir, "contents", c.Contents)
	setString(ir, "content_type", c.ContentType)
	if len(c.Metadata) > 0 {
		setMetadataMap(ir, "metadata", c.Metadata)
	}
	for _, r := range c.Rules {
		re := appendMessage(ir, "rules")
		setString(re, "path", r.Path)
		setString(re, "rule", r.Rule)
	}
	for _, g := range c.Generators {
		ge := appendMessage(ir, "generators")
		setString(ge, "path", g.Path)
		setString(ge, "generator", g.Generator)
	}
	setBytes(ir, "plugin_configuration", c.PluginConfig)
}

// ---- task wrapping -------------------------------------------------------

// runHandler runs fn on the control plane's task pool, recovering a
// panic as an Internal gRPC status the same way a mocked call's panic
// is recovered on the mock data plane.
func (s *Server) runHandler(ctx context.Context, name string, fn func(context.Context) error) error {
	err := s.pool.Go(ctx, fn)
	if err != nil {
		var ie *plugerrors.InternalError
		if e, ok := asInternalError(err); ok {
			ie = e
		}
		if ie != nil {
			s.log.Error("control handler panicked", "method", name, "error", ie.Error())
			return status.Error(codes.Internal, ie.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

func asInternalError(err error) (*plugerrors.InternalError, bool) {
	ie, ok := err.(*plugerrors.InternalError)
	return ie, ok
}

// ---- RPC handlers ---------------------------------------------------------

func (s *Server) handleInitPlugin(_ context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	resp := newMessage("InitPluginResponse")
	setString(resp, "plugin_version", pluginVersion)

	entry := appendMessage(resp, "catalogue")
	setString(entry, "key", "content-types")
	setString(entry, "value", "application/protobuf;application/grpc")

	s.log.Info("plugin initialised", "hostVersion", getString(req, "version"))
	return resp, nil
}

func (s *Server) handleUpdateCatalogue(_ context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	for _, e := range messageList(req, "entries") {
		s.log.Debug("host catalogue entry", "key", getString(e, "key"), "value", getString(e, "value"))
	}
	return newMessage("UpdateCatalogueResponse"), nil
}

func (s *Server) handleConfigureInteraction(ctx context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	resp := newMessage("ConfigureInteractionResponse")

	var tree map[string]any
	if err := json.Unmarshal(getBytes(req, "config_tree_json"), &tree); err != nil {
		setString(resp, "error", fmt.Sprintf("malformed configuration tree: %v", err))
		observeHandlerError("config")
		return resp, nil
	}

	protoPath, _ := tree["pact:proto"].(string)
	if protoPath == "" {
		setString(resp, "error", "configuration is missing \"pact:proto\"")
		observeHandlerError("config")
		return resp, nil
	}

	importDirs := s.manifest.AdditionalIncludes
	if rawCfg, ok := tree["pact:protobuf-config"].(map[string]any); ok {
		call := pluginconfig.Manifest{AdditionalIncludes: toStringList(rawCfg["additionalIncludes"])}
		importDirs = s.manifest.Override(call).AdditionalIncludes
	}

	descSet, err := s.compiler.Compile(ctx, []string{protoPath}, importDirs)
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	base := pluginConfig{ProtoPath: protoPath, ImportDirs: importDirs, DescriptorSet: descSet.Raw()}

	if messageName, ok := tree["pact:message-type"].(string); ok {
		msg, ok := descSet.MessageByName(messageName)
		if !ok {
			setString(resp, "error", fmt.Sprintf("message %q not found in %s", messageName, protoPath))
			observeHandlerError("descriptor")
			return resp, nil
		}
		base.Direction = "message"
		compiled, err := compileDirection(msg, stripPactKeys(tree), nil, base)
		if err != nil {
			setString(resp, "error", err.Error())
			observeHandlerError("config")
			return resp, nil
		}
		appendInteractionResponse(resp, compiled)
		return resp, nil
	}

	raw, ok := tree["pact:proto-service"].(string)
	if !ok {
		setString(resp, "error", "configuration has neither \"pact:proto-service\" nor \"pact:message-type\"")
		observeHandlerError("config")
		return resp, nil
	}
	serviceName, methodRaw, err := splitServiceMethod(raw)
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}
	methodName, servicePart := splitServicePart(methodRaw)

	svc, ok := descSet.ServiceByName(serviceName)
	if !ok {
		setString(resp, "error", fmt.Sprintf("service %q not found in %s", serviceName, protoPath))
		observeHandlerError("descriptor")
		return resp, nil
	}
	method := svc.MethodByName(methodName)
	if method == nil {
		setString(resp, "error", fmt.Sprintf("method %q not found on service %s", methodName, svc.FullName))
		observeHandlerError("descriptor")
		return resp, nil
	}

	base.ServiceName = svc.FullName
	base.MethodName = method.Name

	requestConfig := requestPart(tree, servicePart)
	requestMetadata, _, _ := processMetadata(tree["requestMetadata"])

	reqBase := base
	reqBase.Direction = "request"
	reqCompiled, err := compileDirection(method.InputType, requestConfig, requestMetadata, reqBase)
	if err != nil {
		setString(resp, "error", fmt.Sprintf("request: %v", err))
		observeHandlerError("wire_decode")
		return resp, nil
	}
	appendInteractionResponse(resp, reqCompiled)

	for _, part := range responsePart(tree, servicePart) {
		partMetadata, errCode, errMsg := processMetadata(part.Metadata)
		respBase := base
		respBase.Direction = "response"
		if errCode != nil {
			respBase.ResponseErrorCode = *errCode
		}
		if errMsg != nil {
			respBase.ResponseErrorMessage = *errMsg
		}
		respCompiled, err := compileDirection(method.OutputType, part.Config, partMetadata, respBase)
		if err != nil {
			setString(resp, "error", fmt.Sprintf("response: %v", err))
			observeHandlerError("wire_decode")
			return resp, nil
		}
		appendInteractionResponse(resp, respCompiled)
	}

	return resp, nil
}

func (s *Server) handleCompareContents(_ context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	resp := newMessage("CompareContentsResponse")

	pc, _, msg, err := loadPluginConfig(getBytes(req, "plugin_configuration"))
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	compiled, err := configcompile.Compile(pc.Config, msg)
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	expectedResult, err := wire.Decode(getBytes(req, "expected"), msg)
	if err != nil {
		setString(resp, "error", fmt.Sprintf("expected: %v", err))
		observeHandlerError("wire_decode")
		return resp, nil
	}
	actualResult, err := wire.Decode(getBytes(req, "actual"), msg)
	if err != nil {
		setString(resp, "error", fmt.Sprintf("actual: %v", err))
		observeHandlerError("wire_decode")
		return resp, nil
	}

	result := compare.Compare(expectedResult.Tree, actualResult.Tree, compiled.Matching, compiled.Expectations)
	setBool(resp, "ok", result.OK())
	for _, mm := range result.Mismatches {
		e := appendMessage(resp, "mismatches")
		setString(e, "path", mm.Path)
		setString(e, "kind", mm.Kind)
		setString(e, "expected", mm.Expected)
		setString(e, "actual", mm.Actual)
	}
	return resp, nil
}

func (s *Server) handleStartMockServer(_ context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	resp := newMessage("StartMockServerResponse")

	interactionMsgs := messageList(req, "interactions")
	if len(interactionMsgs) == 0 {
		setString(resp, "error", "no interactions supplied")
		observeHandlerError("config")
		return resp, nil
	}

	var (
		descSet      *descriptor.Set
		methodPath   string
		interactions []*grpcmock.Interaction
	)
	for i, im := range interactionMsgs {
		pcReq, set, reqMsg, err := loadPluginConfig(getBytes(im, "request_plugin_configuration"))
		if err != nil {
			setString(resp, "error", fmt.Sprintf("interaction %d request: %v", i, err))
			observeHandlerError("wire_decode")
			return resp, nil
		}
		pcResp, _, respMsg, err := loadPluginConfig(getBytes(im, "response_plugin_configuration"))
		if err != nil {
			setString(resp, "error", fmt.Sprintf("interaction %d response: %v", i, err))
			observeHandlerError("wire_decode")
			return resp, nil
		}
		if descSet == nil {
			descSet = set
		}

		svc, ok := set.ServiceByName(pcReq.ServiceName)
		if !ok {
			setString(resp, "error", fmt.Sprintf("interaction %d: service %q not found", i, pcReq.ServiceName))
			observeHandlerError("descriptor")
			return resp, nil
		}
		method := svc.MethodByName(pcReq.MethodName)
		if method == nil {
			setString(resp, "error", fmt.Sprintf("interaction %d: method %q not found", i, pcReq.MethodName))
			observeHandlerError("descriptor")
			return resp, nil
		}
		methodPath = "/" + svc.FullName + "/" + method.Name

		reqCompiled, err := configcompile.Compile(pcReq.Config, reqMsg)
		if err != nil {
			setString(resp, "error", fmt.Sprintf("interaction %d request: %v", i, err))
			observeHandlerError("wire_decode")
			return resp, nil
		}
		respCompiled, err := configcompile.Compile(pcResp.Config, respMsg)
		if err != nil {
			setString(resp, "error", fmt.Sprintf("interaction %d response: %v", i, err))
			observeHandlerError("wire_decode")
			return resp, nil
		}

		id := getString(im, "interaction_id")
		ia := grpcmock.NewInteraction(id, methodPath, method, i)
		ia.Request = reqCompiled.Tree
		ia.RequestRules = reqCompiled.Matching
		ia.RequestExp = reqCompiled.Expectations

		if pcResp.ResponseErrorCode != 0 {
			ia.ResponseError = &grpcmock.ResponseError{
				Code:    codes.Code(pcResp.ResponseErrorCode),
				Message: pcResp.ResponseErrorMessage,
			}
		} else {
			ia.Response = respCompiled.Tree
			ia.ResponseExp = respCompiled.Expectations
			ia.ResponseGens = respCompiled.Generators
		}
		if len(pcResp.Metadata) > 0 {
			ia.ResponseMetadata = metadata.New(pcResp.Metadata)
		}

		interactions = append(interactions, ia)
	}

	cfg := grpcmock.Config{HostToBindTo: getString(req, "host_interface")}
	if cfg.HostToBindTo == "" {
		cfg.HostToBindTo = s.manifest.HostToBindTo
	}

	srv, err := grpcmock.NewServer(uuid.NewString(), descSet, interactions, cfg, s.log)
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}
	if err := srv.Start(); err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	s.mu.Lock()
	s.mockServers[srv.ID] = srv
	s.mu.Unlock()

	setString(resp, "mock_server_id", srv.ID)
	setUint32(resp, "port", uint32(srv.Port()))
	return resp, nil
}

func (s *Server) lookupMockServer(id string) (*grpcmock.Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.mockServers[id]
	return srv, ok
}

func (s *Server) handleShutdownMockServer(ctx context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	resp := newMessage("ShutdownMockServerResponse")
	id := getString(req, "mock_server_id")
	srv, ok := s.lookupMockServer(id)
	if !ok {
		setString(resp, "error", fmt.Sprintf("mock server %q not found", id))
		observeHandlerError("mock_dispatch")
		return resp, nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}
	s.mu.Lock()
	delete(s.mockServers, id)
	s.mu.Unlock()
	setBool(resp, "ok", true)
	return resp, nil
}

func (s *Server) handleGetMockServerResults(_ context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	resp := newMessage("GetMockServerResultsResponse")
	id := getString(req, "mock_server_id")
	srv, ok := s.lookupMockServer(id)
	if !ok {
		setString(resp, "error", fmt.Sprintf("mock server %q not found", id))
		observeHandlerError("mock_dispatch")
		return resp, nil
	}
	for _, r := range srv.Results() {
		e := appendMessage(resp, "results")
		setString(e, "interaction_id", r.InteractionID)
		setString(e, "method_path", r.MethodPath)
		setString(e, "kind", r.Kind.String())
		setString(e, "diagnosis", r.Diagnosis)
	}
	return resp, nil
}

func (s *Server) handleMockServerMatched(_ context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	resp := newMessage("MockServerMatchedResponse")
	id := getString(req, "mock_server_id")
	srv, ok := s.lookupMockServer(id)
	if !ok {
		setString(resp, "error", fmt.Sprintf("mock server %q not found", id))
		observeHandlerError("mock_dispatch")
		return resp, nil
	}
	setBool(resp, "matched", srv.AllMatched())
	return resp, nil
}

func (s *Server) handlePrepareInteractionForVerification(_ context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	resp := newMessage("PrepareInteractionForVerificationResponse")

	pc, _, msg, err := loadPluginConfig(getBytes(req, "plugin_configuration"))
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	compiled, err := configcompile.Compile(pc.Config, msg)
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	tree := compiled.Tree.Clone()
	if err := generate.ApplyToTree(tree, compiled.Generators, generate.Context{}); err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	contents, err := wire.Encode(tree, compiled.Expectations)
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	setBytes(resp, "request_bytes", contents)
	if pc.ServiceName != "" && pc.MethodName != "" {
		setString(resp, "method_path", "/"+pc.ServiceName+"/"+pc.MethodName)
	}
	if len(pc.Metadata) > 0 {
		setMetadataMap(resp, "metadata", pc.Metadata)
	}
	return resp, nil
}

func (s *Server) handleVerifyInteraction(_ context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	resp := newMessage("VerifyInteractionResponse")

	pc, _, msg, err := loadPluginConfig(getBytes(req, "plugin_configuration"))
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	compiled, err := configcompile.Compile(pc.Config, msg)
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	actualResult, err := wire.Decode(getBytes(req, "actual_response"), msg)
	if err != nil {
		setString(resp, "error", err.Error())
		observeHandlerError("config")
		return resp, nil
	}

	result := compare.Compare(compiled.Tree, actualResult.Tree, compiled.Matching, compiled.Expectations)
	setBool(resp, "ok", result.OK())
	for _, mm := range result.Mismatches {
		e := appendMessage(resp, "mismatches")
		setString(e, "path", mm.Path)
		setString(e, "kind", mm.Kind)
		setString(e, "expected", mm.Expected)
		setString(e, "actual", mm.Actual)
	}
	return resp, nil
}

// ---- registration ----------------------------------------------------------

// Register wires the PactPlugin service onto grpcServer using an explicit
// ServiceDesc, since the control schema's method set -- unlike a mocked
// service's -- is fixed and known in advance: no UnknownServiceHandler or
// forced codec is needed, just a dynamicpb.Message per method decoded by
// grpc's own default proto codec.
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(s.serviceDesc(), s)
}

type handlerFunc func(context.Context, *dynamicpb.Message) (*dynamicpb.Message, error)

func (s *Server) methodDesc(name string, inputName string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			req := newMessage(inputName)
			if err := dec(req); err != nil {
				return nil, err
			}
			start := time.Now()
			var resp *dynamicpb.Message
			err := s.runHandler(ctx, name, func(ctx context.Context) error {
				r, err := fn(ctx, req)
				if err != nil {
					return err
				}
				resp = r
				return nil
			})
			observeControlCall(name, err, time.Since(start))
			if err != nil {
				return nil, err
			}
			return resp, nil
		},
	}
}

// observeControlCall records pact_protobuf_plugin_control_requests_total
// and its latency histogram. By the time an error reaches this wrapper it
// is always the Internal status runHandler produces from a recovered task
// panic -- every business-level ConfigError/DescriptorError/WireDecodeError
// is instead reported on the response's own "error" field by the handler
// that raised it (see observeHandlerError), never as a Go error here.
func observeControlCall(name string, err error, elapsed time.Duration) {
	statusLabel := "ok"
	if err != nil {
		statusLabel = "internal"
	}
	if metrics.ControlRequestsTotal != nil {
		if v, verr := metrics.ControlRequestsTotal.WithLabels(name, statusLabel); verr == nil {
			_ = v.Inc()
		}
	}
	if metrics.ControlRequestDuration != nil {
		if v, verr := metrics.ControlRequestDuration.WithLabels(name); verr == nil {
			v.Observe(elapsed.Seconds())
		}
	}
	if err != nil && metrics.ErrorsTotal != nil {
		if v, verr := metrics.ErrorsTotal.WithLabels("internal"); verr == nil {
			_ = v.Inc()
		}
	}
}

// observeHandlerError bumps pact_protobuf_plugin_errors_total for a
// business-level failure a handler reported on its response's "error"
// field rather than as a Go error (ConfigureInteraction, CompareContents,
// VerifyInteraction all follow this shape per the host control protocol).
func observeHandlerError(kind string) {
	if metrics.ErrorsTotal == nil {
		return
	}
	if v, err := metrics.ErrorsTotal.WithLabels(kind); err == nil {
		_ = v.Inc()
	}
}

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceFQN,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			s.methodDesc("InitPlugin", "InitPluginRequest", s.handleInitPlugin),
			s.methodDesc("UpdateCatalogue", "UpdateCatalogueRequest", s.handleUpdateCatalogue),
			s.methodDesc("ConfigureInteraction", "ConfigureInteractionRequest", s.handleConfigureInteraction),
			s.methodDesc("CompareContents", "CompareContentsRequest", s.handleCompareContents),
			s.methodDesc("StartMockServer", "StartMockServerRequest", s.handleStartMockServer),
			s.methodDesc("ShutdownMockServer", "ShutdownMockServerRequest", s.handleShutdownMockServer),
			s.methodDesc("GetMockServerResults", "GetMockServerResultsRequest", s.handleGetMockServerResults),
			s.methodDesc("MockServerMatched", "MockServerMatchedRequest", s.handleMockServerMatched),
			s.methodDesc("PrepareInteractionForVerification", "PrepareInteractionForVerificationRequest", s.handlePrepareInteractionForVerification),
			s.methodDesc("VerifyInteraction", "VerifyInteractionRequest", s.handleVerifyInteraction),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "pact_plugin.proto",
	}
}
