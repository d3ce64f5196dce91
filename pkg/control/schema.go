// Package control implements the host↔plugin control protocol: one gRPC
// service exposing InitPlugin, UpdateCatalogue, ConfigureInteraction,
// CompareContents, StartMockServer, ShutdownMockServer,
// GetMockServerResults, MockServerMatched, PrepareInteractionForVerification,
// and VerifyInteraction.
//
// The control messages are never compiled from a checked-in .proto file:
// they are assembled as a descriptorpb.FileDescriptorProto at package init
// and turned into a real protoreflect.FileDescriptor via protodesc, so
// every request/response travels the wire as a genuine dynamicpb.Message
// rather than a JSON shim -- the same dynamic-descriptor technique
// pkg/grpc/server.go already uses to serve mocked services, turned here on
// the plugin's own control surface.
package control

import (
	"fmt"

	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const serviceFQN = "pact.plugin.PactPlugin"

var (
	controlFile     protoreflect.FileDescriptor
	controlService  protoreflect.ServiceDescriptor
	messageTypesByN = map[string]protoreflect.MessageType{}
)

func init() {
	fdProto := buildControlFileDescriptor()
	file, err := protodesc.NewFile(fdProto, nil)
	if err != nil {
		panic(fmt.Sprintf("control: failed to build control schema: %v", err))
	}
	controlFile = file

	svc := file.Services().ByName("PactPlugin")
	if svc == nil {
		panic("control: PactPlugin service missing from assembled schema")
	}
	controlService = svc

	messages := file.Messages()
	for i := 0; i < messages.Len(); i++ {
		md := messages.Get(i)
		messageTypesByN[string(md.FullName())] = dynamicpb.NewMessageType(md)
	}
}

// newMessage allocates a dynamicpb.Message for one of the control
// schema's own types, by its unqualified name (e.g. "InitPluginRequest").
func newMessage(name string) *dynamicpb.Message {
	mt, ok := messageTypesByN["pact.plugin."+name]
	if !ok {
		panic("control: unknown message type " + name)
	}
	return dynamicpb.NewMessage(mt.Descriptor())
}

func strp(s string) *string { return &s }
func i32p(i int32) *int32   { return &i }

func scalarField(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool) *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	return &descriptorpb.FieldDescriptorProto{
		Name:   strp(name),
		Number: i32p(number),
		Type:   &typ,
		Label:  &label,
	}
}

func messageField(name string, number int32, typeName string, repeated bool) *descriptorpb.FieldDescriptorProto {
	f := scalarField(name, number, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, repeated)
	f.TypeName = strp("." + typeName)
	return f
}

func mapField(name string, number int32, entryTypeName string) *descriptorpb.FieldDescriptorProto {
	return messageField(name, number, entryTypeName, true)
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: strp(name), Field: fields}
}

// stringMapEntry builds the synthetic map-entry message protoc itself
// generates for a `map<string, string>` field.
func stringMapEntry(name string) *descriptorpb.DescriptorProto {
	mapEntryTrue := true
	return &descriptorpb.DescriptorProto{
		Name: strp(name),
		Field: []*descriptorpb.FieldDescriptorProto{
			scalarField("key", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false),
			scalarField("value", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING, false),
		},
		Options: &descriptorpb.MessageOptions{MapEntry: &mapEntryTrue},
	}
}

func method(name, inputFQN, outputFQN string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       strp(name),
		InputType:  strp("." + inputFQN),
		OutputType: strp("." + outputFQN),
	}
}

func buildControlFileDescriptor() *descriptorpb.FileDescriptorProto {
	const pkg = "pact.plugin"
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	byt := descriptorpb.FieldDescriptorProto_TYPE_BYTES
	u32 := descriptorpb.FieldDescriptorProto_TYPE_UINT32
	bl := descriptorpb.FieldDescriptorProto_TYPE_BOOL

	catalogueEntry := message("CatalogueEntry",
		scalarField("key", 1, str, false),
		scalarField("value", 2, str, false),
	)

	matchingRuleEntry := message("MatchingRuleEntry",
		scalarField("path", 1, str, false),
		scalarField("rule", 2, str, false),
	)
	generatorEntry := message("GeneratorEntry",
		scalarField("path", 1, str, false),
		scalarField("generator", 2, str, false),
	)
	mismatchEntry := message("MismatchEntry",
		scalarField("path", 1, str, false),
		scalarField("kind", 2, str, false),
		scalarField("expected", 3, str, false),
		scalarField("actual", 4, str, false),
	)

	initPluginReq := message("InitPluginRequest",
		scalarField("version", 1, str, false),
		scalarField("enabled_features", 2, str, true),
	)
	initPluginResp := message("InitPluginResponse",
		scalarField("plugin_version", 1, str, false),
		messageField("catalogue", 2, pkg+".CatalogueEntry", true),
	)

	updateCatalogueReq := message("UpdateCatalogueRequest",
		messageField("entries", 1, pkg+".CatalogueEntry", true),
	)
	updateCatalogueResp := message("UpdateCatalogueResponse")

	interactionResponse := message("InteractionResponse",
		scalarField("contents", 1, byt, false),
		scalarField("content_type", 2, str, false),
		mapField("metadata", 3, pkg+".InteractionResponse.MetadataEntry"),
		messageField("rules", 4, pkg+".MatchingRuleEntry", true),
		messageField("generators", 5, pkg+".GeneratorEntry", true),
		scalarField("plugin_configuration", 6, byt, false),
	)
	interactionResponse.NestedType = []*descriptorpb.DescriptorProto{stringMapEntry("MetadataEntry")}
	configureInteractionReq := message("ConfigureInteractionRequest",
		scalarField("content_type", 1, str, false),
		scalarField("config_tree_json", 2, byt, false),
	)
	configureInteractionResp := message("ConfigureInteractionResponse",
		messageField("interactions", 1, pkg+".InteractionResponse", true),
		scalarField("error", 2, str, false),
	)

	compareContentsReq := message("CompareContentsRequest",
		scalarField("expected", 1, byt, false),
		scalarField("actual", 2, byt, false),
		scalarField("plugin_configuration", 3, byt, false),
	)
	compareContentsResp := message("CompareContentsResponse",
		scalarField("ok", 1, bl, false),
		messageField("mismatches", 2, pkg+".MismatchEntry", true),
		scalarField("error", 3, str, false),
	)

	interactionData := message("InteractionData",
		scalarField("interaction_id", 1, str, false),
		scalarField("request_plugin_configuration", 2, byt, false),
		scalarField("response_plugin_configuration", 3, byt, false),
	)
	startMockServerReq := message("StartMockServerRequest",
		messageField("interactions", 1, pkg+".InteractionData", true),
		scalarField("host_interface", 2, str, false),
		scalarField("port", 3, u32, false),
	)
	startMockServerResp := message("StartMockServerResponse",
		scalarField("mock_server_id", 1, str, false),
		scalarField("port", 2, u32, false),
		scalarField("error", 3, str, false),
	)

	shutdownMockServerReq := message("ShutdownMockServerRequest",
		scalarField("mock_server_id", 1, str, false),
	)
	shutdownMockServerResp := message("ShutdownMockServerResponse",
		scalarField("ok", 1, bl, false),
		scalarField("error", 2, str, false),
	)

	mockServerResultEntry := message("MockServerResultEntry",
		scalarField("interaction_id", 1, str, false),
		scalarField("method_path", 2, str, false),
		scalarField("kind", 3, str, false),
		scalarField("diagnosis", 4, str, false),
	)
	getResultsReq := message("GetMockServerResultsRequest",
		scalarField("mock_server_id", 1, str, false),
	)
	getResultsResp := message("GetMockServerResultsResponse",
		messageField("results", 1, pkg+".MockServerResultEntry", true),
		scalarField("error", 2, str, false),
	)

	matchedReq := message("MockServerMatchedRequest",
		scalarField("mock_server_id", 1, str, false),
	)
	matchedResp := message("MockServerMatchedResponse",
		scalarField("matched", 1, bl, false),
		scalarField("error", 2, str, false),
	)

	prepareReq := message("PrepareInteractionForVerificationRequest",
		scalarField("plugin_configuration", 1, byt, false),
	)
	prepareResp := message("PrepareInteractionForVerificationResponse",
		scalarField("request_bytes", 1, byt, false),
		scalarField("method_path", 2, str, false),
		mapField("metadata", 3, pkg+".PrepareInteractionForVerificationResponse.MetadataEntry"),
		scalarField("error", 4, str, false),
	)
	prepareResp.NestedType = []*descriptorpb.DescriptorProto{stringMapEntry("MetadataEntry")}

	verifyReq := message("VerifyInteractionRequest",
		scalarField("plugin_configuration", 1, byt, false),
		scalarField("actual_response", 2, byt, false),
	)
	verifyResp := message("VerifyInteractionResponse",
		scalarField("ok", 1, bl, false),
		messageField("mismatches", 2, pkg+".MismatchEntry", true),
		scalarField("error", 3, str, false),
	)

	svc := &descriptorpb.ServiceDescriptorProto{
		Name: strp("PactPlugin"),
		Method: []*descriptorpb.MethodDescriptorProto{
			method("InitPlugin", pkg+".InitPluginRequest", pkg+".InitPluginResponse"),
			method("UpdateCatalogue", pkg+".UpdateCatalogueRequest", pkg+".UpdateCatalogueResponse"),
			method("ConfigureInteraction", pkg+".ConfigureInteractionRequest", pkg+".ConfigureInteractionResponse"),
			method("CompareContents", pkg+".CompareContentsRequest", pkg+".CompareContentsResponse"),
			method("StartMockServer", pkg+".StartMockServerRequest", pkg+".StartMockServerResponse"),
			method("ShutdownMockServer", pkg+".ShutdownMockServerRequest", pkg+".ShutdownMockServerResponse"),
			method("GetMockServerResults", pkg+".GetMockServerResultsRequest", pkg+".GetMockServerResultsResponse"),
			method("MockServerMatched", pkg+".MockServerMatchedRequest", pkg+".MockServerMatchedResponse"),
			method("PrepareInteractionForVerification", pkg+".PrepareInteractionForVerificationRequest", pkg+".PrepareInteractionForVerificationResponse"),
			method("VerifyInteraction", pkg+".VerifyInteractionRequest", pkg+".VerifyInteractionResponse"),
		},
	}

	syntax := "proto3"
	return &descriptorpb.FileDescriptorProto{
		Name:    strp("pact_plugin.proto"),
		Package: strp(pkg),
		Syntax:  &syntax,
		MessageType: []*descriptorpb.DescriptorProto{
			catalogueEntry, matchingRuleEntry, generatorEntry, mismatchEntry,
			initPluginReq, initPluginResp,
			updateCatalogueReq, updateCatalogueResp,
			interactionResponse, configureInteractionReq, configureInteractionResp,
			compareContentsReq, compareContentsResp,
			interactionData, startMockServerReq, startMockServerResp,
			shutdownMockServerReq, shutdownMockServerResp,
			mockServerResultEntry, getResultsReq, getResultsResp,
			matchedReq, matchedResp,
			prepareReq, prepareResp,
			verifyReq, verifyResp,
		},
		Service: []*descriptorpb.ServiceDescriptorProto{svc},
	}
}
