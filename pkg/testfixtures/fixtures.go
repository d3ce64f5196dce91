// Package testfixtures builds in-memory FileDescriptorSet protos for use
// across package tests, without requiring a real .proto file on disk or a
// protoc invocation.
package testfixtures

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

func strp(s string) *string { return &s }
func i32p(i int32) *int32   { return &i }
func boolp(b bool) *bool    { return &b }

func label(repeated bool) *descriptorpb.FieldDescriptorProto_Label {
	if repeated {
		l := descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		return &l
	}
	l := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	return &l
}

func ft(t descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto_Type { return &t }

// Field builds a scalar/enum/message FieldDescriptorProto.
func Field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool, typeName string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   strp(name),
		Number: i32p(number),
		Type:   ft(typ),
		Label:  label(repeated),
	}
	if typeName != "" {
		f.TypeName = strp(typeName)
	}
	return f
}

// Message builds a DescriptorProto from a name and a set of fields.
func Message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{
		Name:  strp(name),
		Field: fields,
	}
}

// NestMessage attaches nested message types to a parent message.
func NestMessage(parent *descriptorpb.DescriptorProto, nested ...*descriptorpb.DescriptorProto) *descriptorpb.DescriptorProto {
	parent.NestedType = append(parent.NestedType, nested...)
	return parent
}

// NestEnum attaches nested enum types to a parent message.
func NestEnum(parent *descriptorpb.DescriptorProto, nested ...*descriptorpb.EnumDescriptorProto) *descriptorpb.DescriptorProto {
	parent.EnumType = append(parent.EnumType, nested...)
	return parent
}

// MapEntry builds the synthetic map-entry message Protobuf generates for a
// `map<K, V>` field: key is field 1, value is field 2.
func MapEntry(name string, keyType descriptorpb.FieldDescriptorProto_Type, valType descriptorpb.FieldDescriptorProto_Type, valTypeName string) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{
		Name: strp(name),
		Field: []*descriptorpb.FieldDescriptorProto{
			Field("key", 1, keyType, false, ""),
			Field("value", 2, valType, false, valTypeName),
		},
		Options: &descriptorpb.MessageOptions{MapEntry: boolp(true)},
	}
}

// Enum builds an EnumDescriptorProto from name/value pairs.
func Enum(name string, values map[string]int32) *descriptorpb.EnumDescriptorProto {
	e := &descriptorpb.EnumDescriptorProto{Name: strp(name)}
	// Stable ordering isn't required for correctness but helps diff-friendly tests.
	for n, v := range values {
		e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{Name: strp(n), Number: i32p(v)})
	}
	return e
}

// Method builds a unary MethodDescriptorProto.
func Method(name, inputFQN, outputFQN string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       strp(name),
		InputType:  strp("." + inputFQN),
		OutputType: strp("." + outputFQN),
	}
}

// StreamingMethod builds a server-streaming MethodDescriptorProto, used by
// tests asserting that streaming methods are rejected at descriptor load.
func StreamingMethod(name, inputFQN, outputFQN string) *descriptorpb.MethodDescriptorProto {
	m := Method(name, inputFQN, outputFQN)
	m.ServerStreaming = boolp(true)
	return m
}

// Service builds a ServiceDescriptorProto from methods.
func Service(name string, methods ...*descriptorpb.MethodDescriptorProto) *descriptorpb.ServiceDescriptorProto {
	return &descriptorpb.ServiceDescriptorProto{Name: strp(name), Method: methods}
}

// File builds a FileDescriptorProto for one package.
func File(path, pkg string, messages []*descriptorpb.DescriptorProto, enums []*descriptorpb.EnumDescriptorProto, services []*descriptorpb.ServiceDescriptorProto, deps ...string) *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:        strp(path),
		Package:     strp(pkg),
		MessageType: messages,
		EnumType:    enums,
		Service:     services,
		Dependency:  deps,
		Syntax:      strp("proto3"),
	}
}

// Set wraps files into a FileDescriptorSet.
func Set(files ...*descriptorpb.FileDescriptorProto) *descriptorpb.FileDescriptorSet {
	return &descriptorpb.FileDescriptorSet{File: files}
}

// Clone deep-copies a FileDescriptorSet, useful when a test mutates one
// variant without disturbing a shared base fixture.
func Clone(set *descriptorpb.FileDescriptorSet) *descriptorpb.FileDescriptorSet {
	return proto.Clone(set).(*descriptorpb.FileDescriptorSet)
}

// PersonFile builds the `Person { string name = 1; int32 id = 2; }` fixture
// used by the single-message round-trip scenario.
func PersonFile() *descriptorpb.FileDescriptorSet {
	person := Message("Person",
		Field("name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false, ""),
		Field("id", 2, descriptorpb.FieldDescriptorProto_TYPE_INT32, false, ""),
	)
	return Set(File("person.proto", "", []*descriptorpb.DescriptorProto{person}, nil, nil))
}

// RectangleFiles builds the cross-package import fixture: `imported.Point`
// referenced from `primary.Rectangle`, plus the `primary.Primary` service.
func RectangleFiles() *descriptorpb.FileDescriptorSet {
	point := Message("Point",
		Field("latitude", 1, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE, false, ""),
		Field("longitude", 2, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE, false, ""),
	)
	importedFile := File("imported.proto", "imported", []*descriptorpb.DescriptorProto{point}, nil, nil)

	rectangle := Message("Rectangle",
		Field("lo", 1, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, false, "imported.Point"),
		Field("hi", 2, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, false, "imported.Point"),
	)
	request := Message("RectangleLocationRequest",
		Field("name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false, ""),
	)
	primaryFile := File("primary.proto", "primary",
		[]*descriptorpb.DescriptorProto{rectangle, request}, nil,
		[]*descriptorpb.ServiceDescriptorProto{
			Service("Primary", Method("GetRectangle", "primary.RectangleLocationRequest", "primary.Rectangle")),
		},
		"imported.proto",
	)

	return Set(importedFile, primaryFile)
}
