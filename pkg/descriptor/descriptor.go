// Package descriptor builds an in-memory, name-resolved index over a binary
// FileDescriptorSet: files to messages (including nested ones) to fields,
// plus enums, services, and methods. It performs the two-pass load the
// configuration compiler, wire codec, and comparator all depend on instead
// of re-walking raw descriptorpb types at every call site.
package descriptor

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"

	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Kind identifies a field's declared scalar, enum, or message type.
type Kind int

const (
	KindUnknown Kind = iota
	KindInt32
	KindInt64
	KindUint32
	KindUint64
	KindSint32
	KindSint64
	KindFixed32
	KindFixed64
	KindSfixed32
	KindSfixed64
	KindFloat
	KindDouble
	KindBool
	KindString
	KindBytes
	KindEnum
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindSint32:
		return "sint32"
	case KindSint64:
		return "sint64"
	case KindFixed32:
		return "fixed32"
	case KindFixed64:
		return "fixed64"
	case KindSfixed32:
		return "sfixed32"
	case KindSfixed64:
		return "sfixed64"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindEnum:
		return "enum"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// IsScalar reports whether the kind is a plain scalar (not enum/message).
func (k Kind) IsScalar() bool {
	switch k {
	case KindInt32, KindInt64, KindUint32, KindUint64, KindSint32, KindSint64,
		KindFixed32, KindFixed64, KindSfixed32, KindSfixed64,
		KindFloat, KindDouble, KindBool, KindString, KindBytes:
		return true
	default:
		return false
	}
}

// WireType returns the wire type used to encode values of this kind.
func (k Kind) WireType() protowire.Type {
	switch k {
	case KindInt32, KindInt64, KindUint32, KindUint64, KindSint32, KindSint64, KindBool, KindEnum:
		return protowire.VarintType
	case KindFixed32, KindSfixed32, KindFloat:
		return protowire.Fixed32Type
	case KindFixed64, KindSfixed64, KindDouble:
		return protowire.Fixed64Type
	case KindString, KindBytes, KindMessage:
		return protowire.BytesType
	default:
		return protowire.VarintType
	}
}

// Cardinality describes how many values a field may carry on the wire.
type Cardinality int

const (
	Single Cardinality = iota
	OptionalPresence
	Repeated
	PackedRepeated
)

// FieldDescriptor describes one field of a message.
type FieldDescriptor struct {
	Number      int32
	Name        string
	Kind        Kind
	Cardinality Cardinality
	TypeName    string // fully-qualified, for KindEnum/KindMessage
	MessageType *MessageDescriptor
	EnumType    *EnumDescriptor
	HasDefault  bool
	Default     string // proto2 textual default, if declared

	proto *descriptorpb.FieldDescriptorProto
}

// IsPacked reports whether this repeated scalar/enum field is packed on the wire.
func (f *FieldDescriptor) IsPacked() bool {
	return f.Cardinality == PackedRepeated
}

// IsRepeated reports whether the field may carry more than one value.
func (f *FieldDescriptor) IsRepeated() bool {
	return f.Cardinality == Repeated || f.Cardinality == PackedRepeated
}

// IsZeroScalar returns true if v equals the Protobuf default for scalar
// kinds (used by WireCodec's default-value-omission encode rule).
func (f *FieldDescriptor) IsZeroScalar(v any) bool {
	switch f.Kind {
	case KindBool:
		b, _ := v.(bool)
		return !b
	case KindString:
		s, _ := v.(string)
		return s == ""
	case KindBytes:
		b, _ := v.([]byte)
		return len(b) == 0
	case KindFloat, KindDouble:
		switch n := v.(type) {
		case float32:
			return n == 0
		case float64:
			return n == 0
		}
		return false
	case KindEnum:
		n, _ := v.(int32)
		return n == 0
	default:
		switch n := v.(type) {
		case int32:
			return n == 0
		case int64:
			return n == 0
		case uint32:
			return n == 0
		case uint64:
			return n == 0
		}
		return false
	}
}

// MessageDescriptor describes one message type, fields ordered by
// declaration and indexed by both number and name.
type MessageDescriptor struct {
	FullName     string
	Fields       []*FieldDescriptor // declaration order
	byNumber     map[int32]*FieldDescriptor
	byName       map[string]*FieldDescriptor
	IsMapEntry   bool
	MapKeyField  *FieldDescriptor
	MapValField  *FieldDescriptor

	proto *descriptorpb.DescriptorProto
}

// FieldByNumber looks up a field by its wire number.
func (m *MessageDescriptor) FieldByNumber(n int32) *FieldDescriptor { return m.byNumber[n] }

// FieldByName looks up a field by its declared name.
func (m *MessageDescriptor) FieldByName(name string) *FieldDescriptor { return m.byName[name] }

// IsWellKnownWrapper reports whether this is one of the google.protobuf.*Value
// scalar wrapper messages (StringValue, Int32Value, BoolValue, ...).
func (m *MessageDescriptor) IsWellKnownWrapper() bool {
	switch m.FullName {
	case "google.protobuf.StringValue", "google.protobuf.BytesValue",
		"google.protobuf.BoolValue", "google.protobuf.Int32Value",
		"google.protobuf.Int64Value", "google.protobuf.UInt32Value",
		"google.protobuf.UInt64Value", "google.protobuf.FloatValue",
		"google.protobuf.DoubleValue":
		return true
	default:
		return false
	}
}

// EnumDescriptor describes one enum type.
type EnumDescriptor struct {
	FullName    string
	byNumber    map[int32]string
	byName      map[string]int32
}

// NameOf returns the symbolic name for a numeric value, if declared.
func (e *EnumDescriptor) NameOf(n int32) (string, bool) {
	name, ok := e.byNumber[n]
	return name, ok
}

// ValueOf returns the numeric value for a symbolic name, if declared.
func (e *EnumDescriptor) ValueOf(name string) (int32, bool) {
	n, ok := e.byName[name]
	return n, ok
}

// MethodDescriptor describes one RPC method. Streaming methods are rejected
// at load time, so every MethodDescriptor here is unary.
type MethodDescriptor struct {
	Name       string
	FullName   string // Service/Method
	InputType  *MessageDescriptor
	OutputType *MessageDescriptor
}

// ServiceDescriptor describes one gRPC service and its unary methods.
type ServiceDescriptor struct {
	FullName string
	Methods  []*MethodDescriptor
	byName   map[string]*MethodDescriptor
}

// MethodByName looks up a method by its unqualified name.
func (s *ServiceDescriptor) MethodByName(name string) *MethodDescriptor { return s.byName[name] }

// Set is the fully resolved, name-indexed view over a FileDescriptorSet.
type Set struct {
	messages    map[string]*MessageDescriptor
	enums       map[string]*EnumDescriptor
	services    map[string]*ServiceDescriptor
	fingerprint [md5.Size]byte
	raw         []byte
}

// Fingerprint returns the MD5 fingerprint of the raw FileDescriptorSet bytes
// this Set was loaded from, embedded verbatim in the resulting contract so
// later verification does not re-run the .proto source compiler.
func (s *Set) Fingerprint() [md5.Size]byte { return s.fingerprint }

// Raw returns the exact bytes the Set was loaded from.
func (s *Set) Raw() []byte { return s.raw }

// MessageByName looks up a message by its fully-qualified name
// (e.g. "primary.Rectangle"). An unqualified name (no ".", as a
// consumer's configuration tree names a message without its package)
// falls back to a suffix search, the same relaxed lookup
// resolveTypeName applies while resolving field type references.
func (s *Set) MessageByName(name string) (*MessageDescriptor, bool) {
	name = strings.TrimPrefix(name, ".")
	if m, ok := s.messages[name]; ok {
		return m, true
	}
	if strings.Contains(name, ".") {
		return nil, false
	}
	for full, m := range s.messages {
		if strings.HasSuffix(full, "."+name) {
			return m, true
		}
	}
	return nil, false
}

// EnumByName looks up an enum by its fully-qualified name.
func (s *Set) EnumByName(name string) (*EnumDescriptor, bool) {
	e, ok := s.enums[strings.TrimPrefix(name, ".")]
	return e, ok
}

// ServiceByName looks up a service by its fully-qualified name, falling
// back to a suffix search for an unqualified name (e.g. "Test" for
// "test.Test"), the same relaxation MessageByName applies.
func (s *Set) ServiceByName(name string) (*ServiceDescriptor, bool) {
	name = strings.TrimPrefix(name, ".")
	if sv, ok := s.services[name]; ok {
		return sv, true
	}
	if strings.Contains(name, ".") {
		return nil, false
	}
	for full, sv := range s.services {
		if strings.HasSuffix(full, "."+name) {
			return sv, true
		}
	}
	return nil, false
}

// Messages returns every message in the set, sorted by fully-qualified name.
func (s *Set) Messages() []*MessageDescriptor {
	out := make([]*MessageDescriptor, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// Services returns every service in the set, sorted by fully-qualified name.
func (s *Set) Services() []*ServiceDescriptor {
	out := make([]*ServiceDescriptor, 0, len(s.services))
	for _, sv := range s.services {
		out = append(out, sv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// scope is a two-pass loading context: registered names plus a per-file
// package/nesting stack used for the outward-then-inward resolution walk.
type scope struct {
	messages map[string]*MessageDescriptor
	enums    map[string]*EnumDescriptor
	// filePackage records the package of the file that declared a name,
	// needed to resolve unpackaged relative lookups scoped to "within the file" first.
	filePackage map[string]string // fully-qualified name -> owning file's package
}

// Load ingests a binary FileDescriptorSet and builds the resolved index.
// Two-pass: (1) register every message and enum name, including nested
// ones, under their fully-qualified paths; (2) resolve every field's named
// type reference by searching outward from its enclosing scope to the file
// package and then through imported files.
func Load(fdSet *descriptorpb.FileDescriptorSet) (*Set, error) {
	if fdSet == nil {
		return nil, plugerrors.NewDescriptorError("", fmt.Errorf("nil FileDescriptorSet"))
	}

	sc := &scope{
		messages:    make(map[string]*MessageDescriptor),
		enums:       make(map[string]*EnumDescriptor),
		filePackage: make(map[string]string),
	}

	// Pass 1: register names.
	for _, file := range fdSet.GetFile() {
		pkg := file.GetPackage()
		for _, msg := range file.GetMessageType() {
			if err := registerMessage(sc, pkg, "", msg); err != nil {
				return nil, err
			}
		}
		for _, en := range file.GetEnumType() {
			if err := registerEnum(sc, pkg, "", en); err != nil {
				return nil, err
			}
		}
	}

	// Pass 2: resolve field type references and build services.
	services := make(map[string]*ServiceDescriptor)
	for _, file := range fdSet.GetFile() {
		pkg := file.GetPackage()
		for _, msg := range file.GetMessageType() {
			if err := resolveMessage(sc, pkg, "", msg, file); err != nil {
				return nil, err
			}
		}
		for _, svcProto := range file.GetService() {
			svcName := qualify(pkg, svcProto.GetName())
			svc := &ServiceDescriptor{FullName: svcName, byName: make(map[string]*MethodDescriptor)}
			for _, methProto := range svcProto.GetMethod() {
				if methProto.GetClientStreaming() || methProto.GetServerStreaming() {
					return nil, plugerrors.NewDescriptorError(
						svcName+"/"+methProto.GetName(),
						fmt.Errorf("streaming RPC methods are not supported"))
				}
				inName := strings.TrimPrefix(methProto.GetInputType(), ".")
				outName := strings.TrimPrefix(methProto.GetOutputType(), ".")
				inMsg, ok := sc.messages[inName]
				if !ok {
					return nil, plugerrors.NewDescriptorError(inName, fmt.Errorf("unresolved input type"))
				}
				outMsg, ok := sc.messages[outName]
				if !ok {
					return nil, plugerrors.NewDescriptorError(outName, fmt.Errorf("unresolved output type"))
				}
				m := &MethodDescriptor{
					Name:       methProto.GetName(),
					FullName:   svcName + "/" + methProto.GetName(),
					InputType:  inMsg,
					OutputType: outMsg,
				}
				svc.Methods = append(svc.Methods, m)
				svc.byName[m.Name] = m
			}
			services[svcName] = svc
		}
	}

	raw, err := proto.Marshal(fdSet)
	if err != nil {
		return nil, plugerrors.NewDescriptorError("", fmt.Errorf("marshal descriptor set for fingerprint: %w", err))
	}

	return &Set{
		messages:    sc.messages,
		enums:       sc.enums,
		services:    services,
		fingerprint: md5.Sum(raw),
		raw:         raw,
	}, nil
}

func qualify(pkg, name string) string {
	if pkg == "" {
		return name
	}
	return pkg + "." + name
}

func registerMessage(sc *scope, pkg, prefix string, msg *descriptorpb.DescriptorProto) error {
	fullName := qualify(joinScope(pkg, prefix), msg.GetName())
	if _, exists := sc.messages[fullName]; exists {
		return plugerrors.NewDescriptorError(fullName, fmt.Errorf("duplicate fully-qualified message name"))
	}

	md := &MessageDescriptor{
		FullName: fullName,
		byNumber: make(map[int32]*FieldDescriptor),
		byName:   make(map[string]*FieldDescriptor),
		proto:    msg,
	}
	md.IsMapEntry = msg.GetOptions().GetMapEntry()
	sc.messages[fullName] = md
	sc.filePackage[fullName] = pkg

	nestedPrefix := relativeName(pkg, fullName)
	for _, nested := range msg.GetNestedType() {
		if err := registerMessage(sc, pkg, nestedPrefix, nested); err != nil {
			return err
		}
	}
	for _, en := range msg.GetEnumType() {
		if err := registerEnum(sc, pkg, nestedPrefix, en); err != nil {
			return err
		}
	}
	return nil
}

func registerEnum(sc *scope, pkg, prefix string, en *descriptorpb.EnumDescriptorProto) error {
	fullName := qualify(joinScope(pkg, prefix), en.GetName())
	if _, exists := sc.enums[fullName]; exists {
		return plugerrors.NewDescriptorError(fullName, fmt.Errorf("duplicate fully-qualified enum name"))
	}
	ed := &EnumDescriptor{
		FullName: fullName,
		byNumber: make(map[int32]string),
		byName:   make(map[string]int32),
	}
	for _, v := range en.GetValue() {
		ed.byNumber[v.GetNumber()] = v.GetName()
		ed.byName[v.GetName()] = v.GetNumber()
	}
	sc.enums[fullName] = ed
	sc.filePackage[fullName] = pkg
	return nil
}

// joinScope joins a package with a nested-message prefix (both optional).
func joinScope(pkg, prefix string) string {
	switch {
	case pkg == "" && prefix == "":
		return ""
	case pkg == "":
		return prefix
	case prefix == "":
		return pkg
	default:
		return pkg + "." + prefix
	}
}

// relativeName strips the package prefix from a fully-qualified name,
// leaving the nested-message path used as the next registration prefix.
func relativeName(pkg, fullName string) string {
	if pkg == "" {
		return fullName
	}
	return strings.TrimPrefix(fullName, pkg+".")
}

func resolveMessage(sc *scope, pkg, prefix string, msg *descriptorpb.DescriptorProto, file *descriptorpb.FileDescriptorProto) error {
	fullName := qualify(joinScope(pkg, prefix), msg.GetName())
	md := sc.messages[fullName]

	for _, fieldProto := range msg.GetField() {
		fd, err := resolveField(sc, pkg, fullName, fieldProto)
		if err != nil {
			return err
		}
		md.Fields = append(md.Fields, fd)
		md.byNumber[fd.Number] = fd
		md.byName[fd.Name] = fd
	}

	if md.IsMapEntry {
		key := md.byName["key"]
		val := md.byName["value"]
		if key == nil || val == nil {
			return plugerrors.NewDescriptorError(fullName, fmt.Errorf("map entry missing key or value field"))
		}
		if !key.Kind.IsScalar() {
			return plugerrors.NewDescriptorError(fullName, fmt.Errorf("map key must be a string or scalar kind, got %s", key.Kind))
		}
		md.MapKeyField = key
		md.MapValField = val
	}

	nestedPrefix := relativeName(pkg, fullName)
	for _, nested := range msg.GetNestedType() {
		if err := resolveMessage(sc, pkg, nestedPrefix, nested, file); err != nil {
			return err
		}
	}
	return nil
}

func resolveField(sc *scope, pkg, enclosing string, fp *descriptorpb.FieldDescriptorProto) (*FieldDescriptor, error) {
	fd := &FieldDescriptor{
		Number: fp.GetNumber(),
		Name:   fp.GetName(),
		proto:  fp,
	}

	switch fp.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_GROUP:
		return nil, plugerrors.NewDescriptorError(enclosing+"."+fp.GetName(), fmt.Errorf("proto2 groups are not supported"))
	case descriptorpb.FieldDescriptorProto_TYPE_DOUBLE:
		fd.Kind = KindDouble
	case descriptorpb.FieldDescriptorProto_TYPE_FLOAT:
		fd.Kind = KindFloat
	case descriptorpb.FieldDescriptorProto_TYPE_INT64:
		fd.Kind = KindInt64
	case descriptorpb.FieldDescriptorProto_TYPE_UINT64:
		fd.Kind = KindUint64
	case descriptorpb.FieldDescriptorProto_TYPE_INT32:
		fd.Kind = KindInt32
	case descriptorpb.FieldDescriptorProto_TYPE_FIXED64:
		fd.Kind = KindFixed64
	case descriptorpb.FieldDescriptorProto_TYPE_FIXED32:
		fd.Kind = KindFixed32
	case descriptorpb.FieldDescriptorProto_TYPE_BOOL:
		fd.Kind = KindBool
	case descriptorpb.FieldDescriptorProto_TYPE_STRING:
		fd.Kind = KindString
	case descriptorpb.FieldDescriptorProto_TYPE_BYTES:
		fd.Kind = KindBytes
	case descriptorpb.FieldDescriptorProto_TYPE_UINT32:
		fd.Kind = KindUint32
	case descriptorpb.FieldDescriptorProto_TYPE_SFIXED32:
		fd.Kind = KindSfixed32
	case descriptorpb.FieldDescriptorProto_TYPE_SFIXED64:
		fd.Kind = KindSfixed64
	case descriptorpb.FieldDescriptorProto_TYPE_SINT32:
		fd.Kind = KindSint32
	case descriptorpb.FieldDescriptorProto_TYPE_SINT64:
		fd.Kind = KindSint64
	case descriptorpb.FieldDescriptorProto_TYPE_ENUM:
		fd.Kind = KindEnum
		name, err := resolveTypeName(sc, pkg, enclosing, fp.GetTypeName(), true)
		if err != nil {
			return nil, err
		}
		en, ok := sc.enums[name]
		if !ok {
			return nil, plugerrors.NewDescriptorError(name, fmt.Errorf("unresolved enum type reference"))
		}
		fd.TypeName = name
		fd.EnumType = en
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		fd.Kind = KindMessage
		name, err := resolveTypeName(sc, pkg, enclosing, fp.GetTypeName(), false)
		if err != nil {
			return nil, err
		}
		msg, ok := sc.messages[name]
		if !ok {
			return nil, plugerrors.NewDescriptorError(name, fmt.Errorf("unresolved message type reference"))
		}
		fd.TypeName = name
		fd.MessageType = msg
	default:
		return nil, plugerrors.NewDescriptorError(enclosing+"."+fp.GetName(), fmt.Errorf("unsupported field type %v", fp.GetType()))
	}

	switch fp.GetLabel() {
	case descriptorpb.FieldDescriptorProto_LABEL_REPEATED:
		if fd.Kind.IsScalar() || fd.Kind == KindEnum {
			packed := true // proto3 default
			if opts := fp.GetOptions(); opts != nil && opts.Packed != nil {
				packed = opts.GetPacked()
			}
			if packed && fd.Kind != KindString && fd.Kind != KindBytes {
				fd.Cardinality = PackedRepeated
			} else {
				fd.Cardinality = Repeated
			}
		} else {
			fd.Cardinality = Repeated
		}
	case descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL:
		if fp.Proto3Optional != nil && fp.GetProto3Optional() {
			fd.Cardinality = OptionalPresence
		} else {
			fd.Cardinality = Single
		}
	default:
		fd.Cardinality = Single
	}

	if fp.DefaultValue != nil {
		fd.HasDefault = true
		fd.Default = fp.GetDefaultValue()
	}

	return fd, nil
}

// resolveTypeName resolves a field's TypeName reference. If the name is
// already fully qualified (leading '.', as produced by a real compiler), it
// is used directly. Otherwise the outward-then-inward scoping walk applies:
// search from the enclosing message scope outward to the file package, then
// fall back to an unpackaged relative/global search.
func resolveTypeName(sc *scope, pkg, enclosing, typeName string, isEnum bool) (string, error) {
	if strings.HasPrefix(typeName, ".") {
		return strings.TrimPrefix(typeName, "."), nil
	}

	exists := func(name string) bool {
		if isEnum {
			_, ok := sc.enums[name]
			return ok
		}
		_, ok := sc.messages[name]
		return ok
	}

	// Outward walk: strip one trailing segment of `enclosing` at a time,
	// trying `<scope>.<typeName>` at each level, down to the package root.
	scopeChain := strings.Split(enclosing, ".")
	for i := len(scopeChain); i >= 0; i-- {
		candidate := strings.Join(scopeChain[:i], ".")
		var full string
		if candidate == "" {
			full = typeName
		} else {
			full = candidate + "." + typeName
		}
		if exists(full) {
			return full, nil
		}
		if candidate == pkg {
			break
		}
	}

	// Unpackaged relative-within-file fallback, then a global search.
	if exists(typeName) {
		return typeName, nil
	}
	for name := range sc.messages {
		if !isEnum && (name == typeName || strings.HasSuffix(name, "."+typeName)) {
			return name, nil
		}
	}
	for name := range sc.enums {
		if isEnum && (name == typeName || strings.HasSuffix(name, "."+typeName)) {
			return name, nil
		}
	}

	return "", plugerrors.NewDescriptorError(typeName, fmt.Errorf("unresolved type reference from scope %q", enclosing))
}
