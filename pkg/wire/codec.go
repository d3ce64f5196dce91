// Package wire implements the Protobuf binary wire codec: decoding wire
// bytes into a descriptor-driven valuetree.Tree and encoding a Tree back to
// canonical wire bytes, including default-value semantics, packed repeated
// fields, map entries, unknown-field preservation, and group rejection.
package wire

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
	"github.com/pactflow/pact-protobuf-plugin/pkg/valuetree"
	"google.golang.org/protobuf/encoding/protowire"
)

// UnknownField preserves one raw tag+value pair that did not match any
// descriptor field, so a decode-then-encode round trip reproduces it
// byte-for-byte even though the codec never interprets its contents.
type UnknownField struct {
	Number int32
	Type   protowire.Type
	Raw    []byte // exact encoded bytes, tag included
}

// Warning records a non-fatal decode anomaly: a field whose wire type did
// not match the descriptor's expectation. The field is demoted to an
// unknown field rather than failing the whole message.
type Warning struct {
	FieldNumber int32
	Message     string
}

// DecodeResult bundles everything a decode pass produces.
type DecodeResult struct {
	Tree     *valuetree.Tree
	Unknown  []UnknownField
	Warnings []Warning
}

// Decode parses data against msg, producing a ValueTree plus any unknown
// trailing fields. A truncated varint, truncated length-delimited payload,
// invalid UTF-8 string, or mistiled packed payload is fatal for the whole
// message. A wire-kind mismatch on one field only demotes that field.
func Decode(data []byte, msg *descriptor.MessageDescriptor) (*DecodeResult, error) {
	tree := valuetree.New(msg)
	result := &DecodeResult{Tree: tree}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, plugerrors.NewWireDecodeError("", fmt.Errorf("truncated field tag"))
		}
		tagBytes := data[:n]
		rest := data[n:]

		field := msg.FieldByNumber(int32(num))
		if field == nil {
			valueLen := protowire.ConsumeFieldValue(num, typ, rest)
			if valueLen < 0 {
				return nil, plugerrors.NewWireDecodeError("", fmt.Errorf("truncated unknown field %d", num))
			}
			raw := make([]byte, 0, len(tagBytes)+valueLen)
			raw = append(raw, tagBytes...)
			raw = append(raw, rest[:valueLen]...)
			result.Unknown = append(result.Unknown, UnknownField{Number: int32(num), Type: typ, Raw: raw})
			data = rest[valueLen:]
			continue
		}

		consumed, demoted, warn, err := decodeField(field, typ, rest, tree)
		if err != nil {
			return nil, err
		}
		if demoted {
			valueLen := protowire.ConsumeFieldValue(num, typ, rest)
			if valueLen < 0 {
				return nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated field %d", num))
			}
			raw := make([]byte, 0, len(tagBytes)+valueLen)
			raw = append(raw, tagBytes...)
			raw = append(raw, rest[:valueLen]...)
			result.Unknown = append(result.Unknown, UnknownField{Number: int32(num), Type: typ, Raw: raw})
			result.Warnings = append(result.Warnings, *warn)
			data = rest[valueLen:]
			continue
		}

		data = rest[consumed:]
	}

	return result, nil
}

// decodeField decodes one field occurrence, appending to tree. Returns the
// number of bytes of `data` (after the tag) consumed. If the wire type
// disagrees with the descriptor's expectation, demoted is true and consumed
// is meaningless (caller re-measures via ConsumeFieldValue).
func decodeField(field *descriptor.FieldDescriptor, typ protowire.Type, data []byte, tree *valuetree.Tree) (consumed int, demoted bool, warn *Warning, err error) {
	isMapField := field.Kind == descriptor.KindMessage && field.MessageType != nil && field.MessageType.IsMapEntry

	switch {
	case isMapField:
		if typ != protowire.BytesType {
			return 0, true, mismatch(field, typ), nil
		}
		entryBytes, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return 0, false, nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated map entry"))
		}
		entryResult, derr := Decode(entryBytes, field.MessageType)
		if derr != nil {
			return 0, false, nil, derr
		}
		key := mapKeyOf(entryResult.Tree, field.MessageType.MapKeyField)
		var val *valuetree.Value
		if valNode := entryResult.Tree.Get(2); valNode != nil {
			val = valNode.Value
		} else {
			val = zeroValueFor(field.MessageType.MapValField)
		}
		appendMapEntry(tree, field, key, val)
		return n, false, nil, nil

	case field.IsRepeated() && (field.Kind.IsScalar() || field.Kind == descriptor.KindEnum):
		return decodeRepeatedScalar(field, typ, data, tree)

	case field.Kind == descriptor.KindMessage:
		if typ != protowire.BytesType {
			return 0, true, mismatch(field, typ), nil
		}
		msgBytes, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return 0, false, nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated submessage"))
		}
		sub, derr := Decode(msgBytes, field.MessageType)
		if derr != nil {
			return 0, false, nil, derr
		}
		appendScalarLike(tree, field, valuetree.SubmessageValue(sub.Tree))
		return n, false, nil, nil

	default:
		return decodeSingleScalar(field, typ, data, tree)
	}
}

func mismatch(field *descriptor.FieldDescriptor, typ protowire.Type) *Warning {
	return &Warning{
		FieldNumber: field.Number,
		Message:     fmt.Sprintf("field %s: wire type %v does not match descriptor expectation", field.Name, typ),
	}
}

func decodeSingleScalar(field *descriptor.FieldDescriptor, typ protowire.Type, data []byte, tree *valuetree.Tree) (int, bool, *Warning, error) {
	switch field.Kind {
	case descriptor.KindString, descriptor.KindBytes:
		if typ != protowire.BytesType {
			return 0, true, mismatch(field, typ), nil
		}
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return 0, false, nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated length-delimited field"))
		}
		if field.Kind == descriptor.KindString {
			if !utf8.Valid(b) {
				return 0, false, nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("invalid UTF-8 in string field"))
			}
			appendScalarLike(tree, field, valuetree.ScalarValue(string(b)))
		} else {
			cp := make([]byte, len(b))
			copy(cp, b)
			appendScalarLike(tree, field, valuetree.ScalarValue(cp))
		}
		return n, false, nil, nil

	case descriptor.KindFixed32, descriptor.KindSfixed32, descriptor.KindFloat:
		if typ != protowire.Fixed32Type {
			return 0, true, mismatch(field, typ), nil
		}
		fx, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return 0, false, nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated fixed32 field"))
		}
		appendScalarLike(tree, field, valuetree.ScalarValue(decodeFixed32(field.Kind, fx)))
		return n, false, nil, nil

	case descriptor.KindFixed64, descriptor.KindSfixed64, descriptor.KindDouble:
		if typ != protowire.Fixed64Type {
			return 0, true, mismatch(field, typ), nil
		}
		fx, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return 0, false, nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated fixed64 field"))
		}
		appendScalarLike(tree, field, valuetree.ScalarValue(decodeFixed64(field.Kind, fx)))
		return n, false, nil, nil

	case descriptor.KindEnum:
		if typ != protowire.VarintType {
			return 0, true, mismatch(field, typ), nil
		}
		raw, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return 0, false, nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated varint field"))
		}
		num := int32(raw)
		name := ""
		if field.EnumType != nil {
			if nm, ok := field.EnumType.NameOf(num); ok {
				name = nm
			}
		}
		appendScalarLike(tree, field, valuetree.EnumValue(num, name))
		return n, false, nil, nil

	default: // varint-based integer kinds, bool
		if typ != protowire.VarintType {
			return 0, true, mismatch(field, typ), nil
		}
		raw, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return 0, false, nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated varint field"))
		}
		appendScalarLike(tree, field, valuetree.ScalarValue(decodeVarintScalar(field.Kind, raw)))
		return n, false, nil, nil
	}
}

func decodeRepeatedScalar(field *descriptor.FieldDescriptor, typ protowire.Type, data []byte, tree *valuetree.Tree) (int, bool, *Warning, error) {
	if typ == protowire.BytesType && field.Kind.WireType() != protowire.BytesType {
		// Packed encoding: one length-delimited blob of tightly packed elements.
		packed, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return 0, false, nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated packed field"))
		}
		values, perr := decodePackedElements(field, packed)
		if perr != nil {
			return 0, false, nil, perr
		}
		for _, v := range values {
			appendScalarLike(tree, field, v)
		}
		return n, false, nil, nil
	}

	if typ != field.Kind.WireType() {
		return 0, true, mismatch(field, typ), nil
	}

	// Unpacked: a single element using the field's natural wire type.
	return decodeSingleScalar(field, typ, data, tree)
}

func decodePackedElements(field *descriptor.FieldDescriptor, packed []byte) ([]*valuetree.Value, error) {
	var out []*valuetree.Value
	switch field.Kind.WireType() {
	case protowire.VarintType:
		for len(packed) > 0 {
			raw, n := protowire.ConsumeVarint(packed)
			if n < 0 {
				return nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("packed varint payload does not cleanly tile"))
			}
			if field.Kind == descriptor.KindEnum {
				num := int32(raw)
				name := ""
				if field.EnumType != nil {
					if nm, ok := field.EnumType.NameOf(num); ok {
						name = nm
					}
				}
				out = append(out, valuetree.EnumValue(num, name))
			} else {
				out = append(out, valuetree.ScalarValue(decodeVarintScalar(field.Kind, raw)))
			}
			packed = packed[n:]
		}
	case protowire.Fixed32Type:
		if len(packed)%4 != 0 {
			return nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("packed fixed32 payload does not cleanly tile"))
		}
		for len(packed) > 0 {
			fx, n := protowire.ConsumeFixed32(packed)
			if n < 0 {
				return nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated packed fixed32 element"))
			}
			out = append(out, valuetree.ScalarValue(decodeFixed32(field.Kind, fx)))
			packed = packed[n:]
		}
	case protowire.Fixed64Type:
		if len(packed)%8 != 0 {
			return nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("packed fixed64 payload does not cleanly tile"))
		}
		for len(packed) > 0 {
			fx, n := protowire.ConsumeFixed64(packed)
			if n < 0 {
				return nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("truncated packed fixed64 element"))
			}
			out = append(out, valuetree.ScalarValue(decodeFixed64(field.Kind, fx)))
			packed = packed[n:]
		}
	default:
		return nil, plugerrors.NewWireDecodeError(field.Name, fmt.Errorf("field kind %s cannot be packed", field.Kind))
	}
	return out, nil
}

func decodeVarintScalar(kind descriptor.Kind, raw uint64) any {
	switch kind {
	case descriptor.KindInt32:
		return int32(int64(raw))
	case descriptor.KindInt64:
		return int64(raw)
	case descriptor.KindUint32:
		return uint32(raw)
	case descriptor.KindUint64:
		return raw
	case descriptor.KindSint32:
		return int32(protowire.DecodeZigZag(raw))
	case descriptor.KindSint64:
		return protowire.DecodeZigZag(raw)
	case descriptor.KindBool:
		return raw != 0
	default:
		return int64(raw)
	}
}

func decodeFixed32(kind descriptor.Kind, fx uint32) any {
	switch kind {
	case descriptor.KindFixed32:
		return fx
	case descriptor.KindSfixed32:
		return int32(fx)
	case descriptor.KindFloat:
		return math.Float32frombits(fx)
	default:
		return fx
	}
}

func decodeFixed64(kind descriptor.Kind, fx uint64) any {
	switch kind {
	case descriptor.KindFixed64:
		return fx
	case descriptor.KindSfixed64:
		return int64(fx)
	case descriptor.KindDouble:
		return math.Float64frombits(fx)
	default:
		return fx
	}
}

// appendScalarLike appends v either as the node's primary value (first
// occurrence) or to Additional (subsequent occurrences of a repeated
// field), matching "element order is the wire order".
func appendScalarLike(tree *valuetree.Tree, field *descriptor.FieldDescriptor, v *valuetree.Value) {
	existing := tree.Get(field.Number)
	if existing == nil {
		tree.Set(field.Number, v)
		return
	}
	existing.Value.Additional = append(existing.Value.Additional, v)
}

func mapKeyOf(entryTree *valuetree.Tree, keyField *descriptor.FieldDescriptor) any {
	node := entryTree.Get(1)
	if node == nil {
		return zeroValueFor(keyField).Scalar
	}
	return node.Value.Scalar
}

func zeroValueFor(field *descriptor.FieldDescriptor) *valuetree.Value {
	if field == nil {
		return valuetree.ScalarValue(nil)
	}
	switch field.Kind {
	case descriptor.KindString:
		return valuetree.ScalarValue("")
	case descriptor.KindBytes:
		return valuetree.ScalarValue([]byte{})
	case descriptor.KindBool:
		return valuetree.ScalarValue(false)
	case descriptor.KindFloat:
		return valuetree.ScalarValue(float32(0))
	case descriptor.KindDouble:
		return valuetree.ScalarValue(float64(0))
	case descriptor.KindEnum:
		return valuetree.EnumValue(0, "")
	default:
		return valuetree.ScalarValue(int64(0))
	}
}

func appendMapEntry(tree *valuetree.Tree, field *descriptor.FieldDescriptor, key any, val *valuetree.Value) {
	existing := tree.Get(field.Number)
	entry := valuetree.MapEntry{Key: key, Value: val}
	if existing == nil {
		tree.Set(field.Number, valuetree.MapValue([]valuetree.MapEntry{entry}))
		return
	}
	existing.Value.MapEntries = append(existing.Value.MapEntries, entry)
}
