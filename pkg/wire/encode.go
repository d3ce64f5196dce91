package wire

import (
	"math"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
	"github.com/pactflow/pact-protobuf-plugin/pkg/valuetree"
	"google.golang.org/protobuf/encoding/protowire"
)

// Encode produces the canonical "consumer-supplied" wire encoding of tree.
// A field holding the Protobuf zero value that exp says the consumer never
// expressed is omitted; everything else is emitted, repeated scalar fields
// packed, map entries in insertion order. Unknown fields are never written
// -- use EncodeWithUnknown to preserve a decode round trip's unknown tail.
func Encode(tree *valuetree.Tree, exp *Expectations) ([]byte, error) {
	var out []byte
	for _, num := range tree.SortedFieldNumbers() {
		node := tree.Get(num)
		if node.Field == nil {
			continue // defensive: a number with no matching field never reaches encode
		}
		fieldExp := exp.IsExpressed(num)
		b, err := encodeNode(node, fieldExp, exp.NestedReadOnly(num))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// EncodeWithUnknown behaves like Encode but appends the raw bytes of every
// UnknownField after the known fields, reproducing the original wire order
// only insofar as unknown fields trail known ones -- sufficient for the
// decode/encode round-trip invariant, which only requires byte-for-byte
// reproduction "up to field ordering".
func EncodeWithUnknown(tree *valuetree.Tree, exp *Expectations, unknown []UnknownField) ([]byte, error) {
	out, err := Encode(tree, exp)
	if err != nil {
		return nil, err
	}
	for _, u := range unknown {
		out = append(out, u.Raw...)
	}
	return out, nil
}

func encodeNode(node *valuetree.Node, expressed bool, nestedExp *Expectations) ([]byte, error) {
	field := node.Field
	switch node.Value.Kind {
	case valuetree.KindMap:
		return encodeMap(field, node.Value, nestedExp)
	case valuetree.KindSubmessage:
		return encodeSubmessageField(field, node, nestedExp)
	default:
		if field.IsRepeated() {
			return encodeRepeatedScalar(field, node)
		}
		return encodeSingular(field, node.Value, expressed)
	}
}

func encodeSingular(field *descriptor.FieldDescriptor, v *valuetree.Value, expressed bool) ([]byte, error) {
	if !expressed && isZeroValue(field, v) {
		return nil, nil
	}
	return encodeOneScalar(field, v)
}

func isZeroValue(field *descriptor.FieldDescriptor, v *valuetree.Value) bool {
	if v.Kind == valuetree.KindEnum {
		return v.EnumNumber == 0
	}
	return field.IsZeroScalar(v.Scalar)
}

func encodeOneScalar(field *descriptor.FieldDescriptor, v *valuetree.Value) ([]byte, error) {
	num := protowire.Number(field.Number)
	switch field.Kind {
	case descriptor.KindEnum:
		return joinTagValue(num, protowire.VarintType, appendVarintEnum(v.EnumNumber)), nil
	case descriptor.KindString:
		s, _ := v.Scalar.(string)
		return joinTagValue(num, protowire.BytesType, protowire.AppendString(nil, s)), nil
	case descriptor.KindBytes:
		b, _ := v.Scalar.([]byte)
		return joinTagValue(num, protowire.BytesType, protowire.AppendBytes(nil, b)), nil
	case descriptor.KindFixed32:
		n, _ := v.Scalar.(uint32)
		return joinTagValue(num, protowire.Fixed32Type, protowire.AppendFixed32(nil, n)), nil
	case descriptor.KindSfixed32:
		n, _ := v.Scalar.(int32)
		return joinTagValue(num, protowire.Fixed32Type, protowire.AppendFixed32(nil, uint32(n))), nil
	case descriptor.KindFloat:
		n, _ := v.Scalar.(float32)
		return joinTagValue(num, protowire.Fixed32Type, protowire.AppendFixed32(nil, math.Float32bits(n))), nil
	case descriptor.KindFixed64:
		n, _ := v.Scalar.(uint64)
		return joinTagValue(num, protowire.Fixed64Type, protowire.AppendFixed64(nil, n)), nil
	case descriptor.KindSfixed64:
		n, _ := v.Scalar.(int64)
		return joinTagValue(num, protowire.Fixed64Type, protowire.AppendFixed64(nil, uint64(n))), nil
	case descriptor.KindDouble:
		n, _ := v.Scalar.(float64)
		return joinTagValue(num, protowire.Fixed64Type, protowire.AppendFixed64(nil, math.Float64bits(n))), nil
	case descriptor.KindBool:
		b, _ := v.Scalar.(bool)
		return joinTagValue(num, protowire.VarintType, protowire.AppendVarint(nil, protowire.EncodeBool(b))), nil
	case descriptor.KindSint32:
		n, _ := v.Scalar.(int32)
		return joinTagValue(num, protowire.VarintType, protowire.AppendVarint(nil, protowire.EncodeZigZag(int64(n)))), nil
	case descriptor.KindSint64:
		n, _ := v.Scalar.(int64)
		return joinTagValue(num, protowire.VarintType, protowire.AppendVarint(nil, protowire.EncodeZigZag(n))), nil
	case descriptor.KindUint32:
		n, _ := v.Scalar.(uint32)
		return joinTagValue(num, protowire.VarintType, protowire.AppendVarint(nil, uint64(n))), nil
	case descriptor.KindUint64:
		n, _ := v.Scalar.(uint64)
		return joinTagValue(num, protowire.VarintType, protowire.AppendVarint(nil, n)), nil
	case descriptor.KindInt64:
		n, _ := v.Scalar.(int64)
		return joinTagValue(num, protowire.VarintType, protowire.AppendVarint(nil, uint64(n))), nil
	default: // int32
		n, _ := v.Scalar.(int32)
		return joinTagValue(num, protowire.VarintType, protowire.AppendVarint(nil, uint64(int64(n)))), nil
	}
}

func appendVarintEnum(n int32) []byte {
	return protowire.AppendVarint(nil, uint64(int64(n)))
}

func joinTagValue(num protowire.Number, typ protowire.Type, value []byte) []byte {
	out := protowire.AppendTag(nil, num, typ)
	return append(out, value...)
}

func encodeRepeatedScalar(field *descriptor.FieldDescriptor, node *valuetree.Node) ([]byte, error) {
	values := node.Values()
	if len(values) == 0 {
		return nil, nil
	}
	if field.IsPacked() {
		var packed []byte
		for _, v := range values {
			b, err := encodePackedElement(field, v)
			if err != nil {
				return nil, err
			}
			packed = append(packed, b...)
		}
		return joinTagValue(protowire.Number(field.Number), protowire.BytesType, protowire.AppendBytes(nil, packed)), nil
	}

	var out []byte
	for _, v := range values {
		b, err := encodeOneScalar(field, v)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func encodePackedElement(field *descriptor.FieldDescriptor, v *valuetree.Value) ([]byte, error) {
	switch field.Kind {
	case descriptor.KindEnum:
		return appendVarintEnum(v.EnumNumber), nil
	case descriptor.KindBool:
		b, _ := v.Scalar.(bool)
		return protowire.AppendVarint(nil, protowire.EncodeBool(b)), nil
	case descriptor.KindSint32:
		n, _ := v.Scalar.(int32)
		return protowire.AppendVarint(nil, protowire.EncodeZigZag(int64(n))), nil
	case descriptor.KindSint64:
		n, _ := v.Scalar.(int64)
		return protowire.AppendVarint(nil, protowire.EncodeZigZag(n)), nil
	case descriptor.KindUint32:
		n, _ := v.Scalar.(uint32)
		return protowire.AppendVarint(nil, uint64(n)), nil
	case descriptor.KindUint64:
		n, _ := v.Scalar.(uint64)
		return protowire.AppendVarint(nil, n), nil
	case descriptor.KindInt64:
		n, _ := v.Scalar.(int64)
		return protowire.AppendVarint(nil, uint64(n)), nil
	case descriptor.KindInt32:
		n, _ := v.Scalar.(int32)
		return protowire.AppendVarint(nil, uint64(int64(n))), nil
	case descriptor.KindFixed32:
		n, _ := v.Scalar.(uint32)
		return protowire.AppendFixed32(nil, n), nil
	case descriptor.KindSfixed32:
		n, _ := v.Scalar.(int32)
		return protowire.AppendFixed32(nil, uint32(n)), nil
	case descriptor.KindFloat:
		n, _ := v.Scalar.(float32)
		return protowire.AppendFixed32(nil, math.Float32bits(n)), nil
	case descriptor.KindFixed64:
		n, _ := v.Scalar.(uint64)
		return protowire.AppendFixed64(nil, n), nil
	case descriptor.KindSfixed64:
		n, _ := v.Scalar.(int64)
		return protowire.AppendFixed64(nil, uint64(n)), nil
	case descriptor.KindDouble:
		n, _ := v.Scalar.(float64)
		return protowire.AppendFixed64(nil, math.Float64bits(n)), nil
	default:
		return nil, plugerrors.NewWireDecodeError(field.Name, nil)
	}
}

func encodeSubmessageField(field *descriptor.FieldDescriptor, node *valuetree.Node, nestedExp *Expectations) ([]byte, error) {
	var out []byte
	for _, v := range node.Values() {
		b, err := Encode(v.Submessage, nestedExp)
		if err != nil {
			return nil, err
		}
		out = append(out, joinTagValue(protowire.Number(field.Number), protowire.BytesType, protowire.AppendBytes(nil, b))...)
	}
	return out, nil
}

func encodeMap(field *descriptor.FieldDescriptor, v *valuetree.Value, nestedExp *Expectations) ([]byte, error) {
	entryMsg := field.MessageType
	var out []byte
	for _, entry := range v.MapEntries {
		entryTree := valuetree.New(entryMsg)
		entryTree.Set(1, valuetree.ScalarValue(entry.Key))
		entryTree.Set(2, entry.Value)
		b, err := Encode(entryTree, nil) // map entries are always fully expressed
		if err != nil {
			return nil, err
		}
		out = append(out, joinTagValue(protowire.Number(field.Number), protowire.BytesType, protowire.AppendBytes(nil, b))...)
	}
	return out, nil
}
