package wire

import (
	"testing"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/testfixtures"
	"github.com/pactflow/pact-protobuf-plugin/pkg/valuetree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/descriptorpb"
)

func loadMessage(t *testing.T, set *descriptorpb.FileDescriptorSet, name string) *descriptor.MessageDescriptor {
	t.Helper()
	ds, err := descriptor.Load(set)
	require.NoError(t, err)
	m, ok := ds.MessageByName(name)
	require.True(t, ok)
	return m
}

func TestDecodeEncode_RoundTrip_SimpleMessage(t *testing.T) {
	person := loadMessage(t, testfixtures.PersonFile(), "Person")

	tree := valuetree.New(person)
	tree.Set(1, valuetree.ScalarValue("Fred"))
	tree.Set(2, valuetree.ScalarValue(int32(1000001)))

	exp := NewExpectations()
	exp.MarkPresent(1)
	exp.MarkPresent(2)

	encoded, err := Encode(tree, exp)
	require.NoError(t, err)

	result, err := Decode(encoded, person)
	require.NoError(t, err)
	assert.Empty(t, result.Unknown)
	assert.Equal(t, "Fred", result.Tree.Get(1).Value.Scalar)
	assert.Equal(t, int32(1000001), result.Tree.Get(2).Value.Scalar)
}

func TestEncode_OmitsUnexpressedDefault(t *testing.T) {
	person := loadMessage(t, testfixtures.PersonFile(), "Person")

	tree := valuetree.New(person)
	tree.Set(1, valuetree.ScalarValue(""))     // default, not expressed
	tree.Set(2, valuetree.ScalarValue(int32(5))) // non-default

	exp := NewExpectations()
	exp.MarkPresent(2)

	encoded, err := Encode(tree, exp)
	require.NoError(t, err)

	result, err := Decode(encoded, person)
	require.NoError(t, err)
	assert.False(t, result.Tree.Has(1), "default unexpressed field must be omitted")
	assert.True(t, result.Tree.Has(2))
}

func TestEncode_EmitsExpressedDefault(t *testing.T) {
	person := loadMessage(t, testfixtures.PersonFile(), "Person")

	tree := valuetree.New(person)
	tree.Set(1, valuetree.ScalarValue("")) // default, but explicitly expressed

	exp := NewExpectations()
	exp.MarkPresent(1)

	encoded, err := Encode(tree, exp)
	require.NoError(t, err)

	result, err := Decode(encoded, person)
	require.NoError(t, err)
	assert.True(t, result.Tree.Has(1), "explicitly expressed default field must be emitted")
}

func repeatedEnumMessage(t *testing.T) *descriptor.MessageDescriptor {
	enumVals := map[string]int32{"SOME_ENUM_VALUE_0": 0, "SOME_ENUM_VALUE_1": 1, "SOME_ENUM_VALUE_2": 2}
	holder := testfixtures.Message("Holder",
		testfixtures.Field("some_enum", 4, descriptorpb.FieldDescriptorProto_TYPE_ENUM, true, "SomeEnum"),
	)
	holder = testfixtures.NestEnum(holder, testfixtures.Enum("SomeEnum", enumVals))
	set := testfixtures.Set(testfixtures.File("holder.proto", "", []*descriptorpb.DescriptorProto{holder}, nil, nil))
	return loadMessage(t, set, "Holder")
}

func TestDecode_PackedAndUnpackedRepeatedEnum_BothAccepted(t *testing.T) {
	holder := repeatedEnumMessage(t)
	field := holder.FieldByNumber(4)
	require.True(t, field.IsPacked())

	// Packed: one length-delimited tag-4 payload containing both varints.
	packed := protowire.AppendTag(nil, 4, protowire.BytesType)
	packed = protowire.AppendBytes(packed, append(protowire.AppendVarint(nil, 1), protowire.AppendVarint(nil, 2)...))

	res, err := Decode(packed, holder)
	require.NoError(t, err)
	node := res.Tree.Get(4)
	require.NotNil(t, node)
	assert.Equal(t, 2, node.Len())
	assert.Equal(t, int32(1), node.Value.EnumNumber)
	assert.Equal(t, int32(2), node.Value.Additional[0].EnumNumber)

	// Unpacked: two separate tag-4 varints.
	unpacked := protowire.AppendTag(nil, 4, protowire.VarintType)
	unpacked = protowire.AppendVarint(unpacked, 1)
	unpacked = append(unpacked, protowire.AppendTag(nil, 4, protowire.VarintType)...)
	unpacked = protowire.AppendVarint(unpacked, 2)

	res2, err := Decode(unpacked, holder)
	require.NoError(t, err)
	node2 := res2.Tree.Get(4)
	require.NotNil(t, node2)
	assert.Equal(t, 2, node2.Len())
}

func TestEncode_RepeatedScalarsArePacked(t *testing.T) {
	holder := repeatedEnumMessage(t)
	tree := valuetree.New(holder)
	tree.Set(4, valuetree.EnumValue(1, "SOME_ENUM_VALUE_1"))
	tree.Get(4).Value.Additional = append(tree.Get(4).Value.Additional, valuetree.EnumValue(2, "SOME_ENUM_VALUE_2"))

	exp := NewExpectations()
	exp.MarkPresent(4)
	encoded, err := Encode(tree, exp)
	require.NoError(t, err)

	num, typ, n := protowire.ConsumeTag(encoded)
	require.Equal(t, protowire.Number(4), num)
	require.Equal(t, protowire.BytesType, typ)
	require.Positive(t, n)
}

func TestDecode_InvalidUTF8StringFails(t *testing.T) {
	person := loadMessage(t, testfixtures.PersonFile(), "Person")
	invalid := []byte{0xff, 0xfe}
	encoded := protowire.AppendTag(nil, 1, protowire.BytesType)
	encoded = protowire.AppendBytes(encoded, invalid)

	_, err := Decode(encoded, person)
	require.Error(t, err)
}

func TestDecode_UnknownFieldPreservedAsRawBytes(t *testing.T) {
	person := loadMessage(t, testfixtures.PersonFile(), "Person")
	encoded := protowire.AppendTag(nil, 99, protowire.VarintType)
	encoded = protowire.AppendVarint(encoded, 7)

	res, err := Decode(encoded, person)
	require.NoError(t, err)
	require.Len(t, res.Unknown, 1)
	assert.Equal(t, int32(99), res.Unknown[0].Number)

	roundTripped, err := EncodeWithUnknown(res.Tree, nil, res.Unknown)
	require.NoError(t, err)
	assert.Equal(t, encoded, roundTripped)
}

func TestDecode_WireKindMismatchDemotesToUnknown(t *testing.T) {
	person := loadMessage(t, testfixtures.PersonFile(), "Person")
	// Field 1 is declared `string` (BytesType); send it as a varint instead.
	encoded := protowire.AppendTag(nil, 1, protowire.VarintType)
	encoded = protowire.AppendVarint(encoded, 42)

	res, err := Decode(encoded, person)
	require.NoError(t, err)
	assert.False(t, res.Tree.Has(1))
	require.Len(t, res.Unknown, 1)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, int32(1), res.Warnings[0].FieldNumber)
}

func TestDecode_SubmessageRoundTrip(t *testing.T) {
	ds := testfixtures.RectangleFiles()
	rect := loadMessage(t, ds, "primary.Rectangle")
	point, ok := mustDescriptorSet(t, ds).MessageByName("imported.Point")
	require.True(t, ok)

	loTree := valuetree.New(point)
	loTree.Set(1, valuetree.ScalarValue(1.0))
	loTree.Set(2, valuetree.ScalarValue(2.0))

	tree := valuetree.New(rect)
	tree.Set(1, valuetree.SubmessageValue(loTree))

	exp := NewExpectations()
	exp.MarkPresent(1)
	nested := exp.Nested(1)
	nested.MarkPresent(1)
	nested.MarkPresent(2)

	encoded, err := Encode(tree, exp)
	require.NoError(t, err)

	res, err := Decode(encoded, rect)
	require.NoError(t, err)
	loNode := res.Tree.Get(1)
	require.NotNil(t, loNode)
	require.NotNil(t, loNode.Value.Submessage)
	assert.Equal(t, 1.0, loNode.Value.Submessage.Get(1).Value.Scalar)
}

func mustDescriptorSet(t *testing.T, set *descriptorpb.FileDescriptorSet) *descriptor.Set {
	t.Helper()
	ds, err := descriptor.Load(set)
	require.NoError(t, err)
	return ds
}
