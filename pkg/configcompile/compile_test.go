package configcompile

import (
	"testing"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/generate"
	"github.com/pactflow/pact-protobuf-plugin/pkg/matching"
	"github.com/pactflow/pact-protobuf-plugin/pkg/testfixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

// personMessage builds the `Person { string name = 1; int32 id = 2; }`
// fixture used by the regex/notEmpty scenario.
func personMessage(t *testing.T) *descriptor.MessageDescriptor {
	return loadMessage(t, testfixtures.PersonFile(), "Person")
}

// widgetMessage builds a single message exercising every field shape the
// compiler handles: a submessage, a repeated scalar, a repeated enum, a
// map, a well-known scalar wrapper, and an enum field.
func widgetMessage(t *testing.T) *descriptor.MessageDescriptor {
	statusVals := map[string]int32{"ACTIVE": 0, "INACTIVE": 1}

	address := testfixtures.Message("Address",
		testfixtures.Field("city", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false, ""),
		testfixtures.Field("zip", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING, false, ""),
	)

	labelsEntry := testfixtures.MapEntry("LabelsEntry",
		descriptorpb.FieldDescriptorProto_TYPE_STRING,
		descriptorpb.FieldDescriptorProto_TYPE_STRING, "")

	widget := testfixtures.Message("Widget",
		testfixtures.Field("name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false, ""),
		testfixtures.Field("id", 2, descriptorpb.FieldDescriptorProto_TYPE_INT32, false, ""),
		testfixtures.Field("status", 3, descriptorpb.FieldDescriptorProto_TYPE_ENUM, false, "Status"),
		testfixtures.Field("address", 4, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, false, "Address"),
		testfixtures.Field("tags", 5, descriptorpb.FieldDescriptorProto_TYPE_STRING, true, ""),
		testfixtures.Field("labels", 6, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, true, "LabelsEntry"),
		testfixtures.Field("nickname", 7, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, false, "google.protobuf.StringValue"),
		testfixtures.Field("codes", 8, descriptorpb.FieldDescriptorProto_TYPE_ENUM, true, "Status"),
	)
	widget = testfixtures.NestMessage(widget, address, labelsEntry)
	widget = testfixtures.NestEnum(widget, testfixtures.Enum("Status", statusVals))

	stringValue := testfixtures.Message("StringValue",
		testfixtures.Field("value", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false, ""),
	)
	wrappersFile := testfixtures.File("google/protobuf/wrappers.proto", "google.protobuf",
		[]*descriptorpb.DescriptorProto{stringValue}, nil, nil)

	widgetFile := testfixtures.File("widget.proto", "", []*descriptorpb.DescriptorProto{widget}, nil, nil,
		"google/protobuf/wrappers.proto")

	return loadMessage(t, testfixtures.Set(wrappersFile, widgetFile), "Widget")
}

func TestCompile_LiteralValues(t *testing.T) {
	person := personMessage(t)
	result, err := Compile(map[string]any{"name": "Fred", "id": int32(100001)}, person)
	require.NoError(t, err)

	assert.Equal(t, "Fred", result.Tree.Get(1).Value.Scalar)
	assert.Equal(t, int32(100001), result.Tree.Get(2).Value.Scalar)
	assert.Empty(t, result.Matching.Entries())
}

func TestCompile_MatchingExpressions_RegexAndNotEmpty(t *testing.T) {
	person := personMessage(t)
	result, err := Compile(map[string]any{
		"name": "notEmpty('Fred')",
		"id":   `matching(regex, '100\d+', '1000001')`,
	}, person)
	require.NoError(t, err)

	assert.Equal(t, "Fred", result.Tree.Get(1).Value.Scalar)
	assert.Equal(t, int32(1000001), result.Tree.Get(2).Value.Scalar)

	nameEntry, ok := result.Matching.Lookup(matching.Path{}.Field(1))
	require.True(t, ok)
	require.Len(t, nameEntry.Rules, 1)
	assert.Equal(t, matching.RuleNotEmpty, nameEntry.Rules[0].Kind)

	idEntry, ok := result.Matching.Lookup(matching.Path{}.Field(2))
	require.True(t, ok)
	require.Len(t, idEntry.Rules, 1)
	assert.Equal(t, matching.RuleRegex, idEntry.Rules[0].Kind)
	assert.Equal(t, `100\d+`, idEntry.Rules[0].Pattern)
}

func TestCompile_NestedSubmessage(t *testing.T) {
	widget := widgetMessage(t)
	result, err := Compile(map[string]any{
		"name":    "Drill",
		"address": map[string]any{"city": "Springfield", "zip": "notEmpty('00000')"},
	}, widget)
	require.NoError(t, err)

	addrNode := result.Tree.Get(4)
	require.NotNil(t, addrNode)
	require.NotNil(t, addrNode.Value.Submessage)
	assert.Equal(t, "Springfield", addrNode.Value.Submessage.Get(1).Value.Scalar)
	assert.Equal(t, "00000", addrNode.Value.Submessage.Get(2).Value.Scalar)

	_, ok := result.Matching.Lookup(matching.Path{}.Field(4).Field(2))
	assert.True(t, ok, "rule on a nested field must be rooted under the parent field path")
}

func TestCompile_DottedKeyExpandsToNestedSubmessage(t *testing.T) {
	widget := widgetMessage(t)
	result, err := Compile(map[string]any{
		"name":         "Drill",
		"address.city": "Springfield",
		"address.zip":  "00000",
	}, widget)
	require.NoError(t, err)

	addrNode := result.Tree.Get(4)
	require.NotNil(t, addrNode)
	require.NotNil(t, addrNode.Value.Submessage)
	assert.Equal(t, "Springfield", addrNode.Value.Submessage.Get(1).Value.Scalar)
	assert.Equal(t, "00000", addrNode.Value.Submessage.Get(2).Value.Scalar)
}

func TestCompile_WellKnownWrapper_BareScalar(t *testing.T) {
	widget := widgetMessage(t)
	result, err := Compile(map[string]any{
		"name":     "Drill",
		"nickname": "Spinny",
	}, widget)
	require.NoError(t, err)

	node := result.Tree.Get(7)
	require.NotNil(t, node)
	require.NotNil(t, node.Value.Submessage)
	assert.Equal(t, "Spinny", node.Value.Submessage.Get(1).Value.Scalar)
}

func TestCompile_WellKnownWrapper_NestedMap(t *testing.T) {
	widget := widgetMessage(t)
	result, err := Compile(map[string]any{
		"name":     "Drill",
		"nickname": map[string]any{"value": "Spinny"},
	}, widget)
	require.NoError(t, err)

	node := result.Tree.Get(7)
	require.NotNil(t, node)
	require.NotNil(t, node.Value.Submessage)
	assert.Equal(t, "Spinny", node.Value.Submessage.Get(1).Value.Scalar)
}

func TestCompile_EnumField_SymbolicAndInteger(t *testing.T) {
	widget := widgetMessage(t)

	bySymbol, err := Compile(map[string]any{"name": "Drill", "status": "INACTIVE"}, widget)
	require.NoError(t, err)
	assert.Equal(t, int32(1), bySymbol.Tree.Get(3).Value.EnumNumber)
	assert.Equal(t, "INACTIVE", bySymbol.Tree.Get(3).Value.EnumName)

	byNumber, err := Compile(map[string]any{"name": "Drill", "status": int32(0)}, widget)
	require.NoError(t, err)
	assert.Equal(t, int32(0), byNumber.Tree.Get(3).Value.EnumNumber)
	assert.Equal(t, "ACTIVE", byNumber.Tree.Get(3).Value.EnumName)
}

func TestCompile_RepeatedScalar_OrderedList(t *testing.T) {
	widget := widgetMessage(t)
	result, err := Compile(map[string]any{
		"name": "Drill",
		"tags": []any{"a", "b", "c"},
	}, widget)
	require.NoError(t, err)

	node := result.Tree.Get(5)
	require.NotNil(t, node)
	values := node.Values()
	require.Len(t, values, 3)
	assert.Equal(t, "a", values[0].Scalar)
	assert.Equal(t, "b", values[1].Scalar)
	assert.Equal(t, "c", values[2].Scalar)
}

func TestCompile_RepeatedEnum_SingleExpressionForAllElements(t *testing.T) {
	widget := widgetMessage(t)
	result, err := Compile(map[string]any{
		"name":  "Drill",
		"codes": `matching(equalTo, 'ACTIVE')`,
	}, widget)
	require.NoError(t, err)

	entry, ok := result.Matching.Lookup(matching.Path{}.EachElement(8))
	require.True(t, ok)
	require.Len(t, entry.Rules, 1)
	assert.Equal(t, matching.RuleEqualTo, entry.Rules[0].Kind)

	node := result.Tree.Get(8)
	require.NotNil(t, node)
	assert.Equal(t, "ACTIVE", node.Value.EnumName)
}

func TestCompile_RepeatedEnum_EachValueWrapsEquivalently(t *testing.T) {
	widget := widgetMessage(t)
	result, err := Compile(map[string]any{
		"name":  "Drill",
		"codes": `eachValue(matching(equalTo, 'ACTIVE'))`,
	}, widget)
	require.NoError(t, err)

	entry, ok := result.Matching.Lookup(matching.Path{}.EachElement(8))
	require.True(t, ok)
	require.Len(t, entry.Rules, 1)
	assert.Equal(t, matching.RuleEqualTo, entry.Rules[0].Kind,
		"eachValue(...) must unwrap to the same rule shape as the bare expression form")
}

func TestCompile_RepeatedScalar_PerElementExpressions(t *testing.T) {
	widget := widgetMessage(t)
	result, err := Compile(map[string]any{
		"name": "Drill",
		"tags": []any{"notEmpty('first')", "second"},
	}, widget)
	require.NoError(t, err)

	node := result.Tree.Get(5)
	require.NotNil(t, node)
	values := node.Values()
	require.Len(t, values, 2)
	assert.Equal(t, "first", values[0].Scalar)
	assert.Equal(t, "second", values[1].Scalar)

	entry, ok := result.Matching.Lookup(matching.Path{}.Indexed(5, 0))
	require.True(t, ok)
	assert.Equal(t, matching.RuleNotEmpty, entry.Rules[0].Kind)

	_, noRule := result.Matching.Lookup(matching.Path{}.Indexed(5, 1))
	assert.False(t, noRule, "a plain literal element installs no matching rule")
}

func TestCompile_MapField(t *testing.T) {
	widget := widgetMessage(t)
	result, err := Compile(map[string]any{
		"name":   "Drill",
		"labels": map[string]any{"env": "prod", "tier": "notEmpty('gold')"},
	}, widget)
	require.NoError(t, err)

	node := result.Tree.Get(6)
	require.NotNil(t, node)
	require.Len(t, node.Value.MapEntries, 2)

	byKey := map[string]string{}
	for _, e := range node.Value.MapEntries {
		byKey[e.Key.(string)] = e.Value.Scalar.(string)
	}
	assert.Equal(t, "prod", byKey["env"])
	assert.Equal(t, "gold", byKey["tier"])

	entry, ok := result.Matching.Lookup(matching.Path{}.Keyed(6, "tier"))
	require.True(t, ok)
	assert.Equal(t, matching.RuleNotEmpty, entry.Rules[0].Kind)
}

func TestCompile_FromProviderState(t *testing.T) {
	person := personMessage(t)
	result, err := Compile(map[string]any{
		"name": "Fred",
		"id":   `fromProviderState('userId', 42)`,
	}, person)
	require.NoError(t, err)

	assert.Equal(t, int32(42), result.Tree.Get(2).Value.Scalar)

	gen, ok := result.Generators.Lookup(matching.Path{}.Field(2))
	require.True(t, ok)
	assert.Equal(t, generate.KindProviderState, gen.Kind)
	assert.Equal(t, "userId", gen.Expression)
	assert.EqualValues(t, 42, gen.Default)

	_, matched := result.Matching.Lookup(matching.Path{}.Field(2))
	assert.False(t, matched, "fromProviderState installs a generator, not a matching rule")
}

func TestCompile_ReferenceForm_NoCanonicalExample(t *testing.T) {
	person := personMessage(t)
	result, err := Compile(map[string]any{
		"name": "Fred",
		"id":   `matching($'$.body.id')`,
	}, person)
	require.NoError(t, err)

	assert.False(t, result.Tree.Has(2), "a reference rule with no example contributes no canonical value")

	entry, ok := result.Matching.Lookup(matching.Path{}.Field(2))
	require.True(t, ok)
	require.Len(t, entry.Rules, 1)
	assert.Equal(t, matching.RuleReference, entry.Rules[0].Kind)
	assert.Equal(t, "$.body.id", entry.Rules[0].Reference)
}

func TestCompile_UnknownFieldNameErrors(t *testing.T) {
	person := personMessage(t)
	_, err := Compile(map[string]any{"nope": "x"}, person)
	assert.Error(t, err)
}
