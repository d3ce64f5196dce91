package valuetree

import (
	"testing"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/testfixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personDescriptor(t *testing.T) *descriptor.MessageDescriptor {
	set, err := descriptor.Load(testfixtures.PersonFile())
	require.NoError(t, err)
	msg, ok := set.MessageByName("Person")
	require.True(t, ok)
	return msg
}

func TestTree_SetGetOrder(t *testing.T) {
	person := personDescriptor(t)
	tree := New(person)

	tree.Set(2, ScalarValue(int32(42)))
	tree.Set(1, ScalarValue("Fred"))

	assert.Equal(t, []int32{2, 1}, tree.FieldNumbers())
	assert.Equal(t, []int32{1, 2}, tree.SortedFieldNumbers())

	node := tree.Get(1)
	require.NotNil(t, node)
	assert.Equal(t, "name", node.Field.Name)
	assert.Equal(t, "Fred", node.Value.Scalar)
}

func TestTree_DeleteRemovesFromOrder(t *testing.T) {
	person := personDescriptor(t)
	tree := New(person)
	tree.Set(1, ScalarValue("Fred"))
	tree.Set(2, ScalarValue(int32(1)))

	tree.Delete(1)

	assert.False(t, tree.Has(1))
	assert.Equal(t, []int32{2}, tree.FieldNumbers())
}

func TestTree_CloneIsDeep(t *testing.T) {
	person := personDescriptor(t)
	tree := New(person)
	tree.Set(1, ScalarValue("Fred"))

	clone := tree.Clone()
	clone.Get(1).Value.Scalar = "Bob"

	assert.Equal(t, "Fred", tree.Get(1).Value.Scalar)
	assert.Equal(t, "Bob", clone.Get(1).Value.Scalar)
}

func TestNode_ValuesIncludesAdditional(t *testing.T) {
	v := ScalarValue(int32(1))
	v.Additional = append(v.Additional, ScalarValue(int32(2)), ScalarValue(int32(3)))
	node := &Node{Value: v}

	values := node.Values()
	require.Len(t, values, 3)
	assert.Equal(t, int32(1), values[0].Scalar)
	assert.Equal(t, int32(3), values[2].Scalar)
	assert.Equal(t, 3, node.Len())
}

func TestMapValue_LastWriteWinsButHistoryPreserved(t *testing.T) {
	v := MapValue([]MapEntry{
		{Key: "a", Value: ScalarValue("first")},
		{Key: "a", Value: ScalarValue("second")},
		{Key: "b", Value: ScalarValue("only")},
	})

	flat := MapAsOf(v)
	assert.Equal(t, "second", flat["a"].Scalar)
	assert.Equal(t, "only", flat["b"].Scalar)
	assert.Len(t, v.MapEntries, 3)
}
