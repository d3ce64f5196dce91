// Package valuetree implements ValueTree, the language-neutral, dynamically
// typed representation of a decoded or compiled Protobuf message: an
// ordered map from field number to one or more typed values, each carrying
// a reference to the field's descriptor so comparator logic never needs to
// re-walk the descriptor set.
package valuetree

import (
	"sort"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
)

// Kind tags which variant a Value holds.
type Kind int

const (
	KindScalar Kind = iota
	KindEnum
	KindSubmessage
	KindMap
)

// MapEntry is one key/value pair observed in a map field, in wire order.
type MapEntry struct {
	Key   any
	Value *Value
}

// Value is a tagged variant: exactly one group of its fields is meaningful,
// selected by Kind. Additional carries every value beyond the first for a
// repeated (non-map) field, preserving wire order.
type Value struct {
	Kind Kind

	Scalar any // bool, string, []byte, int32, int64, uint32, uint64, float32, float64

	EnumNumber int32
	EnumName   string // "" if unresolved

	Submessage *Tree

	MapEntries []MapEntry

	Additional []*Value
}

// Node is one field entry in a ValueTree: the field's descriptor plus its
// primary value. For repeated scalar/enum/message fields every value beyond
// the first is held in Value.Additional, in wire order.
type Node struct {
	Field *descriptor.FieldDescriptor
	Value *Value
}

// Tree is an ordered map from field number to Node, with a reference to the
// message descriptor it was built against.
type Tree struct {
	Message  *descriptor.MessageDescriptor
	byNumber map[int32]*Node
	order    []int32 // insertion order, used for deterministic re-encoding
}

// New creates an empty Tree for the given message descriptor.
func New(msg *descriptor.MessageDescriptor) *Tree {
	return &Tree{Message: msg, byNumber: make(map[int32]*Node)}
}

// Set installs or replaces the Node for a field number.
func (t *Tree) Set(fieldNumber int32, v *Value) {
	field := t.Message.FieldByNumber(fieldNumber)
	if _, exists := t.byNumber[fieldNumber]; !exists {
		t.order = append(t.order, fieldNumber)
	}
	t.byNumber[fieldNumber] = &Node{Field: field, Value: v}
}

// Get returns the Node for a field number, or nil if absent.
func (t *Tree) Get(fieldNumber int32) *Node {
	return t.byNumber[fieldNumber]
}

// Has reports whether a field number is present in the tree.
func (t *Tree) Has(fieldNumber int32) bool {
	_, ok := t.byNumber[fieldNumber]
	return ok
}

// Delete removes a field number from the tree.
func (t *Tree) Delete(fieldNumber int32) {
	if _, ok := t.byNumber[fieldNumber]; !ok {
		return
	}
	delete(t.byNumber, fieldNumber)
	for i, n := range t.order {
		if n == fieldNumber {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// FieldNumbers returns the present field numbers in insertion (wire) order.
func (t *Tree) FieldNumbers() []int32 {
	out := make([]int32, len(t.order))
	copy(out, t.order)
	return out
}

// SortedFieldNumbers returns the present field numbers in ascending order,
// used by the encoder's canonical-output path.
func (t *Tree) SortedFieldNumbers() []int32 {
	out := t.FieldNumbers()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone deep-copies the tree, used by the GeneratorCatalogue application
// path so generators never mutate a stored interaction's canonical example.
func (t *Tree) Clone() *Tree {
	out := New(t.Message)
	for _, fn := range t.order {
		n := t.byNumber[fn]
		out.Set(fn, cloneValue(n.Value))
	}
	return out
}

func cloneValue(v *Value) *Value {
	if v == nil {
		return nil
	}
	cp := &Value{
		Kind:       v.Kind,
		Scalar:     v.Scalar,
		EnumNumber: v.EnumNumber,
		EnumName:   v.EnumName,
	}
	if v.Submessage != nil {
		cp.Submessage = v.Submessage.Clone()
	}
	for _, e := range v.MapEntries {
		cp.MapEntries = append(cp.MapEntries, MapEntry{Key: e.Key, Value: cloneValue(e.Value)})
	}
	for _, a := range v.Additional {
		cp.Additional = append(cp.Additional, cloneValue(a))
	}
	return cp
}

// Values returns the primary value followed by every additional value for
// a repeated field, i.e. every element in wire order. For a non-repeated
// field it returns a single-element slice.
func (n *Node) Values() []*Value {
	if n == nil || n.Value == nil {
		return nil
	}
	out := make([]*Value, 0, 1+len(n.Value.Additional))
	out = append(out, n.Value)
	out = append(out, n.Value.Additional...)
	return out
}

// Len reports how many elements a node carries (1 for a non-repeated field).
func (n *Node) Len() int {
	if n == nil || n.Value == nil {
		return 0
	}
	return 1 + len(n.Value.Additional)
}

// ScalarValue builds a KindScalar Value.
func ScalarValue(v any) *Value { return &Value{Kind: KindScalar, Scalar: v} }

// EnumValue builds a KindEnum Value.
func EnumValue(number int32, name string) *Value {
	return &Value{Kind: KindEnum, EnumNumber: number, EnumName: name}
}

// SubmessageValue builds a KindSubmessage Value.
func SubmessageValue(t *Tree) *Value { return &Value{Kind: KindSubmessage, Submessage: t} }

// MapValue builds a KindMap Value from ordered entries.
func MapValue(entries []MapEntry) *Value { return &Value{Kind: KindMap, MapEntries: entries} }

// MapAsOf returns the effective value per key: the last write wins, while
// the full ordered history remains available on the Value itself for
// each-key/each-value comparator semantics that need every observed entry.
func MapAsOf(v *Value) map[any]*Value {
	out := make(map[any]*Value, len(v.MapEntries))
	for _, e := range v.MapEntries {
		out[e.Key] = e.Value
	}
	return out
}
