// Package compare implements the Comparator: a structural diff of two
// ValueTrees -- an expected tree compiled by the ConfigCompiler and an
// actual tree decoded off the wire -- under a MatchingCatalogue and the
// expectations blob that records which fields the consumer explicitly
// set.
package compare

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/matching"
	"github.com/pactflow/pact-protobuf-plugin/pkg/valuetree"
	"github.com/pactflow/pact-protobuf-plugin/pkg/wire"
)

// Mismatch is one comparator finding, per spec.md §4.5's report shape.
type Mismatch struct {
	Path     string
	Kind     string // TypeMismatch, ValueMismatch, LengthMismatch, MissingField, UnexpectedField, RegexMismatch, EnumMismatch, WireKindMismatch
	Expected string
	Actual   string
}

// Result collects every Mismatch found during one comparison.
type Result struct {
	Mismatches []Mismatch
}

// OK reports whether the comparison found no mismatches.
func (r *Result) OK() bool { return len(r.Mismatches) == 0 }

func (r *Result) add(path matching.Path, kind, expected, actual string) {
	r.Mismatches = append(r.Mismatches, Mismatch{Path: path.String(), Kind: kind, Expected: expected, Actual: actual})
}

type comparer struct {
	cat        *matching.Catalogue
	actualRoot *valuetree.Tree
	result     *Result
}

// Compare diffs actual against expected under cat, using exp to decide
// whether an absent field may be treated permissively.
func Compare(expected, actual *valuetree.Tree, cat *matching.Catalogue, exp *wire.Expectations) *Result {
	c := &comparer{cat: cat, actualRoot: actual, result: &Result{}}
	c.compareMessage(expected, actual, matching.Path{}, exp)
	return c.result
}

func (c *comparer) compareMessage(expected, actual *valuetree.Tree, path matching.Path, exp *wire.Expectations) {
	msg := descriptorOf(expected, actual)
	if msg == nil {
		return
	}

	seen := make(map[int32]bool)
	var numbers []int32
	if expected != nil {
		numbers = append(numbers, expected.FieldNumbers()...)
	}
	if actual != nil {
		numbers = append(numbers, actual.FieldNumbers()...)
	}
	var ordered []int32
	for _, n := range numbers {
		if seen[n] {
			continue
		}
		seen[n] = true
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, number := range ordered {
		field := msg.FieldByNumber(number)
		if field == nil {
			continue
		}
		var eNode, aNode *valuetree.Node
		if expected != nil {
			eNode = expected.Get(number)
		}
		if actual != nil {
			aNode = actual.Get(number)
		}
		c.compareField(field, eNode, aNode, path, exp)
	}
}

func descriptorOf(expected, actual *valuetree.Tree) *descriptor.MessageDescriptor {
	if expected != nil && expected.Message != nil {
		return expected.Message
	}
	if actual != nil {
		return actual.Message
	}
	return nil
}

// compareField dispatches on field shape. path is the path to the
// message scope field is declared in, not yet carrying field's own
// segment -- compareRepeated appends it via EachElement/Indexed/Keyed
// as it builds per-element paths, while the plain-field branch below
// appends it once as fieldPath.
func (c *comparer) compareField(field *descriptor.FieldDescriptor, eNode, aNode *valuetree.Node, path matching.Path, exp *wire.Expectations) {
	if field.IsRepeated() {
		c.compareRepeated(field, eNode, aNode, path, exp)
		return
	}

	fieldPath := path.Field(field.Number)

	if entry, ok := c.cat.Lookup(fieldPath); ok {
		c.applyEntry(entry, field, valueOf(eNode), valueOf(aNode), fieldPath, exp)
		return
	}

	switch {
	case eNode != nil && aNode != nil:
		c.compareValues(field, eNode.Value, aNode.Value, fieldPath, exp)
	case eNode == nil && aNode != nil:
		if !exp.IsExpressed(field.Number) {
			return // permissive: consumer was silent, provider's extra field is fine
		}
		c.result.add(fieldPath, "UnexpectedField", "<absent>", describeValue(field, aNode.Value))
	case eNode != nil && aNode == nil:
		if isZeroValue(eNode.Value) && !exp.IsExpressed(field.Number) {
			return // default-value rule: unexpressed defaults are never required on the wire
		}
		c.result.add(fieldPath, "MissingField", describeValue(field, eNode.Value), "<absent>")
	}
}

func valueOf(n *valuetree.Node) *valuetree.Value {
	if n == nil {
		return nil
	}
	return n.Value
}

// applyEntry evaluates every rule declared at path (combined under the
// entry's Logic) and, if they pass and the field is a submessage,
// recurses into its substructure.
func (c *comparer) applyEntry(entry *matching.Entry, field *descriptor.FieldDescriptor, eVal, aVal *valuetree.Value, path matching.Path, exp *wire.Expectations) {
	outcomes := make([]matching.Outcome, 0, len(entry.Rules))
	for _, rule := range entry.Rules {
		outcomes = append(outcomes, c.applyOneRule(rule, field, eVal, aVal, path))
	}

	if !combine(entry.Logic, outcomes) {
		for _, o := range outcomes {
			if !o.Pass {
				c.result.add(path, o.Kind, describeValue(field, eVal), o.Description)
				return
			}
		}
		return
	}

	if aVal != nil && aVal.Kind == valuetree.KindSubmessage {
		var eTree *valuetree.Tree
		if eVal != nil {
			eTree = eVal.Submessage
		}
		c.compareMessage(eTree, aVal.Submessage, path, exp.NestedReadOnly(field.Number))
	}
}

func combine(logic matching.Logic, outcomes []matching.Outcome) bool {
	if len(outcomes) == 0 {
		return true
	}
	if logic == matching.LogicOr {
		for _, o := range outcomes {
			if o.Pass {
				return true
			}
		}
		return false
	}
	for _, o := range outcomes {
		if !o.Pass {
			return false
		}
	}
	return true
}

// applyOneRule dispatches the rule kinds the comparator resolves itself
// (reference, against the live actual tree) to matching.Evaluate for
// everything else.
func (c *comparer) applyOneRule(rule matching.Rule, field *descriptor.FieldDescriptor, eVal, aVal *valuetree.Value, path matching.Path) matching.Outcome {
	if rule.Kind == matching.RuleReference {
		return c.evaluateReference(rule, aVal)
	}
	return matching.Evaluate(rule, nativeOf(eVal), nativeOf(aVal))
}

func (c *comparer) evaluateReference(rule matching.Rule, aVal *valuetree.Value) matching.Outcome {
	ref, err := matching.ParsePath(rule.Reference)
	if err != nil {
		return matching.Outcome{Pass: false, Kind: "ValueMismatch", Description: fmt.Sprintf("invalid reference path %q: %v", rule.Reference, err)}
	}
	target, ok := resolvePath(c.actualRoot, ref)
	if !ok {
		return matching.Outcome{Pass: false, Kind: "ValueMismatch", Description: fmt.Sprintf("referenced path %s has no value", rule.Reference)}
	}
	if !valueEqual(aVal, target) {
		return matching.Outcome{Pass: false, Kind: "ValueMismatch", Description: fmt.Sprintf("does not match referenced value at %s", rule.Reference)}
	}
	return matching.Outcome{Pass: true}
}

// compareRepeated compares a repeated field. path is the enclosing
// message scope -- fieldPath below is its own plain path (used only to
// report length mismatches against the field as a whole); every
// per-element path is built straight off path via EachElement/Indexed.
func (c *comparer) compareRepeated(field *descriptor.FieldDescriptor, eNode, aNode *valuetree.Node, path matching.Path, exp *wire.Expectations) {
	if field.Kind == descriptor.KindMessage && field.MessageType != nil && field.MessageType.IsMapEntry {
		c.compareMap(field, eNode, aNode, path, exp)
		return
	}

	fieldPath := path.Field(field.Number)
	eValues := eNode.Values()
	aValues := aNode.Values()

	wildcard, hasWildcard := c.cat.Lookup(path.EachElement(field.Number))
	var eachRule *matching.Rule
	var atLeastN, atMostN *int
	if hasWildcard {
		for i := range wildcard.Rules {
			rule := wildcard.Rules[i]
			switch rule.Kind {
			case matching.RuleAtLeast:
				n := rule.Bound
				atLeastN = &n
			case matching.RuleAtMost:
				n := rule.Bound
				atMostN = &n
			default:
				eachRule = &rule
			}
		}
	}
	if eachRule == nil && (atLeastN != nil || atMostN != nil) {
		// A bound rule alone matches every element by type against the
		// expected first element.
		eachRule = &matching.Rule{Kind: matching.RuleType}
	}

	if atLeastN != nil && len(aValues) < *atLeastN {
		c.result.add(fieldPath, "LengthMismatch", fmt.Sprintf("at least %d element(s)", *atLeastN), fmt.Sprintf("%d element(s)", len(aValues)))
	}
	if atMostN != nil && len(aValues) > *atMostN {
		c.result.add(fieldPath, "LengthMismatch", fmt.Sprintf("at most %d element(s)", *atMostN), fmt.Sprintf("%d element(s)", len(aValues)))
	}
	overridesLength := eachRule != nil || atLeastN != nil || atMostN != nil

	n := len(aValues)
	if len(eValues) > n {
		n = len(eValues)
	}
	anyIndexedRule := false
	for i := 0; i < n; i++ {
		idxPath := path.Indexed(field.Number, i)
		var eVal, aVal *valuetree.Value
		if i < len(eValues) {
			eVal = eValues[i]
		}
		if i < len(aValues) {
			aVal = aValues[i]
		}

		if entry, ok := c.cat.Lookup(idxPath); ok {
			anyIndexedRule = true
			c.applyEntry(entry, field, eVal, aVal, idxPath, exp)
			continue
		}
		if eachRule != nil {
			var projected *valuetree.Value
			if len(eValues) > 0 {
				projected = eValues[0]
			}
			c.applyEntry(&matching.Entry{Path: idxPath, Logic: matching.LogicAnd, Rules: []matching.Rule{*eachRule}}, field, projected, aVal, idxPath, exp)
			continue
		}

		switch {
		case eVal != nil && aVal != nil:
			c.compareValues(field, eVal, aVal, idxPath, exp)
		case eVal != nil && aVal == nil:
			c.result.add(idxPath, "MissingField", describeValue(field, eVal), "<absent>")
		case eVal == nil && aVal != nil:
			c.result.add(idxPath, "UnexpectedField", "<absent>", describeValue(field, aVal))
		}
	}

	if !overridesLength && !anyIndexedRule && len(eValues) != len(aValues) {
		c.result.add(fieldPath, "LengthMismatch", fmt.Sprintf("%d element(s)", len(eValues)), fmt.Sprintf("%d element(s)", len(aValues)))
	}
}

func (c *comparer) compareMap(field *descriptor.FieldDescriptor, eNode, aNode *valuetree.Node, path matching.Path, exp *wire.Expectations) {
	eVal := valuetree.MapValue(nil)
	aVal := valuetree.MapValue(nil)
	if eNode != nil {
		eVal = eNode.Value
	}
	if aNode != nil {
		aVal = aNode.Value
	}
	c.compareMapValues(field, eVal, aVal, path, exp)
}

// compareMapValues compares a map field's entries. path is the
// enclosing message scope -- field's own segment is appended once,
// either plainly (fieldPath, for the eachKey/eachValue declaration)
// or keyed (keyPath, per entry).
func (c *comparer) compareMapValues(field *descriptor.FieldDescriptor, eVal, aVal *valuetree.Value, path matching.Path, exp *wire.Expectations) {
	eEntries := valuetree.MapAsOf(eVal)
	aEntries := valuetree.MapAsOf(aVal)

	fieldPath := path.Field(field.Number)
	var eachKeyRule, eachValueRule *matching.Rule
	if entry, ok := c.cat.Lookup(fieldPath); ok {
		for i := range entry.Rules {
			rule := entry.Rules[i]
			switch rule.Kind {
			case matching.RuleEachKey:
				eachKeyRule = rule.Sub
			case matching.RuleEachValue:
				eachValueRule = rule.Sub
			}
		}
	}

	seen := make(map[any]bool)
	var keys []any
	for k := range eEntries {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range aEntries {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	for _, key := range keys {
		ks := fmt.Sprintf("%v", key)
		if eachKeyRule != nil {
			if o := matching.Evaluate(*eachKeyRule, nil, key); !o.Pass {
				c.result.add(fieldPath, o.Kind, "key matching "+eachKeyRule.Kind.String(), ks)
			}
		}

		keyPath := path.Keyed(field.Number, ks)
		eVal, eOK := eEntries[key]
		aVal, aOK := aEntries[key]

		if entry, ok := c.cat.Lookup(keyPath); ok {
			c.applyEntry(entry, field.MessageType.MapValField, eVal, aVal, keyPath, exp)
			continue
		}
		if eachValueRule != nil {
			c.applyEntry(&matching.Entry{Path: keyPath, Logic: matching.LogicAnd, Rules: []matching.Rule{*eachValueRule}}, field.MessageType.MapValField, eVal, aVal, keyPath, exp)
			continue
		}

		switch {
		case eOK && aOK:
			c.compareValues(field.MessageType.MapValField, eVal, aVal, keyPath, exp)
		case eOK && !aOK:
			c.result.add(keyPath, "MissingField", describeValue(field.MessageType.MapValField, eVal), "<absent>")
		case !eOK && aOK:
			c.result.add(keyPath, "UnexpectedField", "<absent>", describeValue(field.MessageType.MapValField, aVal))
		}
	}
}

func (c *comparer) compareValues(field *descriptor.FieldDescriptor, eVal, aVal *valuetree.Value, path matching.Path, exp *wire.Expectations) {
	if eVal.Kind != aVal.Kind {
		c.result.add(path, "TypeMismatch", describeValue(field, eVal), describeValue(field, aVal))
		return
	}
	switch eVal.Kind {
	case valuetree.KindScalar:
		if !scalarEqual(eVal.Scalar, aVal.Scalar) {
			c.result.add(path, "ValueMismatch", describeValue(field, eVal), describeValue(field, aVal))
		}
	case valuetree.KindEnum:
		if eVal.EnumNumber != aVal.EnumNumber {
			c.result.add(path, "EnumMismatch", describeValue(field, eVal), describeValue(field, aVal))
		}
	case valuetree.KindSubmessage:
		c.compareMessage(eVal.Submessage, aVal.Submessage, path, exp.NestedReadOnly(field.Number))
	case valuetree.KindMap:
		c.compareMapValues(field, eVal, aVal, path, exp)
	}
}

func isZeroValue(v *valuetree.Value) bool {
	if v == nil {
		return true
	}
	switch v.Kind {
	case valuetree.KindScalar:
		switch s := v.Scalar.(type) {
		case string:
			return s == ""
		case bool:
			return !s
		case []byte:
			return len(s) == 0
		case int32:
			return s == 0
		case int64:
			return s == 0
		case uint32:
			return s == 0
		case uint64:
			return s == 0
		case float32:
			return s == 0
		case float64:
			return s == 0
		default:
			return false
		}
	case valuetree.KindEnum:
		return v.EnumNumber == 0
	default:
		return false
	}
}

func scalarEqual(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok2 := b.([]byte)
		return ok2 && bytes.Equal(ab, bb)
	}
	return a == b
}

func valueEqual(a, b *valuetree.Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case valuetree.KindScalar:
		return scalarEqual(a.Scalar, b.Scalar)
	case valuetree.KindEnum:
		return a.EnumNumber == b.EnumNumber
	default:
		return false
	}
}

// nativeOf extracts the Go-native value matching.Evaluate's rule
// variants expect: the scalar, or the enum's symbolic name.
func nativeOf(v *valuetree.Value) any {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case valuetree.KindScalar:
		return v.Scalar
	case valuetree.KindEnum:
		if v.EnumName != "" {
			return v.EnumName
		}
		return v.EnumNumber
	default:
		return nil
	}
}

func describeValue(field *descriptor.FieldDescriptor, v *valuetree.Value) string {
	if v == nil {
		return "<absent>"
	}
	switch v.Kind {
	case valuetree.KindScalar:
		return fmt.Sprintf("%v", v.Scalar)
	case valuetree.KindEnum:
		if v.EnumName != "" {
			return v.EnumName
		}
		return fmt.Sprintf("%d", v.EnumNumber)
	case valuetree.KindSubmessage:
		if field != nil && field.MessageType != nil {
			return fmt.Sprintf("<%s>", field.MessageType.FullName)
		}
		return "<message>"
	case valuetree.KindMap:
		return fmt.Sprintf("<map with %d entries>", len(v.MapEntries))
	default:
		return "<unknown>"
	}
}

// resolvePath walks path from root, following field/index/key
// selectors, used to resolve matching($'<reference>') against the
// live actual tree.
func resolvePath(root *valuetree.Tree, path matching.Path) (*valuetree.Value, bool) {
	tree := root
	var val *valuetree.Value
	for i, seg := range path {
		if tree == nil {
			return nil, false
		}
		node := tree.Get(seg.Field)
		if node == nil {
			return nil, false
		}
		switch {
		case seg.Wildcard:
			return nil, false
		case seg.Index != nil:
			values := node.Values()
			if *seg.Index < 0 || *seg.Index >= len(values) {
				return nil, false
			}
			val = values[*seg.Index]
		case seg.HasKey:
			entries := valuetree.MapAsOf(node.Value)
			v, ok := entries[seg.Key]
			if !ok {
				return nil, false
			}
			val = v
		default:
			val = node.Value
		}
		if i < len(path)-1 {
			if val == nil || val.Kind != valuetree.KindSubmessage || val.Submessage == nil {
				return nil, false
			}
			tree = val.Submessage
		}
	}
	return val, true
}
