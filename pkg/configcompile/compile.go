// Package configcompile implements the ConfigCompiler: it turns a
// consumer-supplied configuration tree into a ValueTree, a
// MatchingCatalogue, a GeneratorCatalogue, and a recorded expectations
// blob, against a selected message descriptor.
package configcompile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/generate"
	"github.com/pactflow/pact-protobuf-plugin/pkg/matching"
	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
	"github.com/pactflow/pact-protobuf-plugin/pkg/valuetree"
	"github.com/pactflow/pact-protobuf-plugin/pkg/wire"
)

// Result bundles everything one Compile call produces.
type Result struct {
	Tree         *valuetree.Tree
	Matching     *matching.Catalogue
	Generators   *generate.Catalogue
	Expectations *wire.Expectations
}

type compiler struct {
	matching   *matching.Catalogue
	generators *generate.Catalogue
}

// Compile compiles config against msg. config's keys are field names
// (optionally dotted into submessage fields, e.g. "address.city");
// values are literals, matching-rule expression strings, nested
// configuration trees (map[string]any), or lists of any of those.
func Compile(config map[string]any, msg *descriptor.MessageDescriptor) (*Result, error) {
	c := &compiler{matching: matching.NewCatalogue(), generators: generate.NewCatalogue()}
	exp := wire.NewExpectations()
	tree, err := c.compileMessage(expandDotted(config), msg, nil, exp)
	if err != nil {
		return nil, err
	}
	return &Result{Tree: tree, Matching: c.matching, Generators: c.generators, Expectations: exp}, nil
}

// expandDotted rewrites top-level "a.b.c" keys into nested maps so the
// rest of the compiler only ever sees one shape of nested configuration.
func expandDotted(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		parts := strings.Split(k, ".")
		if len(parts) == 1 {
			out[k] = mergeIfMap(out[k], v)
			continue
		}
		leaf := v
		for i := len(parts) - 1; i >= 1; i-- {
			leaf = map[string]any{parts[i]: leaf}
		}
		out[parts[0]] = mergeIfMap(out[parts[0]], leaf)
	}
	return out
}

func mergeIfMap(existing, incoming any) any {
	exMap, exOk := existing.(map[string]any)
	inMap, inOk := incoming.(map[string]any)
	if exOk && inOk {
		return expandDotted(mergeMaps(exMap, inMap))
	}
	return incoming
}

func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (c *compiler) compileMessage(config map[string]any, msg *descriptor.MessageDescriptor, path matching.Path, exp *wire.Expectations) (*valuetree.Tree, error) {
	tree := valuetree.New(msg)
	for name, raw := range config {
		field := msg.FieldByName(name)
		if field == nil {
			return nil, plugerrors.NewConfigError(name, fmt.Errorf("message %s has no field named %q", msg.FullName, name))
		}
		if err := c.compileField(field, raw, path, tree, exp); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// compileField dispatches on field shape. path is the path to the
// message scope field is declared in; every branch here appends
// field's own segment exactly once -- compileRepeated appends it via
// EachElement/Indexed/Keyed as it builds per-element paths, while the
// non-repeated branches below appends it once up front as fieldPath.
func (c *compiler) compileField(field *descriptor.FieldDescriptor, raw any, path matching.Path, tree *valuetree.Tree, exp *wire.Expectations) error {
	if field.IsRepeated() {
		return c.compileRepeated(field, raw, path, tree, exp)
	}

	fieldPath := path.Field(field.Number)
	isWrapper := field.Kind == descriptor.KindMessage && field.MessageType != nil && field.MessageType.IsWellKnownWrapper()

	if nested, ok := raw.(map[string]any); ok {
		return c.compileSubmessage(field, nested, fieldPath, tree, exp)
	}

	if isWrapper {
		return c.compileWrapperScalar(field, raw, fieldPath, tree, exp)
	}

	exp.MarkPresent(field.Number)
	if s, ok := raw.(string); ok {
		parsed, err := matching.ParseExpression(s)
		if err == nil {
			return c.compileExpression(field, parsed, fieldPath, tree, exp)
		}
		if err != matching.ErrNotAnExpression {
			return err
		}
	}

	v, err := literalToValue(field, raw)
	if err != nil {
		return err
	}
	tree.Set(field.Number, v)
	return nil
}

// compileExpression installs the catalogue side effects of a parsed
// matching-rule expression and sets the ValueTree's canonical example.
func (c *compiler) compileExpression(field *descriptor.FieldDescriptor, parsed *matching.ParsedExpression, path matching.Path, tree *valuetree.Tree, exp *wire.Expectations) error {
	switch parsed.Rule.Kind {
	case matching.RuleReference:
		if parsed.Example == nil && !parsed.HasExample {
			// matching($'<reference>'): no canonical example of our own,
			// the comparator resolves it against the referenced path.
			c.matching.Put(path, matching.LogicAnd, parsed.Rule)
			return nil
		}
		// fromProviderState(expression, default): installs a generator
		// and contributes the default as the canonical example.
		c.generators.Put(path, generate.Generator{
			Kind:       generate.KindProviderState,
			Expression: parsed.Rule.Reference,
			Default:    parsed.Example,
		})
	default:
		c.matching.Put(path, matching.LogicAnd, parsed.Rule)
	}

	if parsed.HasExample {
		v, err := literalToValue(field, parsed.Example)
		if err != nil {
			return err
		}
		tree.Set(field.Number, v)
	}
	return nil
}

// compileWrapperScalar handles a well-known scalar wrapper field
// (google.protobuf.StringValue and friends) supplied as a bare scalar
// rather than a {"value": ...} nested configuration, so the consumer
// can write the inner value directly.
func (c *compiler) compileWrapperScalar(field *descriptor.FieldDescriptor, raw any, path matching.Path, tree *valuetree.Tree, exp *wire.Expectations) error {
	exp.MarkPresent(field.Number)
	nestedExp := exp.Nested(field.Number)
	inner := field.MessageType.FieldByNumber(1)
	subTree := valuetree.New(field.MessageType)
	if err := c.compileField(inner, raw, path.Field(1), subTree, nestedExp); err != nil {
		return err
	}
	tree.Set(field.Number, valuetree.SubmessageValue(subTree))
	return nil
}

func (c *compiler) compileSubmessage(field *descriptor.FieldDescriptor, nested map[string]any, path matching.Path, tree *valuetree.Tree, exp *wire.Expectations) error {
	if field.MessageType == nil {
		return plugerrors.NewConfigError(field.Name, fmt.Errorf("field %s is not a message field", field.Name))
	}
	nestedExp := exp.Nested(field.Number)
	exp.MarkPresent(field.Number)
	subTree, err := c.compileMessage(nested, field.MessageType, path, nestedExp)
	if err != nil {
		return err
	}
	tree.Set(field.Number, valuetree.SubmessageValue(subTree))
	return nil
}

// compileRepeated compiles a repeated or map field. path is the
// enclosing message scope, not yet carrying field's own segment --
// every path built below (wildcard/indexed/keyed) appends it exactly
// once.
func (c *compiler) compileRepeated(field *descriptor.FieldDescriptor, raw any, path matching.Path, tree *valuetree.Tree, exp *wire.Expectations) error {
	exp.MarkPresent(field.Number)

	isMapField := field.Kind == descriptor.KindMessage && field.MessageType != nil && field.MessageType.IsMapEntry
	if isMapField {
		m, ok := raw.(map[string]any)
		if !ok {
			return plugerrors.NewConfigError(field.Name, fmt.Errorf("map field %s requires a map configuration", field.Name))
		}
		return c.compileMap(field, m, path, tree, exp)
	}

	// Form (a): a single expression applies to every element, rooted at
	// $.field[*]. Form (c), eachValue(...), compiles to the same shape:
	// the wrapped sub-rule is what actually applies at each element.
	if s, ok := raw.(string); ok {
		parsed, err := matching.ParseExpression(s)
		if err == nil {
			wildcard := path.EachElement(field.Number)
			rule := parsed.Rule
			if rule.Kind == matching.RuleEachValue {
				rule = *rule.Sub
			}
			c.matching.Put(wildcard, matching.LogicAnd, rule)
			if parsed.HasExample {
				v, verr := literalToValue(field, parsed.Example)
				if verr != nil {
					return verr
				}
				tree.Set(field.Number, v)
			}
			return nil
		}
		if err != matching.ErrNotAnExpression {
			return err
		}
	}

	items, ok := raw.([]any)
	if !ok {
		// A bare literal/list-free value applied to a repeated field is
		// treated as the sole element.
		items = []any{raw}
	}

	for i, item := range items {
		idxPath := path.Indexed(field.Number, i)
		if err := c.compileRepeatedElement(field, item, idxPath, tree, exp); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) compileRepeatedElement(field *descriptor.FieldDescriptor, item any, path matching.Path, tree *valuetree.Tree, exp *wire.Expectations) error {
	if nested, ok := item.(map[string]any); ok && field.Kind == descriptor.KindMessage {
		subTree, err := c.compileMessage(nested, field.MessageType, path, exp.Nested(field.Number))
		if err != nil {
			return err
		}
		appendElement(tree, field, valuetree.SubmessageValue(subTree))
		return nil
	}

	if s, ok := item.(string); ok {
		parsed, err := matching.ParseExpression(s)
		if err == nil {
			if parsed.Rule.Kind != matching.RuleReference || parsed.HasExample {
				c.matching.Put(path, matching.LogicAnd, parsed.Rule)
			}
			if parsed.HasExample {
				v, verr := literalToValue(field, parsed.Example)
				if verr != nil {
					return verr
				}
				appendElement(tree, field, v)
			}
			return nil
		}
		if err != matching.ErrNotAnExpression {
			return err
		}
	}

	v, err := literalToValue(field, item)
	if err != nil {
		return err
	}
	appendElement(tree, field, v)
	return nil
}

func appendElement(tree *valuetree.Tree, field *descriptor.FieldDescriptor, v *valuetree.Value) {
	existing := tree.Get(field.Number)
	if existing == nil {
		tree.Set(field.Number, v)
		return
	}
	existing.Value.Additional = append(existing.Value.Additional, v)
}

func (c *compiler) compileMap(field *descriptor.FieldDescriptor, m map[string]any, path matching.Path, tree *valuetree.Tree, exp *wire.Expectations) error {
	valField := field.MessageType.MapValField
	var entries []valuetree.MapEntry
	for k, rawVal := range m {
		keyPath := path.Keyed(field.Number, k)
		var valValue *valuetree.Value
		if nested, ok := rawVal.(map[string]any); ok && valField.Kind == descriptor.KindMessage {
			subTree, err := c.compileMessage(nested, valField.MessageType, keyPath, exp.Nested(field.Number))
			if err != nil {
				return err
			}
			valValue = valuetree.SubmessageValue(subTree)
		} else if s, ok := rawVal.(string); ok {
			parsed, err := matching.ParseExpression(s)
			if err == nil {
				c.matching.Put(keyPath, matching.LogicAnd, parsed.Rule)
				if parsed.HasExample {
					valValue, err = literalToValue(valField, parsed.Example)
					if err != nil {
						return err
					}
				} else {
					valValue = valuetree.ScalarValue(nil)
				}
			} else if err == matching.ErrNotAnExpression {
				valValue, err = literalToValue(valField, rawVal)
				if err != nil {
					return err
				}
			} else {
				return err
			}
		} else {
			v, err := literalToValue(valField, rawVal)
			if err != nil {
				return err
			}
			valValue = v
		}
		entries = append(entries, valuetree.MapEntry{Key: k, Value: valValue})
	}
	tree.Set(field.Number, valuetree.MapValue(entries))
	return nil
}

// literalToValue converts a native Go literal (string/float64/int/bool/
// nil, as produced by the config tree or the expression grammar's
// coerceLiteral) into the Go representation the field's Kind expects.
func literalToValue(field *descriptor.FieldDescriptor, raw any) (*valuetree.Value, error) {
	if field.Kind == descriptor.KindEnum {
		return enumValue(field, raw)
	}
	if field.Kind == descriptor.KindMessage {
		return nil, plugerrors.NewConfigError(field.Name, fmt.Errorf("message field %s requires a nested configuration", field.Name))
	}

	switch field.Kind {
	case descriptor.KindString:
		s, err := asString(raw)
		return valuetree.ScalarValue(s), err
	case descriptor.KindBytes:
		switch v := raw.(type) {
		case []byte:
			return valuetree.ScalarValue(v), nil
		case string:
			return valuetree.ScalarValue([]byte(v)), nil
		default:
			return nil, typeErr(field, raw, "bytes")
		}
	case descriptor.KindBool:
		switch v := raw.(type) {
		case bool:
			return valuetree.ScalarValue(v), nil
		default:
			return nil, typeErr(field, raw, "bool")
		}
	case descriptor.KindFloat:
		f, err := asFloat(raw)
		return valuetree.ScalarValue(float32(f)), err
	case descriptor.KindDouble:
		f, err := asFloat(raw)
		return valuetree.ScalarValue(f), err
	case descriptor.KindInt32, descriptor.KindSint32, descriptor.KindSfixed32:
		n, err := asInt(raw)
		return valuetree.ScalarValue(int32(n)), err
	case descriptor.KindInt64, descriptor.KindSint64, descriptor.KindSfixed64:
		n, err := asInt(raw)
		return valuetree.ScalarValue(n), err
	case descriptor.KindUint32, descriptor.KindFixed32:
		n, err := asInt(raw)
		return valuetree.ScalarValue(uint32(n)), err
	case descriptor.KindUint64, descriptor.KindFixed64:
		n, err := asInt(raw)
		return valuetree.ScalarValue(uint64(n)), err
	default:
		return nil, plugerrors.NewConfigError(field.Name, fmt.Errorf("unsupported field kind %s", field.Kind))
	}
}

func enumValue(field *descriptor.FieldDescriptor, raw any) (*valuetree.Value, error) {
	if field.EnumType == nil {
		return nil, plugerrors.NewConfigError(field.Name, fmt.Errorf("enum field %s has no resolved enum type", field.Name))
	}
	switch v := raw.(type) {
	case string:
		n, ok := field.EnumType.ValueOf(v)
		if !ok {
			return nil, plugerrors.NewConfigError(field.Name, fmt.Errorf("unknown enum value %q for %s", v, field.EnumType.FullName))
		}
		return valuetree.EnumValue(n, v), nil
	case int, int32, int64, float64:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		name, _ := field.EnumType.NameOf(int32(n))
		return valuetree.EnumValue(int32(n), name), nil
	default:
		return nil, typeErr(field, raw, "enum")
	}
}

func asString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func asFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, plugerrors.NewConfigError("", fmt.Errorf("cannot parse %q as a number: %w", v, err))
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot interpret %T as a number", raw)
	}
}

func asInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case float32:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, plugerrors.NewConfigError("", fmt.Errorf("cannot parse %q as an integer: %w", v, err))
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot interpret %T as an integer", raw)
	}
}

func typeErr(field *descriptor.FieldDescriptor, raw any, want string) error {
	return plugerrors.NewConfigError(field.Name, fmt.Errorf("field %s expects a %s, got %T", field.Name, want, raw))
}
