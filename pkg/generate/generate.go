// Package generate implements the GeneratorCatalogue: path-keyed value
// generators applied to a consumer example or a mock-server response
// before it leaves the plugin, never during comparison.
package generate

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp/syntax"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/pactflow/pact-protobuf-plugin/pkg/matching"
	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
	"github.com/pactflow/pact-protobuf-plugin/pkg/valuetree"
)

// Kind enumerates the generator variants the spec names.
type Kind int

const (
	KindRandomInt Kind = iota
	KindRandomDecimal
	KindRandomHexadecimal
	KindRandomString
	KindUUID
	KindDateTime
	KindDate
	KindTime
	KindMockServerURL
	KindProviderState
	KindRandomBoolean
)

// Generator is one compiled GeneratorCatalogue entry's behaviour.
type Generator struct {
	Kind Kind

	// Length bounds KindRandomString/KindRandomHexadecimal.
	Length int
	// Pattern is a regex used by KindRandomString when set, in place
	// of Length-bounded character generation.
	Pattern string
	// Format is the time layout for KindDateTime/KindDate/KindTime.
	Format string
	// Expression is the provider-state lookup key's expr-lang program
	// source for KindProviderState.
	Expression string
	// Default is the fallback example used by KindProviderState when
	// the context map has no matching entry.
	Default any
}

// Entry pairs a catalogue Path with the Generator declared at it.
type Entry struct {
	Path matching.Path
	Gen  Generator
}

// Catalogue is the GeneratorCatalogue: a path-keyed collection of
// Generators, applied in descriptor order.
type Catalogue struct {
	entries map[string]*Entry
	order   []string
}

// NewCatalogue creates an empty GeneratorCatalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{entries: make(map[string]*Entry)}
}

// Put installs gen at path, replacing anything previously declared there.
func (c *Catalogue) Put(path matching.Path, gen Generator) {
	key := path.String()
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = &Entry{Path: path, Gen: gen}
}

// Lookup returns the Generator declared at path, if any.
func (c *Catalogue) Lookup(path matching.Path) (Generator, bool) {
	e, ok := c.entries[path.String()]
	if !ok {
		return Generator{}, false
	}
	return e.Gen, true
}

// Entries returns every Entry in descriptor order (the order Put was
// called in, which the caller is responsible for driving in descriptor
// field order per §4.4).
func (c *Catalogue) Entries() []*Entry {
	out := make([]*Entry, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.entries[k])
	}
	return out
}

// Context supplies the runtime inputs a generator may need: the
// provider-state lookup map and the live mock server's address.
type Context struct {
	ProviderState map[string]any
	MockServerURL string
}

// ApplyToTree evaluates every entry of cat against ctx and writes the
// result back into tree at its declared path, replacing whatever compiled
// example value was there. Entries run in descriptor order (the order Put
// was called in); the caller is responsible for passing a clone of the
// canonical tree, since this mutates in place.
func ApplyToTree(tree *valuetree.Tree, cat *Catalogue, ctx Context) error {
	for _, entry := range cat.Entries() {
		v, err := Apply(entry.Gen, ctx)
		if err != nil {
			return err
		}
		if err := setAtPath(tree, entry.Path, v); err != nil {
			return err
		}
	}
	return nil
}

// setAtPath walks path from root the same way pkg/compare's resolvePath
// does for reading, but writes v into the Value found at the final
// segment instead of returning it.
func setAtPath(root *valuetree.Tree, path matching.Path, v any) error {
	if len(path) == 0 {
		return plugerrors.NewConfigError("", fmt.Errorf("generator path is empty"))
	}

	tree := root
	for i, seg := range path {
		node := tree.Get(seg.Field)
		if node == nil {
			return plugerrors.NewConfigError(path.String(), fmt.Errorf("field %d not present in tree", seg.Field))
		}
		if i == len(path)-1 {
			return setNodeValue(node, seg, v, path)
		}
		val, err := selectValue(node, seg, path)
		if err != nil {
			return err
		}
		if val.Kind != valuetree.KindSubmessage || val.Submessage == nil {
			return plugerrors.NewConfigError(path.String(), fmt.Errorf("intermediate segment at field %d is not a submessage", seg.Field))
		}
		tree = val.Submessage
	}
	return nil
}

func selectValue(node *valuetree.Node, seg matching.Segment, path matching.Path) (*valuetree.Value, error) {
	switch {
	case seg.Wildcard:
		return nil, plugerrors.NewConfigError(path.String(), fmt.Errorf("cannot resolve a wildcard segment to a single value"))
	case seg.Index != nil:
		values := node.Values()
		if *seg.Index < 0 || *seg.Index >= len(values) {
			return nil, plugerrors.NewConfigError(path.String(), fmt.Errorf("index %d out of range", *seg.Index))
		}
		return values[*seg.Index], nil
	case seg.HasKey:
		entries := valuetree.MapAsOf(node.Value)
		val, ok := entries[seg.Key]
		if !ok {
			return nil, plugerrors.NewConfigError(path.String(), fmt.Errorf("key %q not found", seg.Key))
		}
		return val, nil
	default:
		return node.Value, nil
	}
}

func setNodeValue(node *valuetree.Node, seg matching.Segment, v any, path matching.Path) error {
	target, err := selectValue(node, seg, path)
	if err != nil {
		return err
	}
	target.Kind = valuetree.KindScalar
	target.Scalar = v
	return nil
}

// Apply evaluates gen, returning the typed value that replaces the
// example at its path.
func Apply(gen Generator, ctx Context) (any, error) {
	switch gen.Kind {
	case KindRandomInt:
		return randomInt64()
	case KindRandomDecimal:
		return randomDecimal()
	case KindRandomHexadecimal:
		return randomHex(gen.Length)
	case KindRandomString:
		if gen.Pattern != "" {
			return randomFromRegex(gen.Pattern)
		}
		return randomString(gen.Length)
	case KindUUID:
		return uuid.NewString(), nil
	case KindDateTime, KindDate, KindTime:
		return time.Now().UTC().Format(goLayout(gen.Format)), nil
	case KindMockServerURL:
		return ctx.MockServerURL, nil
	case KindRandomBoolean:
		n, err := randomInt64()
		if err != nil {
			return nil, err
		}
		return n%2 == 0, nil
	case KindProviderState:
		return applyProviderState(gen, ctx)
	default:
		return nil, plugerrors.NewConfigError("", fmt.Errorf("unknown generator kind %d", gen.Kind))
	}
}

func applyProviderState(gen Generator, ctx Context) (any, error) {
	if v, ok := ctx.ProviderState[gen.Expression]; ok {
		return v, nil
	}
	program, err := expr.Compile(gen.Expression)
	if err == nil {
		if out, evalErr := expr.Run(program, ctx.ProviderState); evalErr == nil && out != nil {
			return out, nil
		}
	}
	return gen.Default, nil
}

func randomInt64() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return 0, plugerrors.NewInternalError(err)
	}
	return n.Int64(), nil
}

func randomDecimal() (float64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		return 0, plugerrors.NewInternalError(err)
	}
	return float64(n.Int64()) / 1000.0, nil
}

const hexAlphabet = "0123456789abcdef"

func randomHex(length int) (string, error) {
	if length <= 0 {
		length = 8
	}
	return randomFromAlphabet(length, hexAlphabet)
}

const stringAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(length int) (string, error) {
	if length <= 0 {
		length = 16
	}
	return randomFromAlphabet(length, stringAlphabet)
}

func randomFromAlphabet(length int, alphabet string) (string, error) {
	var b strings.Builder
	b.Grow(length)
	bound := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, bound)
		if err != nil {
			return "", plugerrors.NewInternalError(err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// randomFromRegex produces a string satisfying a (restricted) regex
// pattern by walking its parsed syntax tree and sampling literals,
// character classes, and bounded repeats.
func randomFromRegex(pattern string) (string, error) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return "", plugerrors.NewConfigError(pattern, fmt.Errorf("invalid regex for random string: %w", err))
	}
	var b strings.Builder
	if err := sampleRegex(re, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func sampleRegex(re *syntax.Regexp, b *strings.Builder) error {
	switch re.Op {
	case syntax.OpLiteral:
		for _, r := range re.Rune {
			b.WriteRune(r)
		}
	case syntax.OpConcat, syntax.OpCapture:
		for _, sub := range re.Sub {
			if err := sampleRegex(sub, b); err != nil {
				return err
			}
		}
	case syntax.OpStar, syntax.OpPlus, syntax.OpQuest, syntax.OpRepeat:
		count := re.Min
		if count == 0 && re.Op == syntax.OpPlus {
			count = 1
		}
		for i := 0; i < count; i++ {
			if len(re.Sub) == 0 {
				continue
			}
			if err := sampleRegex(re.Sub[0], b); err != nil {
				return err
			}
		}
	case syntax.OpCharClass:
		if len(re.Rune) >= 2 {
			b.WriteRune(re.Rune[0])
		}
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		b.WriteRune('x')
	case syntax.OpAlternate:
		if len(re.Sub) > 0 {
			return sampleRegex(re.Sub[0], b)
		}
	case syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText, syntax.OpEndText,
		syntax.OpWordBoundary, syntax.OpNoWordBoundary, syntax.OpEmptyMatch:
		// zero-width, nothing to emit
	default:
		return plugerrors.NewConfigError(re.String(), fmt.Errorf("unsupported regex construct for random generation"))
	}
	return nil
}

func goLayout(format string) string {
	if format == "" {
		return time.RFC3339
	}
	replacements := []struct{ from, to string }{
		{"yyyy", "2006"}, {"yy", "06"},
		{"MM", "01"}, {"dd", "02"},
		{"HH", "15"}, {"mm", "04"}, {"ss", "05"},
		{"ZZZ", "Z07:00"}, {"Z", "Z0700"},
	}
	out := format
	for _, r := range replacements {
		out = strings.ReplaceAll(out, r.from, r.to)
	}
	return out
}
