package matching

// RuleKind enumerates the matching-rule variants the expression
// grammar can produce, per the spec's rule-expression vocabulary.
type RuleKind int

const (
	RuleType RuleKind = iota
	RuleRegex
	RuleEqualTo
	RuleInclude
	RuleNumber
	RuleInteger
	RuleDecimal
	RuleBoolean
	RuleNull
	RuleDateTime
	RuleDate
	RuleTime
	RuleContentType
	RuleSemver
	RuleReference
	RuleNotEmpty
	RuleEachKey
	RuleEachValue
	RuleAtLeast
	RuleAtMost
)

func (k RuleKind) String() string {
	switch k {
	case RuleType:
		return "type"
	case RuleRegex:
		return "regex"
	case RuleEqualTo:
		return "equalTo"
	case RuleInclude:
		return "include"
	case RuleNumber:
		return "number"
	case RuleInteger:
		return "integer"
	case RuleDecimal:
		return "decimal"
	case RuleBoolean:
		return "boolean"
	case RuleNull:
		return "null"
	case RuleDateTime:
		return "datetime"
	case RuleDate:
		return "date"
	case RuleTime:
		return "time"
	case RuleContentType:
		return "contentType"
	case RuleSemver:
		return "semver"
	case RuleReference:
		return "reference"
	case RuleNotEmpty:
		return "notEmpty"
	case RuleEachKey:
		return "eachKey"
	case RuleEachValue:
		return "eachValue"
	case RuleAtLeast:
		return "atLeast"
	case RuleAtMost:
		return "atMost"
	default:
		return "unknown"
	}
}

// Rule is one compiled matching-rule entry.
type Rule struct {
	Kind RuleKind

	// Pattern holds the regex source for RuleRegex, the MIME type for
	// RuleContentType, and the substring for RuleInclude.
	Pattern string
	// Format holds the layout string for RuleDateTime/RuleDate/RuleTime.
	Format string
	// Example is the literal value the rule was declared with, used by
	// RuleEqualTo and as a fallback description in mismatch reports.
	Example any
	// Reference is the dotted path for RuleReference ("same as the
	// value at <reference>").
	Reference string
	// Bound is the integer argument of RuleAtLeast/RuleAtMost.
	Bound int
	// Sub is the nested rule an eachKey/eachValue wraps.
	Sub *Rule
}

// Entry pairs a compiled Path with the Rules declared at it. Multiple
// rules at one path combine under Logic.
type Entry struct {
	Path  Path
	Rules []Rule
	Logic Logic
}

// Logic is the combination operator applied when a path carries more
// than one Rule.
type Logic int

const (
	LogicAnd Logic = iota
	LogicOr
)

// Catalogue is the MatchingCatalogue: a path-keyed collection of rule
// Entries, looked up by a path's canonical string form.
type Catalogue struct {
	entries map[string]*Entry
	order   []string
}

// NewCatalogue creates an empty MatchingCatalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{entries: make(map[string]*Entry)}
}

// Put records rules at path, appending to any rules already declared
// there under LogicAnd unless logic is explicitly overridden by a
// later call with LogicOr.
func (c *Catalogue) Put(path Path, logic Logic, rules ...Rule) {
	key := path.String()
	e, ok := c.entries[key]
	if !ok {
		e = &Entry{Path: path, Logic: logic}
		c.entries[key] = e
		c.order = append(c.order, key)
	}
	e.Logic = logic
	e.Rules = append(e.Rules, rules...)
}

// Lookup returns the Entry declared at path, if any.
func (c *Catalogue) Lookup(path Path) (*Entry, bool) {
	e, ok := c.entries[path.String()]
	return e, ok
}

// LookupString returns the Entry declared at a pre-rendered path string.
func (c *Catalogue) LookupString(path string) (*Entry, bool) {
	e, ok := c.entries[path]
	return e, ok
}

// Entries returns every Entry in declaration order.
func (c *Catalogue) Entries() []*Entry {
	out := make([]*Entry, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.entries[k])
	}
	return out
}
