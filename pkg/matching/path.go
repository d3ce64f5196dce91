// Package matching implements the MatchingCatalogue: a path-keyed
// collection of matching rules (and the expression grammar that
// compiles to them), addressing fields, repeated elements, and map
// entries the same way a decoded ValueTree addresses them.
package matching

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is one step of a catalogue path: a field number, optionally
// followed by an index selector into a repeated or map field.
type Segment struct {
	Field    int32
	Index    *int   // `[i]`; nil when not indexed
	Wildcard bool   // `[*]`
	Key      string // `["k"]`; only set for map-key selectors
	HasKey   bool
}

// Path is an ordered sequence of Segments, rooted at the message itself.
type Path []Segment

// Field appends a plain field-number segment.
func (p Path) Field(number int32) Path {
	return append(append(Path{}, p...), Segment{Field: number})
}

// Indexed appends an indexed-element segment (`$.f[i]`) for field number.
func (p Path) Indexed(number int32, index int) Path {
	i := index
	return append(append(Path{}, p...), Segment{Field: number, Index: &i})
}

// EachElement appends a wildcard-element segment (`$.f[*]`).
func (p Path) EachElement(number int32) Path {
	return append(append(Path{}, p...), Segment{Field: number, Wildcard: true})
}

// Keyed appends a map-key segment (`$.f["k"]`).
func (p Path) Keyed(number int32, key string) Path {
	return append(append(Path{}, p...), Segment{Field: number, Key: key, HasKey: true})
}

// String renders the path in dotted `$.f[*]`/`$.f[i]`/`$.f["k"]` notation,
// with field numbers for f and map keys Go-quoted.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range p {
		b.WriteString(".")
		b.WriteString(strconv.Itoa(int(s.Field)))
		switch {
		case s.Wildcard:
			b.WriteString("[*]")
		case s.Index != nil:
			b.WriteString(fmt.Sprintf("[%d]", *s.Index))
		case s.HasKey:
			b.WriteString(fmt.Sprintf("[%q]", s.Key))
		}
	}
	return b.String()
}

// WithElement returns a copy of p with its last segment's wildcard
// projected to a concrete index, used when comparing an eachValue rule
// against one element of a repeated field.
func (p Path) WithElement(index int) Path {
	if len(p) == 0 {
		return p
	}
	out := append(Path{}, p...)
	last := out[len(out)-1]
	last.Wildcard = false
	last.Index = &index
	out[len(out)-1] = last
	return out
}

