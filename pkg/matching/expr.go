package matching

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
)

// ParsedExpression is the result of parsing one matching-rule
// expression string: the compiled Rule plus the canonical example
// value the expression carries (used by the ConfigCompiler to seed
// the ValueTree at the same path).
type ParsedExpression struct {
	Rule    Rule
	Example any
	HasExample bool
}

// ParseExpression parses one of the grammar's top-level call forms:
// matching(...), notEmpty(...), eachKey(...), eachValue(...),
// atLeast(n), atMost(n), fromProviderState(...). A string that is not
// shaped like a call returns ErrNotAnExpression, which callers use to
// treat the string as a plain literal.
func ParseExpression(expr string) (*ParsedExpression, error) {
	name, args, ok := splitCall(expr)
	if !ok {
		return nil, ErrNotAnExpression
	}

	switch name {
	case "matching":
		return parseMatching(args)
	case "notEmpty":
		if len(args) != 1 {
			return nil, argError("notEmpty", 1, len(args))
		}
		ex := unquote(args[0])
		return &ParsedExpression{Rule: Rule{Kind: RuleNotEmpty, Example: ex}, Example: ex, HasExample: true}, nil
	case "eachKey":
		if len(args) != 1 {
			return nil, argError("eachKey", 1, len(args))
		}
		sub, err := parseSubRule(args[0])
		if err != nil {
			return nil, err
		}
		return &ParsedExpression{Rule: Rule{Kind: RuleEachKey, Sub: sub}}, nil
	case "eachValue":
		if len(args) != 1 {
			return nil, argError("eachValue", 1, len(args))
		}
		sub, err := parseSubRule(args[0])
		if err != nil {
			return nil, err
		}
		return &ParsedExpression{Rule: Rule{Kind: RuleEachValue, Sub: sub}}, nil
	case "atLeast":
		n, err := parseBound("atLeast", args)
		if err != nil {
			return nil, err
		}
		return &ParsedExpression{Rule: Rule{Kind: RuleAtLeast, Bound: n}}, nil
	case "atMost":
		n, err := parseBound("atMost", args)
		if err != nil {
			return nil, err
		}
		return &ParsedExpression{Rule: Rule{Kind: RuleAtMost, Bound: n}}, nil
	case "fromProviderState":
		if len(args) != 2 {
			return nil, argError("fromProviderState", 2, len(args))
		}
		return &ParsedExpression{
			Rule:       Rule{Kind: RuleReference, Reference: unquote(args[0])},
			Example:    coerceLiteral(args[1]),
			HasExample: true,
		}, nil
	default:
		return nil, plugerrors.NewConfigError(expr, fmt.Errorf("unrecognised matching expression %q", name))
	}
}

// ErrNotAnExpression signals that a configuration string is a plain
// literal, not one of the grammar's call forms.
var ErrNotAnExpression = plugerrors.NewConfigError("", fmt.Errorf("not a matching expression"))

func parseSubRule(arg string) (*Rule, error) {
	parsed, err := ParseExpression(arg)
	if err == ErrNotAnExpression {
		ex := unquote(arg)
		return &Rule{Kind: RuleEqualTo, Example: ex}, nil
	}
	if err != nil {
		return nil, err
	}
	return &parsed.Rule, nil
}

func parseBound(name string, args []string) (int, error) {
	if len(args) != 1 {
		return 0, argError(name, 1, len(args))
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil {
		return 0, plugerrors.NewConfigError(name, fmt.Errorf("non-integer bound %q: %w", args[0], err))
	}
	return n, nil
}

func parseMatching(args []string) (*ParsedExpression, error) {
	if len(args) == 0 {
		return nil, plugerrors.NewConfigError("matching", fmt.Errorf("missing rule variant"))
	}
	variant := unquote(args[0])

	// matching($'<reference>') -- reference form uses a leading $.
	if strings.HasPrefix(strings.TrimSpace(args[0]), "$") {
		ref := unquote(strings.TrimSpace(args[0])[1:])
		return &ParsedExpression{Rule: Rule{Kind: RuleReference, Reference: ref}}, nil
	}

	rest := args[1:]
	switch variant {
	case "type":
		ex := requireOne(rest)
		return &ParsedExpression{Rule: Rule{Kind: RuleType, Example: ex}, Example: ex, HasExample: true}, nil
	case "equalTo":
		ex := requireOne(rest)
		return &ParsedExpression{Rule: Rule{Kind: RuleEqualTo, Example: ex}, Example: ex, HasExample: true}, nil
	case "regex":
		if len(rest) != 2 {
			return nil, argError("matching(regex,...)", 2, len(rest))
		}
		pattern, ex := unquote(rest[0]), coerceLiteral(rest[1])
		return &ParsedExpression{Rule: Rule{Kind: RuleRegex, Pattern: pattern, Example: ex}, Example: ex, HasExample: true}, nil
	case "include":
		if len(rest) != 2 {
			return nil, argError("matching(include,...)", 2, len(rest))
		}
		substr, ex := unquote(rest[0]), coerceLiteral(rest[1])
		return &ParsedExpression{Rule: Rule{Kind: RuleInclude, Pattern: substr, Example: ex}, Example: ex, HasExample: true}, nil
	case "number":
		ex := requireOne(rest)
		return &ParsedExpression{Rule: Rule{Kind: RuleNumber, Example: ex}, Example: ex, HasExample: true}, nil
	case "integer":
		ex := requireOne(rest)
		return &ParsedExpression{Rule: Rule{Kind: RuleInteger, Example: ex}, Example: ex, HasExample: true}, nil
	case "decimal":
		ex := requireOne(rest)
		return &ParsedExpression{Rule: Rule{Kind: RuleDecimal, Example: ex}, Example: ex, HasExample: true}, nil
	case "boolean":
		ex := requireOne(rest)
		return &ParsedExpression{Rule: Rule{Kind: RuleBoolean, Example: ex}, Example: ex, HasExample: true}, nil
	case "null":
		return &ParsedExpression{Rule: Rule{Kind: RuleNull}, Example: nil, HasExample: true}, nil
	case "datetime":
		if len(rest) != 2 {
			return nil, argError("matching(datetime,...)", 2, len(rest))
		}
		format, ex := unquote(rest[0]), coerceLiteral(rest[1])
		return &ParsedExpression{Rule: Rule{Kind: RuleDateTime, Format: format, Example: ex}, Example: ex, HasExample: true}, nil
	case "date":
		if len(rest) != 2 {
			return nil, argError("matching(date,...)", 2, len(rest))
		}
		format, ex := unquote(rest[0]), coerceLiteral(rest[1])
		return &ParsedExpression{Rule: Rule{Kind: RuleDate, Format: format, Example: ex}, Example: ex, HasExample: true}, nil
	case "time":
		if len(rest) != 2 {
			return nil, argError("matching(time,...)", 2, len(rest))
		}
		format, ex := unquote(rest[0]), coerceLiteral(rest[1])
		return &ParsedExpression{Rule: Rule{Kind: RuleTime, Format: format, Example: ex}, Example: ex, HasExample: true}, nil
	case "contentType":
		if len(rest) != 2 {
			return nil, argError("matching(contentType,...)", 2, len(rest))
		}
		mime, ex := unquote(rest[0]), coerceLiteral(rest[1])
		return &ParsedExpression{Rule: Rule{Kind: RuleContentType, Pattern: mime, Example: ex}, Example: ex, HasExample: true}, nil
	case "semver":
		ex := requireOne(rest)
		return &ParsedExpression{Rule: Rule{Kind: RuleSemver, Example: ex}, Example: ex, HasExample: true}, nil
	default:
		return nil, plugerrors.NewConfigError("matching", fmt.Errorf("unrecognised rule variant %q", variant))
	}
}

func requireOne(args []string) any {
	if len(args) != 1 {
		return nil
	}
	return coerceLiteral(args[0])
}

func argError(name string, want, got int) error {
	return plugerrors.NewConfigError(name, fmt.Errorf("expected %d argument(s), got %d", want, got))
}

// splitCall recognises `name(arg1, arg2, ...)` and splits it into the
// call name and its comma-separated argument list, respecting nested
// parens and quoted strings so `eachValue(matching(type, 'x'))`
// doesn't split on the inner call's comma.
func splitCall(expr string) (name string, args []string, ok bool) {
	expr = strings.TrimSpace(expr)
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}
	name = strings.TrimSpace(expr[:open])
	if name == "" {
		return "", nil, false
	}
	body := expr[open+1 : len(expr)-1]
	if strings.TrimSpace(body) == "" {
		return name, nil, true
	}
	return name, splitArgs(body), true
}

func splitArgs(body string) []string {
	var out []string
	depth := 0
	inQuote := byte(0)
	start := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case inQuote != 0:
			if c == inQuote && (i == 0 || body[i-1] != '\\') {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			out = append(out, strings.TrimSpace(body[start:i]))
			start = i + 1
		}
	}
	out = append(out, strings.TrimSpace(body[start:]))
	return out
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// coerceLiteral turns a string/number/bool argument token into the
// closest Go native type, matching the spec's "primitive fields may be
// supplied as native values" accommodation.
func coerceLiteral(s string) any {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
