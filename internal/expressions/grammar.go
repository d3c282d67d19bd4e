// Package expressions implements the arithmetic expression language used
// by plugin configurations and records: a chain of operands separated by
// one of * + - / with standard precedence, no parentheses. Operands are
// decimal numbers or bare/quoted identifiers. A leading "=" marks a
// string as an expression to evaluate.
package expressions

import (
	"strings"

	"github.com/meterplug/meterplug/pkg/schema"
)

// Marker prefixes a string value that should be evaluated.
const Marker = "="

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenIdent
	tokenOperator
)

type token struct {
	kind tokenKind
	text string
}

func isOperator(c byte) bool {
	return c == '*' || c == '+' || c == '-' || c == '/'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isQuote(c byte) bool {
	return c == '"' || c == '\''
}

// tokenize splits an expression body (marker already stripped) into an
// alternating operand/operator sequence. It rejects adjacent operators,
// trailing operators, empty input, and any character outside digits,
// '.', letters, '-', '/', quotes, the four operators, and whitespace.
//
// A '-' or '/' directly flanked by letters binds to the identifier, so
// "carbon-product" and "gb/day" are single operands while "10/param3"
// divides.
func tokenize(s string) ([]token, error) {
	var toks []token
	expectOperand := true

	i := 0
	for i < len(s) {
		c := s[i]

		if c == ' ' || c == '\t' {
			i++
			continue
		}

		if expectOperand {
			tok, next, err := scanOperand(s, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next
			expectOperand = false
			continue
		}

		if !isOperator(c) {
			return nil, schema.NewErrorf(schema.KindWrongArithmeticExpression,
				"expected operator at position %d in %q, got %q", i, s, string(c))
		}
		toks = append(toks, token{kind: tokenOperator, text: string(c)})
		i++
		expectOperand = true
	}

	if len(toks) == 0 {
		return nil, schema.NewErrorf(schema.KindWrongArithmeticExpression, "empty expression")
	}
	if expectOperand {
		return nil, schema.NewErrorf(schema.KindWrongArithmeticExpression,
			"trailing operator in %q", s)
	}

	return toks, nil
}

// scanOperand reads one operand starting at position i and returns the
// token together with the position immediately after it.
func scanOperand(s string, i int) (token, int, error) {
	c := s[i]

	switch {
	case isQuote(c):
		quote := c
		j := i + 1
		for j < len(s) && s[j] != quote {
			if !isIdentChar(s[j]) {
				return token{}, 0, schema.NewErrorf(schema.KindWrongArithmeticExpression,
					"invalid character %q in quoted identifier in %q", string(s[j]), s)
			}
			j++
		}
		if j >= len(s) {
			return token{}, 0, schema.NewErrorf(schema.KindWrongArithmeticExpression,
				"unterminated quote in %q", s)
		}
		if j == i+1 {
			return token{}, 0, schema.NewErrorf(schema.KindWrongArithmeticExpression,
				"empty quoted identifier in %q", s)
		}
		return token{kind: tokenIdent, text: s[i+1 : j]}, j + 1, nil

	case isDigit(c):
		j := i
		seenDot := false
		for j < len(s) && (isDigit(s[j]) || (s[j] == '.' && !seenDot)) {
			if s[j] == '.' {
				seenDot = true
			}
			j++
		}
		return token{kind: tokenNumber, text: s[i:j]}, j, nil

	case isLetter(c):
		j := i
		for j < len(s) {
			switch {
			case isLetter(s[j]) || isDigit(s[j]):
				j++
			case (s[j] == '-' || s[j] == '/') && j+1 < len(s) && isLetter(s[j+1]) && isLetter(s[j-1]):
				j += 2
			default:
				return token{kind: tokenIdent, text: s[i:j]}, j, nil
			}
		}
		return token{kind: tokenIdent, text: s[i:j]}, j, nil

	default:
		return token{}, 0, schema.NewErrorf(schema.KindWrongArithmeticExpression,
			"invalid character %q in %q", string(c), s)
	}
}

// isIdentChar reports whether c may appear inside an identifier.
func isIdentChar(c byte) bool {
	return isLetter(c) || isDigit(c) || c == '-' || c == '/'
}

// IsExpression reports whether s, after stripping a leading marker,
// matches the grammar: operand (operator operand)*.
func IsExpression(s string) bool {
	_, err := tokenize(strings.TrimPrefix(s, Marker))
	return err == nil
}

// IsClosedNumeric reports whether s consists only of digits, dots,
// operators, and whitespace, with at least one digit. Such strings
// evaluate without a variable context, marker or not.
func IsClosedNumeric(s string) bool {
	hasDigit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isDigit(c):
			hasDigit = true
		case c == '.' || c == ' ' || c == '\t' || isOperator(c):
		default:
			return false
		}
	}
	return hasDigit
}

// ExtractVariableName returns the first identifier-shaped token in s:
// a run of letters and digits starting with a letter, optionally
// chained with '-' or '/', quotes stripped. The second return is false
// when s contains no identifier.
func ExtractVariableName(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		if isLetter(s[i]) {
			tok, _, err := scanOperand(s, i)
			if err != nil {
				return "", false
			}
			return tok.text, true
		}
	}
	return "", false
}

// ExtractVariable is the combined extract-or-evaluate helper. For a
// string containing an identifier it returns the first identifier name;
// for a closed numeric expression it returns the evaluated number; any
// other value (including non-strings) passes through unchanged.
// Downstream mapping relies on receiving either a variable name or a
// pre-computed number.
func ExtractVariable(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if name, found := ExtractVariableName(s); found {
		return name
	}
	body := strings.TrimPrefix(s, Marker)
	if IsClosedNumeric(body) {
		if n, err := EvaluateClosedNumeric(body); err == nil {
			return n
		}
	}
	return v
}
