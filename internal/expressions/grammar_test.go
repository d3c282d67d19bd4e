package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExpression(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"=param1+5/2", true},
		{"=param1*2", true},
		{"=10/param3", true},
		{"5", true},
		{"2*3-1", true},
		{"=carbon-product*2", true},
		{"='quoted'*2", true},
		{`="quoted"+1`, true},
		{"=param1^2", false}, // unsupported operator
		{"=param1+", false},  // trailing operator
		{"=+param1", false},  // leading operator
		{"=param1++2", false},
		{"=", false},
		{"", false},
		{"=param1 + 2", true},
		{"=a%2", false},
		{"='unterminated", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, IsExpression(tc.expr), "IsExpression(%q)", tc.expr)
	}
}

func TestIsClosedNumeric(t *testing.T) {
	assert.True(t, IsClosedNumeric("5"))
	assert.True(t, IsClosedNumeric("2*3-1"))
	assert.True(t, IsClosedNumeric("10 / 2"))
	assert.True(t, IsClosedNumeric("1.5+2.25"))
	assert.False(t, IsClosedNumeric("param1*2"))
	assert.False(t, IsClosedNumeric("+-*/"))
	assert.False(t, IsClosedNumeric(""))
}

func TestTokenize_HyphenBindsToIdentifier(t *testing.T) {
	toks, err := tokenize("carbon-product*2")
	require.NoError(t, err)
	require.Len(t, toks, 3)
	assert.Equal(t, "carbon-product", toks[0].text)
	assert.Equal(t, tokenIdent, toks[0].kind)

	// A slash between letters binds too (unit-style names).
	toks, err = tokenize("gb/day+1")
	require.NoError(t, err)
	require.Len(t, toks, 3)
	assert.Equal(t, "gb/day", toks[0].text)

	// A slash after a digit stays an operator.
	toks, err = tokenize("10/param3")
	require.NoError(t, err)
	require.Len(t, toks, 3)
	assert.Equal(t, tokenOperator, toks[1].kind)
}

func TestExtractVariableName(t *testing.T) {
	name, ok := ExtractVariableName("=param1+5/2")
	require.True(t, ok)
	assert.Equal(t, "param1", name)

	name, ok = ExtractVariableName("=10/param3")
	require.True(t, ok)
	assert.Equal(t, "param3", name)

	name, ok = ExtractVariableName("carbon-product")
	require.True(t, ok)
	assert.Equal(t, "carbon-product", name)

	_, ok = ExtractVariableName("10/2")
	assert.False(t, ok)
}

func TestExtractVariable(t *testing.T) {
	// Identifier wins.
	assert.Equal(t, "param1", ExtractVariable("=param1*2"))
	// Quotes are stripped.
	assert.Equal(t, "result", ExtractVariable("='result'+1"))
	// Closed numeric expressions evaluate.
	assert.Equal(t, 6.0, ExtractVariable("=2*3"))
	assert.Equal(t, 5.0, ExtractVariable("5"))
	// Non-strings and unextractable strings pass through.
	assert.Equal(t, 42, ExtractVariable(42))
	assert.Equal(t, "++", ExtractVariable("++"))
}

func TestEvaluateClosedNumeric_Precedence(t *testing.T) {
	n, err := EvaluateClosedNumeric("2+3*4")
	require.NoError(t, err)
	assert.Equal(t, 14.0, n)

	n, err = EvaluateClosedNumeric("20/2/5")
	require.NoError(t, err)
	assert.Equal(t, 2.0, n)

	n, err = EvaluateClosedNumeric("10-2+3")
	require.NoError(t, err)
	assert.Equal(t, 11.0, n)

	n, err = EvaluateClosedNumeric("1+6/2")
	require.NoError(t, err)
	assert.Equal(t, 4.0, n)
}
