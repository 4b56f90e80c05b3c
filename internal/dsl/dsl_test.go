package dsl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestParse_ValidPredicates(t *testing.T) {
	cases := map[string]string{
		"literal true":  `{"op":"true"}`,
		"simple cmp":    `{"op":"cmp","field":"entity.type","cmp":"eq","value":"llc"}`,
		"nested and":    `{"op":"and","args":[{"op":"cmp","field":"employees","cmp":"gte","value":10},{"op":"exists","field":"region"}]}`,
		"in":            `{"op":"in","field":"region","values":["eu","us"]}`,
		"between lower": `{"op":"between","field":"revenue","min":1000}`,
		"matches":       `{"op":"matches","field":"vat_id","pattern":"^HR[0-9]{11}$"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := Parse([]byte(raw))
			require.NoError(t, err)
			require.NotNil(t, p)
		})
	}
}

func TestParse_InvalidPredicatesRejected(t *testing.T) {
	cases := map[string]string{
		"unknown operator":     `{"op":"xor","args":[{"op":"true"}]}`,
		"not with two args":    `{"op":"not","args":[{"op":"true"},{"op":"false"}]}`,
		"and with no args":     `{"op":"and"}`,
		"cmp unknown op":       `{"op":"cmp","field":"a","cmp":"like","value":1}`,
		"cmp missing value":    `{"op":"cmp","field":"a","cmp":"eq"}`,
		"bad field path":       `{"op":"exists","field":"a..b"}`,
		"empty in set":         `{"op":"in","field":"a","values":[]}`,
		"bad regex":            `{"op":"matches","field":"a","pattern":"["}`,
		"unknown json field":   `{"op":"true","bogus":1}`,
		"between inverted":     `{"op":"between","field":"a","min":5,"max":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestParse_BetweenWithoutBoundsRejected(t *testing.T) {
	// between with both bounds omitted must be rejected at validation time,
	// never accepted as always-true.
	_, err := Parse([]byte(`{"op":"between","field":"revenue"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one bound")
}

func TestParse_PatternLengthBounded(t *testing.T) {
	long := strings.Repeat("a", MaxPatternLength+1)
	_, err := Parse([]byte(`{"op":"matches","field":"a","pattern":"` + long + `"}`))
	require.Error(t, err)
}

func TestEvaluate_NeverErrors(t *testing.T) {
	ctx := Context{"employees": 12, "region": "eu", "name": "acme"}

	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"true literal", `{"op":"true"}`, true},
		{"false literal", `{"op":"false"}`, false},
		{"cmp hit", `{"op":"cmp","field":"employees","cmp":"gte","value":10}`, true},
		{"cmp miss", `{"op":"cmp","field":"employees","cmp":"lt","value":10}`, false},
		{"missing field is false", `{"op":"cmp","field":"absent","cmp":"eq","value":1}`, false},
		{"type mismatch is false", `{"op":"cmp","field":"name","cmp":"gt","value":5}`, false},
		{"in hit", `{"op":"in","field":"region","values":["eu","us"]}`, true},
		{"in miss", `{"op":"in","field":"region","values":["us"]}`, false},
		{"exists", `{"op":"exists","field":"region"}`, true},
		{"between in range", `{"op":"between","field":"employees","min":1,"max":100}`, true},
		{"between out of range", `{"op":"between","field":"employees","max":5}`, false},
		{"matches", `{"op":"matches","field":"name","pattern":"^ac"}`, true},
		{"not", `{"op":"not","args":[{"op":"exists","field":"absent"}]}`, true},
		{"and short circuit", `{"op":"and","args":[{"op":"false"},{"op":"true"}]}`, false},
		{"or", `{"op":"or","args":[{"op":"false"},{"op":"exists","field":"region"}]}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Parse([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Evaluate(ctx))
		})
	}
}

func TestEvaluate_NumericCoercion(t *testing.T) {
	// JSON decoding yields float64; context values built in Go may be ints.
	p, err := Parse([]byte(`{"op":"cmp","field":"rate","cmp":"eq","value":25}`))
	require.NoError(t, err)
	assert.True(t, p.Evaluate(Context{"rate": 25}))
	assert.True(t, p.Evaluate(Context{"rate": 25.0}))
	assert.False(t, p.Evaluate(Context{"rate": "25%"}))
}

func TestSpecificity(t *testing.T) {
	broad, err := Parse([]byte(`{"op":"true"}`))
	require.NoError(t, err)
	narrow, err := Parse([]byte(`{"op":"and","args":[{"op":"cmp","field":"a","cmp":"eq","value":1},{"op":"exists","field":"b"}]}`))
	require.NoError(t, err)

	assert.Equal(t, 0, broad.Specificity())
	assert.Equal(t, 2, narrow.Specificity())
	assert.Greater(t, narrow.Specificity(), broad.Specificity())
}
