package query_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogerhu/gdb-heap/query"
)

type fakeRecord map[string]any

func (f fakeRecord) Attr(name string) (any, error) {
	v, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("no attribute %q", name)
	}
	return v, nil
}

var pythonStr = fakeRecord{
	"domain": "python", "kind": "str", "detail": "",
	"addr": uint64(0x1000), "start": uint64(0x1000), "size": uint64(128),
}

func mustEval(t *testing.T, q string, r query.Record) bool {
	t.Helper()
	e, err := query.Parse(q)
	require.NoError(t, err, "query %q", q)
	ok, err := e.Eval(r)
	require.NoError(t, err, "query %q", q)
	return ok
}

func TestEmptyQueryMatchesEverything(t *testing.T) {
	assert.True(t, mustEval(t, "", pythonStr))
	assert.True(t, mustEval(t, "   ", pythonStr))
}

func TestComparisons(t *testing.T) {
	for q, want := range map[string]bool{
		`size == 128`:        true,
		`size = 128`:         true, // = and == are synonyms
		`size != 128`:        false,
		`size < 128`:         false,
		`size <= 128`:        true,
		`size > 100`:         true,
		`size >= 129`:        false,
		`addr == 0x1000`:     true,
		`start == 4096`:      true,
		`domain == "python"`: true,
		`domain = "C++"`:     false,
		`kind != "dict"`:     true,
		`128 == size`:        true, // literal on the left works too
	} {
		assert.Equal(t, want, mustEval(t, q, pythonStr), "query %q", q)
	}
}

func TestBooleanOperators(t *testing.T) {
	for q, want := range map[string]bool{
		`domain == "python" and size > 100`:  true,
		`domain == "python" AND size > 500`:  false, // keywords are case-insensitive
		`domain == "C++" or size > 100`:      true,
		`domain == "C++" or size > 500`:      false,
		`not domain == "C++"`:                true,
		`not domain == "python"`:             false,
		`not domain == "C++" and size > 100`: true,
	} {
		assert.Equal(t, want, mustEval(t, q, pythonStr), "query %q", q)
	}
}

func TestAndOrShareOneTier(t *testing.T) {
	// "a or b and c" groups left to right: ((a or b) and c).
	e, err := query.Parse(`size > 500 or size > 100 and domain == "C++"`)
	require.NoError(t, err)
	assert.Equal(t, `((size > 500 or size > 100) and domain == "C++")`, e.String())
	assert.False(t, mustEval(t, `size > 500 or size > 100 and domain == "C++"`, pythonStr))

	// Parentheses override.
	assert.False(t, mustEval(t, `size > 500 or (size > 100 and domain == "C++")`, pythonStr))
	assert.True(t, mustEval(t, `size > 500 or (size > 100 and domain == "python")`, pythonStr))
}

func TestMixedTypeComparison(t *testing.T) {
	// A string attribute never equals a number, and cannot be ordered
	// against one.
	assert.False(t, mustEval(t, `domain == 42`, pythonStr))
	assert.True(t, mustEval(t, `domain != 42`, pythonStr))

	e, err := query.Parse(`domain < 42`)
	require.NoError(t, err)
	_, err = e.Eval(pythonStr)
	assert.Error(t, err)
}

func TestSyntaxError(t *testing.T) {
	_, err := query.Parse("I AM A SYNTAX ERROR")
	require.Error(t, err)
	var perr *query.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 0, perr.Pos)
	assert.Equal(t, "I", perr.Value)
	// The rendering underlines the offending token.
	assert.Contains(t, err.Error(), "I AM A SYNTAX ERROR\n^")
}

func TestUnknownAttributeListsValidNames(t *testing.T) {
	_, err := query.Parse(`frobnicator == 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Unknown attribute "frobnicator"`)
	assert.Contains(t, err.Error(), "addr, detail, domain, kind, size, start")

	var perr *query.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "frobnicator", perr.Value)
	assert.Contains(t, err.Error(), "^^^^^^^^^^^")
}

func TestErrorPositions(t *testing.T) {
	_, err := query.Parse(`size >> 10`)
	var perr *query.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 6, perr.Pos)
	assert.Equal(t, ">", perr.Value)

	_, err = query.Parse(`size > `)
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Msg, "unexpected end of query")

	_, err = query.Parse(`domain == "unterminated`)
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Msg, "unterminated string")

	_, err = query.Parse(`size > 10 ; drop`)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 10, perr.Pos)
}

func TestTrailingGarbage(t *testing.T) {
	_, err := query.Parse(`size > 10 size < 20`)
	var perr *query.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "size", perr.Value)
	assert.Equal(t, 10, perr.Pos)
}
