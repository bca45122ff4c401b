// Package query implements a small filter language over heap usage
// records, e.g.:
//
//	size > 1000 and domain = "python"
//	not (kind == "str") or size <= 32
//
// Attribute names are validated at parse time; values are either
// numbers (decimal or 0x-prefixed hex) or double-quoted strings.
// Syntax errors point at the offending token with a caret underline.
package query

import (
	"fmt"
	"sort"
	"strings"
)

// Record is one row a query can match against. Attr returns the value
// of the named attribute, either a string or a uint64. Attr is only
// called with names the parser validated, but may fail if producing
// the value does (e.g. categorization needs an unreadable block).
type Record interface {
	Attr(name string) (any, error)
}

// Attrs lists the attribute names a query may reference, sorted.
func Attrs() []string {
	names := make([]string, 0, len(validAttrs))
	for n := range validAttrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var validAttrs = map[string]bool{
	"domain": true,
	"kind":   true,
	"detail": true,
	"addr":   true,
	"start":  true,
	"size":   true,
}

// Expr is a parsed query, evaluated per record.
type Expr interface {
	Eval(r Record) (bool, error)
	String() string
}

// All matches every record. It is what an empty query parses to.
type All struct{}

func (All) Eval(Record) (bool, error) { return true, nil }
func (All) String() string            { return "<all>" }

// And matches when both operands match.
type And struct{ A, B Expr }

func (e And) Eval(r Record) (bool, error) {
	ok, err := e.A.Eval(r)
	if err != nil || !ok {
		return false, err
	}
	return e.B.Eval(r)
}
func (e And) String() string { return fmt.Sprintf("(%v and %v)", e.A, e.B) }

// Or matches when either operand matches.
type Or struct{ A, B Expr }

func (e Or) Eval(r Record) (bool, error) {
	ok, err := e.A.Eval(r)
	if err != nil || ok {
		return ok, err
	}
	return e.B.Eval(r)
}
func (e Or) String() string { return fmt.Sprintf("(%v or %v)", e.A, e.B) }

// Not inverts its operand.
type Not struct{ A Expr }

func (e Not) Eval(r Record) (bool, error) {
	ok, err := e.A.Eval(r)
	return !ok, err
}
func (e Not) String() string { return fmt.Sprintf("(not %v)", e.A) }

// Comparison compares two operands, at least one of which is an
// attribute reference.
type Comparison struct {
	LHS operand
	Op  string // one of <= < == = != >= >
	RHS operand
}

func (e Comparison) String() string { return fmt.Sprintf("%v %s %v", e.LHS, e.Op, e.RHS) }

func (e Comparison) Eval(r Record) (bool, error) {
	lhs, err := e.LHS.value(r)
	if err != nil {
		return false, err
	}
	rhs, err := e.RHS.value(r)
	if err != nil {
		return false, err
	}
	return compare(lhs, e.Op, rhs)
}

func compare(lhs any, op string, rhs any) (bool, error) {
	switch l := lhs.(type) {
	case uint64:
		rv, ok := rhs.(uint64)
		if !ok {
			// Mixed types are never equal, and never ordered.
			return compareMixed(op)
		}
		switch op {
		case "<":
			return l < rv, nil
		case "<=":
			return l <= rv, nil
		case ">":
			return l > rv, nil
		case ">=":
			return l >= rv, nil
		case "==", "=":
			return l == rv, nil
		case "!=":
			return l != rv, nil
		}
	case string:
		rv, ok := rhs.(string)
		if !ok {
			return compareMixed(op)
		}
		switch op {
		case "<":
			return l < rv, nil
		case "<=":
			return l <= rv, nil
		case ">":
			return l > rv, nil
		case ">=":
			return l >= rv, nil
		case "==", "=":
			return l == rv, nil
		case "!=":
			return l != rv, nil
		}
	}
	return false, fmt.Errorf("cannot compare %T with %q", lhs, op)
}

func compareMixed(op string) (bool, error) {
	switch op {
	case "==", "=":
		return false, nil
	case "!=":
		return true, nil
	}
	return false, fmt.Errorf("cannot order a string against a number")
}

// operand is one side of a comparison: an attribute reference or a
// literal.
type operand interface {
	value(r Record) (any, error)
}

type attrRef struct{ name string }

func (a attrRef) value(r Record) (any, error) { return r.Attr(a.name) }
func (a attrRef) String() string              { return a.name }

type numberLit struct{ v uint64 }

func (n numberLit) value(Record) (any, error) { return n.v, nil }
func (n numberLit) String() string            { return fmt.Sprintf("%d", n.v) }

type stringLit struct{ v string }

func (s stringLit) value(Record) (any, error) { return s.v, nil }
func (s stringLit) String() string            { return fmt.Sprintf("%q", s.v) }

// ParseError reports a syntax error with enough position information
// to underline the offending token in the input.
type ParseError struct {
	Input string // the full query text
	Pos   int    // byte offset of the offending token
	Value string // the offending token's text
	Msg   string // what was wrong
}

func (e *ParseError) Error() string {
	width := len(e.Value)
	if width == 0 {
		width = 1
	}
	return fmt.Sprintf("%s\n%s\n%s%s",
		e.Msg, e.Input, strings.Repeat(" ", e.Pos), strings.Repeat("^", width))
}
