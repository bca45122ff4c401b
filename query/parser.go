package query

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokID
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokComparison
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokenKind
	text string // original text, for error reporting
	pos  int

	num uint64 // tokNumber
	str string // tokString, unquoted
}

// lex tokenizes the query. Reserved words are matched
// case-insensitively.
func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '<' || c == '>' || c == '=' || c == '!':
			start := i
			i++
			if i < len(input) && input[i] == '=' {
				i++
			}
			op := input[start:i]
			if op == "!" {
				return nil, &ParseError{Input: input, Pos: start, Value: op,
					Msg: `Parse error at "!"`}
			}
			toks = append(toks, token{kind: tokComparison, text: op, pos: start})
		case c == '"':
			end := strings.IndexByte(input[i+1:], '"')
			if end < 0 {
				return nil, &ParseError{Input: input, Pos: i, Value: input[i:],
					Msg: "Parse error: unterminated string"}
			}
			text := input[i : i+end+2]
			toks = append(toks, token{kind: tokString, text: text, pos: i, str: input[i+1 : i+1+end]})
			i += end + 2
		case c >= '0' && c <= '9':
			start := i
			base := 10
			if strings.HasPrefix(input[i:], "0x") || strings.HasPrefix(input[i:], "0X") {
				i += 2
				base = 16
				for i < len(input) && isHexDigit(input[i]) {
					i++
				}
			} else {
				for i < len(input) && input[i] >= '0' && input[i] <= '9' {
					i++
				}
			}
			text := input[start:i]
			digits := text
			if base == 16 {
				digits = text[2:]
			}
			v, err := strconv.ParseUint(digits, base, 64)
			if err != nil {
				return nil, &ParseError{Input: input, Pos: start, Value: text,
					Msg: fmt.Sprintf("Parse error at %q: bad number", text)}
			}
			toks = append(toks, token{kind: tokNumber, text: text, pos: start, num: v})
		case isIdentStart(c):
			start := i
			for i < len(input) && isIdentChar(input[i]) {
				i++
			}
			text := input[start:i]
			kind := tokID
			switch strings.ToUpper(text) {
			case "AND":
				kind = tokAnd
			case "OR":
				kind = tokOr
			case "NOT":
				kind = tokNot
			}
			toks = append(toks, token{kind: kind, text: text, pos: start})
		default:
			return nil, &ParseError{Input: input, Pos: i, Value: string(c),
				Msg: fmt.Sprintf("Parse error: illegal character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(input)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// Parse parses a query. An empty (or all-whitespace) query matches
// everything. Attribute names are checked here, not at evaluation
// time, so a typo fails fast with the list of valid names.
func Parse(input string) (Expr, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, toks: toks}
	if p.peek().kind == tokEOF {
		return All{}, nil
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorAt(t, fmt.Sprintf("Parse error at %q", t.text))
	}
	return e, nil
}

// The grammar has three precedence tiers, loosest first:
//
//	expr   = unary { ("and" | "or") unary }
//	unary  = "not" unary | cmp
//	cmp    = operand COMPARISON operand | "(" expr ")"
//
// "and" and "or" share one left-associative tier.
type parser struct {
	input string
	toks  []token
	i     int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) errorAt(t token, msg string) error {
	value := t.text
	if t.kind == tokEOF {
		value = ""
		msg = "Parse error: unexpected end of query"
	}
	return &ParseError{Input: p.input, Pos: t.pos, Value: value, Msg: msg}
}

func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokAnd:
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = And{A: left, B: right}
		case tokOr:
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = Or{A: left, B: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		a, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{A: a}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	if p.peek().kind == tokLParen {
		p.next()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, p.errorAt(t, fmt.Sprintf("Parse error at %q: expected )", t.text))
		}
		return e, nil
	}

	lhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	opTok := p.next()
	if opTok.kind != tokComparison {
		return nil, p.errorAt(opTok, fmt.Sprintf("Parse error at %q: expected a comparison operator", opTok.text))
	}
	rhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return Comparison{LHS: lhs, Op: opTok.text, RHS: rhs}, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokID:
		if !validAttrs[t.text] {
			return nil, p.errorAt(t, fmt.Sprintf("Unknown attribute %q (valid attributes: %s)",
				t.text, strings.Join(Attrs(), ", ")))
		}
		return attrRef{name: t.text}, nil
	case tokNumber:
		return numberLit{v: t.num}, nil
	case tokString:
		return stringLit{v: t.str}, nil
	default:
		return nil, p.errorAt(t, fmt.Sprintf("Parse error at %q", t.text))
	}
}
