package condition

import (
	"fmt"
	"strconv"
	"strings"

	"meridian/internal/value"
)

// Грамматика (ключевые слова без учёта регистра):
//
//	expr       := or
//	or         := and { ("or" | "||") and }
//	and        := not { ("and" | "&&") not }
//	not        := ("not" | "!") not | comparison
//	comparison := additive [ cmpop additive
//	                       | ["not"] "in" list
//	                       | strpred additive ]
//	cmpop      := "==" | "!=" | "<" | "<=" | ">" | ">="
//	strpred    := "contains" | "startsWith" | "endsWith" | "matches"
//	list       := ("(" | "[") [ additive { "," additive } ] (")" | "]")
//	additive   := term { ("+" | "-") term }
//	term       := unary { ("*" | "/" | "%") unary }
//	unary      := "-" unary | primary
//	primary    := number | string | "true" | "false" | "null"
//	            | ident { "." ident } | "(" expr ")"
type parser struct {
	toks []token
	pos  int
}

var stringPredicates = map[string]bool{
	"contains": true, "startswith": true, "endswith": true, "matches": true,
}

// reserved нельзя использовать как имя поля без точки-префикса.
var reserved = map[string]bool{
	"and": true, "or": true, "not": true, "in": true,
	"true": true, "false": true, "null": true,
	"contains": true, "startswith": true, "endswith": true, "matches": true,
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == op
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().is("or") || p.isOp("||") {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = logical{and: false, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().is("and") || p.isOp("&&") {
		p.next()
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = logical{and: true, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().is("not") || p.isOp("!") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	switch {
	case t.kind == tokOp && isCmpOp(t.text):
		p.next()
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return binary{op: t.text, l: l, r: r}, nil
	case t.is("in"):
		p.next()
		items, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return inList{x: l, items: items}, nil
	case t.is("not"):
		p.next()
		if !p.peek().is("in") {
			return nil, p.errorf(p.peek(), "expected 'in' after 'not'")
		}
		p.next()
		items, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return inList{x: l, items: items, negate: true}, nil
	case t.kind == tokIdent && stringPredicates[strings.ToLower(t.text)]:
		p.next()
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		pr := predicate{op: strings.ToLower(t.text), l: l, r: r}
		if lit, ok := r.(literal); ok && pr.op == "matches" {
			re, err := compileFull(lit.v.String())
			if err != nil {
				return nil, p.errorf(t, "invalid pattern: %v", err)
			}
			pr.re = re
		}
		return pr, nil
	}
	return l, nil
}

func isCmpOp(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *parser) parseList() ([]node, error) {
	open := p.next()
	var closeKind tokenKind
	switch open.kind {
	case tokLParen:
		closeKind = tokRParen
	case tokLBracket:
		closeKind = tokRBracket
	default:
		return nil, p.errorf(open, "expected list, got %s", open)
	}
	var items []node
	if p.peek().kind == closeKind {
		p.next()
		return items, nil
	}
	for {
		it, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		t := p.next()
		if t.kind == closeKind {
			return items, nil
		}
		if t.kind != tokComma {
			return nil, p.errorf(t, "expected ',' or end of list, got %s", t)
		}
	}
}

func (p *parser) parseAdditive() (node, error) {
	l, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		op := p.next().text
		r, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		l = binary{op: op, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseTerm() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") || p.isOp("%") {
		op := p.next().text
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = binary{op: op, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("-") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(literal); ok && value.IsNumeric(lit.v) {
			v, err := arith("-", value.Int(0), lit.v)
			if err != nil {
				return nil, err
			}
			return literal{v: v}, nil
		}
		return negNode{x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := parseNumber(t.text)
		if err != nil {
			return nil, p.errorf(t, "invalid number %q", t.text)
		}
		return literal{v: v}, nil
	case tokString:
		return literal{v: value.String(t.text)}, nil
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, p.errorf(c, "expected ')', got %s", c)
		}
		return n, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return literal{v: value.Bool(true)}, nil
		case "false":
			return literal{v: value.Bool(false)}, nil
		case "null":
			return literal{v: value.Null{}}, nil
		}
		if reserved[strings.ToLower(t.text)] {
			return nil, p.errorf(t, "unexpected keyword %q", t.text)
		}
		path := []string{t.text}
		for p.peek().kind == tokDot {
			p.next()
			seg := p.next()
			if seg.kind != tokIdent {
				return nil, p.errorf(seg, "expected name after '.', got %s", seg)
			}
			path = append(path, seg.text)
		}
		if p.peek().kind == tokLParen {
			return nil, p.errorf(p.peek(), "function calls are not supported")
		}
		return ident{path: path}, nil
	}
	return nil, p.errorf(t, "unexpected %s", t)
}

func parseNumber(s string) (value.Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return value.Int(i), nil
		}
	}
	d, err := value.NewDecimal(s)
	if err != nil {
		return nil, err
	}
	return d, nil
}
