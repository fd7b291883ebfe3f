package condition

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"meridian/internal/value"
)

// scope: привязки, доступные выражению только на чтение.
type scope interface {
	lookup(path []string) value.Value
}

// node: узел AST. Набор узлов закрыт: вызова методов нет.
type node interface {
	eval(s scope) (value.Value, error)
}

var (
	ErrNotBoolean  = errors.New("operand is not boolean")
	ErrDivByZero   = errors.New("division by zero")
	ErrNullOperand = errors.New("null operand")
)

type literal struct{ v value.Value }

func (n literal) eval(scope) (value.Value, error) { return n.v, nil }

type ident struct{ path []string }

func (n ident) eval(s scope) (value.Value, error) { return s.lookup(n.path), nil }

func (n ident) String() string { return strings.Join(n.path, ".") }

type notNode struct{ x node }

func (n notNode) eval(s scope) (value.Value, error) {
	b, err := evalBool(n.x, s)
	if err != nil {
		return nil, err
	}
	return value.Bool(!b), nil
}

type negNode struct{ x node }

func (n negNode) eval(s scope) (value.Value, error) {
	v, err := n.x.eval(s)
	if err != nil {
		return nil, err
	}
	return arith("-", value.Int(0), v)
}

type logical struct {
	and  bool
	l, r node
}

func (n logical) eval(s scope) (value.Value, error) {
	l, err := evalBool(n.l, s)
	if err != nil {
		return nil, err
	}
	if n.and && !l {
		return value.Bool(false), nil
	}
	if !n.and && l {
		return value.Bool(true), nil
	}
	r, err := evalBool(n.r, s)
	if err != nil {
		return nil, err
	}
	return value.Bool(r), nil
}

type binary struct {
	op   string
	l, r node
}

func (n binary) eval(s scope) (value.Value, error) {
	l, err := n.l.eval(s)
	if err != nil {
		return nil, err
	}
	r, err := n.r.eval(s)
	if err != nil {
		return nil, err
	}
	l, r = coerceDates(l, r)
	switch n.op {
	case "==":
		return value.Bool(value.Equal(l, r)), nil
	case "!=":
		return value.Bool(!value.Equal(l, r)), nil
	case "<", "<=", ">", ">=":
		c, err := value.Compare(l, r)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "<":
			return value.Bool(c < 0), nil
		case "<=":
			return value.Bool(c <= 0), nil
		case ">":
			return value.Bool(c > 0), nil
		default:
			return value.Bool(c >= 0), nil
		}
	}
	return arith(n.op, l, r)
}

type inList struct {
	x      node
	items  []node
	negate bool
}

func (n inList) eval(s scope) (value.Value, error) {
	x, err := n.x.eval(s)
	if err != nil {
		return nil, err
	}
	found := false
	for _, it := range n.items {
		v, err := it.eval(s)
		if err != nil {
			return nil, err
		}
		a, b := coerceDates(x, v)
		if value.Equal(a, b) {
			found = true
			break
		}
	}
	return value.Bool(found != n.negate), nil
}

// predicate: строковые предикаты contains/startsWith/endsWith/matches.
type predicate struct {
	op   string
	l, r node
	re   *regexp.Regexp // заранее скомпилирован, если шаблон, литерал
}

func (n predicate) eval(s scope) (value.Value, error) {
	l, err := n.l.eval(s)
	if err != nil {
		return nil, err
	}
	if value.IsNull(l) {
		return value.Bool(false), nil
	}
	r, err := n.r.eval(s)
	if err != nil {
		return nil, err
	}
	if value.IsNull(r) {
		return nil, fmt.Errorf("%s: %w", n.op, ErrNullOperand)
	}
	ls, rs := l.String(), r.String()
	switch n.op {
	case "contains":
		return value.Bool(strings.Contains(ls, rs)), nil
	case "startswith":
		return value.Bool(strings.HasPrefix(ls, rs)), nil
	case "endswith":
		return value.Bool(strings.HasSuffix(ls, rs)), nil
	}
	re := n.re
	if re == nil {
		re, err = compileFull(rs)
		if err != nil {
			return nil, err
		}
	}
	return value.Bool(re.MatchString(ls)), nil
}

// compileFull: matches проверяет совпадение всей строки.
func compileFull(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

// coerceDates приводит строковый литерал к дате, если второй операнд, дата:
// dueDate < '2024-01-31'.
func coerceDates(l, r value.Value) (value.Value, value.Value) {
	if l.Kind() == value.KindDate && r.Kind() == value.KindString {
		if d, err := value.ParseDate(r.String()); err == nil {
			return l, d
		}
	}
	if r.Kind() == value.KindDate && l.Kind() == value.KindString {
		if d, err := value.ParseDate(l.String()); err == nil {
			return d, r
		}
	}
	return l, r
}

func evalBool(n node, s scope) (bool, error) {
	v, err := n.eval(s)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case value.Bool:
		return bool(b), nil
	case value.Null:
		return false, nil
	}
	return false, fmt.Errorf("%w: %s", ErrNotBoolean, v.Kind())
}

func arith(op string, l, r value.Value) (value.Value, error) {
	if op == "+" && (l.Kind() == value.KindString || r.Kind() == value.KindString) {
		if value.IsNull(l) || value.IsNull(r) {
			return nil, fmt.Errorf("%s: %w", op, ErrNullOperand)
		}
		return value.String(l.String() + r.String()), nil
	}
	if value.IsNull(l) || value.IsNull(r) {
		return nil, fmt.Errorf("%s: %w", op, ErrNullOperand)
	}
	if !value.IsNumeric(l) || !value.IsNumeric(r) {
		return nil, fmt.Errorf("operator %s not defined for %s and %s", op, l.Kind(), r.Kind())
	}
	li, lok := l.(value.Int)
	ri, rok := r.(value.Int)
	if lok && rok && op != "/" {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "%":
			if ri == 0 {
				return nil, ErrDivByZero
			}
			return li % ri, nil
		}
	}
	a, _ := value.ToApd(l)
	b, _ := value.ToApd(r)
	if (op == "/" || op == "%") && b.IsZero() {
		return nil, ErrDivByZero
	}
	res := new(apd.Decimal)
	var err error
	switch op {
	case "+":
		_, err = value.Arith.Add(res, a, b)
	case "-":
		_, err = value.Arith.Sub(res, a, b)
	case "*":
		_, err = value.Arith.Mul(res, a, b)
	case "/":
		_, err = value.Arith.Quo(res, a, b)
	case "%":
		_, err = value.Arith.Rem(res, a, b)
	default:
		return nil, fmt.Errorf("unknown operator %s", op)
	}
	if err != nil {
		return nil, err
	}
	d := value.DecimalFromApd(res)
	if lok && rok && d.IsInteger() {
		if i, err := res.Int64(); err == nil {
			return value.Int(i), nil
		}
	}
	return d, nil
}
