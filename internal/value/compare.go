package value

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Arith: контекст точной арифметики для decimal.
var Arith = apd.BaseContext.WithPrecision(34)

// IsNumeric: Int или Decimal.
func IsNumeric(v Value) bool {
	switch v.(type) {
	case Int, Decimal:
		return true
	}
	return false
}

// ToApd переводит числовое значение в decimal.
func ToApd(v Value) (*apd.Decimal, bool) {
	switch t := v.(type) {
	case Int:
		return apd.New(int64(t), 0), true
	case Decimal:
		return t.Apd(), true
	}
	return nil, false
}

// Equal сравнивает по значению; Int и Decimal сравнимы между собой,
// прочие разные виды не равны.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	if IsNumeric(a) && IsNumeric(b) {
		c, _ := Compare(a, b)
		return c == 0
	}
	if a.Kind() != b.Kind() {
		return false
	}
	c, err := Compare(a, b)
	return err == nil && c == 0
}

// Compare упорядочивает два значения одного вида. Null и несравнимые виды, ошибка.
func Compare(a, b Value) (int, error) {
	if IsNull(a) || IsNull(b) {
		return 0, fmt.Errorf("cannot order null")
	}
	if da, ok := ToApd(a); ok {
		db, ok := ToApd(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare %s with %s", a.Kind(), b.Kind())
		}
		return da.Cmp(db), nil
	}
	if a.Kind() != b.Kind() {
		return 0, fmt.Errorf("cannot compare %s with %s", a.Kind(), b.Kind())
	}
	switch x := a.(type) {
	case String:
		y := b.(String)
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case Bool:
		y := b.(Bool)
		switch {
		case x == y:
			return 0, nil
		case !bool(x):
			return -1, nil
		}
		return 1, nil
	case Date:
		return x.t.Compare(b.(Date).t), nil
	}
	return 0, fmt.Errorf("cannot compare %s", a.Kind())
}
