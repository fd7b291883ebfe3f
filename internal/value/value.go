// Package value реализует типизированные скалярные значения атрибутов
// динамических сущностей: string | integer | decimal | boolean | date | null.
//
// Value: закрытый (sealed) интерфейс, реализовать его могут только типы
// этого пакета, поэтому type switch по значениям исчерпывающий.
package value

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Kind: тег варианта.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindDecimal
	KindBool
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindBool:
		return "boolean"
	case KindDate:
		return "date"
	default:
		return "unknown"
	}
}

// Value: значение одного атрибута.
type Value interface {
	Kind() Kind
	String() string
	value()
}

type Null struct{}

func (Null) Kind() Kind     { return KindNull }
func (Null) String() string { return "null" }
func (Null) value()         {}

type String string

func (String) Kind() Kind       { return KindString }
func (s String) String() string { return string(s) }
func (String) value()           {}

type Int int64

func (Int) Kind() Kind       { return KindInt }
func (i Int) String() string { return strconv.FormatInt(int64(i), 10) }
func (Int) value()           {}

type Bool bool

func (Bool) Kind() Kind       { return KindBool }
func (b Bool) String() string { return strconv.FormatBool(bool(b)) }
func (Bool) value()           {}

// Decimal: точное десятичное число (суммы, ставки). Внутренний *apd.Decimal
// после создания не мутируется.
type Decimal struct {
	d *apd.Decimal
}

func (Decimal) Kind() Kind { return KindDecimal }
func (Decimal) value()     {}

func (d Decimal) String() string {
	if d.d == nil {
		return "0"
	}
	return d.d.Text('f')
}

// Apd отдаёт копию внутреннего значения для арифметики.
func (d Decimal) Apd() *apd.Decimal {
	out := new(apd.Decimal)
	if d.d != nil {
		out.Set(d.d)
	}
	return out
}

// Float64: приблизительное значение (для метрик/логов, не для денег).
func (d Decimal) Float64() float64 {
	if d.d == nil {
		return 0
	}
	f, _ := d.d.Float64()
	return f
}

// IsInteger сообщает, что у числа нет дробной части.
func (d Decimal) IsInteger() bool {
	if d.d == nil {
		return true
	}
	var frac, integ apd.Decimal
	d.d.Modf(&integ, &frac)
	return frac.IsZero()
}

func NewDecimal(s string) (Decimal, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q", s)
	}
	return Decimal{d: d}, nil
}

func MustDecimal(s string) Decimal {
	d, err := NewDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

func DecimalFromApd(d *apd.Decimal) Decimal {
	out := new(apd.Decimal)
	out.Set(d)
	return Decimal{d: out}
}

func DecimalFromInt(i int64) Decimal {
	return Decimal{d: apd.New(i, 0)}
}

func DecimalFromFloat(f float64) (Decimal, error) {
	d, err := new(apd.Decimal).SetFloat64(f)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{d: d}, nil
}

const (
	dateLayout = "2006-01-02"
)

// Date: дата или момент времени (UTC). HasTime=false для чистой даты.
type Date struct {
	t       time.Time
	hasTime bool
}

func (Date) Kind() Kind { return KindDate }
func (Date) value()     {}

func (d Date) String() string {
	if d.hasTime {
		return d.t.Format(time.RFC3339)
	}
	return d.t.Format(dateLayout)
}

func (d Date) Time() time.Time { return d.t }
func (d Date) HasTime() bool   { return d.hasTime }

func NewDate(t time.Time) Date {
	y, m, day := t.UTC().Date()
	return Date{t: time.Date(y, m, day, 0, 0, 0, 0, time.UTC)}
}

func NewDateTime(t time.Time) Date {
	return Date{t: t.UTC(), hasTime: true}
}

// ParseDate принимает YYYY-MM-DD или RFC3339.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return NewDate(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return NewDateTime(t), nil
	}
	return Date{}, fmt.Errorf("invalid date %q", s)
}

// ErrUnsupported: значение не укладывается ни в один вариант.
var ErrUnsupported = errors.New("unsupported value type")

// From переводит «сырое» значение (JSON/YAML/Go) в Value.
// float64 без дробной части становится Int: так JSON-декодер отдаёт целые.
func From(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(t), nil
	case int32:
		return Int(t), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(t), nil
	case float32:
		return fromFloat(float64(t))
	case float64:
		return fromFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		return NewDecimal(t.String())
	case time.Time:
		return NewDateTime(t), nil
	case *apd.Decimal:
		return DecimalFromApd(t), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number", ErrUnsupported)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f)), nil
	}
	return DecimalFromFloat(f)
}

// Of: как From, но паникует; для литералов в коде и тестах.
func Of(v any) Value {
	out, err := From(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Native возвращает Go-представление для JSON/логов.
func Native(v Value) any {
	switch t := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(t)
	case Int:
		return int64(t)
	case Bool:
		return bool(t)
	case Decimal:
		return json.Number(t.String())
	case Date:
		return t.String()
	default:
		return v.String()
	}
}

// IsNull: nil или Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// IsBlank: null или строка из пробелов.
func IsBlank(v Value) bool {
	if IsNull(v) {
		return true
	}
	if s, ok := v.(String); ok {
		return strings.TrimSpace(string(s)) == ""
	}
	return false
}
