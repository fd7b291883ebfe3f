package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Attributes: карта атрибутов динамической сущности.
type Attributes map[string]Value

// FromMap переводит сырую карту (JSON/YAML) в Attributes.
func FromMap(raw map[string]any) (Attributes, error) {
	out := make(Attributes, len(raw))
	for k, v := range raw {
		val, err := From(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// MustMap: FromMap с паникой (литералы в тестах и примерах).
func MustMap(raw map[string]any) Attributes {
	out, err := FromMap(raw)
	if err != nil {
		panic(err)
	}
	return out
}

// Get возвращает Null для отсутствующего ключа.
func (a Attributes) Get(name string) Value {
	if v, ok := a[name]; ok && v != nil {
		return v
	}
	return Null{}
}

func (a Attributes) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a Attributes) String(name string) (string, bool) {
	s, ok := a[name].(String)
	return string(s), ok
}

func (a Attributes) Int(name string) (int64, bool) {
	i, ok := a[name].(Int)
	return int64(i), ok
}

func (a Attributes) Decimal(name string) (Decimal, bool) {
	switch t := a[name].(type) {
	case Decimal:
		return t, true
	case Int:
		return DecimalFromInt(int64(t)), true
	}
	return Decimal{}, false
}

func (a Attributes) Bool(name string) (bool, bool) {
	b, ok := a[name].(Bool)
	return bool(b), ok
}

func (a Attributes) Date(name string) (Date, bool) {
	d, ok := a[name].(Date)
	return d, ok
}

// Keys: отсортированные ключи (детерминированный обход).
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Native: карта Go-значений (для JSON-ответов и логов).
func (a Attributes) Native() map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = Native(v)
	}
	return out
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Native())
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := FromMap(raw)
	if err != nil {
		return err
	}
	*a = out
	return nil
}

// tagged: формат хранения с явным видом значения, {"t":"decimal","v":"12.50"}.
type tagged struct {
	T string `json:"t"`
	V string `json:"v,omitempty"`
}

// EncodeTagged сериализует атрибуты без потери вида (decimal не станет float,
// дата не станет строкой). Используется SQL-хранилищами.
func EncodeTagged(a Attributes) ([]byte, error) {
	raw := make(map[string]tagged, len(a))
	for k, v := range a {
		if IsNull(v) {
			raw[k] = tagged{T: KindNull.String()}
			continue
		}
		raw[k] = tagged{T: v.Kind().String(), V: v.String()}
	}
	return json.Marshal(raw)
}

func DecodeTagged(data []byte) (Attributes, error) {
	if len(data) == 0 {
		return Attributes{}, nil
	}
	var raw map[string]tagged
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(Attributes, len(raw))
	for k, t := range raw {
		v, err := decodeTagged(t)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func decodeTagged(t tagged) (Value, error) {
	switch t.T {
	case KindNull.String():
		return Null{}, nil
	case KindString.String():
		return String(t.V), nil
	case KindInt.String():
		var i int64
		if _, err := fmt.Sscan(t.V, &i); err != nil {
			return nil, err
		}
		return Int(i), nil
	case KindDecimal.String():
		return NewDecimal(t.V)
	case KindBool.String():
		return Bool(t.V == "true"), nil
	case KindDate.String():
		return ParseDate(t.V)
	}
	return nil, fmt.Errorf("%w: tag %q", ErrUnsupported, t.T)
}
