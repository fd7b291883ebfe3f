package value

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromNormalizesNumbers(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want Value
	}{
		{"nil", nil, Null{}},
		{"whole float", float64(42), Int(42)},
		{"fraction", 12.5, MustDecimal("12.5")},
		{"json int", json.Number("7"), Int(7)},
		{"json decimal", json.Number("0.10"), MustDecimal("0.10")},
		{"string", "x", String("x")},
		{"bool", true, Bool(true)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := From(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want.Kind(), got.Kind())
			assert.True(t, Equal(tc.want, got), "%v != %v", tc.want, got)
		})
	}

	_, err := From(struct{}{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCompareAcrossNumericKinds(t *testing.T) {
	assert.True(t, Equal(Int(10), MustDecimal("10.00")))
	c, err := Compare(MustDecimal("0.1"), Int(1))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	assert.False(t, Equal(String("1"), Int(1)))
	assert.True(t, Equal(Null{}, nil))
	_, err = Compare(Null{}, Int(1))
	assert.Error(t, err)
	_, err = Compare(String("a"), Bool(true))
	assert.Error(t, err)

	early, _ := ParseDate("2026-01-01")
	late, _ := ParseDate("2026-03-01T10:00:00Z")
	c, err = Compare(early, late)
	require.NoError(t, err)
	assert.Equal(t, -1, c)
}

func TestDecimalKeepsScale(t *testing.T) {
	d := MustDecimal("12.50")
	assert.Equal(t, "12.50", d.String())
	assert.False(t, d.IsInteger())
	assert.True(t, MustDecimal("3.00").IsInteger())
	assert.InDelta(t, 12.5, d.Float64(), 1e-9)

	_, err := NewDecimal("twelve")
	assert.Error(t, err)
}

func TestDates(t *testing.T) {
	d, err := ParseDate("2026-02-28")
	require.NoError(t, err)
	assert.False(t, d.HasTime())
	assert.Equal(t, "2026-02-28", d.String())

	dt, err := ParseDate("2026-02-28T23:30:00+02:00")
	require.NoError(t, err)
	assert.True(t, dt.HasTime())
	assert.Equal(t, "2026-02-28T21:30:00Z", dt.String())

	assert.Equal(t, "2026-02-28", NewDate(time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC)).String())
	_, err = ParseDate("28.02.2026")
	assert.Error(t, err)
}

func TestAttributesJSON(t *testing.T) {
	var a Attributes
	require.NoError(t, json.Unmarshal([]byte(`{"total":"1","amount":19.99,"qty":3,"memo":null}`), &a))
	assert.Equal(t, String("1"), a.Get("total"))
	assert.IsType(t, Decimal{}, a.Get("amount"))
	assert.Equal(t, "19.99", a.Get("amount").String(), "no float rounding on decode")
	assert.Equal(t, Int(3), a.Get("qty"))
	assert.True(t, a.Has("memo"))
	assert.True(t, IsNull(a.Get("memo")))
	assert.True(t, IsNull(a.Get("absent")))
	assert.Equal(t, []string{"amount", "memo", "qty", "total"}, a.Keys())

	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":"1","amount":19.99,"qty":3,"memo":null}`, string(out))
}

func TestTaggedEncodingPreservesKinds(t *testing.T) {
	day, _ := ParseDate("2026-01-15")
	in := Attributes{
		"s": String("x"), "i": Int(-4), "d": MustDecimal("100.10"),
		"b": Bool(true), "t": day, "n": Null{},
	}
	raw, err := EncodeTagged(in)
	require.NoError(t, err)
	out, err := DecodeTagged(raw)
	require.NoError(t, err)
	for _, k := range in.Keys() {
		assert.Equal(t, in[k].Kind(), out[k].Kind(), k)
		assert.Equal(t, in[k].String(), out[k].String(), k)
	}

	_, err = DecodeTagged([]byte(`{"x":{"t":"blob","v":"?"}}`))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCloneIsShallowCopy(t *testing.T) {
	a := Attributes{"x": Int(1)}
	b := a.Clone()
	b["x"] = Int(2)
	assert.Equal(t, Int(1), a.Get("x"))
	assert.NotNil(t, Attributes(nil).Clone())
	assert.True(t, IsBlank(String("  ")))
	assert.False(t, IsBlank(Int(0)))
}
