package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"meridian/internal/pg"
)

// dialect: различия SQL между драйверами.
type dialect struct {
	name string
	// bind: плейсхолдер n-го аргумента (с 1)
	bind func(n int) string
	// attrExpr: выражение текстового значения атрибута
	attrExpr func(field string) string
	// timeArg: представление времени в аргументе
	timeArg func(t time.Time) any
}

var postgresDialect = dialect{
	name:     "postgres",
	bind:     func(n int) string { return "$" + strconv.Itoa(n) },
	attrExpr: pg.AttrExpr,
	timeArg:  func(t time.Time) any { return t.UTC() },
}

var sqliteDialect = dialect{
	name: "sqlite",
	bind: func(int) string { return "?" },
	attrExpr: func(field string) string {
		path := `$."` + strings.ReplaceAll(field, `"`, `\"`) + `".v`
		return "json_extract(attributes, '" + strings.ReplaceAll(path, "'", "''") + "')"
	},
	timeArg: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
}

// args собирает плейсхолдеры и значения по порядку.
type args struct {
	d    dialect
	vals []any
}

func (a *args) add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.bind(len(a.vals))
}

// scanTime принимает time.Time (pgx) и текст RFC3339 (sqlite).
type scanTime struct{ t *time.Time }

func (s scanTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*s.t = v.UTC()
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	case nil:
		*s.t = time.Time{}
		return nil
	}
	return fmt.Errorf("scan time: unsupported %T", src)
}

func (s scanTime) parse(v string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			*s.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("scan time: cannot parse %q", v)
}

// jsonText принимает jsonb (pgx отдаёт []byte или string) и TEXT.
type jsonText struct{ b *[]byte }

func (j jsonText) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		*j.b = append((*j.b)[:0], v...)
	case string:
		*j.b = []byte(v)
	case nil:
		*j.b = nil
	default:
		return fmt.Errorf("scan json: unsupported %T", src)
	}
	return nil
}
