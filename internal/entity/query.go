package entity

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"meridian/internal/meta"
	"meridian/internal/value"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

type SortKey struct {
	Field string
	Desc  bool
}

// Filter: условие на поле, Op из eq, ne, in, gt, gte, lt, lte, like.
type Filter struct {
	Field  string
	Op     string
	Values []string
}

// Query: параметры листинга.
type Query struct {
	Limit           int
	Offset          int
	Sort            []SortKey
	Filters         []Filter
	Q               string
	NullsFirst      bool
	IncludeInactive bool
}

var serviceKeys = map[string]bool{
	"q": true, "offset": true, "limit": true, "sort": true, "nulls": true,
	"_offset": true, "_limit": true, "_sort": true, "inactive": true,
}

// ParseQuery разбирает query-параметры:
//
//	?_limit=20&_offset=40&_sort=-total,name&nulls=first
//	&status__in=OPEN,DRAFT&total__gte=1000&dueDate__lte=2025-01-31&q=acme
func ParseQuery(q url.Values) Query {
	out := Query{Limit: DefaultLimit}
	if n, err := strconv.Atoi(first(q, "_limit", "limit")); err == nil && n >= 0 && n <= MaxLimit {
		out.Limit = n
	}
	if n, err := strconv.Atoi(first(q, "_offset", "offset")); err == nil && n >= 0 {
		out.Offset = n
	}
	for _, p := range strings.Split(first(q, "_sort", "sort"), ",") {
		p = strings.TrimSpace(p)
		desc := strings.HasPrefix(p, "-")
		p = strings.TrimLeft(p, "+-")
		if p != "" {
			out.Sort = append(out.Sort, SortKey{Field: p, Desc: desc})
		}
	}
	out.NullsFirst = strings.EqualFold(strings.TrimSpace(q.Get("nulls")), "first")
	out.IncludeInactive = q.Get("inactive") == "true"
	out.Q = strings.TrimSpace(q.Get("q"))

	keys := make([]string, 0, len(q))
	for k := range q {
		if !serviceKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		v := strings.TrimSpace(q.Get(key))
		if v == "" {
			continue
		}
		field, op := key, "eq"
		if i := strings.LastIndex(key, "__"); i > 0 {
			field, op = key[:i], key[i+2:]
		}
		var vals []string
		if op == "in" {
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					vals = append(vals, p)
				}
			}
		} else {
			vals = []string{v}
		}
		if field != "" && len(vals) > 0 {
			out.Filters = append(out.Filters, Filter{Field: field, Op: op, Values: vals})
		}
	}
	return out
}

func first(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// Apply фильтрует, сортирует и режет на страницу уже выбранные записи одного
// типа. def может быть nil: тогда фильтры сравнивают строковые представления.
func Apply(items []*DynamicEntity, def *meta.EntityDefinition, q Query) Page {
	matched := make([]*DynamicEntity, 0, len(items))
	for _, e := range items {
		if !q.IncludeInactive && !e.Active {
			continue
		}
		if Matches(e, def, q) {
			matched = append(matched, e)
		}
	}
	sortEntities(matched, q.Sort, q.NullsFirst)

	page := Page{Total: len(matched), Limit: q.Limit, Offset: q.Offset}
	if q.Offset >= len(matched) {
		page.Items = []*DynamicEntity{}
		return page
	}
	end := len(matched)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	page.Items = matched[q.Offset:end]
	return page
}

// Matches: все фильтры и полнотекстовый q (по строковым полям).
func Matches(e *DynamicEntity, def *meta.EntityDefinition, q Query) bool {
	for _, f := range q.Filters {
		if !matchFilter(e.Attributes.Get(f.Field), fieldType(def, f.Field), f) {
			return false
		}
	}
	if q.Q == "" {
		return true
	}
	needle := strings.ToLower(q.Q)
	for name, v := range e.Attributes {
		if def != nil {
			if fd, ok := def.Field(name); ok && !fd.Searchable && hasSearchable(def) {
				continue
			}
		}
		if s, ok := v.(value.String); ok && strings.Contains(strings.ToLower(string(s)), needle) {
			return true
		}
	}
	return false
}

// hasSearchable: если ни одно поле не помечено searchable, q ищет по всем строкам.
func hasSearchable(def *meta.EntityDefinition) bool {
	for _, f := range def.Fields {
		if f.Searchable {
			return true
		}
	}
	return false
}

func fieldType(def *meta.EntityDefinition, name string) meta.DataType {
	if def == nil {
		return ""
	}
	if f, ok := def.Field(name); ok {
		return f.DataType
	}
	return ""
}

// literalFor приводит строку фильтра к виду значения поля.
func literalFor(t meta.DataType, got value.Value, s string) value.Value {
	switch {
	case t == meta.TypeInteger || t == meta.TypeDecimal || value.IsNumeric(got):
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return value.Int(i)
		}
		if d, err := value.NewDecimal(s); err == nil {
			return d
		}
	case t == meta.TypeBoolean || got.Kind() == value.KindBool:
		if b, err := strconv.ParseBool(s); err == nil {
			return value.Bool(b)
		}
	case t == meta.TypeDate || t == meta.TypeDateTime || got.Kind() == value.KindDate:
		if d, err := value.ParseDate(s); err == nil {
			return d
		}
	}
	return value.String(s)
}

func matchFilter(got value.Value, t meta.DataType, f Filter) bool {
	switch f.Op {
	case "eq", "ne":
		eq := equalFold(got, literalFor(t, got, f.Values[0]))
		return eq == (f.Op == "eq")
	case "in":
		for _, s := range f.Values {
			if equalFold(got, literalFor(t, got, s)) {
				return true
			}
		}
		return false
	case "like":
		return strings.Contains(strings.ToLower(got.String()), strings.ToLower(f.Values[0]))
	case "gt", "gte", "lt", "lte":
		c, err := value.Compare(got, literalFor(t, got, f.Values[0]))
		if err != nil {
			return false
		}
		switch f.Op {
		case "gt":
			return c > 0
		case "gte":
			return c >= 0
		case "lt":
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}

func equalFold(a, b value.Value) bool {
	if sa, ok := a.(value.String); ok {
		if sb, ok := b.(value.String); ok {
			return strings.EqualFold(string(sa), string(sb))
		}
	}
	return value.Equal(a, b)
}

// sortEntities: мультисортировка с политикой nulls; без ключей, по времени создания.
func sortEntities(items []*DynamicEntity, keys []SortKey, nullsFirst bool) {
	if len(keys) == 0 {
		sort.SliceStable(items, func(i, j int) bool {
			if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].CreatedAt.Before(items[j].CreatedAt)
			}
			return items[i].ID < items[j].ID
		})
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		for _, k := range keys {
			if c := cmpByKey(items[i], items[j], k, nullsFirst); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func cmpByKey(a, b *DynamicEntity, k SortKey, nullsFirst bool) int {
	va, vb := sortValue(a, k.Field), sortValue(b, k.Field)
	na, nb := value.IsNull(va), value.IsNull(vb)
	switch {
	case na && nb:
		return 0
	case na != nb:
		// nulls не зависят от направления
		if na == nullsFirst {
			return -1
		}
		return 1
	}
	c, err := value.Compare(va, vb)
	if err != nil {
		c = strings.Compare(va.String(), vb.String())
	}
	if k.Desc {
		c = -c
	}
	return c
}

func sortValue(e *DynamicEntity, field string) value.Value {
	switch field {
	case "id":
		return value.String(e.ID)
	case "createdAt":
		return value.NewDateTime(e.CreatedAt)
	case "updatedAt":
		return value.NewDateTime(e.UpdatedAt)
	case "version":
		return value.Int(e.Version)
	}
	return e.Attributes.Get(field)
}
