package dsl

import (
	"fmt"
	"strconv"
	"strings"

	"meridian/internal/meta"
)

// Definition переводит разобранную сущность в схему рантайма.
func (e *Entity) Definition() (meta.EntityDefinition, error) {
	def := meta.EntityDefinition{
		Name:        e.Name,
		Table:       e.Options["table"],
		TenantID:    e.Options["tenant"],
		Active:      !isTrue(e.Options["inactive"]),
		Auditable:   isTrue(e.Options["auditable"]),
		Versionable: isTrue(e.Options["versionable"]),
	}
	for k, v := range e.Options {
		switch {
		case strings.HasPrefix(k, "meta."):
			def.Metadata = putKV(def.Metadata, strings.TrimPrefix(k, "meta."), v)
		case strings.HasPrefix(k, "display."):
			def.Display = putKV(def.Display, strings.TrimPrefix(k, "display."), v)
		case k == "table", k == "tenant", k == "inactive", k == "auditable", k == "versionable":
		default:
			return def, fmt.Errorf("entity %s: unknown option %q", e.Name, k)
		}
	}
	if e.Module != "" {
		def.Metadata = putKV(def.Metadata, "module", e.Module)
	}
	if len(e.Checks) > 0 {
		def.Validation = make(map[string]string, len(e.Checks))
		for k, v := range e.Checks {
			def.Validation[k] = v
		}
	}
	for i, f := range e.Fields {
		fd, err := f.definition(i)
		if err != nil {
			return def, fmt.Errorf("entity %s: %w", e.Name, err)
		}
		def.Fields = append(def.Fields, fd)
	}
	return def, nil
}

func (f Field) definition(pos int) (meta.FieldDefinition, error) {
	dt, ok := meta.ParseDataType(f.Type)
	if !ok {
		return meta.FieldDefinition{}, fmt.Errorf("field %s (line %d): unknown type %q", f.Name, f.Line, f.Type)
	}
	fd := meta.FieldDefinition{
		Name:       f.Name,
		DataType:   dt,
		Enum:       f.Enum,
		Reference:  f.RefTarget,
		OrderIndex: pos,
	}
	for k, v := range f.Options {
		var err error
		switch k {
		case "required":
			fd.Required = isTrue(v)
		case "unique":
			fd.Unique = isTrue(v)
		case "indexed", "index":
			fd.Indexed = isTrue(v)
		case "searchable":
			fd.Searchable = isTrue(v)
		case "readonly", "read_only":
			fd.ReadOnly = isTrue(v)
		case "label":
			fd.Label = v
		case "pattern":
			fd.Pattern = v
		case "default":
			fd.DefaultValue = v
		case "calc":
			fd.Calculated = v
		case "catalog":
			fd.Catalog = v
		case "min_length":
			fd.MinLength, err = intPtr(v)
		case "max_length":
			fd.MaxLength, err = intPtr(v)
		case "order":
			fd.OrderIndex, err = strconv.Atoi(v)
		case "min", "max":
			fd.ValidationRules = putKV(fd.ValidationRules, k, v)
		default:
			err = fmt.Errorf("unknown option")
		}
		if err != nil {
			return fd, fmt.Errorf("field %s (line %d): option %s=%q: %w", f.Name, f.Line, k, v, err)
		}
	}
	return fd, nil
}

// Definitions переводит набор сущностей, останавливаясь на первой ошибке.
func Definitions(ents []*Entity) ([]meta.EntityDefinition, error) {
	out := make([]meta.EntityDefinition, 0, len(ents))
	for _, e := range ents {
		def, err := e.Definition()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func intPtr(s string) (*int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func putKV(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = map[string]string{}
	}
	m[k] = v
	return m
}
