package pg

import (
	"fmt"
	"regexp"
	"strings"

	"meridian/internal/meta"
)

// Table: общая таблица динамических сущностей. Атрибуты лежат в jsonb
// в формате value.EncodeTagged: {"field": {"t": "...", "v": "..."}}.
const Table = "entities"

// BaseDDL: ключ сортировки → DDL общей таблицы.
func BaseDDL() map[string]string {
	return map[string]string{
		"000_entities": `create table if not exists "entities" (
  "id" text primary key,
  "tenant_id" text not null,
  "entity_type" text not null,
  "attributes" jsonb not null default '{}'::jsonb,
  "metadata" jsonb not null default '{}'::jsonb,
  "active" boolean not null default true,
  "version" bigint not null,
  "created_by" text not null default '',
  "updated_by" text not null default '',
  "created_at" timestamp with time zone not null,
  "updated_at" timestamp with time zone not null
);
create index if not exists "entities_tenant_type_ix" on "entities" ("tenant_id", "entity_type", "created_at", "id");`,
	}
}

var identRe = regexp.MustCompile(`[^a-z0-9_]+`)

// safeIdent: имя объекта Postgres из [a-z0-9_], не длиннее 63 байт.
func safeIdent(parts ...string) string {
	s := identRe.ReplaceAllString(strings.ToLower(strings.Join(parts, "_")), "_")
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func sqlIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func sqlLiteral(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

// AttrExpr: выражение значения атрибута в jsonb.
func AttrExpr(field string) string {
	return fmt.Sprintf(`("attributes"->%s->>'v')`, sqlLiteral(field))
}

// GenerateIndexDDL возвращает DDL частичных индексов по выражениям для полей
// indexed и unique. Уникальность действует среди активных записей арендатора.
func GenerateIndexDDL(defs []meta.EntityDefinition) (map[string]string, error) {
	out := make(map[string]string, len(defs))
	for _, def := range defs {
		prefix := def.Table
		if prefix == "" {
			prefix = def.Name
		}
		var b strings.Builder
		seen := map[string]bool{}
		for _, f := range def.Fields {
			if seen[f.Name] {
				return nil, fmt.Errorf("%s: field %q declared twice", def.Name, f.Name)
			}
			seen[f.Name] = true
			where := fmt.Sprintf(`"entity_type" = %s`, sqlLiteral(def.Name))
			switch {
			case f.Unique:
				fmt.Fprintf(&b, "create unique index if not exists %s on %s (\"tenant_id\", %s) where %s and \"active\";\n",
					sqlIdent(safeIdent(prefix, f.Name, "uq")), sqlIdent(Table), AttrExpr(f.Name), where)
			case f.Indexed || f.DataType == meta.TypeReference:
				fmt.Fprintf(&b, "create index if not exists %s on %s (\"tenant_id\", %s) where %s;\n",
					sqlIdent(safeIdent(prefix, f.Name, "ix")), sqlIdent(Table), AttrExpr(f.Name), where)
			}
		}
		if b.Len() > 0 {
			out["100_"+safeIdent(prefix)] = b.String()
		}
	}
	return out, nil
}
