package dsl

// Entity описывает структуру сущности из DSL
type Entity struct {
	Name    string
	Module  string
	Options map[string]string // table, tenant, auditable, versionable, inactive
	Fields  []Field
	// Checks: выражения из блока constraints: check <field>: <expr>
	Checks map[string]string
	Line   int
}

// Field описывает поле сущности
type Field struct {
	Name      string
	Type      string            // string, int, date, enum, ref и т.д.
	Enum      []string          // значения enum, если поле типа enum
	RefTarget string            // для ref[Target]
	Options   map[string]string // required, unique, default и прочие опции
	Line      int
}
