package registry

import (
	"strings"

	"meridian/internal/meta"
)

// table: именованные определения в порядке объявления.
type table[T any] struct {
	items map[string]T
	order []string
}

func newTable[T any]() table[T] {
	return table[T]{items: map[string]T{}}
}

func (t table[T]) clone() table[T] {
	out := table[T]{items: make(map[string]T, len(t.items)), order: append([]string(nil), t.order...)}
	for k, v := range t.items {
		out.items[k] = v
	}
	return out
}

// put заменяет определение на месте или добавляет в конец.
func (t *table[T]) put(name string, v T) {
	if _, ok := t.items[name]; !ok {
		t.order = append(t.order, name)
	}
	t.items[name] = v
}

func (t *table[T]) remove(kind, name string) error {
	if _, ok := t.items[name]; !ok {
		return meta.DefinitionNotFound(kind, name)
	}
	delete(t.items, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t table[T]) list() []T {
	out := make([]T, 0, len(t.order))
	for _, n := range t.order {
		out = append(out, t.items[n])
	}
	return out
}

type snapshot struct {
	version uint64

	entities    table[meta.EntityDefinition]
	rules       table[meta.RuleDefinition]
	workflows   table[meta.WorkflowDefinition]
	permissions table[meta.PermissionDefinition]
	groups      table[meta.SecurityGroup]
	plugins     []meta.PluginBinding

	// индексы, пересобираются в reindex
	ruleIndex map[string][]meta.RuleDefinition
	wfIndex   map[string][]meta.WorkflowDefinition
	lowerName map[string][]string
}

func newSnapshot() *snapshot {
	s := &snapshot{
		entities:    newTable[meta.EntityDefinition](),
		rules:       newTable[meta.RuleDefinition](),
		workflows:   newTable[meta.WorkflowDefinition](),
		permissions: newTable[meta.PermissionDefinition](),
		groups:      newTable[meta.SecurityGroup](),
	}
	s.reindex()
	return s
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{
		version:     s.version,
		entities:    s.entities.clone(),
		rules:       s.rules.clone(),
		workflows:   s.workflows.clone(),
		permissions: s.permissions.clone(),
		groups:      s.groups.clone(),
		plugins:     append([]meta.PluginBinding(nil), s.plugins...),
	}
}

func indexKey(entityType, trigger string) string { return entityType + "\x00" + trigger }

func (s *snapshot) reindex() {
	s.ruleIndex = map[string][]meta.RuleDefinition{}
	for _, r := range s.rules.list() {
		k := indexKey(r.EntityType, r.Trigger)
		s.ruleIndex[k] = append(s.ruleIndex[k], r)
	}
	s.wfIndex = map[string][]meta.WorkflowDefinition{}
	for _, w := range s.workflows.list() {
		k := indexKey(w.EntityType, w.Trigger)
		s.wfIndex[k] = append(s.wfIndex[k], w)
	}
	s.lowerName = map[string][]string{}
	for _, n := range s.entities.order {
		k := strings.ToLower(n)
		s.lowerName[k] = append(s.lowerName[k], n)
	}
}

// resolve: регистронезависимый поиск; неоднозначность считается промахом.
func (s *snapshot) resolve(raw string) (string, bool) {
	hits := s.lowerName[strings.ToLower(strings.TrimSpace(raw))]
	if len(hits) == 1 {
		return hits[0], true
	}
	return "", false
}
