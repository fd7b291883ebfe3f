package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"meridian/internal/condition"
	"meridian/internal/meta"
)

// Issue: найденная линтером проблема в определениях.
type Issue struct {
	Kind     string `json:"kind"` // entity|rule|workflow|permission|group|plugin
	Name     string `json:"name"`
	Field    string `json:"field,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

func (i Issue) String() string {
	where := i.Kind + " " + i.Name
	if i.Field != "" {
		where += "." + i.Field
	}
	return fmt.Sprintf("%s: %s (%s)", where, i.Message, i.Code)
}

// Blocking отбирает проблемы, запрещающие публикацию.
func Blocking(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Blocking {
			out = append(out, i)
		}
	}
	return out
}

// Lint проверяет текущий снимок.
func (r *Registry) Lint() []Issue { return lintSnapshot(r.load()) }

type linter struct {
	s      *snapshot
	issues []Issue
}

func (l *linter) add(kind, name, field, code string, blocking bool, format string, args ...any) {
	l.issues = append(l.issues, Issue{
		Kind: kind, Name: name, Field: field, Code: code,
		Message: fmt.Sprintf(format, args...), Blocking: blocking,
	})
}

func (l *linter) condition(kind, name, field, src string) {
	if strings.TrimSpace(src) == "" {
		return
	}
	if _, err := condition.Compile(src); err != nil {
		l.add(kind, name, field, "condition_syntax", true, "%v", err)
	}
}

func (l *linter) actions(kind, name string, actions []meta.Action) {
	for i, a := range actions {
		at := fmt.Sprintf("actions[%d]", i)
		if a.Type == "" {
			l.add(kind, name, at, "action_type_empty", true, "action has no type")
			continue
		}
		if !a.Type.Builtin() {
			l.add(kind, name, at, "action_type_custom", false, "action type %q must be registered as a handler", a.Type)
		}
		if s, ok := a.Value.(string); ok && strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
			l.condition(kind, name, at, s[2:len(s)-1])
		}
	}
}

func lintSnapshot(s *snapshot) []Issue {
	l := &linter{s: s}
	for _, def := range s.entities.list() {
		l.entity(def)
	}
	for _, def := range s.rules.list() {
		if _, ok := s.entities.items[def.EntityType]; !ok {
			l.add("rule", def.Name, "", "entity_unknown", false, "rule targets unregistered entity %q", def.EntityType)
		}
		l.condition("rule", def.Name, "condition", def.Condition)
		l.actions("rule", def.Name, def.Actions)
	}
	for _, def := range s.workflows.list() {
		l.workflow(def)
	}
	for _, def := range s.permissions.list() {
		name := def.Name()
		switch def.PrincipalType {
		case "", meta.PrincipalAny, meta.PrincipalUser, meta.PrincipalRole, meta.PrincipalGroup:
		default:
			l.add("permission", name, "", "principal_unknown", true, "unknown principal type %q", def.PrincipalType)
		}
		l.permissionEntity(name, def.EntityType)
		l.condition("permission", name, "condition", def.Condition)
	}
	for _, g := range s.groups.list() {
		for _, p := range g.Permissions {
			if !strings.Contains(p, ":") {
				l.add("group", g.Name, "", "permission_key", true, "permission %q is not in entityType:action form", p)
			}
		}
	}
	seen := map[string]bool{}
	for _, b := range s.plugins {
		if b.Name == "" || seen[b.Name] {
			l.add("plugin", b.Name, "", "plugin_name", true, "plugin binding name is empty or duplicated")
		}
		seen[b.Name] = true
	}
	return l.issues
}

func (l *linter) entity(def meta.EntityDefinition) {
	fields := map[string]bool{}
	for _, f := range def.Fields {
		if fields[f.Name] {
			l.add("entity", def.Name, f.Name, "field_duplicate", true, "field declared twice")
		}
		fields[f.Name] = true

		if _, ok := meta.ParseDataType(string(f.DataType)); !ok {
			l.add("entity", def.Name, f.Name, "type_unknown", true, "unknown data type %q", f.DataType)
		}
		switch f.DataType {
		case meta.TypeReference:
			if strings.TrimSpace(f.Reference) == "" {
				l.add("entity", def.Name, f.Name, "ref_target_empty", true, "reference field has empty target")
			} else if _, ok := l.s.entities.items[f.Reference]; !ok {
				l.add("entity", def.Name, f.Name, "ref_target_unknown", true, "reference target %q is not registered", f.Reference)
			}
		case meta.TypeEnum:
			if len(f.Enum) == 0 && f.Catalog == "" {
				l.add("entity", def.Name, f.Name, "enum_empty", true, "enum field has neither values nor catalog")
			}
		}
		if f.Pattern != "" {
			if _, err := regexp.Compile(f.Pattern); err != nil {
				l.add("entity", def.Name, f.Name, "pattern_invalid", true, "%v", err)
			}
		}
		if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
			l.add("entity", def.Name, f.Name, "length_range", true, "minLength %d exceeds maxLength %d", *f.MinLength, *f.MaxLength)
		}
		if f.Calculated != "" {
			l.condition("entity", def.Name, f.Name, f.Calculated)
			if f.Required {
				l.add("entity", def.Name, f.Name, "calculated_required", false, "calculated field is also required")
			}
		}
	}
	keys := make([]string, 0, len(def.Validation))
	for k := range def.Validation {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, field := range keys {
		l.condition("entity", def.Name, field, def.Validation[field])
	}
}

// permissionEntity: выдача действует на тип, найденный без учёта регистра;
// о расхождении в написании сообщается отдельно.
func (l *linter) permissionEntity(name, entityType string) {
	if _, ok := l.s.entities.items[entityType]; ok {
		return
	}
	if canon, ok := l.s.resolve(entityType); ok {
		l.add("permission", name, "", "entity_case", false, "entity %q is registered as %q", entityType, canon)
		return
	}
	l.add("permission", name, "", "entity_unknown", false, "permission targets unregistered entity %q", entityType)
}

func (l *linter) workflow(def meta.WorkflowDefinition) {
	if _, ok := l.s.entities.items[def.EntityType]; !ok {
		l.add("workflow", def.Name, "", "entity_unknown", false, "workflow targets unregistered entity %q", def.EntityType)
	}
	steps := map[string]bool{}
	for _, st := range def.Steps {
		if steps[st.Name] {
			l.add("workflow", def.Name, st.Name, "step_duplicate", false, "step name used twice")
		}
		steps[st.Name] = true
		if !st.Type.Valid() {
			l.add("workflow", def.Name, st.Name, "step_type_unknown", true, "unknown step type %q", st.Type)
		}
		if st.Async {
			l.add("workflow", def.Name, st.Name, "async_ignored", false, "async steps run synchronously")
		}
		l.condition("workflow", def.Name, st.Name, st.Condition)
		l.actions("workflow", def.Name+"/"+st.Name, st.Actions)
	}
}
