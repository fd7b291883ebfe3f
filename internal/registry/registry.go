// Package registry хранит каталог метаданных рантайма с атомарной заменой.
//
// Читатели всегда видят целый снимок: старый или новый, без смеси.
// Писатели копируют снимок под mu и публикуют новый одним Store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"meridian/internal/meta"
)

// Source: хранилище определений, из которого реестр перечитывается.
type Source interface {
	LoadEntities(ctx context.Context) ([]meta.EntityDefinition, error)
	LoadRules(ctx context.Context) ([]meta.RuleDefinition, error)
	LoadWorkflows(ctx context.Context) ([]meta.WorkflowDefinition, error)
	LoadPermissions(ctx context.Context) ([]meta.PermissionDefinition, error)
	LoadSecurityGroups(ctx context.Context) ([]meta.SecurityGroup, error)
	LoadPlugins(ctx context.Context) ([]meta.PluginBinding, error)
}

// ReloadHook вызывается после публикации нового снимка.
type ReloadHook func(ctx context.Context, r *Registry) error

type Registry struct {
	log *slog.Logger

	mu    sync.Mutex
	snap  atomic.Pointer[snapshot]
	ready atomic.Bool
	hooks []ReloadHook
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{log: log}
	r.snap.Store(newSnapshot())
	return r
}

// OnReload регистрирует хук (сброс кэшей, перезагрузка плагинов).
func (r *Registry) OnReload(h ReloadHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Init загружает всё из источника и помечает реестр готовым.
func (r *Registry) Init(ctx context.Context, src Source) error {
	if err := r.ReloadAll(ctx, src); err != nil {
		return err
	}
	r.ready.Store(true)
	r.log.Info("metadata registry ready", "entities", len(r.load().entities.order))
	return nil
}

// MarkReady: для реестров, собранных вручную через Register*.
func (r *Registry) MarkReady() { r.ready.Store(true) }

func (r *Registry) Ready() bool { return r.ready.Load() }

// Version растёт с каждой публикацией снимка.
func (r *Registry) Version() uint64 { return r.load().version }

func (r *Registry) load() *snapshot { return r.snap.Load() }

// update копирует снимок, применяет fn и публикует результат.
func (r *Registry) update(fn func(s *snapshot) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.load().clone()
	if err := fn(next); err != nil {
		return err
	}
	r.publish(next)
	return nil
}

func (r *Registry) publish(next *snapshot) {
	next.version = r.load().version + 1
	next.reindex()
	r.snap.Store(next)
}

// ---- регистрация ----

func (r *Registry) RegisterEntity(def meta.EntityDefinition) error {
	if err := checkEntity(def); err != nil {
		return err
	}
	return r.update(func(s *snapshot) error { s.entities.put(def.Name, def); return nil })
}

func (r *Registry) UnregisterEntity(name string) error {
	return r.update(func(s *snapshot) error { return s.entities.remove("entity", name) })
}

func (r *Registry) RegisterRule(def meta.RuleDefinition) error {
	if err := checkRule(def); err != nil {
		return err
	}
	return r.update(func(s *snapshot) error { s.rules.put(def.Name, def); return nil })
}

func (r *Registry) UnregisterRule(name string) error {
	return r.update(func(s *snapshot) error { return s.rules.remove("rule", name) })
}

func (r *Registry) RegisterWorkflow(def meta.WorkflowDefinition) error {
	if err := checkWorkflow(def); err != nil {
		return err
	}
	return r.update(func(s *snapshot) error { s.workflows.put(def.Name, def); return nil })
}

func (r *Registry) UnregisterWorkflow(name string) error {
	return r.update(func(s *snapshot) error { return s.workflows.remove("workflow", name) })
}

func (r *Registry) RegisterPermission(def meta.PermissionDefinition) error {
	if err := checkPermission(def); err != nil {
		return err
	}
	return r.update(func(s *snapshot) error { s.permissions.put(def.Name(), def); return nil })
}

func (r *Registry) UnregisterPermission(name string) error {
	return r.update(func(s *snapshot) error { return s.permissions.remove("permission", name) })
}

func (r *Registry) RegisterSecurityGroup(g meta.SecurityGroup) error {
	if strings.TrimSpace(g.Name) == "" {
		return meta.InvalidDefinition("security group name must not be empty")
	}
	return r.update(func(s *snapshot) error { s.groups.put(g.Name, g); return nil })
}

func (r *Registry) UnregisterSecurityGroup(name string) error {
	return r.update(func(s *snapshot) error { return s.groups.remove("security group", name) })
}

// ---- чтение ----

// Entity возвращает копию определения; срезы внутри общие и только для чтения.
func (r *Registry) Entity(name string) (*meta.EntityDefinition, error) {
	s := r.load()
	if def, ok := s.entities.items[name]; ok {
		return &def, nil
	}
	if canon, ok := s.resolve(name); ok {
		def := s.entities.items[canon]
		return &def, nil
	}
	return nil, meta.DefinitionNotFound("entity", name)
}

func (r *Registry) Rule(name string) (*meta.RuleDefinition, error) {
	if def, ok := r.load().rules.items[name]; ok {
		return &def, nil
	}
	return nil, meta.DefinitionNotFound("rule", name)
}

func (r *Registry) Workflow(name string) (*meta.WorkflowDefinition, error) {
	if def, ok := r.load().workflows.items[name]; ok {
		return &def, nil
	}
	return nil, meta.DefinitionNotFound("workflow", name)
}

func (r *Registry) Permission(name string) (*meta.PermissionDefinition, error) {
	if def, ok := r.load().permissions.items[name]; ok {
		return &def, nil
	}
	return nil, meta.DefinitionNotFound("permission", name)
}

func (r *Registry) SecurityGroup(name string) (*meta.SecurityGroup, error) {
	if g, ok := r.load().groups.items[name]; ok {
		return &g, nil
	}
	return nil, meta.DefinitionNotFound("security group", name)
}

func (r *Registry) Entities() []meta.EntityDefinition        { return r.load().entities.list() }
func (r *Registry) Rules() []meta.RuleDefinition             { return r.load().rules.list() }
func (r *Registry) Workflows() []meta.WorkflowDefinition     { return r.load().workflows.list() }
func (r *Registry) Permissions() []meta.PermissionDefinition { return r.load().permissions.list() }
func (r *Registry) SecurityGroups() []meta.SecurityGroup     { return r.load().groups.list() }
func (r *Registry) PluginBindings() []meta.PluginBinding {
	return append([]meta.PluginBinding(nil), r.load().plugins...)
}

// RulesFor: правила типа и триггера, видимые арендатору, в порядке объявления.
func (r *Registry) RulesFor(entityType, trigger, tenant string) []meta.RuleDefinition {
	var out []meta.RuleDefinition
	for _, def := range r.load().ruleIndex[indexKey(entityType, trigger)] {
		if meta.AppliesToTenant(def.TenantID, tenant) {
			out = append(out, def)
		}
	}
	return out
}

// WorkflowsFor: активные workflow типа и триггера, видимые арендатору.
func (r *Registry) WorkflowsFor(entityType, trigger, tenant string) []meta.WorkflowDefinition {
	var out []meta.WorkflowDefinition
	for _, def := range r.load().wfIndex[indexKey(entityType, trigger)] {
		if def.Active && meta.AppliesToTenant(def.TenantID, tenant) {
			out = append(out, def)
		}
	}
	return out
}

// ResolveEntityName: точное имя или единственное совпадение без учёта регистра.
func (r *Registry) ResolveEntityName(raw string) (string, bool) {
	s := r.load()
	raw = strings.TrimSpace(raw)
	if _, ok := s.entities.items[raw]; ok {
		return raw, true
	}
	return s.resolve(raw)
}

// ---- перезагрузка ----

// ReloadAll читает всё из источника, проверяет линтером и публикует целиком.
// Ошибка чтения или блокирующая проблема оставляют прежний снимок.
func (r *Registry) ReloadAll(ctx context.Context, src Source) error {
	next := newSnapshot()
	var err error
	if next.entities, err = loadTable(ctx, src.LoadEntities, func(d meta.EntityDefinition) string { return d.Name }, checkEntity); err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	if next.rules, err = loadTable(ctx, src.LoadRules, func(d meta.RuleDefinition) string { return d.Name }, checkRule); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if next.workflows, err = loadTable(ctx, src.LoadWorkflows, func(d meta.WorkflowDefinition) string { return d.Name }, checkWorkflow); err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	if next.permissions, err = loadTable(ctx, src.LoadPermissions, meta.PermissionDefinition.Name, checkPermission); err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	if next.groups, err = loadTable(ctx, src.LoadSecurityGroups, func(g meta.SecurityGroup) string { return g.Name }, nil); err != nil {
		return fmt.Errorf("load security groups: %w", err)
	}
	if next.plugins, err = src.LoadPlugins(ctx); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	return r.swap(ctx, "all", func(*snapshot) *snapshot { return next })
}

// ReloadEntities заменяет только схемы сущностей.
func (r *Registry) ReloadEntities(ctx context.Context, src Source) error {
	t, err := loadTable(ctx, src.LoadEntities, func(d meta.EntityDefinition) string { return d.Name }, checkEntity)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	return r.replace(ctx, "entities", func(s *snapshot) { s.entities = t })
}

func (r *Registry) ReloadRules(ctx context.Context, src Source) error {
	t, err := loadTable(ctx, src.LoadRules, func(d meta.RuleDefinition) string { return d.Name }, checkRule)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	return r.replace(ctx, "rules", func(s *snapshot) { s.rules = t })
}

func (r *Registry) ReloadWorkflows(ctx context.Context, src Source) error {
	t, err := loadTable(ctx, src.LoadWorkflows, func(d meta.WorkflowDefinition) string { return d.Name }, checkWorkflow)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	return r.replace(ctx, "workflows", func(s *snapshot) { s.workflows = t })
}

func (r *Registry) replace(ctx context.Context, what string, fn func(s *snapshot)) error {
	return r.swap(ctx, what, func(cur *snapshot) *snapshot {
		next := cur.clone()
		fn(next)
		return next
	})
}

// LintError: перезагрузка отклонена из-за блокирующих проблем.
type LintError struct {
	Issues []Issue
}

func (e *LintError) Error() string {
	return fmt.Sprintf("definitions have %d blocking issue(s), first: %s", len(e.Issues), e.Issues[0])
}

func (e *LintError) Unwrap() error {
	return meta.InvalidDefinition("definitions have blocking issues")
}

// swap строит снимок от текущего под mu, проверяет линтером и публикует.
func (r *Registry) swap(ctx context.Context, what string, build func(cur *snapshot) *snapshot) error {
	r.mu.Lock()
	next := build(r.load())
	next.reindex()
	if blocking := Blocking(lintSnapshot(next)); len(blocking) > 0 {
		r.mu.Unlock()
		r.log.Warn("reload rejected", "what", what, "issues", len(blocking), "first", blocking[0].String())
		return &LintError{Issues: blocking}
	}
	r.publish(next)
	hooks := append([]ReloadHook(nil), r.hooks...)
	r.mu.Unlock()

	r.log.Info("metadata reloaded", "what", what, "version", next.version,
		"entities", len(next.entities.order), "rules", len(next.rules.order),
		"workflows", len(next.workflows.order), "permissions", len(next.permissions.order))

	var errs []error
	for _, h := range hooks {
		if err := h(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadTable[T any](ctx context.Context, load func(context.Context) ([]T, error), name func(T) string, check func(T) error) (table[T], error) {
	items, err := load(ctx)
	if err != nil {
		return table[T]{}, err
	}
	t := newTable[T]()
	for _, it := range items {
		if check != nil {
			if err := check(it); err != nil {
				return table[T]{}, err
			}
		}
		n := name(it)
		if strings.TrimSpace(n) == "" {
			return table[T]{}, meta.InvalidDefinition("definition name must not be empty")
		}
		if _, dup := t.items[n]; dup {
			return table[T]{}, meta.InvalidDefinition("duplicate definition %q", n)
		}
		t.put(n, it)
	}
	return t, nil
}

// ---- проверки при регистрации ----

func checkEntity(def meta.EntityDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return meta.InvalidDefinition("entity name must not be empty")
	}
	for _, f := range def.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return meta.InvalidDefinition("entity %s: field name must not be empty", def.Name)
		}
	}
	return nil
}

func checkRule(def meta.RuleDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return meta.InvalidDefinition("rule name must not be empty")
	}
	if def.EntityType == "" || def.Trigger == "" {
		return meta.InvalidDefinition("rule %s: entityType and trigger are required", def.Name)
	}
	return nil
}

func checkWorkflow(def meta.WorkflowDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return meta.InvalidDefinition("workflow name must not be empty")
	}
	if def.EntityType == "" || def.Trigger == "" {
		return meta.InvalidDefinition("workflow %s: entityType and trigger are required", def.Name)
	}
	for _, s := range def.Steps {
		if !s.Type.Valid() {
			return meta.InvalidDefinition("workflow %s: step %s has unknown type %q", def.Name, s.Name, s.Type)
		}
	}
	return nil
}

func checkPermission(def meta.PermissionDefinition) error {
	if def.EntityType == "" || def.Action == "" {
		return meta.InvalidDefinition("permission requires entityType and action")
	}
	return nil
}
