package entity

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"meridian/internal/condition"
	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/value"
)

// MsgConstraint: нарушено ограничение уровня сущности (EntityDefinition.Validation).
const MsgConstraint = "Constraint violated"

// Definitions: то, что движку нужно от реестра метаданных.
type Definitions interface {
	Entity(name string) (*meta.EntityDefinition, error)
}

type Engine struct {
	defs      Definitions
	store     Store
	validator *Validator
	eval      *condition.Evaluator
	log       *slog.Logger
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func NewEngine(defs Definitions, store Store, validator *Validator, eval *condition.Evaluator, opts ...Option) *Engine {
	e := &Engine{defs: defs, store: store, validator: validator, eval: eval, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Store() Store { return e.store }

// Definition: активное определение типа, видимое арендатору контекста.
func (e *Engine) Definition(entityType string, ectx *execution.Context) (*meta.EntityDefinition, error) {
	def, err := e.defs.Entity(entityType)
	if err != nil {
		return nil, err
	}
	if !meta.AppliesToTenant(def.TenantID, ectx.TenantID) {
		return nil, meta.DefinitionNotFound("entity", entityType)
	}
	if !def.Active {
		return nil, meta.InactiveDefinition("entity", entityType)
	}
	return def, nil
}

// CreateEntity: системные ключи → значения по умолчанию → вычисляемые поля →
// валидация → уникальность и ссылки → Save.
func (e *Engine) CreateEntity(ctx context.Context, entityType string, attrs value.Attributes, ectx *execution.Context) (*DynamicEntity, error) {
	def, err := e.Definition(entityType, ectx)
	if err != nil {
		return nil, err
	}
	data := attrs.Clone()
	errs := &FieldErrors{}
	rejectSystemKeys(data, errs)
	applyDefaults(def, data)
	e.calculate(def, data, ectx, errs)
	if err := e.check(ctx, def, data, "", ectx, errs); err != nil {
		return nil, err
	}

	ent := &DynamicEntity{
		EntityType: def.Name,
		TenantID:   ectx.TenantID,
		Attributes: data,
		Active:     true,
		CreatedBy:  ectx.UserID,
		UpdatedBy:  ectx.UserID,
	}
	saved, err := e.store.Save(ctx, ent)
	if err != nil {
		return nil, err
	}
	e.log.Debug("entity created", "entity", def.Name, "id", saved.ID, "tenant", saved.TenantID)
	return saved, nil
}

// UpdateEntity заменяет атрибуты записи переданными и проверяет именно их:
// отсутствующее обязательное поле, ошибка. Поля только для чтения, которых
// нет во входных данных, переносятся из текущей записи.
// version > 0, ожидаемая клиентом версия.
func (e *Engine) UpdateEntity(ctx context.Context, entityType, id string, attrs value.Attributes, version int64, ectx *execution.Context) (*DynamicEntity, error) {
	return e.update(ctx, entityType, id, attrs, version, false, ectx)
}

// PatchEntity накладывает patch на текущие атрибуты и проверяет результат целиком.
func (e *Engine) PatchEntity(ctx context.Context, entityType, id string, patch value.Attributes, version int64, ectx *execution.Context) (*DynamicEntity, error) {
	return e.update(ctx, entityType, id, patch, version, true, ectx)
}

func (e *Engine) update(ctx context.Context, entityType, id string, attrs value.Attributes, version int64, merge bool, ectx *execution.Context) (*DynamicEntity, error) {
	def, err := e.Definition(entityType, ectx)
	if err != nil {
		return nil, err
	}
	cur, err := e.find(ctx, def.Name, id, ectx)
	if err != nil {
		return nil, err
	}
	if version > 0 && version != cur.Version {
		return nil, meta.VersionConflict(def.Name, id, ErrVersionConflict)
	}

	errs := &FieldErrors{}
	data := attrs.Clone()
	rejectSystemKeys(data, errs)
	for _, f := range def.Fields {
		if !f.ReadOnly {
			continue
		}
		if data.Has(f.Name) && !value.Equal(data.Get(f.Name), cur.Attributes.Get(f.Name)) {
			errs.Add(f.Name, MsgReadOnly)
		}
		if old := cur.Attributes.Get(f.Name); !value.IsNull(old) {
			data[f.Name] = old
		} else {
			delete(data, f.Name)
		}
	}
	if merge {
		merged := cur.Attributes.Clone()
		for k, v := range data {
			merged[k] = v
		}
		data = merged
	}
	e.calculate(def, data, ectx, errs)
	if err := e.check(ctx, def, data, cur.ID, ectx, errs); err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.Attributes = data
	next.UpdatedBy = ectx.UserID
	saved, err := e.store.Save(ctx, next)
	if err != nil {
		return nil, e.storeErr(def.Name, id, err)
	}
	return saved, nil
}

func (e *Engine) FindByID(ctx context.Context, entityType, id string, ectx *execution.Context) (*DynamicEntity, error) {
	def, err := e.Definition(entityType, ectx)
	if err != nil {
		return nil, err
	}
	return e.find(ctx, def.Name, id, ectx)
}

func (e *Engine) FindByQuery(ctx context.Context, entityType string, q Query, ectx *execution.Context) (Page, error) {
	def, err := e.Definition(entityType, ectx)
	if err != nil {
		return Page{}, err
	}
	return e.store.FindByTypeAndTenant(ctx, def.Name, ectx.TenantID, q)
}

// DeleteEntity: мягкое удаление, Active=false с новой версией.
func (e *Engine) DeleteEntity(ctx context.Context, entityType, id string, ectx *execution.Context) (*DynamicEntity, error) {
	def, err := e.Definition(entityType, ectx)
	if err != nil {
		return nil, err
	}
	cur, err := e.find(ctx, def.Name, id, ectx)
	if err != nil {
		return nil, err
	}
	cur.Active = false
	cur.UpdatedBy = ectx.UserID
	saved, err := e.store.Save(ctx, cur)
	if err != nil {
		return nil, e.storeErr(def.Name, id, err)
	}
	return saved, nil
}

// find: запись типа entityType текущего арендатора; удалённые и чужие не видны.
func (e *Engine) find(ctx context.Context, entityType, id string, ectx *execution.Context) (*DynamicEntity, error) {
	if id == "" {
		return nil, meta.NotFound(entityType, id)
	}
	ent, err := e.store.FindByID(ctx, id, ectx.TenantID)
	if err != nil {
		return nil, e.storeErr(entityType, id, err)
	}
	if ent.EntityType != entityType || ent.TenantID != ectx.TenantID || !ent.Active {
		return nil, meta.NotFound(entityType, id)
	}
	return ent, nil
}

func (e *Engine) storeErr(entityType, id string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return meta.NotFound(entityType, id)
	case errors.Is(err, ErrVersionConflict):
		return meta.VersionConflict(entityType, id, err)
	}
	return err
}

// check: валидация полей, ограничения сущности, уникальность и ссылки.
// Ошибки полей дублируются в контекст вызова.
func (e *Engine) check(ctx context.Context, def *meta.EntityDefinition, data value.Attributes, selfID string, ectx *execution.Context, errs *FieldErrors) error {
	e.validator.validateInto(def, data, errs)
	e.constraints(def, data, ectx, errs)
	if err := e.unique(ctx, def, data, selfID, ectx, errs); err != nil {
		return err
	}
	if err := e.references(ctx, def, data, ectx, errs); err != nil {
		return err
	}
	if errs.Empty() {
		return nil
	}
	for _, f := range errs.Fields() {
		ectx.AddValidationError(f, errs.msgs[f])
	}
	return meta.ValidationFailed(def.Name, errs.Map())
}

func (e *Engine) constraints(def *meta.EntityDefinition, data value.Attributes, ectx *execution.Context, errs *FieldErrors) {
	if len(def.Validation) == 0 || e.eval == nil {
		return
	}
	keys := make([]string, 0, len(def.Validation))
	for k := range def.Validation {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if errs.Has(k) {
			continue
		}
		if !e.eval.Evaluate(def.Validation[k], data, ectx) {
			errs.Add(k, MsgConstraint)
		}
	}
}

func (e *Engine) unique(ctx context.Context, def *meta.EntityDefinition, data value.Attributes, selfID string, ectx *execution.Context, errs *FieldErrors) error {
	uc, ok := e.store.(UniqueChecker)
	if !ok {
		return nil
	}
	for _, f := range def.OrderedFields() {
		if !f.Unique || errs.Has(f.Name) {
			continue
		}
		v := data.Get(f.Name)
		if value.IsNull(v) {
			continue
		}
		dup, err := uc.ExistsWithValue(ctx, def.Name, ectx.TenantID, f.Name, v, selfID)
		if err != nil {
			return err
		}
		if dup {
			errs.Add(f.Name, MsgUnique)
		}
	}
	return nil
}

func (e *Engine) references(ctx context.Context, def *meta.EntityDefinition, data value.Attributes, ectx *execution.Context, errs *FieldErrors) error {
	for _, f := range def.OrderedFields() {
		if f.DataType != meta.TypeReference || f.Reference == "" || errs.Has(f.Name) {
			continue
		}
		id, ok := data.String(f.Name)
		if !ok || id == "" {
			continue
		}
		ref, err := e.store.FindByID(ctx, id, ectx.TenantID)
		if errors.Is(err, ErrNotFound) {
			errs.Add(f.Name, MsgRefNotFound)
			continue
		}
		if err != nil {
			return err
		}
		if ref.EntityType != f.Reference || !ref.Active {
			errs.Add(f.Name, MsgRefNotFound)
		}
	}
	return nil
}

// calculate пересчитывает вычисляемые поля в порядке OrderIndex,
// поэтому поле может ссылаться на ранее вычисленное.
func (e *Engine) calculate(def *meta.EntityDefinition, data value.Attributes, ectx *execution.Context, errs *FieldErrors) {
	if e.eval == nil {
		return
	}
	for _, f := range def.OrderedFields() {
		if f.Calculated == "" {
			continue
		}
		v, err := e.eval.Compute(f.Calculated, data, ectx)
		if err != nil {
			e.log.Debug("calculated field failed", "entity", def.Name, "field", f.Name, "err", err)
			if !f.Required {
				delete(data, f.Name)
				continue
			}
			errs.Add(f.Name, MsgCalculation)
			continue
		}
		data[f.Name] = v
	}
}

// applyDefaults подставляет default для отсутствующих полей; некорректный
// default не подставляется.
func applyDefaults(def *meta.EntityDefinition, data value.Attributes) {
	for _, f := range def.Fields {
		if f.DefaultValue == "" || !value.IsNull(data.Get(f.Name)) {
			continue
		}
		if v, err := CoerceDefault(f); err == nil {
			data[f.Name] = v
		}
	}
}

// rejectSystemKeys: version допускается как подсказка и снимается, прочие, ошибка.
func rejectSystemKeys(data value.Attributes, errs *FieldErrors) {
	for _, k := range systemKeys {
		if !data.Has(k) {
			continue
		}
		if k != "version" {
			errs.Add(k, MsgReadOnly)
		}
		delete(data, k)
	}
}
