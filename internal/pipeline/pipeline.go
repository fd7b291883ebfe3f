// Package pipeline проводит один внешний запрос через жизненный цикл
// PRE_PROCESSING → ACTION → POST_PROCESSING.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"meridian/internal/entity"
	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/permission"
	"meridian/internal/plugin"
	"meridian/internal/rules"
	"meridian/internal/telemetry"
	"meridian/internal/value"
	"meridian/internal/workflow"
)

// Встроенные действия; любое другое имя, пользовательское действие.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionFind   = "find"
	ActionDelete = "delete"
)

// DefaultStageTimeout: срок одной стадии по умолчанию.
const DefaultStageTimeout = 10 * time.Second

// Registry: то, что конвейеру нужно от реестра метаданных.
type Registry interface {
	permission.Definitions
	Ready() bool
	ResolveEntityName(raw string) (string, bool)
	RulesFor(entityType, trigger, tenant string) []meta.RuleDefinition
	WorkflowsFor(entityType, trigger, tenant string) []meta.WorkflowDefinition
}

// Engines: движки, которые оркестрирует конвейер.
type Engines struct {
	Entities    *entity.Engine
	Rules       *rules.Engine
	Workflows   *workflow.Engine
	Permissions *permission.Engine
	Plugins     *plugin.Engine
}

type Pipeline struct {
	reg Registry
	Engines

	log          *slog.Logger
	tracer       *telemetry.Tracer
	metrics      *telemetry.Metrics
	stageTimeout time.Duration
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option        { return func(p *Pipeline) { p.log = l } }
func WithTracer(t *telemetry.Tracer) Option   { return func(p *Pipeline) { p.tracer = t } }
func WithMetrics(m *telemetry.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }
func WithStageTimeout(d time.Duration) Option { return func(p *Pipeline) { p.stageTimeout = d } }

func New(reg Registry, eng Engines, opts ...Option) *Pipeline {
	p := &Pipeline{
		reg:          reg,
		Engines:      eng,
		log:          slog.Default(),
		stageTimeout: DefaultStageTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		p.tracer = telemetry.NewTracer(nil)
	}
	return p
}

// Result: итог вызова. При ошибке после ACTION Entity содержит уже
// сохранённую запись, Committed = true: отката нет.
type Result struct {
	Entity    *entity.DynamicEntity `json:"entity,omitempty"`
	Page      *entity.Page          `json:"page,omitempty"`
	Committed bool                  `json:"committed"`
	Trace     Trace                 `json:"trace"`
	Variables value.Attributes      `json:"variables"`
}

// CallOption уточняет один вызов.
type CallOption func(*call)

// WithQuery: параметры листинга для find без id.
func WithQuery(q entity.Query) CallOption { return func(c *call) { c.query = &q } }

// WithPatch: update накладывает data на текущие атрибуты вместо замены.
// Действие и триггеры остаются update.
func WithPatch() CallOption { return func(c *call) { c.patch = true } }

type call struct {
	action  string
	entity  string
	data    value.Attributes
	id      string
	version int64
	query   *entity.Query
	patch   bool
	ectx    *execution.Context
}

// Execute: единственная точка входа. Для update/find/delete ключи "id" и
// "version" в data адресуют запись и снимаются перед вызовом EntityEngine.
// data не изменяется: правила и плагины работают с копией.
// Все ошибки возвращаются обёрнутыми в PIPELINE_EXECUTION_ERROR.
func (p *Pipeline) Execute(ctx context.Context, action, entityType string, data value.Attributes, ectx *execution.Context, opts ...CallOption) (*Result, error) {
	start := time.Now()
	res := &Result{}
	err := p.execute(ctx, action, entityType, data, ectx, res, opts)
	if ectx != nil {
		res.Variables = ectx.Variables.Clone()
	}
	p.metrics.RecordPipeline(entityType, action, telemetry.Status(err), time.Since(start))
	if err != nil {
		p.log.Debug("pipeline failed", "entity", entityType, "action", action, "err", err)
		return res, meta.PipelineExecutionError(entityType, action, err)
	}
	return res, nil
}

func (p *Pipeline) execute(ctx context.Context, action, entityType string, data value.Attributes, ectx *execution.Context, res *Result, opts []CallOption) error {
	if ectx == nil {
		return errors.New("execution context is required")
	}
	if !p.reg.Ready() {
		return meta.RegistryNotReady()
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return meta.InvalidDefinition("action must not be empty")
	}
	name, ok := p.reg.ResolveEntityName(entityType)
	if !ok {
		return meta.DefinitionNotFound("entity", entityType)
	}
	ectx.CurrentEntity, ectx.CurrentAction = name, action

	c := &call{action: action, entity: name, data: data.Clone(), ectx: ectx}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.address(); err != nil {
		return err
	}

	ctx, span := p.tracer.StartPipeline(ctx, name, action, ectx.TenantID)
	err := p.run(ctx, c, res)
	telemetry.End(span, err)
	return err
}

func (p *Pipeline) run(ctx context.Context, c *call, res *Result) error {
	pre := meta.PreTrigger(c.action)
	err := p.stage(ctx, PreProcessing, pre, func(ctx context.Context) error {
		if err := p.authorize(c, res); err != nil {
			return err
		}
		if err := p.process(ctx, PreProcessing, pre, c.data, c, res, true); err != nil {
			return err
		}
		if c.ectx.ValidationFailed() {
			res.Trace.add(PreProcessing, KindValidation, c.entity, "failed")
			return meta.ValidationFailed(c.entity, c.ectx.ValidationErrors())
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := p.stage(ctx, ActionStage, c.action, func(ctx context.Context) error {
		return p.dispatch(ctx, c, res)
	}); err != nil {
		return err
	}

	post := meta.PostTrigger(c.action)
	return p.stage(ctx, PostProcessing, post, func(ctx context.Context) error {
		return p.process(ctx, PostProcessing, post, postData(c, res), c, res, true)
	})
}

// stage исполняет fn под собственным сроком. Истечение срока стадии
// превращается в STAGE_TIMEOUT.
func (p *Pipeline) stage(ctx context.Context, st Stage, trigger string, fn func(ctx context.Context) error) error {
	sctx, cancel := p.stageContext(ctx)
	defer cancel()
	sctx, span := p.tracer.StartStage(sctx, string(st), trigger)
	start := time.Now()

	err := fn(sctx)
	if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = meta.StageTimeout(string(st), err)
	}
	telemetry.End(span, err)
	p.metrics.RecordStage(string(st), telemetry.Status(err), time.Since(start))
	return err
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.stageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.stageTimeout)
}

// authorize загружает выдачи пользователя для типа и проверяет ключ
// entityType:action до любых побочных эффектов.
func (p *Pipeline) authorize(c *call, res *Result) error {
	p.Permissions.LoadGrants(p.reg, c.entity, c.data, c.ectx)
	key := meta.PermissionKey(c.entity, c.action)
	if err := p.Permissions.EnforcePermission(c.entity, c.action, c.ectx); err != nil {
		res.Trace.add(PreProcessing, KindPermission, key, "denied")
		return err
	}
	res.Trace.add(PreProcessing, KindPermission, key, "granted")
	return nil
}

// process: плагины, правила и (если withWorkflows) workflow триггера.
func (p *Pipeline) process(ctx context.Context, st Stage, trigger string, data value.Attributes, c *call, res *Result, withWorkflows bool) error {
	done, err := p.Plugins.ExecutePlugins(ctx, trigger, data, c.ectx)
	for _, n := range done {
		res.Trace.add(st, KindPlugin, n, "executed")
	}
	if err != nil {
		if me, ok := meta.AsCode(err, meta.CodePluginExecutionFailed); ok {
			res.Trace.add(st, KindPlugin, me.Name, "failed")
		}
		return err
	}

	rep, err := p.Rules.ExecuteRules(ctx, p.reg.RulesFor(c.entity, trigger, c.ectx.TenantID), data, c.ectx)
	for _, r := range rep.Results {
		res.Trace.add(st, KindRule, r.Rule, string(r.Outcome))
	}
	if err != nil || !withWorkflows {
		return err
	}

	wrep, err := p.Workflows.ExecuteAll(ctx, p.reg.WorkflowsFor(c.entity, trigger, c.ectx.TenantID), data, c.ectx)
	for _, s := range wrep.Steps {
		res.Trace.add(st, KindStep, s.Workflow+"/"+s.Step, string(s.Outcome))
	}
	return err
}

func (p *Pipeline) dispatch(ctx context.Context, c *call, res *Result) error {
	var (
		ent *entity.DynamicEntity
		err error
	)
	switch c.action {
	case ActionCreate:
		ent, err = p.Entities.CreateEntity(ctx, c.entity, c.data, c.ectx)
	case ActionUpdate:
		if c.patch {
			ent, err = p.Entities.PatchEntity(ctx, c.entity, c.id, c.data, c.version, c.ectx)
			break
		}
		ent, err = p.Entities.UpdateEntity(ctx, c.entity, c.id, c.data, c.version, c.ectx)
	case ActionDelete:
		ent, err = p.Entities.DeleteEntity(ctx, c.entity, c.id, c.ectx)
	case ActionFind:
		if c.id != "" {
			ent, err = p.Entities.FindByID(ctx, c.entity, c.id, c.ectx)
			break
		}
		var page entity.Page
		page, err = p.Entities.FindByQuery(ctx, c.entity, c.listQuery(), c.ectx)
		if err == nil {
			res.Page = &page
		}
	default:
		// пользовательское действие: только плагины и правила на самом триггере
		return p.process(ctx, ActionStage, c.action, c.data, c, res, false)
	}
	if err != nil {
		res.Trace.add(ActionStage, KindEntity, c.action, "failed")
		return err
	}
	res.Entity = ent
	res.Committed = c.action != ActionFind
	res.Trace.add(ActionStage, KindEntity, c.action, "executed")
	return nil
}

// address снимает id и version из data для действий над существующей записью.
func (c *call) address() error {
	switch c.action {
	case ActionUpdate, ActionFind, ActionDelete:
	default:
		return nil
	}
	if v := c.data.Get("id"); !value.IsNull(v) {
		c.id = v.String()
	}
	delete(c.data, "id")
	if v := c.data.Get("version"); !value.IsNull(v) {
		n, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			return meta.ValidationFailed(c.entity, map[string]string{"version": "Invalid version"})
		}
		c.version = n
	}
	delete(c.data, "version")
	if c.id == "" && (c.action == ActionUpdate || c.action == ActionDelete) {
		return meta.NotFound(c.entity, "")
	}
	return nil
}

// listQuery: явный запрос или равенство по оставшимся ключам data.
func (c *call) listQuery() entity.Query {
	if c.query != nil {
		return *c.query
	}
	q := entity.Query{Limit: entity.DefaultLimit}
	for _, k := range c.data.Keys() {
		v := c.data.Get(k)
		if value.IsNull(v) {
			continue
		}
		q.Filters = append(q.Filters, entity.Filter{Field: k, Op: "eq", Values: []string{v.String()}})
	}
	return q
}

// postData: атрибуты сохранённой записи с id и version; без записи, входные данные.
func postData(c *call, res *Result) value.Attributes {
	if res.Entity == nil {
		return c.data
	}
	out := res.Entity.Attributes.Clone()
	out["id"] = value.String(res.Entity.ID)
	out["version"] = value.Int(res.Entity.Version)
	return out
}
