package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"meridian/internal/condition"
	"meridian/internal/entity"
	"meridian/internal/execution"
	"meridian/internal/memstore"
	"meridian/internal/meta"
	"meridian/internal/permission"
	"meridian/internal/plugin"
	"meridian/internal/registry"
	"meridian/internal/rules"
	"meridian/internal/telemetry"
	"meridian/internal/value"
	"meridian/internal/workflow"
)

// funcPlugin: плагин-заглушка с произвольным телом.
type funcPlugin struct {
	name string
	fn   func(ctx context.Context, ectx *execution.Context) error
}

func (p *funcPlugin) Name() string                                        { return p.name }
func (p *funcPlugin) Type() string                                        { return "func" }
func (p *funcPlugin) Initialize(context.Context, map[string]string) error { return nil }
func (p *funcPlugin) Destroy(context.Context) error                       { return nil }
func (p *funcPlugin) Execute(ctx context.Context, _ string, _ value.Attributes, ectx *execution.Context) error {
	return p.fn(ctx, ectx)
}

type fixture struct {
	reg     *registry.Registry
	store   *memstore.Store
	plugins *plugin.Registry
	actions *rules.ActionExecutor
	spans   *tracetest.InMemoryExporter
	metrics *telemetry.Metrics
	p       *Pipeline
}

func intp(n int) *int { return &n }

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	reg := registry.New(log)
	require.NoError(t, reg.RegisterEntity(meta.EntityDefinition{Name: "Customer", Active: true, Fields: []meta.FieldDefinition{
		{Name: "customerName", DataType: meta.TypeString, Required: true, MinLength: intp(2), OrderIndex: 1},
		{Name: "email", DataType: meta.TypeEmail, Required: true, OrderIndex: 2},
	}}))
	require.NoError(t, reg.RegisterEntity(meta.EntityDefinition{Name: "Invoice", Active: true, Fields: []meta.FieldDefinition{
		{Name: "number", DataType: meta.TypeString, Required: true},
		{Name: "subtotal", DataType: meta.TypeDecimal},
		{Name: "tax", DataType: meta.TypeDecimal},
	}}))
	for _, r := range []meta.RuleDefinition{
		{
			Name: "Rule2", EntityType: "Invoice", Trigger: "pre_create", Priority: 5, Active: true,
			Condition: "subtotal == null",
			Actions:   []meta.Action{{Type: meta.ActionSetVariable, Variable: "ran2", Value: true}},
		},
		{
			Name: "Rule1", EntityType: "Invoice", Trigger: "pre_create", Priority: 15, Active: true,
			Condition: "subtotal != null",
			Actions:   []meta.Action{{Type: meta.ActionSetField, Field: "tax", Value: "${subtotal * 0.2}"}},
		},
		{
			Name: "notify", EntityType: "Invoice", Trigger: "post_create", Active: true,
			Actions: []meta.Action{{Type: meta.ActionSetVariable, Variable: "notified", Value: true}},
		},
		{
			Name: "approveRule", EntityType: "Invoice", Trigger: "approve", Active: true,
			Actions: []meta.Action{{Type: meta.ActionSetVariable, Variable: "approved", Value: true}},
		},
	} {
		require.NoError(t, reg.RegisterRule(r))
	}
	require.NoError(t, reg.RegisterWorkflow(meta.WorkflowDefinition{
		Name: "approval", EntityType: "Invoice", Trigger: "pre_create", Active: true,
		Steps: []meta.WorkflowStep{
			{Name: "flag", Type: meta.StepCustom, Order: 2, Condition: "subtotal > 1000",
				Actions: []meta.Action{{Type: meta.ActionSetVariable, Variable: "review", Value: true}}},
			{Name: "check", Type: meta.StepValidation, Order: 1, Mandatory: true},
		},
	}))
	require.NoError(t, reg.RegisterPermission(meta.PermissionDefinition{
		EntityType: "Invoice", Action: "*", Allowed: true, Active: true, PrincipalType: meta.PrincipalRole, PrincipalID: "clerk",
	}))
	reg.MarkReady()

	eval := condition.NewEvaluator(condition.WithLogger(log))
	actions := rules.NewActionExecutor(eval, rules.WithExecutorLogger(log))
	store := memstore.New(reg)
	plugins := plugin.NewRegistry(log)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	metrics := telemetry.NewMetrics("test")

	eng := Engines{
		Entities:    entity.NewEngine(reg, store, entity.NewValidator(nil), eval, entity.WithLogger(log)),
		Rules:       rules.NewEngine(eval, actions, log),
		Workflows:   workflow.NewEngine(eval, actions, log),
		Permissions: permission.NewEngine(eval, log),
		Plugins:     plugin.NewEngine(plugins, log),
	}
	base := []Option{WithLogger(log), WithTracer(telemetry.NewTracer(tp.Tracer("test"))), WithMetrics(metrics)}
	return &fixture{
		reg: reg, store: store, plugins: plugins, actions: actions, spans: exp, metrics: metrics,
		p: New(reg, eng, append(base, opts...)...),
	}
}

func clerk() *execution.Context { return execution.New("acme", "u1", execution.WithRoles("clerk")) }

func TestInvoiceCreateTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.plugins.Register(ctx, &funcPlugin{name: "stamp", fn: func(_ context.Context, ectx *execution.Context) error {
		ectx.SetMetadata("stamped", ectx.CurrentEntity+"/"+ectx.CurrentAction)
		return nil
	}}, meta.PluginBinding{Trigger: "pre_create", Enabled: true}))
	trail := plugin.NewAuditPlugin("trail")
	require.NoError(t, f.plugins.Register(ctx, trail, meta.PluginBinding{Trigger: "post_create", Enabled: true}))

	ectx := clerk()
	res, err := f.p.Execute(ctx, "create", "invoice", value.Attributes{
		"number":   value.String("INV-1"),
		"subtotal": value.MustDecimal("100"),
	}, ectx)
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "invoice_create", []byte(res.Trace.String()))

	require.NotNil(t, res.Entity)
	assert.True(t, res.Committed)
	assert.True(t, value.Equal(value.MustDecimal("20"), res.Entity.Attributes.Get("tax")))
	assert.Equal(t, value.Bool(true), res.Variables.Get("notified"))
	assert.False(t, res.Variables.Has("ran2"))
	assert.Equal(t, "Invoice", ectx.CurrentEntity)
	assert.Equal(t, "create", ectx.CurrentAction)
	assert.Equal(t, "Invoice/create", ectx.Metadata["stamped"])
	require.Len(t, trail.Entries(), 1)
	assert.Equal(t, "post_create", trail.Entries()[0].Trigger)
	assert.Equal(t, 1, f.store.Len())

	var names []string
	for _, s := range f.spans.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"pipeline.stage.PRE_PROCESSING", "pipeline.stage.ACTION", "pipeline.stage.POST_PROCESSING", "pipeline.execute",
	}, names)
}

func TestCustomerValidationScenario(t *testing.T) {
	f := newFixture(t)
	ectx := execution.New("acme", "u1", execution.WithPermissions("Customer:create"))
	res, err := f.p.Execute(context.Background(), "create", "Customer", value.Attributes{
		"customerName": value.String("A"),
	}, ectx)

	require.True(t, meta.IsCode(err, meta.CodePipelineExecutionError))
	me, ok := meta.AsCode(err, meta.CodeValidationFailed)
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		"customerName": "Minimum length is 2",
		"email":        "Field is required",
	}, me.Fields)
	assert.False(t, res.Committed)
	assert.Equal(t, 0, f.store.Len())
}

func TestPermissionDenialStopsBeforeSideEffects(t *testing.T) {
	f := newFixture(t)
	ran := false
	require.NoError(t, f.plugins.Register(context.Background(), &funcPlugin{name: "sideeffect", fn: func(context.Context, *execution.Context) error {
		ran = true
		return nil
	}}, meta.PluginBinding{Trigger: plugin.AnyTrigger, Enabled: true}))

	ectx := execution.New("acme", "u2") // без роли clerk
	res, err := f.p.Execute(context.Background(), "create", "Invoice", value.Attributes{"number": value.String("INV-1")}, ectx)

	assert.True(t, meta.IsCode(err, meta.CodePermissionDenied))
	assert.False(t, ran)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, Trace{{Stage: PreProcessing, Kind: KindPermission, Name: "Invoice:create", Outcome: "denied"}}, res.Trace)
}

func TestExplicitRevokeBeatsRoleGrant(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterPermission(meta.PermissionDefinition{
		EntityType: "Invoice", Action: "delete", Allowed: false, Active: true, PrincipalType: meta.PrincipalUser, PrincipalID: "u1",
	}))
	_, err := f.p.Execute(context.Background(), "delete", "Invoice", value.Attributes{"id": value.String("x")}, clerk())
	assert.True(t, meta.IsCode(err, meta.CodePermissionDenied))
}

func TestLowerCasePermissionDefinitionGrants(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterPermission(meta.PermissionDefinition{
		EntityType: "customer", Action: "create", Allowed: true, Active: true, PrincipalType: meta.PrincipalRole, PrincipalID: "clerk",
	}))
	res, err := f.p.Execute(context.Background(), "create", "Customer", value.Attributes{
		"customerName": value.String("Acme"), "email": value.String("a@acme.io"),
	}, clerk())
	require.NoError(t, err)
	assert.Equal(t, []string{"permission:Customer:create"}, res.Trace.Names(PreProcessing, "granted"))
}

func TestLifecycleOverStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.p.Execute(ctx, "create", "Invoice", value.Attributes{"number": value.String("INV-1")}, clerk())
	require.NoError(t, err)
	id := created.Entity.ID

	updated, err := f.p.Execute(ctx, "update", "Invoice", value.Attributes{
		"id": value.String(id), "version": value.Int(1), "number": value.String("INV-1"), "subtotal": value.MustDecimal("50"),
	}, clerk())
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Entity.Version)

	_, err = f.p.Execute(ctx, "update", "Invoice", value.Attributes{
		"id": value.String(id), "version": value.String("1"), "number": value.String("INV-1"), "subtotal": value.MustDecimal("60"),
	}, clerk())
	assert.True(t, meta.IsCode(err, meta.CodeVersionConflict))

	found, err := f.p.Execute(ctx, "find", "Invoice", value.Attributes{"id": value.String(id)}, clerk())
	require.NoError(t, err)
	assert.False(t, found.Committed)
	assert.True(t, value.Equal(value.MustDecimal("50"), found.Entity.Attributes.Get("subtotal")))

	listed, err := f.p.Execute(ctx, "find", "Invoice", value.Attributes{"number": value.String("INV-1")}, clerk())
	require.NoError(t, err)
	require.NotNil(t, listed.Page)
	assert.Equal(t, 1, listed.Page.Total)

	listed, err = f.p.Execute(ctx, "find", "Invoice", nil, clerk(), WithQuery(entity.Query{
		Filters: []entity.Filter{{Field: "subtotal", Op: "gt", Values: []string{"100"}}},
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, listed.Page.Total)

	deleted, err := f.p.Execute(ctx, "delete", "Invoice", value.Attributes{"id": value.String(id)}, clerk())
	require.NoError(t, err)
	assert.False(t, deleted.Entity.Active)

	_, err = f.p.Execute(ctx, "find", "Invoice", value.Attributes{"id": value.String(id)}, clerk())
	assert.True(t, meta.IsCode(err, meta.CodeNotFound))

	_, err = f.p.Execute(ctx, "update", "Invoice", value.Attributes{"subtotal": value.Int(1)}, clerk())
	assert.True(t, meta.IsCode(err, meta.CodeNotFound), "update without id")
}

func TestUpdateReplacesUnlessPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.p.Execute(ctx, "create", "Invoice", value.Attributes{
		"number": value.String("INV-1"), "subtotal": value.MustDecimal("50"),
	}, clerk())
	require.NoError(t, err)
	id := value.String(created.Entity.ID)

	_, err = f.p.Execute(ctx, "update", "Invoice", value.Attributes{"id": id, "subtotal": value.MustDecimal("70")}, clerk())
	me, ok := meta.AsCode(err, meta.CodeValidationFailed)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, map[string]string{"number": "Field is required"}, me.Fields)

	res, err := f.p.Execute(ctx, "update", "Invoice", value.Attributes{"id": id, "subtotal": value.MustDecimal("70")}, clerk(), WithPatch())
	require.NoError(t, err)
	assert.Equal(t, value.String("INV-1"), res.Entity.Attributes.Get("number"))
	assert.True(t, value.Equal(value.MustDecimal("70"), res.Entity.Attributes.Get("subtotal")))
	assert.Equal(t, []string{"entity:update"}, res.Trace.Names(ActionStage, "executed"))
}

func TestExecuteLeavesInputUntouched(t *testing.T) {
	f := newFixture(t)
	in := value.Attributes{"number": value.String("INV-1"), "subtotal": value.MustDecimal("100")}
	res, err := f.p.Execute(context.Background(), "create", "Invoice", in, clerk())
	require.NoError(t, err)

	assert.True(t, res.Entity.Attributes.Has("tax"))
	assert.False(t, in.Has("tax"), "pre_create set_field writes to a copy")
	assert.Len(t, in, 2)
}

func TestCustomActionRunsOnlyBoundRules(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.Execute(context.Background(), "approve", "Invoice", value.Attributes{"number": value.String("INV-1")}, clerk())
	require.NoError(t, err)
	assert.Nil(t, res.Entity)
	assert.False(t, res.Committed)
	assert.Equal(t, value.Bool(true), res.Variables.Get("approved"))
	assert.Equal(t, []string{"rule:approveRule"}, res.Trace.Names(ActionStage, "executed"))
	assert.Equal(t, 0, f.store.Len())
}

func TestPreValidationErrorsAbortAction(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterRule(meta.RuleDefinition{
		Name: "no-zero", EntityType: "Invoice", Trigger: "pre_create", Active: true, Condition: "subtotal == 0",
		Actions: []meta.Action{{Type: meta.ActionValidate, Field: "subtotal", Message: "Subtotal must be positive"}},
	}))
	_, err := f.p.Execute(context.Background(), "create", "Invoice", value.Attributes{
		"number": value.String("INV-1"), "subtotal": value.Int(0),
	}, clerk())
	me, ok := meta.AsCode(err, meta.CodeValidationFailed)
	require.True(t, ok)
	assert.Equal(t, "Subtotal must be positive", me.Fields["subtotal"])
	// обязательный шаг check (validation) видит ошибку раньше общей проверки
	assert.True(t, meta.IsCode(err, meta.CodeWorkflowExecutionFailed))
	assert.Equal(t, 0, f.store.Len())
}

func TestPostFailureKeepsCommittedEntity(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.actions.RegisterHandler("explode", func(context.Context, *rules.ActionExecutor, meta.Action, value.Attributes, *execution.Context) error {
		return errors.New("downstream unavailable")
	}))
	require.NoError(t, f.reg.RegisterRule(meta.RuleDefinition{
		Name: "sync", EntityType: "Invoice", Trigger: "post_create", Active: true,
		Actions: []meta.Action{{Type: "explode"}},
	}))

	res, err := f.p.Execute(context.Background(), "create", "Invoice", value.Attributes{"number": value.String("INV-1")}, clerk())
	assert.True(t, meta.IsCode(err, meta.CodeRuleExecutionFailed))
	require.NotNil(t, res.Entity)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, f.store.Len())
}

func TestStageTimeout(t *testing.T) {
	f := newFixture(t, WithStageTimeout(20*time.Millisecond))
	require.NoError(t, f.plugins.Register(context.Background(), &funcPlugin{name: "slow", fn: func(ctx context.Context, _ *execution.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}, meta.PluginBinding{Trigger: "pre_create", Enabled: true}))

	_, err := f.p.Execute(context.Background(), "create", "Invoice", value.Attributes{"number": value.String("INV-1")}, clerk())
	me, ok := meta.AsCode(err, meta.CodeStageTimeout)
	require.True(t, ok)
	assert.Equal(t, string(PreProcessing), me.Name)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.store.Len())
}

func TestReloadDropsStaleRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := func() value.Attributes {
		return value.Attributes{"number": value.String("INV-1"), "subtotal": value.Int(10)}
	}
	res, err := f.p.Execute(ctx, "approve", "Invoice", data(), clerk())
	require.NoError(t, err)
	assert.Contains(t, res.Trace.Names(ActionStage, "executed"), "rule:approveRule")

	require.NoError(t, f.reg.UnregisterRule("approveRule"))
	res, err = f.p.Execute(ctx, "approve", "Invoice", data(), clerk())
	require.NoError(t, err)
	assert.Empty(t, res.Trace.Names(ActionStage, "executed"))
	assert.False(t, res.Variables.Has("approved"))
}

func TestEntryErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.p.Execute(ctx, "create", "Ledger", nil, clerk())
	assert.True(t, meta.IsCode(err, meta.CodeDefinitionNotFound))

	_, err = f.p.Execute(ctx, " ", "Invoice", nil, clerk())
	assert.True(t, meta.IsCode(err, meta.CodeInvalidDefinition))

	_, err = f.p.Execute(ctx, "create", "Invoice", nil, nil)
	assert.True(t, meta.IsCode(err, meta.CodePipelineExecutionError))

	cold := New(registry.New(nil), f.p.Engines)
	_, err = cold.Execute(ctx, "create", "Invoice", nil, clerk())
	assert.True(t, meta.IsCode(err, meta.CodeRegistryNotReady))
}
