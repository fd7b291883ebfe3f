package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/meta"
)

type staticSource struct {
	entities    []meta.EntityDefinition
	rules       []meta.RuleDefinition
	workflows   []meta.WorkflowDefinition
	permissions []meta.PermissionDefinition
	groups      []meta.SecurityGroup
	plugins     []meta.PluginBinding
	err         error
}

func (s *staticSource) LoadEntities(context.Context) ([]meta.EntityDefinition, error) {
	return s.entities, s.err
}
func (s *staticSource) LoadRules(context.Context) ([]meta.RuleDefinition, error) {
	return s.rules, nil
}
func (s *staticSource) LoadWorkflows(context.Context) ([]meta.WorkflowDefinition, error) {
	return s.workflows, nil
}
func (s *staticSource) LoadPermissions(context.Context) ([]meta.PermissionDefinition, error) {
	return s.permissions, nil
}
func (s *staticSource) LoadSecurityGroups(context.Context) ([]meta.SecurityGroup, error) {
	return s.groups, nil
}
func (s *staticSource) LoadPlugins(context.Context) ([]meta.PluginBinding, error) {
	return s.plugins, nil
}

func invoice(fields ...meta.FieldDefinition) meta.EntityDefinition {
	return meta.EntityDefinition{Name: "Invoice", Active: true, Fields: fields}
}

func billingSource() *staticSource {
	return &staticSource{
		entities: []meta.EntityDefinition{
			{Name: "Customer", Active: true, Fields: []meta.FieldDefinition{{Name: "email", DataType: meta.TypeEmail}}},
			invoice(
				meta.FieldDefinition{Name: "total", DataType: meta.TypeDecimal},
				meta.FieldDefinition{Name: "customer", DataType: meta.TypeReference, Reference: "Customer"},
			),
		},
		rules: []meta.RuleDefinition{
			{Name: "big", EntityType: "Invoice", Trigger: "pre_create", Condition: "total > 1000", Active: true},
			{Name: "acme-only", EntityType: "Invoice", Trigger: "pre_create", TenantID: "acme", Active: true},
			{Name: "upd", EntityType: "Invoice", Trigger: "pre_update", Active: true},
		},
		workflows: []meta.WorkflowDefinition{
			{Name: "approve", EntityType: "Invoice", Trigger: "post_create", Active: true,
				Steps: []meta.WorkflowStep{{Name: "check", Type: meta.StepValidation}}},
			{Name: "off", EntityType: "Invoice", Trigger: "post_create", Active: false},
		},
		permissions: []meta.PermissionDefinition{
			{EntityType: "Invoice", Action: "create", Allowed: true, Active: true},
		},
		groups: []meta.SecurityGroup{
			{Name: "billing", Permissions: []string{"Invoice:read"}, Members: []string{"u1"}, Active: true},
		},
		plugins: []meta.PluginBinding{{Name: "audit", Type: "audit", Trigger: "*", Enabled: true}},
	}
}

func TestInitAndLookups(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	assert.False(t, r.Ready())
	require.NoError(t, r.Init(ctx, billingSource()))
	assert.True(t, r.Ready())
	assert.Equal(t, uint64(1), r.Version())

	def, err := r.Entity("invoice")
	require.NoError(t, err)
	assert.Equal(t, "Invoice", def.Name)

	_, err = r.Entity("Order")
	assert.True(t, meta.IsCode(err, meta.CodeDefinitionNotFound))

	name, ok := r.ResolveEntityName(" CUSTOMER ")
	assert.True(t, ok)
	assert.Equal(t, "Customer", name)

	assert.Len(t, r.RulesFor("Invoice", "pre_create", "globex"), 1)
	assert.Len(t, r.RulesFor("Invoice", "pre_create", "acme"), 2)
	assert.Empty(t, r.RulesFor("Customer", "pre_create", "acme"))

	wfs := r.WorkflowsFor("Invoice", "post_create", "acme")
	require.Len(t, wfs, 1)
	assert.Equal(t, "approve", wfs[0].Name)

	assert.Len(t, r.Permissions(), 1)
	assert.Len(t, r.SecurityGroups(), 1)
	assert.Equal(t, "audit", r.PluginBindings()[0].Name)
	assert.Empty(t, Blocking(r.Lint()))
}

func TestRegisterUnregister(t *testing.T) {
	r := New(nil)
	assert.True(t, meta.IsCode(r.RegisterEntity(meta.EntityDefinition{}), meta.CodeInvalidDefinition))
	assert.True(t, meta.IsCode(r.RegisterRule(meta.RuleDefinition{Name: "x"}), meta.CodeInvalidDefinition))
	assert.True(t, meta.IsCode(r.RegisterWorkflow(meta.WorkflowDefinition{
		Name: "w", EntityType: "Invoice", Trigger: "post_create",
		Steps: []meta.WorkflowStep{{Name: "s", Type: "bogus"}},
	}), meta.CodeInvalidDefinition))
	assert.True(t, meta.IsCode(r.RegisterPermission(meta.PermissionDefinition{}), meta.CodeInvalidDefinition))
	assert.True(t, meta.IsCode(r.RegisterSecurityGroup(meta.SecurityGroup{}), meta.CodeInvalidDefinition))

	require.NoError(t, r.RegisterEntity(invoice()))
	require.NoError(t, r.RegisterEntity(meta.EntityDefinition{Name: "Customer", Active: true}))
	require.NoError(t, r.RegisterEntity(invoice(meta.FieldDefinition{Name: "total", DataType: meta.TypeDecimal})))

	names := []string{}
	for _, d := range r.Entities() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"Invoice", "Customer"}, names, "replacement keeps position")
	def, err := r.Entity("Invoice")
	require.NoError(t, err)
	assert.Len(t, def.Fields, 1)

	require.NoError(t, r.RegisterRule(meta.RuleDefinition{Name: "r", EntityType: "Invoice", Trigger: "pre_create", Active: true}))
	assert.Len(t, r.RulesFor("Invoice", "pre_create", ""), 1)
	require.NoError(t, r.UnregisterRule("r"))
	assert.Empty(t, r.RulesFor("Invoice", "pre_create", ""))
	assert.True(t, meta.IsCode(r.UnregisterRule("r"), meta.CodeDefinitionNotFound))

	require.NoError(t, r.UnregisterEntity("Invoice"))
	_, err = r.Entity("Invoice")
	assert.True(t, meta.IsCode(err, meta.CodeDefinitionNotFound))

	p := meta.PermissionDefinition{EntityType: "Invoice", Action: "read", Allowed: true, Active: true}
	require.NoError(t, r.RegisterPermission(p))
	got, err := r.Permission(p.Name())
	require.NoError(t, err)
	assert.True(t, got.Allowed)
	require.NoError(t, r.UnregisterPermission(p.Name()))
	assert.Empty(t, r.Permissions())
}

func TestAmbiguousNameDoesNotResolve(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterEntity(meta.EntityDefinition{Name: "Invoice"}))
	require.NoError(t, r.RegisterEntity(meta.EntityDefinition{Name: "INVOICE"}))
	_, ok := r.ResolveEntityName("invoice")
	assert.False(t, ok)
	name, ok := r.ResolveEntityName("INVOICE")
	assert.True(t, ok)
	assert.Equal(t, "INVOICE", name)
}

func TestReloadRejectedKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	require.NoError(t, r.Init(ctx, billingSource()))
	before := r.Version()

	bad := billingSource()
	bad.rules = append(bad.rules, meta.RuleDefinition{Name: "broken", EntityType: "Invoice", Trigger: "pre_create", Condition: "total >", Active: true})
	err := r.ReloadAll(ctx, bad)
	var lerr *LintError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "condition_syntax", lerr.Issues[0].Code)
	assert.True(t, meta.IsCode(err, meta.CodeInvalidDefinition))
	assert.Equal(t, before, r.Version())
	_, err = r.Rule("broken")
	assert.True(t, meta.IsCode(err, meta.CodeDefinitionNotFound))

	failing := billingSource()
	failing.err = errors.New("disk gone")
	assert.ErrorContains(t, r.ReloadAll(ctx, failing), "disk gone")
	assert.Equal(t, before, r.Version())

	dup := billingSource()
	dup.rules = append(dup.rules, dup.rules[0])
	assert.True(t, meta.IsCode(r.ReloadAll(ctx, dup), meta.CodeInvalidDefinition))
}

func TestPartialReloadAndHooks(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	src := billingSource()
	require.NoError(t, r.Init(ctx, src))

	var calls int
	r.OnReload(func(context.Context, *Registry) error { calls++; return nil })
	r.OnReload(func(context.Context, *Registry) error { return errors.New("plugin reload failed") })

	src.rules = src.rules[:1]
	src.entities = nil
	err := r.ReloadRules(ctx, src)
	assert.ErrorContains(t, err, "plugin reload failed")
	assert.Equal(t, 1, calls)
	assert.Len(t, r.Rules(), 1)
	assert.Len(t, r.Entities(), 2, "entities untouched by a rules reload")

	// без Customer ссылка Invoice.customer становится блокирующей
	src.entities = []meta.EntityDefinition{billingSource().entities[1]}
	var lerr *LintError
	require.ErrorAs(t, r.ReloadEntities(ctx, src), &lerr)
	assert.Equal(t, "ref_target_unknown", lerr.Issues[0].Code)
	assert.Len(t, r.Entities(), 2)

	src.workflows = nil
	require.Error(t, r.ReloadWorkflows(ctx, src))
	assert.Empty(t, r.Workflows())
	assert.Equal(t, 2, calls)
}

func TestLintFindings(t *testing.T) {
	lo, hi := 5, 2
	r := New(nil)
	require.NoError(t, r.RegisterEntity(meta.EntityDefinition{Name: "Invoice", Fields: []meta.FieldDefinition{
		{Name: "code", DataType: meta.TypeString, Pattern: "([", MinLength: &lo, MaxLength: &hi},
		{Name: "code", DataType: "blob"},
		{Name: "status", DataType: meta.TypeEnum},
		{Name: "owner", DataType: meta.TypeReference},
		{Name: "sum", DataType: meta.TypeDecimal, Calculated: "a +", Required: true},
	}}))
	require.NoError(t, r.RegisterWorkflow(meta.WorkflowDefinition{
		Name: "w", EntityType: "Order", Trigger: "post_create",
		Steps: []meta.WorkflowStep{{Name: "s", Type: meta.StepCustom, Async: true,
			Actions: []meta.Action{{Type: "notify"}, {Type: meta.ActionSetField, Field: "x", Value: "${1 +}"}}}},
	}))
	for _, p := range []meta.PermissionDefinition{
		{EntityType: "invoice", Action: "create", Allowed: true, Active: true},
		{EntityType: "Ledger", Action: "read", Allowed: true, Active: true},
	} {
		require.NoError(t, r.RegisterPermission(p))
	}

	codes := map[string]bool{}
	for _, i := range r.Lint() {
		codes[i.Code] = i.Blocking
	}
	assert.Equal(t, map[string]bool{
		"pattern_invalid":     true,
		"length_range":        true,
		"field_duplicate":     true,
		"type_unknown":        true,
		"enum_empty":          true,
		"ref_target_empty":    true,
		"condition_syntax":    true,
		"calculated_required": false,
		"entity_unknown":      false,
		"entity_case":         false,
		"async_ignored":       false,
		"action_type_custom":  false,
	}, codes)
}

// Читатели во время перезагрузки видят либо старый, либо новый снимок целиком.
func TestReadersNeverSeeMixedSnapshot(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	v1 := &staticSource{
		entities: []meta.EntityDefinition{{Name: "Invoice", Metadata: map[string]string{"gen": "1"}}},
		rules:    []meta.RuleDefinition{{Name: "gen1", EntityType: "Invoice", Trigger: "pre_create", Active: true}},
	}
	v2 := &staticSource{
		entities: []meta.EntityDefinition{{Name: "Invoice", Metadata: map[string]string{"gen": "2"}}},
		rules:    []meta.RuleDefinition{{Name: "gen2", EntityType: "Invoice", Trigger: "pre_create", Active: true}},
	}
	require.NoError(t, r.Init(ctx, v1))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := r.load()
				def := s.entities.items["Invoice"]
				rules := s.ruleIndex[indexKey("Invoice", "pre_create")]
				if assert.Len(t, rules, 1) {
					assert.Equal(t, "gen"+def.Metadata["gen"], rules[0].Name)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		src := v1
		if i%2 == 0 {
			src = v2
		}
		require.NoError(t, r.ReloadAll(ctx, src))
	}
	close(stop)
	wg.Wait()
}
