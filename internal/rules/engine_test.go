package rules

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/condition"
	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/value"
)

func newEngine(t *testing.T) (*Engine, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ev := condition.NewEvaluator(condition.WithLogger(log))
	return NewEngine(ev, NewActionExecutor(ev, WithExecutorLogger(log)), log), &buf
}

func invoiceRules() []meta.RuleDefinition {
	return []meta.RuleDefinition{
		{
			Name: "Rule2", EntityType: "Invoice", Trigger: "pre_create", Priority: 5, Active: true,
			Condition: "subtotal == null",
			Actions:   []meta.Action{{Type: meta.ActionSetVariable, Variable: "ran2", Value: true}},
		},
		{
			Name: "Rule1", EntityType: "Invoice", Trigger: "pre_create", Priority: 15, Active: true,
			Condition: "subtotal != null",
			Actions: []meta.Action{
				{Type: meta.ActionSetField, Field: "tax", Value: "${subtotal * 0.2}"},
				{Type: meta.ActionSetVariable, Variable: "ran1", Value: true},
			},
		},
	}
}

func TestInvoiceRulePriority(t *testing.T) {
	e, _ := newEngine(t)
	data := value.Attributes{"subtotal": value.Int(100)}
	ectx := execution.New("t1", "u1")

	rep, err := e.ExecuteRules(context.Background(), invoiceRules(), data, ectx)
	require.NoError(t, err)

	want := []RuleResult{
		{Rule: "Rule1", Priority: 15, Outcome: Executed},
		{Rule: "Rule2", Priority: 5, Outcome: Skipped},
	}
	if diff := cmp.Diff(want, rep.Results); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, value.Bool(true), ectx.Variable("ran1"))
	assert.False(t, ectx.Variables.Has("ran2"))
	assert.True(t, value.Equal(value.Int(20), data.Get("tax")))
}

func TestOrderIndependentOfInput(t *testing.T) {
	rules := []meta.RuleDefinition{
		{Name: "low", Priority: 1, Active: true},
		{Name: "high", Priority: 10, Active: true},
		{Name: "mid-a", Priority: 5, Active: true},
		{Name: "off", Priority: 100, Active: false},
		{Name: "mid-b", Priority: 5, Active: true},
	}
	var names []string
	for _, r := range Order(rules) {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, names)
}

func TestSkippedRuleHasNoSideEffects(t *testing.T) {
	e, _ := newEngine(t)
	data := value.Attributes{"status": value.String("PAID")}
	ectx := execution.New("t1", "u1")
	rules := []meta.RuleDefinition{{
		Name: "open-only", Active: true, Condition: "status == 'OPEN'",
		Actions: []meta.Action{
			{Type: meta.ActionSetField, Field: "status", Value: "LOCKED"},
			{Type: meta.ActionMetadata, Key: "touched", Value: "yes"},
		},
	}}

	rep, err := e.ExecuteRules(context.Background(), rules, data, ectx)
	require.NoError(t, err)
	assert.Equal(t, []string{"open-only"}, rep.Skipped())
	assert.Empty(t, rep.Executed())
	assert.Equal(t, value.String("PAID"), data.Get("status"))
	assert.Empty(t, ectx.Metadata)
}

func TestActionErrorAbortsBatch(t *testing.T) {
	e, _ := newEngine(t)
	boom := errors.New("boom")
	require.NoError(t, e.Actions().RegisterHandler("explode",
		func(context.Context, *ActionExecutor, meta.Action, value.Attributes, *execution.Context) error {
			return boom
		}))

	ectx := execution.New("t1", "u1")
	rules := []meta.RuleDefinition{
		{Name: "first", Priority: 3, Active: true, Actions: []meta.Action{{Type: "explode"}}},
		{Name: "second", Priority: 1, Active: true, Actions: []meta.Action{{Type: meta.ActionSetVariable, Variable: "x", Value: 1}}},
	}
	rep, err := e.ExecuteRules(context.Background(), rules, value.Attributes{}, ectx)
	require.Error(t, err)
	assert.True(t, meta.IsCode(err, meta.CodeRuleExecutionFailed))
	assert.ErrorIs(t, err, boom)
	assert.False(t, ectx.Variables.Has("x"))
	require.Len(t, rep.Results, 1)
	assert.Equal(t, Failed, rep.Results[0].Outcome)
}

func TestRegisterHandlerDuplicate(t *testing.T) {
	e, _ := newEngine(t)
	h := func(context.Context, *ActionExecutor, meta.Action, value.Attributes, *execution.Context) error {
		return nil
	}
	require.NoError(t, e.Actions().RegisterHandler("notify", h))
	err := e.Actions().RegisterHandler("notify", h)
	assert.True(t, meta.IsCode(err, meta.CodeInvalidDefinition))
	err = e.Actions().RegisterHandler(meta.ActionLog, h)
	assert.True(t, meta.IsCode(err, meta.CodeInvalidDefinition))
	assert.True(t, e.Actions().Known("notify"))
}

func TestUnknownActionSkipped(t *testing.T) {
	e, buf := newEngine(t)
	ectx := execution.New("t1", "u1")
	err := e.Actions().Execute(context.Background(), []meta.Action{
		{Type: "nope"},
		{Type: meta.ActionSetVariable, Variable: "after", Value: "ok"},
	}, value.Attributes{}, ectx)
	require.NoError(t, err)
	assert.Equal(t, value.String("ok"), ectx.Variable("after"))
	assert.Contains(t, buf.String(), "unknown action type")
}

func TestBuiltinActions(t *testing.T) {
	e, buf := newEngine(t)
	ectx := execution.New("t1", "u1")
	data := value.Attributes{
		"name":  value.String("  acme corp "),
		"code":  value.String("Ab"),
		"title": value.String("net thirty"),
		"qty":   value.Int(0),
	}
	err := e.Actions().Execute(context.Background(), []meta.Action{
		{Type: meta.ActionTransform, Field: "name", Transform: "trim"},
		{Type: meta.ActionTransform, Field: "code", Transform: "uppercase"},
		{Type: meta.ActionTransform, Field: "title", Transform: "title"},
		{Type: meta.ActionTransform, Field: "missing", Transform: "lowercase"},
		{Type: meta.ActionMetadata, Key: "source", Value: "${name}"},
		{Type: meta.ActionValidate, Field: "qty", Value: "${qty > 0}", Message: "Quantity must be positive, got ${qty}"},
		{Type: meta.ActionValidate, Field: "code", Value: "${code == 'AB'}", Message: "never"},
		{Type: meta.ActionLog, Level: "warn", Message: "processed ${name}"},
	}, data, ectx)
	require.NoError(t, err)

	assert.Equal(t, value.String("acme corp"), data.Get("name"))
	assert.Equal(t, value.String("AB"), data.Get("code"))
	assert.Equal(t, value.String("Net Thirty"), data.Get("title"))
	assert.False(t, data.Has("missing"))
	assert.Equal(t, "acme corp", ectx.Metadata["source"])
	assert.True(t, ectx.ValidationFailed())
	assert.Equal(t, map[string]string{"qty": "Quantity must be positive, got 0"}, ectx.ValidationErrors())
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "processed acme corp")
}

func TestTransformErrors(t *testing.T) {
	e, _ := newEngine(t)
	ectx := execution.New("t1", "u1")
	err := e.Actions().Execute(context.Background(), []meta.Action{
		{Type: meta.ActionTransform, Field: "qty", Transform: "uppercase"},
	}, value.Attributes{"qty": value.Int(1)}, ectx)
	assert.Error(t, err)

	err = e.Actions().Execute(context.Background(), []meta.Action{
		{Type: meta.ActionTransform, Field: "s", Transform: "reverse"},
	}, value.Attributes{"s": value.String("x")}, ectx)
	assert.True(t, meta.IsCode(err, meta.CodeInvalidDefinition))
}

func TestCancelledContextStopsBatch(t *testing.T) {
	e, _ := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ectx := execution.New("t1", "u1")
	rep, err := e.ExecuteRules(ctx, invoiceRules(), value.Attributes{}, ectx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.Results)
}
