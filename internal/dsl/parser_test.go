package dsl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/meta"
)

const billingDSL = `
# биллинг
module billing

entity Customer: auditable meta.owner=finance
  name: string required min_length=2 max_length=80 label='Customer name'
  email: email required unique
  status: enum[active, suspended] default=active
  creditLimit: decimal min=0 max=100000

entity Invoice: table=invoices versionable
  number: string required pattern='^INV-\d{4,6}$' indexed
  customer: ref[Customer] required
  quantity: int default=1
  unitPrice: money
  total: decimal calc='quantity * unitPrice' readonly
  currency: enum catalog=currency order=-1
  constraints:
    unique(number)
    check total: total >= 0
`

func TestParseBillingDSL(t *testing.T) {
	ents, err := Parse(strings.NewReader(billingDSL), "billing.dsl")
	require.NoError(t, err)
	require.Len(t, ents, 2)

	defs, err := Definitions(ents)
	require.NoError(t, err)

	c := defs[0]
	assert.Equal(t, "Customer", c.Name)
	assert.True(t, c.Active)
	assert.True(t, c.Auditable)
	assert.Equal(t, map[string]string{"owner": "finance", "module": "billing"}, c.Metadata)
	name, _ := c.Field("name")
	assert.Equal(t, "Customer name", name.Label)
	require.NotNil(t, name.MinLength)
	assert.Equal(t, 2, *name.MinLength)
	assert.Equal(t, 80, *name.MaxLength)
	status, _ := c.Field("status")
	assert.Equal(t, meta.TypeEnum, status.DataType)
	assert.Equal(t, []string{"active", "suspended"}, status.Enum)
	assert.Equal(t, "active", status.DefaultValue)
	limit, _ := c.Field("creditLimit")
	assert.Equal(t, map[string]string{"min": "0", "max": "100000"}, limit.ValidationRules)

	inv := defs[1]
	assert.Equal(t, "invoices", inv.Table)
	assert.True(t, inv.Versionable)
	num, _ := inv.Field("number")
	assert.Equal(t, `^INV-\d{4,6}$`, num.Pattern)
	assert.True(t, num.Unique)
	assert.True(t, num.Indexed)
	ref, _ := inv.Field("customer")
	assert.Equal(t, meta.TypeReference, ref.DataType)
	assert.Equal(t, "Customer", ref.Reference)
	price, _ := inv.Field("unitPrice")
	assert.Equal(t, meta.TypeDecimal, price.DataType)
	total, _ := inv.Field("total")
	assert.Equal(t, "quantity * unitPrice", total.Calculated)
	assert.True(t, total.ReadOnly)
	assert.Equal(t, map[string]string{"total": "total >= 0"}, inv.Validation)
	assert.Equal(t, "currency", inv.OrderedFields()[0].Name)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"outside entity":   "name: string",
		"composite unique": "entity A:\n  a: string\n  b: string\n  constraints:\n    unique(a, b)",
		"unknown unique":   "entity A:\n  a: string\n  constraints:\n    unique(z)",
		"array":            "entity A:\n  tags: array[string]",
		"bad constraint":   "entity A:\n  a: string\n  constraints:\n    whatever",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(src), "x.dsl")
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "x.dsl", perr.File)
			assert.Positive(t, perr.Line)
		})
	}

	for name, src := range map[string]string{
		"unknown type":   "entity A:\n  a: blob",
		"unknown option": "entity A:\n  a: string shiny",
		"bad length":     "entity A:\n  a: string min_length=x",
		"entity option":  "entity A: sharded\n  a: string",
	} {
		t.Run(name, func(t *testing.T) {
			ents, err := Parse(strings.NewReader(src), "x.dsl")
			require.NoError(t, err)
			_, err = Definitions(ents)
			assert.Error(t, err)
		})
	}
}

func TestSplitOptionTokens(t *testing.T) {
	got := splitOptionTokens(`required, pattern=^[A-Z ]{2,3}$ label="a b" calc='x, y'`)
	assert.Equal(t, []string{"required", "pattern=^[A-Z ]{2,3}$", `label="a b"`, "calc='x, y'"}, got)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"entities/billing.dsl": billingDSL,
		"rules/invoice.yaml": `
- name: big-invoice
  entityType: Invoice
  trigger: pre_create
  condition: total > 1000
  priority: 10
  actions:
    - {type: set_variable, variable: review, value: true}
    - {type: set_field, field: note, value: "${'big ' + number}"}
- name: disabled
  entityType: Invoice
  trigger: pre_create
  active: false
`,
		"workflows/approve.yml": `
- name: approval
  entityType: Invoice
  trigger: post_create
  steps:
    - {name: check, type: validation, order: 1, mandatory: true}
`,
		"permissions/base.yaml": `
- {entityType: Invoice, action: create, allowed: true}
- {entityType: Invoice, action: delete, allowed: false, principalType: role, principalId: clerk}
`,
		"groups/finance.yaml": `
- {name: finance, permissions: ["Invoice:read"], members: [u1]}
`,
		"plugins/audit.yaml": `
- {name: trail, type: audit, trigger: "*", config: {capacity: "50"}}
`,
		"rules/notes.txt": "ignored",
	})
	src := NewDirSource(root)
	ctx := context.Background()

	ents, err := src.LoadEntities(ctx)
	require.NoError(t, err)
	assert.Len(t, ents, 2)

	rules, err := src.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.True(t, rules[0].Active)
	assert.False(t, rules[1].Active)
	assert.Equal(t, 10, rules[0].Priority)
	assert.Equal(t, meta.ActionSetVariable, rules[0].Actions[0].Type)
	assert.Equal(t, true, rules[0].Actions[0].Value)

	wfs, err := src.LoadWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, wfs, 1)
	assert.True(t, wfs[0].Active)
	assert.Equal(t, meta.StepValidation, wfs[0].Steps[0].Type)

	perms, err := src.LoadPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.True(t, perms[1].Active)
	assert.False(t, perms[1].Allowed)

	groups, err := src.LoadSecurityGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, groups[0].Members)

	plugins, err := src.LoadPlugins(ctx)
	require.NoError(t, err)
	assert.True(t, plugins[0].Enabled)
	assert.Equal(t, "50", plugins[0].Config["capacity"])

	empty := NewDirSource(t.TempDir())
	none, err := empty.LoadRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)

	h1, err := src.Hash()
	require.NoError(t, err)
	h2, _ := src.Hash()
	assert.Equal(t, h1, h2)
	writeTree(t, root, map[string]string{"groups/finance.yaml": "[]"})
	h3, _ := src.Hash()
	assert.NotEqual(t, h1, h3)

	writeTree(t, root, map[string]string{"groups/finance.yaml": "{not: a list}"})
	_, err = src.LoadSecurityGroups(ctx)
	assert.ErrorContains(t, err, "finance.yaml")
}

func TestWatcherReloadsOnChange(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"rules/a.yaml": "[]"})
	var reloads atomic.Int32
	w := NewWatcher(NewDirSource(root), func(context.Context) error {
		reloads.Add(1)
		return nil
	}, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// даём подписке установиться
	time.Sleep(100 * time.Millisecond)
	writeTree(t, root, map[string]string{"rules/a.yaml": "- {name: r, entityType: A, trigger: pre_create}"})
	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
