package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/api"
	"meridian/internal/config"
	"meridian/internal/plugin"
	"meridian/internal/registry"
)

const invoiceDSL = `
module billing

entity Invoice: table=invoices
  number: string required unique
  total: decimal
  tax: decimal
`

const taxRule = `
- name: computeTax
  entityType: Invoice
  trigger: pre_create
  condition: total != null
  actions:
    - type: set_field
      field: tax
      value: "${total * 0.2}"
`

const clerkPermission = `
- entityType: Invoice
  action: "*"
  allowed: true
  principalType: role
  principalId: clerk
`

const auditBinding = `
- name: trail
  type: audit
  trigger: post_create
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func writeDefs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "billing.dsl"), invoiceDSL)
	writeFile(t, filepath.Join(dir, "rules", "tax.yaml"), taxRule)
	writeFile(t, filepath.Join(dir, "permissions", "clerk.yaml"), clerkPermission)
	writeFile(t, filepath.Join(dir, "plugins", "audit.yaml"), auditBinding)
	return dir
}

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.DefinitionsDir = dir
	cfg.EnumsDir = filepath.Join(dir, "enums")
	cfg.AuthMode = config.AuthHeaders
	return cfg
}

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func createInvoice(t *testing.T, h http.Handler, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/Invoice", strings.NewReader(body))
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-Roles", "clerk")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "lint", "token"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	for _, f := range []string{"port", "definitions", "store", "stage-timeout", "watch"} {
		assert.NotNil(t, serve.Flags().Lookup(f), f)
	}
	assert.Equal(t, "meridian.yaml", cmd.PersistentFlags().Lookup("config").DefValue)
}

func TestBuildServesDefinitions(t *testing.T) {
	ctx := context.Background()
	dir := writeDefs(t)
	rt, err := Build(ctx, testConfig(dir), quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	require.True(t, rt.Registry.Ready())

	code, body := createInvoice(t, rt.Handler(), `{"number":"INV-1","total":"120"}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.EqualValues(t, 24, body["tax"])

	p, ok := rt.Plugins.Get("trail")
	require.True(t, ok)
	audit, ok := p.(*plugin.AuditPlugin)
	require.True(t, ok)
	assert.Len(t, audit.Entries(), 1)
}

func TestDefaultAuthIgnoresIdentityHeaders(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(writeDefs(t))
	cfg.AuthMode = config.Default().AuthMode
	rt, err := Build(ctx, cfg, quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	code, _ := createInvoice(t, rt.Handler(), `{"number":"INV-1"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	var buf bytes.Buffer
	warnAuth(cfg, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.Contains(t, buf.String(), "no jwt secret configured")

	buf.Reset()
	warnAuth(testConfig(""), slog.New(slog.NewTextHandler(&buf, nil)))
	assert.Contains(t, buf.String(), "header identity enabled")

	buf.Reset()
	cfg.JWTSecret = "s3cret"
	warnAuth(cfg, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.Empty(t, buf.String())
}

func TestReloadRejectsBrokenDefinitions(t *testing.T) {
	ctx := context.Background()
	dir := writeDefs(t)
	rt, err := Build(ctx, testConfig(dir), quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	before := rt.Registry.Version()

	writeFile(t, filepath.Join(dir, "rules", "broken.yaml"), `
- name: broken
  entityType: Invoice
  trigger: pre_create
  condition: "total >"
`)
	err = rt.Reload(ctx)
	var lerr *registry.LintError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, before, rt.Registry.Version())
	_, err = rt.Registry.Rule("computeTax")
	assert.NoError(t, err, "previous snapshot stays published")

	require.NoError(t, os.Remove(filepath.Join(dir, "rules", "broken.yaml")))
	require.NoError(t, os.Remove(filepath.Join(dir, "rules", "tax.yaml")))
	require.NoError(t, rt.Reload(ctx))
	assert.Greater(t, rt.Registry.Version(), before)

	code, body := createInvoice(t, rt.Handler(), `{"number":"INV-2","total":"10"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Nil(t, body["tax"], "removed rule no longer runs")
}

func TestBuildOverSQLiteKeepsData(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(writeDefs(t))
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "meridian.db")

	rt, err := Build(ctx, cfg, quiet())
	require.NoError(t, err)
	code, body := createInvoice(t, rt.Handler(), `{"number":"INV-1","total":"5"}`)
	require.Equal(t, http.StatusCreated, code, body)
	require.NoError(t, rt.Close(ctx))

	rt, err = Build(ctx, cfg, quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	code, body = createInvoice(t, rt.Handler(), `{"number":"INV-1","total":"6"}`)
	assert.Equal(t, http.StatusBadRequest, code, "unique number survives restart")
	assert.Equal(t, "VALIDATION_FAILED", body["code"])
}

func TestLintCommand(t *testing.T) {
	dir := writeDefs(t)

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"lint", dir})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "✓")

	writeFile(t, filepath.Join(dir, "rules", "broken.yaml"), "- name: broken\n  entityType: Invoice\n  trigger: pre_create\n  condition: \"total >\"\n")
	buf.Reset()
	cmd = NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"lint", "--format", "json", dir})
	assert.ErrorIs(t, cmd.Execute(), errLintFailed)

	var rep LintReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rep))
	assert.Equal(t, "error", rep.Status)
	require.Len(t, rep.Issues, 1)
	assert.Equal(t, "broken", rep.Issues[0].Name)
	assert.Equal(t, "condition_syntax", rep.Issues[0].Code)
}

func TestLintMissingDirectory(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"lint", filepath.Join(t.TempDir(), "nope")})
	assert.ErrorIs(t, cmd.Execute(), errLintFailed)
	assert.Contains(t, buf.String(), "✗")
}

func TestTokenCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"token", "--secret", "s3cret", "--tenant", "acme", "--user", "u1", "--roles", "clerk,admin"})
	require.NoError(t, cmd.Execute())

	var claims api.Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(buf.String()), &claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.Tenant)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, []string{"clerk", "admin"}, claims.Roles)

	cmd = NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--secret", "s3cret", "--tenant", "acme"})
	assert.Error(t, cmd.Execute())
}
