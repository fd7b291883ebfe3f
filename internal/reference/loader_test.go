package reference

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadEnumCatalog(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "currency.yaml", `
items:
  - {code: USD, name: Dollar, order: 2}
  - {code: EUR, name: Euro, order: 1}
  - {code: DEM, name: Mark, order: 3, valid_to: "2001-12-31"}
  - {code: XCN, name: Future, order: 4, valid_from: "2099-01-01"}
`)
	writeFile(t, dir, "terms.yml", `
name: payment_terms
items:
  - {code: NET30, name: Net 30}
`)
	writeFile(t, dir, "README.txt", "ignored")

	dirs, err := LoadEnumCatalog(dir)
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Equal(t, "currency", dirs["currency"].Name)
	assert.Equal(t, "EUR", dirs["currency"].Items[0].Code)

	c := NewCatalog(dirs)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	codes, ok := c.CatalogCodes("currency")
	require.True(t, ok)
	assert.Equal(t, []string{"EUR", "USD"}, codes)

	_, ok = c.CatalogCodes("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"currency", "payment_terms"}, c.Names())
}

func TestCatalogReloadKeepsOldOnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "status.yaml", "items: [{code: open}]")
	c := NewCatalog(nil)
	require.NoError(t, c.Reload(dir))
	_, ok := c.Directory("status")
	assert.True(t, ok)

	writeFile(t, dir, "broken.yaml", "items: [")
	assert.Error(t, c.Reload(dir))
	_, ok = c.Directory("status")
	assert.True(t, ok)

	assert.Error(t, c.Reload(filepath.Join(dir, "nope")))
}
