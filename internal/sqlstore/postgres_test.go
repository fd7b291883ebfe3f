package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"meridian/internal/meta"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("meridian"),
		postgres.WithUsername("meridian"),
		postgres.WithPassword("meridian"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := OpenPostgres(ctx, url, testSchemas, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.Equal(t, "postgres", s.Dialect())

	defs := []meta.EntityDefinition{*testSchemas["Invoice"]}
	require.NoError(t, s.SyncIndexes(ctx, defs))
	require.NoError(t, s.SyncIndexes(ctx, defs), "index DDL is idempotent")

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`select count(*) from pg_indexes where tablename = 'entities' and indexname = 'invoice_number_uq'`).Scan(&n))
	assert.Equal(t, 1, n)

	runStoreContract(t, s)
}
