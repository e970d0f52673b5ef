package analyticstesting

import (
	"context"
	"testing"

	"github.com/edumesones/executive-sql-to-text/pkg/appdb"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// NewPostgres starts a Postgres container and returns its connection string.
// The test is skipped under -short or when no container runtime is reachable.
func NewPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("analytics"),
		postgres.WithUsername("analytics"),
		postgres.WithPassword("analytics"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// NewAppPool returns a pool over a fresh Postgres with the application
// tables migrated.
func NewAppPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := NewPostgres(t)
	ctx := context.Background()
	pool, err := querier.NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, appdb.Migrate(ctx, NewLogger(t), pool))
	return pool
}
