package lease

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgres_AdvisoryLease(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test needs Docker")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ordo"),
		postgres.WithUsername("ordo"),
		postgres.WithPassword("ordo"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	leaser := NewPostgres(pool)

	held, err := leaser.Acquire(ctx, "wf-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", held.WorkflowID())
	require.NoError(t, held.Check(ctx))

	_, err = leaser.Acquire(ctx, "wf-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := leaser.Acquire(ctx, "wf-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Check(ctx))
	require.NoError(t, other.Release(ctx))

	require.NoError(t, held.Release(ctx))
	require.NoError(t, held.Release(ctx))

	again, err := leaser.Acquire(ctx, "wf-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
