package db_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/udisondev/bedrockproxy/internal/db"
	"github.com/udisondev/bedrockproxy/internal/model"
	"github.com/udisondev/bedrockproxy/internal/testutil"
)

func TestLoginRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool := testutil.SetupTestDB(t)
	repo := db.NewLoginRepository(pool)
	ctx := testutil.ContextWithTimeout(t, 30*time.Second)

	steve := uuid.New()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("record and list", func(t *testing.T) {
		id1, err := repo.RecordLogin(ctx, model.LoginRecord{
			DisplayName:   "Steve",
			PlayerID:      steve,
			XUID:          "2535400000000001",
			Authenticated: true,
			RemoteAddr:    "10.0.0.1:50000",
			CreatedAt:     base,
		})
		require.NoError(t, err)

		id2, err := repo.RecordLogin(ctx, model.LoginRecord{
			DisplayName: "Alex",
			PlayerID:    uuid.New(),
			RemoteAddr:  "10.0.0.2:50001",
			CreatedAt:   base.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		recs, err := repo.RecentLogins(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 2)

		assert.Equal(t, "Alex", recs[0].DisplayName)
		assert.False(t, recs[0].Authenticated)
		assert.Empty(t, recs[0].XUID)

		assert.Equal(t, id1, recs[1].ID)
		assert.Equal(t, steve, recs[1].PlayerID)
		assert.Equal(t, "2535400000000001", recs[1].XUID)
		assert.True(t, recs[1].Authenticated)
		assert.True(t, base.Equal(recs[1].CreatedAt))
	})

	t.Run("zero time uses database clock", func(t *testing.T) {
		_, err := repo.RecordLogin(ctx, model.LoginRecord{DisplayName: "Steve", PlayerID: steve})
		require.NoError(t, err)

		recs, err := repo.RecentLogins(ctx, 1)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.WithinDuration(t, time.Now(), recs[0].CreatedAt, time.Minute)
	})

	t.Run("count by player", func(t *testing.T) {
		n, err := repo.CountByPlayer(ctx, steve)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = repo.CountByPlayer(ctx, uuid.New())
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestRunMigrations_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool := testutil.SetupTestDB(t)
	ctx := testutil.ContextWithTimeout(t, 30*time.Second)

	require.NoError(t, db.MigratePool(ctx, pool))
}
