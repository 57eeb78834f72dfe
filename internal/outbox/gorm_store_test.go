package outbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/eventcore/internal/clock"
	"example.com/backstage/eventcore/internal/models"
)

func setupGormStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := os.Getenv("EVENTCORE_TEST_DSN")
	if dsn == "" {
		t.Skip("EVENTCORE_TEST_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))
	require.NoError(t, db.Exec("TRUNCATE outbox_entries").Error)
	return NewGormStore(db)
}

func TestGormStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	store := setupGormStore(t)
	entries := insertEntries(t, store, clk, streamA, "one", "two", "three")

	claimed, err := store.Claim(ctx, "owner-a", 2, clk.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, entries[0].ID, claimed[0].ID)
	assert.Equal(t, entries[1].ID, claimed[1].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "owner-a", claimed[0].LockOwner)

	assert.ErrorIs(t, store.Acknowledge(ctx, claimed[0].ID, "owner-b", clk.Now()), ErrNotLockOwner)
	require.NoError(t, store.Acknowledge(ctx, claimed[0].ID, "owner-a", clk.Now()))
	require.NoError(t, store.MarkFailed(ctx, claimed[1].ID, "owner-a", "bad payload", clk.Now()))

	rest, err := store.Claim(ctx, "owner-b", 10, clk.Now())
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, entries[2].ID, rest[0].ID)

	failed, err := store.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad payload", failed[0].LastError)

	require.NoError(t, store.Retry(ctx, failed[0].ID))
	again, err := store.Claim(ctx, "owner-c", 10, clk.Now())
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)

	clk.Advance(time.Hour)
	reclaimed, err := store.ReclaimExpired(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), reclaimed)

	purged, err := store.PurgeAcknowledged(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestGormStoreHoldsStreamBehindLockedEntry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	store := setupGormStore(t)
	a := insertEntries(t, store, clk, streamA, "a1", "a2")
	b := insertEntries(t, store, clk, streamB, "b1")

	first, err := store.Claim(ctx, "owner-a", 1, clk.Now())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, a[0].ID, first[0].ID)

	second, err := store.Claim(ctx, "owner-b", 10, clk.Now())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, b[0].ID, second[0].ID)

	require.NoError(t, store.Acknowledge(ctx, first[0].ID, "owner-a", clk.Now()))
	third, err := store.Claim(ctx, "owner-b", 10, clk.Now())
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, a[1].ID, third[0].ID)
}
