package permission

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/eventcore/internal/models"
)

func uniqueUser() Holder {
	return User("user-" + uuid.NewString())
}

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("exact grant", func(t *testing.T) {
		alice := uniqueUser()
		_, err := store.Insert(ctx, New(alice, "read", ResourceOf("document", "d1")))
		require.NoError(t, err)

		ok, err := store.HasPermission(ctx, New(alice, "read", ResourceOf("document", "d1")))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.HasPermission(ctx, New(alice, "read", ResourceOf("document", "d2")))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.HasPermission(ctx, New(alice, "write", ResourceOf("document", "d1")))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.HasPermission(ctx, New(alice, "read", AnyOf("document")))
		require.NoError(t, err)
		assert.False(t, ok, "an exact grant does not satisfy a wildcard check")
	})

	t.Run("wildcard grant", func(t *testing.T) {
		bob := uniqueUser()
		_, err := store.Insert(ctx, New(bob, "read", AnyOf("document")))
		require.NoError(t, err)

		for _, r := range []Resource{ResourceOf("document", "d1"), ResourceOf("document", "d9"), AnyOf("document")} {
			ok, err := store.HasPermission(ctx, New(bob, "read", r))
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := store.HasPermission(ctx, New(bob, "read", ResourceOf("folder", "f1")))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("insert is idempotent", func(t *testing.T) {
		carol := uniqueUser()
		first, err := store.Insert(ctx, New(carol, "read", ResourceOf("document", "d1")))
		require.NoError(t, err)
		second, err := store.Insert(ctx, New(carol, "read", ResourceOf("document", "d1")))
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		found, err := store.FindByHolder(ctx, carol, "document", "")
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("find by holder", func(t *testing.T) {
		dave := uniqueUser()
		for _, p := range []Permission{
			New(dave, "read", ResourceOf("document", "d1")),
			New(dave, "write", ResourceOf("document", "d1")),
			New(dave, "read", AnyOf("folder")),
		} {
			_, err := store.Insert(ctx, p)
			require.NoError(t, err)
		}

		docs, err := store.FindByHolder(ctx, dave, "document", "")
		require.NoError(t, err)
		assert.Len(t, docs, 2)

		reads, err := store.FindByHolder(ctx, dave, "document", "read")
		require.NoError(t, err)
		require.Len(t, reads, 1)
		assert.Equal(t, "d1", *reads[0].Resource.ID)

		folders, err := store.FindByHolder(ctx, dave, "folder", "read")
		require.NoError(t, err)
		require.Len(t, folders, 1)
		assert.True(t, folders[0].Resource.IsWildcard())
	})

	t.Run("remove variants", func(t *testing.T) {
		erin, frank := uniqueUser(), uniqueUser()
		doc := "doc-" + uuid.NewString()
		for _, p := range []Permission{
			New(erin, "read", ResourceOf("document", doc)),
			New(erin, "write", ResourceOf("document", doc)),
			New(frank, "read", ResourceOf("document", doc)),
			New(frank, "read", ResourceOf("document", "other")),
		} {
			_, err := store.Insert(ctx, p)
			require.NoError(t, err)
		}

		require.NoError(t, store.RemoveByPermission(ctx, New(erin, "write", ResourceOf("document", doc))))
		ok, err := store.HasPermission(ctx, New(erin, "write", ResourceOf("document", doc)))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = store.HasPermission(ctx, New(erin, "read", ResourceOf("document", doc)))
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, store.RemoveByHolderAndResource(ctx, erin, ResourceOf("document", doc)))
		ok, err = store.HasPermission(ctx, New(erin, "read", ResourceOf("document", doc)))
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.RemoveByResource(ctx, ResourceOf("document", doc)))
		ok, err = store.HasPermission(ctx, New(frank, "read", ResourceOf("document", doc)))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = store.HasPermission(ctx, New(frank, "read", ResourceOf("document", "other")))
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, store.RemoveByHolder(ctx, frank))
		found, err := store.FindByHolder(ctx, frank, "document", "")
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("rejects blank fields", func(t *testing.T) {
		_, err := store.Insert(ctx, New(User(" "), "read", AnyOf("document")))
		assert.True(t, errors.Is(err, ErrInvalidPermission))

		_, err = store.HasPermission(ctx, New(uniqueUser(), "", AnyOf("document")))
		assert.True(t, errors.Is(err, ErrInvalidPermission))

		_, err = store.Insert(ctx, New(uniqueUser(), "read", ResourceOf("document", "")))
		assert.True(t, errors.Is(err, ErrInvalidPermission))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestGormStore(t *testing.T) {
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

	runStoreContract(t, NewGormStore(db))
}

func TestRequire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	alice := User("alice")
	_, err := store.Insert(ctx, New(alice, "read", AnyOf("document")))
	require.NoError(t, err)

	assert.NoError(t, Require(ctx, store, New(alice, "read", ResourceOf("document", "d1"))))

	err = Require(ctx, store, New(alice, "delete", ResourceOf("document", "d1")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Contains(t, err.Error(), "document/d1")
}

func TestGrants(t *testing.T) {
	alice := User("alice")
	wildcard := New(alice, "read", AnyOf("document"))
	exact := New(alice, "read", ResourceOf("document", "d1"))

	assert.True(t, wildcard.Grants(exact))
	assert.True(t, wildcard.Grants(wildcard))
	assert.True(t, exact.Grants(exact))
	assert.False(t, exact.Grants(wildcard))
	assert.False(t, exact.Grants(New(Group("alice"), "read", ResourceOf("document", "d1"))))
}
