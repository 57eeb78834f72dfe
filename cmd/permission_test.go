package cmd

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/eventcore/config"
	"example.com/backstage/eventcore/internal/permission"
)

func TestParsePermission(t *testing.T) {
	p, err := parsePermission("user:alice", "read", "document/42")
	require.NoError(t, err)
	assert.Equal(t, permission.User("alice"), p.Holder)
	assert.Equal(t, "read", p.Action)
	require.NotNil(t, p.Resource.ID)
	assert.Equal(t, "document", p.Resource.Type)
	assert.Equal(t, "42", *p.Resource.ID)

	p, err = parsePermission("GROUP:ops", "write", "document")
	require.NoError(t, err)
	assert.Equal(t, permission.Group("ops"), p.Holder)
	assert.True(t, p.Resource.IsWildcard())

	for _, args := range [][3]string{
		{"alice", "read", "document"},
		{"robot:r2", "read", "document"},
		{"user:alice", " ", "document"},
		{"user:alice", "read", "document/"},
	} {
		_, err := parsePermission(args[0], args[1], args[2])
		assert.Error(t, err, "%v", args)
	}
}

func TestNewPermissionStoreBackends(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{"local", "none"} {
		store, closeStore, err := newPermissionStore(ctx, &config.Config{PermissionCache: config.PermissionCacheConfig{Backend: backend}}, nil)
		require.NoError(t, err)
		assert.IsType(t, &permission.GormStore{}, store, backend)
		closeStore()
	}

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg := &config.Config{
		PermissionCache: config.PermissionCacheConfig{Backend: "redis", Prefix: "eventcore"},
		Redis:           config.RedisConfig{Host: mr.Host(), Port: port},
	}
	store, closeStore, err := newPermissionStore(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &permission.CachedStore{}, store)
	closeStore()

	mr.Close()
	_, _, err = newPermissionStore(ctx, cfg, nil)
	assert.Error(t, err)
}
