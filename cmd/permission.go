package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"example.com/backstage/eventcore/config"
	"example.com/backstage/eventcore/internal/database"
	"example.com/backstage/eventcore/internal/permission"
)

var permissionCmd = &cobra.Command{
	Use:   "permission",
	Short: "Manage permission grants",
	Long: `Manage permission grants. Holders are written kind:id (user:alice, group:ops),
resources type or type/id (document, document/42).

With the redis cache backend, grants and revocations also invalidate the shared
cache. The local backend only lives inside a resident process, so these
commands go straight to the database.`,
}

var permissionGrantCmd = &cobra.Command{
	Use:   "grant <holder> <action> <resource>",
	Short: "Grant an action on a resource",
	Args:  cobra.ExactArgs(3),
	RunE: withPermissionStore(func(cmd *cobra.Command, store permission.Store, p permission.Permission) error {
		granted, err := store.Insert(cmd.Context(), p)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted %s\n", granted.ID)
		return nil
	}),
}

var permissionRevokeCmd = &cobra.Command{
	Use:   "revoke <holder> <action> <resource>",
	Short: "Revoke an exact grant",
	Args:  cobra.ExactArgs(3),
	RunE: withPermissionStore(func(cmd *cobra.Command, store permission.Store, p permission.Permission) error {
		if err := store.RemoveByPermission(cmd.Context(), p); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "revoked")
		return nil
	}),
}

var permissionCheckCmd = &cobra.Command{
	Use:   "check <holder> <action> <resource>",
	Short: "Check whether a holder may perform an action",
	Args:  cobra.ExactArgs(3),
	RunE: withPermissionStore(func(cmd *cobra.Command, store permission.Store, p permission.Permission) error {
		if err := permission.Require(cmd.Context(), store, p); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "allowed")
		return nil
	}),
}

func init() {
	permissionCmd.AddCommand(permissionGrantCmd, permissionRevokeCmd, permissionCheckCmd)
	rootCmd.AddCommand(permissionCmd)
}

type permissionAction func(cmd *cobra.Command, store permission.Store, p permission.Permission) error

func withPermissionStore(action permissionAction) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		p, err := parsePermission(args[0], args[1], args[2])
		if err != nil {
			return err
		}

		db, err := database.Connect(cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close(db)

		store, closeStore, err := newPermissionStore(cmd.Context(), cfg, db)
		if err != nil {
			return err
		}
		defer closeStore()

		return action(cmd, store, p)
	}
}

// newPermissionStore builds the gorm permission store, fronted by the shared
// cache when the backend is redis
func newPermissionStore(ctx context.Context, cfg *config.Config, db *gorm.DB) (permission.Store, func(), error) {
	store := permission.NewGormStore(db)
	pc := cfg.PermissionCache

	switch pc.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, errors.Wrap(err, "failed to connect to Redis")
		}
		cache := permission.NewRedisCache(client, pc.Prefix, pc.TTL)
		return permission.NewCachedStore(store, cache), func() { _ = client.Close() }, nil
	default:
		return store, func() {}, nil
	}
}

func parsePermission(holder, action, resource string) (permission.Permission, error) {
	kind, id, ok := strings.Cut(holder, ":")
	if !ok {
		return permission.Permission{}, errors.Errorf("holder %q must be kind:id", holder)
	}
	var h permission.Holder
	switch strings.ToLower(kind) {
	case "user":
		h = permission.User(id)
	case "group":
		h = permission.Group(id)
	default:
		return permission.Permission{}, errors.Errorf("unknown holder kind %q", kind)
	}

	r := permission.AnyOf(resource)
	if resourceType, resourceID, ok := strings.Cut(resource, "/"); ok {
		r = permission.ResourceOf(resourceType, resourceID)
	}

	p := permission.New(h, action, r)
	return p, p.Validate()
}
