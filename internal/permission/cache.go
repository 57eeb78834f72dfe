package permission

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Key identifies one cached check
type Key struct {
	HolderKind   HolderKind
	HolderID     string
	Action       string
	ResourceType string
	ResourceID   string
	Wildcard     bool
}

// KeyOf returns the cache key of a check
func KeyOf(p Permission) Key {
	return Key{
		HolderKind:   p.Holder.Kind,
		HolderID:     p.Holder.ID,
		Action:       p.Action,
		ResourceType: p.Resource.Type,
		ResourceID:   p.Resource.idOrEmpty(),
		Wildcard:     p.Resource.IsWildcard(),
	}
}

// Scope selects the cached checks a write may have changed. Unset fields
// match everything; a nil ResourceID with a ResourceType set matches every
// check on that type.
type Scope struct {
	Holder       *Holder
	ResourceType string
	ResourceID   *string
}

// Matches reports whether k falls inside the scope
func (s Scope) Matches(k Key) bool {
	if s.Holder != nil && (s.Holder.Kind != k.HolderKind || s.Holder.ID != k.HolderID) {
		return false
	}
	if s.ResourceType != "" && s.ResourceType != k.ResourceType {
		return false
	}
	if s.ResourceID != nil && (k.Wildcard || *s.ResourceID != k.ResourceID) {
		return false
	}
	return true
}

func holderScope(h Holder) Scope {
	return Scope{Holder: &h}
}

func resourceScope(r Resource) Scope {
	return Scope{ResourceType: r.Type, ResourceID: r.ID}
}

func holderResourceScope(h Holder, r Resource) Scope {
	return Scope{Holder: &h, ResourceType: r.Type, ResourceID: r.ID}
}

// Cache stores check results. Put must be a no-op when an invalidation ran
// after Generation returned generation, so a check that raced a revoke
// never caches its stale answer.
type Cache interface {
	Generation(ctx context.Context) (uint64, error)
	Get(ctx context.Context, k Key) (allowed bool, found bool, err error)
	Put(ctx context.Context, k Key, allowed bool, generation uint64) error
	Invalidate(ctx context.Context, s Scope) error
}

// CachedStore decorates a Store with a Cache. Writes invalidate the cache
// before returning; cache read failures fall back to the store.
type CachedStore struct {
	store Store
	cache Cache
}

// NewCachedStore wraps store with cache
func NewCachedStore(store Store, cache Cache) *CachedStore {
	return &CachedStore{store: store, cache: cache}
}

func (c *CachedStore) HasPermission(ctx context.Context, p Permission) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	key := KeyOf(p)

	allowed, found, err := c.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("Permission cache read failed, falling back to store")
	} else if found {
		return allowed, nil
	}

	generation, genErr := c.cache.Generation(ctx)
	allowed, err = c.store.HasPermission(ctx, p)
	if err != nil {
		return false, err
	}
	if genErr != nil {
		log.Warn().Err(genErr).Msg("Permission cache unavailable, not caching result")
		return allowed, nil
	}
	if err := c.cache.Put(ctx, key, allowed, generation); err != nil {
		log.Warn().Err(err).Msg("Failed to cache permission check")
	}
	return allowed, nil
}

func (c *CachedStore) Insert(ctx context.Context, p Permission) (Permission, error) {
	inserted, err := c.store.Insert(ctx, p)
	if err != nil {
		return Permission{}, err
	}
	return inserted, c.invalidate(ctx, holderResourceScope(p.Holder, p.Resource))
}

func (c *CachedStore) FindByHolder(ctx context.Context, holder Holder, resourceType string, action string) ([]Permission, error) {
	return c.store.FindByHolder(ctx, holder, resourceType, action)
}

func (c *CachedStore) RemoveByHolder(ctx context.Context, holder Holder) error {
	if err := c.store.RemoveByHolder(ctx, holder); err != nil {
		return err
	}
	return c.invalidate(ctx, holderScope(holder))
}

func (c *CachedStore) RemoveByResource(ctx context.Context, resource Resource) error {
	if err := c.store.RemoveByResource(ctx, resource); err != nil {
		return err
	}
	return c.invalidate(ctx, resourceScope(resource))
}

func (c *CachedStore) RemoveByHolderAndResource(ctx context.Context, holder Holder, resource Resource) error {
	if err := c.store.RemoveByHolderAndResource(ctx, holder, resource); err != nil {
		return err
	}
	return c.invalidate(ctx, holderResourceScope(holder, resource))
}

func (c *CachedStore) RemoveByPermission(ctx context.Context, p Permission) error {
	if err := c.store.RemoveByPermission(ctx, p); err != nil {
		return err
	}
	return c.invalidate(ctx, holderResourceScope(p.Holder, p.Resource))
}

func (c *CachedStore) invalidate(ctx context.Context, s Scope) error {
	if err := c.cache.Invalidate(ctx, s); err != nil {
		return errors.Wrap(err, "failed to invalidate permission cache")
	}
	return nil
}
