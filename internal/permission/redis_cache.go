package permission

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// putScript stores a check result only when the generation is unchanged and
// indexes the entry by holder, resource type and resource.
//
// KEYS[1] generation, KEYS[2] entry, KEYS[3..] index sets
// ARGV[1] generation seen by the reader, ARGV[2] value, ARGV[3] ttl in ms
var putScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1]) or '0'
if current ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
for i = 3, #KEYS do
  redis.call('SADD', KEYS[i], KEYS[2])
  redis.call('PEXPIRE', KEYS[i], ARGV[3])
end
return 1
`)

// RedisCache is a Cache shared by every process using the same Redis
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache under prefix, e.g. "perm:"
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Generation(ctx context.Context) (uint64, error) {
	raw, err := c.client.Get(ctx, c.generationKey()).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read cache generation")
	}
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid cache generation %q", raw)
	}
	return gen, nil
}

func (c *RedisCache) Get(ctx context.Context, k Key) (bool, bool, error) {
	raw, err := c.client.Get(ctx, c.entryKey(k)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.Wrap(err, "failed to read cached permission")
	}
	return raw == "1", true, nil
}

func (c *RedisCache) Put(ctx context.Context, k Key, allowed bool, generation uint64) error {
	value := "0"
	if allowed {
		value = "1"
	}
	keys := []string{
		c.generationKey(),
		c.entryKey(k),
		c.holderIndex(string(k.HolderKind), k.HolderID),
		c.typeIndex(k.ResourceType),
	}
	if !k.Wildcard {
		keys = append(keys, c.resourceIndex(k.ResourceType, k.ResourceID))
	}
	err := putScript.Run(ctx, c.client, keys, strconv.FormatUint(generation, 10), value, c.ttl.Milliseconds()).Err()
	if err != nil {
		return errors.Wrap(err, "failed to cache permission")
	}
	return nil
}

// Invalidate bumps the generation before deleting, so a concurrent Put that
// read the old generation is refused.
func (c *RedisCache) Invalidate(ctx context.Context, s Scope) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return errors.Wrap(err, "failed to bump cache generation")
	}

	var indexes []string
	if s.Holder != nil {
		indexes = append(indexes, c.holderIndex(string(s.Holder.Kind), s.Holder.ID))
	}
	switch {
	case s.ResourceType != "" && s.ResourceID != nil:
		indexes = append(indexes, c.resourceIndex(s.ResourceType, *s.ResourceID))
	case s.ResourceType != "":
		indexes = append(indexes, c.typeIndex(s.ResourceType))
	}
	if len(indexes) == 0 {
		return c.flush(ctx)
	}

	var members []string
	var err error
	if len(indexes) == 1 {
		members, err = c.client.SMembers(ctx, indexes[0]).Result()
	} else {
		members, err = c.client.SInter(ctx, indexes...).Result()
	}
	if err != nil {
		return errors.Wrap(err, "failed to resolve cached permissions")
	}
	if len(members) == 0 {
		return nil
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, members...)
	for _, idx := range indexes {
		pipe.SRem(ctx, idx, toInterfaces(members)...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to delete cached permissions")
	}
	return nil
}

// flush drops every entry under the prefix
func (c *RedisCache) flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		if iter.Val() != c.generationKey() {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "failed to scan cached permissions")
	}
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(c.client.Del(ctx, keys...).Err(), "failed to flush cached permissions")
}

func (c *RedisCache) generationKey() string {
	return c.prefix + "gen"
}

func (c *RedisCache) entryKey(k Key) string {
	resource := "*"
	if !k.Wildcard {
		resource = "=" + escape(k.ResourceID)
	}
	return c.prefix + "k:" + strings.Join([]string{
		string(k.HolderKind), escape(k.HolderID), escape(k.Action), escape(k.ResourceType), resource,
	}, ":")
}

func (c *RedisCache) holderIndex(kind, id string) string {
	return c.prefix + "idx:h:" + kind + ":" + escape(id)
}

func (c *RedisCache) typeIndex(resourceType string) string {
	return c.prefix + "idx:t:" + escape(resourceType)
}

func (c *RedisCache) resourceIndex(resourceType, id string) string {
	return c.prefix + "idx:r:" + escape(resourceType) + ":" + escape(id)
}

func escape(s string) string {
	return url.PathEscape(s)
}

func toInterfaces(values []string) []interface{} {
	result := make([]interface{}, len(values))
	for i, v := range values {
		result[i] = v
	}
	return result
}
