package profile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/marketchat/pkg/model"
)

// Cache holds display profiles in front of the directory store. A cache
// failure is never fatal: the service logs it and goes to the store.
type Cache interface {
	Get(ctx context.Context, refs []model.IdentityRef) (map[model.IdentityRef]model.Profile, error)
	Set(ctx context.Context, profiles []model.Profile) error
}

// NopCache caches nothing.
type NopCache struct{}

func (NopCache) Get(context.Context, []model.IdentityRef) (map[model.IdentityRef]model.Profile, error) {
	return nil, nil
}

func (NopCache) Set(context.Context, []model.Profile) error { return nil }

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(ref model.IdentityRef) string {
	return "profile:" + ref.String()
}

// Get reads every ref with a single MGET.
func (c *RedisCache) Get(ctx context.Context, refs []model.IdentityRef) (map[model.IdentityRef]model.Profile, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = cacheKey(r)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[model.IdentityRef]model.Profile, len(refs))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p model.Profile
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		out[refs[i]] = p
	}
	return out, nil
}

// Set writes all profiles in one pipeline.
func (c *RedisCache) Set(ctx context.Context, profiles []model.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range profiles {
			b, err := json.Marshal(p)
			if err != nil {
				return err
			}
			pipe.Set(ctx, cacheKey(p.Ref), b, c.ttl)
		}
		return nil
	})
	return err
}
