// Package rediscache caches definition reads in Redis.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/workflow"
)

// DefinitionCache decorates a workflow.DefinitionStore. Get results are
// cached; every write that can change what Get returns drops the affected
// keys and bumps a per-definition generation. A fill only lands when the
// generation it read before going to the store is still current, so a read
// racing a publish cannot put the old default back. Redis failures fall
// through to the underlying store.
type DefinitionCache struct {
	workflow.DefinitionStore
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

type Option func(*DefinitionCache)

// WithTTL sets the lifetime of cached entries. Default is 10 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(c *DefinitionCache) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "flowengine".
func WithPrefix(prefix string) Option {
	return func(c *DefinitionCache) {
		c.prefix = prefix
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *DefinitionCache) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(store workflow.DefinitionStore, client *redis.Client, opts ...Option) *DefinitionCache {
	c := &DefinitionCache{
		DefinitionStore: store,
		client:          client,
		ttl:             10 * time.Minute,
		prefix:          "flowengine",
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *DefinitionCache) versionKey(id string, version int) string {
	return c.prefix + ":definition:" + id + ":v" + strconv.Itoa(version)
}

func (c *DefinitionCache) defaultKey(id string) string {
	return c.prefix + ":definition:" + id + ":default"
}

func (c *DefinitionCache) generationKey(id string) string {
	return c.prefix + ":definition:" + id + ":gen"
}

func (c *DefinitionCache) generation(ctx context.Context, id string) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *DefinitionCache) Get(ctx context.Context, id string, version *int) (workflow.Definition, error) {
	key := c.defaultKey(id)
	if version != nil {
		key = c.versionKey(id, *version)
	}
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var def workflow.Definition
		if err := json.Unmarshal(data, &def); err == nil {
			return def, nil
		}
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("definition cache read failed", zap.String("key", key), zap.Error(err))
	}

	gen, genErr := c.generation(ctx, id)
	def, err := c.DefinitionStore.Get(ctx, id, version)
	if err != nil {
		return workflow.Definition{}, err
	}
	if genErr != nil {
		return def, nil
	}
	if raw, err := json.Marshal(def); err == nil {
		c.fill(ctx, id, key, raw, gen)
	}
	return def, nil
}

// fill writes raw under key unless the generation moved past gen.
func (c *DefinitionCache) fill(ctx context.Context, id, key string, raw []byte, gen int64) {
	genKey := c.generationKey(id)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, c.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("skipping stale definition cache fill", zap.String("key", key))
	default:
		c.logger.Warn("definition cache write failed", zap.String("key", key), zap.Error(err))
	}
}

var errStale = errors.New("definition changed during read")

func (c *DefinitionCache) Publish(ctx context.Context, id string, version int) (workflow.Definition, error) {
	def, err := c.DefinitionStore.Publish(ctx, id, version)
	if err != nil {
		return def, err
	}
	// Publishing clears the flag on every other version, so drop them all.
	return def, c.invalidateAll(ctx, id)
}

func (c *DefinitionCache) Unpublish(ctx context.Context, id string, version int) (workflow.Definition, error) {
	def, err := c.DefinitionStore.Unpublish(ctx, id, version)
	if err != nil {
		return def, err
	}
	return def, c.invalidate(ctx, id, version)
}

func (c *DefinitionCache) SetActive(ctx context.Context, id string, version int, active bool) (workflow.Definition, error) {
	def, err := c.DefinitionStore.SetActive(ctx, id, version, active)
	if err != nil {
		return def, err
	}
	return def, c.invalidate(ctx, id, version)
}

func (c *DefinitionCache) DeleteVersion(ctx context.Context, id string, version int) error {
	if err := c.DefinitionStore.DeleteVersion(ctx, id, version); err != nil {
		return err
	}
	return c.invalidate(ctx, id, version)
}

func (c *DefinitionCache) invalidate(ctx context.Context, id string, version int) error {
	return c.drop(ctx, id, c.versionKey(id, version), c.defaultKey(id))
}

// drop bumps the generation of id and deletes keys in one transaction.
func (c *DefinitionCache) drop(ctx context.Context, id string, keys ...string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.generationKey(id))
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate definition cache: %w", err)
	}
	return nil
}

func (c *DefinitionCache) invalidateAll(ctx context.Context, id string) error {
	keys := []string{c.defaultKey(id)}
	iter := c.client.Scan(ctx, 0, c.prefix+":definition:"+id+":v*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan definition cache: %w", err)
	}
	return c.drop(ctx, id, keys...)
}
