// Package cache implements C10, the secure cache: a namespaced,
// optionally-encrypted key-value layer over Redis used by C5 to avoid
// re-embedding identical text and by C12 to cache query responses. Provider
// keys are not mirrored here; VaultKeySource keeps them in process memory.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/crypto"
	"github.com/koriath/raketh/internal/errs"
	"github.com/koriath/raketh/internal/logging"
)

// Cache wraps a Redis client with namespacing, optional per-entry
// encryption, and hit/miss/cost statistics.
type Cache struct {
	client    redis.UniversalClient
	log       *logging.Logger
	prefix    string
	defaultTTL time.Duration
	vault     *crypto.Vault // nil when encryption disabled

	hits        atomic.Int64
	misses      atomic.Int64
	encryptNS   atomic.Int64 // cumulative nanoseconds spent encrypting
	encryptOps  atomic.Int64
	decryptNS   atomic.Int64
	decryptOps  atomic.Int64
}

// New constructs a Cache. vault may be nil; if cfg.EncryptionEnabled is true
// a nil vault is a configuration error.
func New(cfg config.CacheConfig, vault *crypto.Vault, log *logging.Logger) (*Cache, error) {
	if cfg.EncryptionEnabled && vault == nil {
		return nil, errs.New(errs.KindCrypto, "cache encryption enabled but no vault configured")
	}
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword.Value(),
		DB:       cfg.RedisDB,
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "redis cache ping", err)
	}

	ttl := cfg.DefaultTTL.Value()
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	c := &Cache{
		client:     client,
		log:        log,
		prefix:     cfg.KeyPrefix,
		defaultTTL: ttl,
	}
	if cfg.EncryptionEnabled {
		c.vault = vault
	}
	return c, nil
}

func (c *Cache) namespaced(key string) string {
	return c.prefix + "∥" + key
}

// Get implements embeddings.Cache: a namespaced lookup that decrypts on hit
// when encryption is enabled. A failed decrypt evicts the entry and reports
// a miss rather than surfacing the error, the fail-closed contract of §4.10.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, c.namespaced(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.KindStorage, "cache get", err)
	}

	if c.vault == nil {
		c.hits.Add(1)
		return raw, true, nil
	}

	start := time.Now()
	plaintext, decErr := c.vault.Decrypt(crypto.ClassCacheEntry, string(raw))
	c.decryptNS.Add(int64(time.Since(start)))
	c.decryptOps.Add(1)
	if decErr != nil {
		c.log.Warn(ctx, "cache entry failed to decrypt, evicting")
		_ = c.client.Del(ctx, c.namespaced(key)).Err()
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	return plaintext, true, nil
}

// Set implements embeddings.Cache: stores value under the namespaced key
// with ttl, encrypting first when enabled. ttl <= 0 uses the configured
// default.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	payload := value
	if c.vault != nil {
		start := time.Now()
		blob, err := c.vault.Encrypt(crypto.ClassCacheEntry, value)
		c.encryptNS.Add(int64(time.Since(start)))
		c.encryptOps.Add(1)
		if err != nil {
			return errs.Wrap(errs.KindCrypto, "cache entry encrypt", err)
		}
		payload = []byte(blob)
	}

	if err := c.client.Set(ctx, c.namespaced(key), payload, ttl).Err(); err != nil {
		return errs.Wrap(errs.KindStorage, "cache set", err)
	}
	return nil
}

// ComputeFunc produces the value to cache on a miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Wrap implements the cache-or-compute pattern of §4.10: a hit returns the
// cached value, a miss calls fn and stores its result, and a compute failure
// never populates the cache.
func (c *Cache) Wrap(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) ([]byte, error) {
	if v, ok, err := c.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		c.log.Warn(ctx, "cache store after compute failed")
	}
	return v, nil
}

// Close releases the backing Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// EvictAll drops every key under this cache's namespace, for C13's
// critical-pressure eviction ladder. It scans rather than issuing FlushDB,
// since a shared Redis instance may hold keys outside this prefix.
func (c *Cache) EvictAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"∥*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errs.Wrap(errs.KindStorage, "cache evict scan", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errs.Wrap(errs.KindStorage, "cache evict del", err)
	}
	return nil
}

// Stats reports cumulative hit/miss counts and average crypto cost.
type Stats struct {
	Hits              int64
	Misses            int64
	AvgEncryptCostNS  int64
	AvgDecryptCostNS  int64
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if ops := c.encryptOps.Load(); ops > 0 {
		s.AvgEncryptCostNS = c.encryptNS.Load() / ops
	}
	if ops := c.decryptOps.Load(); ops > 0 {
		s.AvgDecryptCostNS = c.decryptNS.Load() / ops
	}
	return s
}
