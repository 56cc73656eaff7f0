package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koriath/raketh/internal/crypto"
	"github.com/koriath/raketh/internal/errs"
)

// MGet fetches keys in a single pipelined round trip, decrypting each hit
// when encryption is enabled. Missing keys and failed decrypts are simply
// absent from the returned map, the same fail-closed-to-miss contract as
// Get.
func (c *Cache) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	cmds := make([]*redis.StringCmd, len(keys))
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Get(ctx, c.namespaced(key))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errs.Wrap(errs.KindStorage, "cache mget pipeline", err)
	}

	out := make(map[string][]byte, len(keys))
	for i, cmd := range cmds {
		raw, getErr := cmd.Bytes()
		if errors.Is(getErr, redis.Nil) {
			c.misses.Add(1)
			continue
		}
		if getErr != nil {
			return nil, errs.Wrap(errs.KindStorage, "cache mget result", getErr)
		}

		if c.vault == nil {
			c.hits.Add(1)
			out[keys[i]] = raw
			continue
		}

		plaintext, decErr := c.vault.Decrypt(crypto.ClassCacheEntry, string(raw))
		if decErr != nil {
			c.log.Warn(ctx, "cache entry failed to decrypt during mget, evicting")
			_ = c.client.Del(ctx, c.namespaced(keys[i])).Err()
			c.misses.Add(1)
			continue
		}
		c.hits.Add(1)
		out[keys[i]] = plaintext
	}
	return out, nil
}

// MSet stores every entry in values in a single pipelined round trip, each
// with its own ttl (ttl <= 0 uses the configured default). A per-entry
// encryption failure aborts the whole call before any network round trip.
func (c *Cache) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	payloads := make(map[string][]byte, len(values))
	for key, value := range values {
		if c.vault == nil {
			payloads[key] = value
			continue
		}
		blob, err := c.vault.Encrypt(crypto.ClassCacheEntry, value)
		if err != nil {
			return errs.Wrap(errs.KindCrypto, "cache mset encrypt", err)
		}
		payloads[key] = []byte(blob)
	}

	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, payload := range payloads {
			pipe.Set(ctx, c.namespaced(key), payload, ttl)
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "cache mset pipeline", err)
	}
	return nil
}
