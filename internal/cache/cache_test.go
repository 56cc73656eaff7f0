package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/crypto"
	"github.com/koriath/raketh/internal/logging"
)

func newTestCache(t *testing.T, encrypt bool) *Cache {
	t.Helper()
	srv := miniredis.RunT(t)

	var vault *crypto.Vault
	if encrypt {
		v, err := crypto.NewVault(config.Secret("test-master-secret-value"))
		require.NoError(t, err)
		vault = v
	}

	c, err := New(config.CacheConfig{
		RedisAddr:         srv.Addr(),
		DefaultTTL:        config.Duration(time.Minute),
		EncryptionEnabled: encrypt,
		KeyPrefix:         "test",
	}, vault, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := newTestCache(t, false)
	_, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestSetThenGetRoundTripsPlaintext(t *testing.T) {
	c := newTestCache(t, false)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k1", []byte("hello"), 0))

	v, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestSetThenGetRoundTripsEncrypted(t *testing.T) {
	c := newTestCache(t, true)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k1", []byte("secret value"), 0))

	v, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "secret value", string(v))

	stats := c.Stats()
	assert.Positive(t, stats.AvgEncryptCostNS)
	assert.Positive(t, stats.AvgDecryptCostNS)
}

func TestCorruptedCiphertextEvictsAndReturnsMiss(t *testing.T) {
	c := newTestCache(t, true)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k1", []byte("secret value"), 0))

	require.NoError(t, c.client.Set(ctx, c.namespaced("k1"), "not-valid-ciphertext", 0).Err())

	v, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)

	exists, existsErr := c.client.Exists(ctx, c.namespaced("k1")).Result()
	require.NoError(t, existsErr)
	assert.Equal(t, int64(0), exists)
}

func TestWrapComputesOnceOnMiss(t *testing.T) {
	c := newTestCache(t, false)
	ctx := context.Background()
	calls := 0
	compute := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	v1, err := c.Wrap(ctx, "k1", 0, compute)
	require.NoError(t, err)
	assert.Equal(t, "computed", string(v1))

	v2, err := c.Wrap(ctx, "k1", 0, compute)
	require.NoError(t, err)
	assert.Equal(t, "computed", string(v2))
	assert.Equal(t, 1, calls, "second Wrap call must hit the cache, not recompute")
}

func TestWrapDoesNotCacheComputeFailure(t *testing.T) {
	c := newTestCache(t, false)
	ctx := context.Background()
	failing := func(ctx context.Context) ([]byte, error) {
		return nil, assertErr
	}

	_, err := c.Wrap(ctx, "k1", 0, failing)
	require.Error(t, err)

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

var assertErr = errString("compute failed")

type errString string

func (e errString) Error() string { return string(e) }
