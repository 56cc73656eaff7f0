package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/koriath/raketh/internal/breaker"
	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
)

// Cache is the subset of C10 (secure cache) the embedding coordinator needs.
// Depending on this narrow interface rather than the concrete cache package
// keeps C5 free of a direct dependency on C1/Redis wiring.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Coordinator implements C5 end to end: cache lookup, batching, per-provider
// circuit breaking, retry, and fallback across a precedence chain.
type Coordinator struct {
	providers map[string]Provider
	chain     []string // primary first, then fallback_chain
	breakers  map[string]*breaker.Breaker
	batchers  map[string]*batcher
	cache     Cache
	cacheTTL  time.Duration
	cfg       config.ProviderConfig
	allowLocal bool
}

// NewCoordinator wires providers (keyed by ID, as constructed via
// NewProvider) into a fallback-ordered coordinator.
func NewCoordinator(cfg config.ProviderConfig, breakerCfg config.BreakerConfig, batchCfg config.BatchConfig, providers map[string]Provider, cache Cache, cacheTTL time.Duration) *Coordinator {
	c := &Coordinator{
		providers:  providers,
		breakers:   make(map[string]*breaker.Breaker, len(providers)),
		batchers:   make(map[string]*batcher, len(providers)),
		cache:      cache,
		cacheTTL:   cacheTTL,
		cfg:        cfg,
		allowLocal: cfg.AllowLocalFallback,
	}
	c.chain = append([]string{cfg.Primary}, cfg.FallbackChain...)

	for id, p := range providers {
		b := breaker.New(id, breakerCfg)
		c.breakers[id] = b
		providerID := id
		c.batchers[id] = newBatcher(batchCfg, func(ctx context.Context, texts []string) ([][]float32, error) {
			return c.callProviderBatch(ctx, providerID, texts)
		})
	}
	return c
}

// EmbedQuery embeds a single text, trying providers in chain order.
func (c *Coordinator) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.embedOneViaChain(ctx, text)
}

// EmbedDocuments embeds a batch of texts, trying providers in chain order as
// a unit (no per-text fallback splitting).
func (c *Coordinator) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for _, providerID := range c.chain {
		if providerID == "local" && !c.allowLocal {
			continue
		}
		vecs, err := c.callProviderBatch(ctx, providerID, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
	}
	return nil, errs.Wrap(errs.KindProvider, "all embedding providers exhausted", lastErr)
}

func (c *Coordinator) embedOneViaChain(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.cfg.Primary, c.cfg.Model, text)
	if v, ok := c.cacheLookup(ctx, key); ok {
		return v, nil
	}

	var lastErr error
	for _, providerID := range c.chain {
		if providerID == "local" && !c.allowLocal {
			continue
		}
		b, ok := c.breakers[providerID]
		if !ok {
			continue
		}
		if !b.Allow() {
			lastErr = errs.Wrap(errs.KindProvider, providerID+": breaker open", errs.ErrCircuitOpen)
			continue
		}

		bt, ok := c.batchers[providerID]
		if !ok {
			continue
		}
		vec, err := withRetry(ctx, c.cfg, func() ([]float32, error) {
			return bt.Submit(ctx, text)
		})
		if err != nil {
			// callProviderBatch (invoked via bt.flush) already recorded this
			// outcome on the breaker; recording it again here would double-count
			// it against failure_threshold.
			lastErr = err
			continue
		}
		c.cacheStore(ctx, cacheKey(providerID, c.cfg.Model, text), vec)
		return vec, nil
	}
	return nil, errs.Wrap(errs.KindProvider, "all embedding providers exhausted", lastErr)
}

func (c *Coordinator) callProviderBatch(ctx context.Context, providerID string, texts []string) ([][]float32, error) {
	p, ok := c.providers[providerID]
	if !ok {
		return nil, errs.New(errs.KindValidation, "unconfigured embedding provider: "+providerID)
	}
	b := c.breakers[providerID]

	uncached := make([]string, 0, len(texts))
	uncachedIdx := make([]int, 0, len(texts))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		key := cacheKey(providerID, c.cfg.Model, t)
		if v, ok := c.cacheLookup(ctx, key); ok {
			out[i] = v
			continue
		}
		uncached = append(uncached, t)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return out, nil
	}

	if !b.Allow() {
		return nil, errs.Wrap(errs.KindProvider, providerID+": breaker open", errs.ErrCircuitOpen)
	}

	vecs, err := withRetry(ctx, c.cfg, func() ([][]float32, error) {
		return p.EmbedBatch(ctx, uncached)
	})
	if err != nil {
		b.RecordFailure()
		return nil, err
	}
	b.RecordSuccess()

	for j, idx := range uncachedIdx {
		if j >= len(vecs) {
			break
		}
		out[idx] = vecs[j]
		c.cacheStore(ctx, cacheKey(providerID, c.cfg.Model, texts[idx]), vecs[j])
	}
	return out, nil
}

func (c *Coordinator) cacheLookup(ctx context.Context, key string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	return decodeVector(raw), true
}

func (c *Coordinator) cacheStore(ctx context.Context, key string, vec []float32) {
	if c.cache == nil {
		return
	}
	// Cache writes are best-effort per §4.5; errors are ignored.
	_ = c.cache.Set(ctx, key, encodeVector(vec), c.cacheTTL)
}

// cacheKey implements hash(provider_id || model || text) from §4.5.
func cacheKey(providerID, model, text string) string {
	h := sha256.Sum256([]byte(providerID + "\x00" + model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
