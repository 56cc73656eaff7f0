// Package config defines the engine's configuration schema (§6 of the spec)
// and validation rules. Values are loaded by Load from defaults, an
// optional YAML file, and environment variables, in that precedence order.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration object for the retrieval engine.
type Config struct {
	Salt              Secret `koanf:"salt"`
	VaultMasterSecret Secret `koanf:"vault_master_secret"`

	Server     ServerConfig     `koanf:"server"`
	Chunking   ChunkingConfig   `koanf:"chunking"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Provider   ProviderConfig   `koanf:"provider"`
	Batch      BatchConfig      `koanf:"batch"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Queue      QueueConfig      `koanf:"queue"`
	Cache      CacheConfig      `koanf:"cache"`
	Memory     MemoryConfig     `koanf:"memory"`
	Validator  ValidatorConfig  `koanf:"validator"`
	Sanitizer  SanitizerConfig  `koanf:"sanitizer"`
	VectorDB   VectorDBConfig   `koanf:"vectordb"`
	Collection CollectionConfig `koanf:"collection"`
	DocStore   DocStoreConfig   `koanf:"docstore"`
}

// ServerConfig configures the HTTP listener cmd/rakesrv starts.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ChunkingConfig configures C4, the recursive text splitter.
type ChunkingConfig struct {
	ChunkSize         int `koanf:"chunk_size"`
	Overlap           int `koanf:"chunk_overlap"`
	StreamingMinBytes int `koanf:"streaming_min_bytes"`
}

// RetrievalConfig configures C12's fusion and re-rank stage.
type RetrievalConfig struct {
	TopK             int     `koanf:"top_k"`
	FinalK           int     `koanf:"final_k"`
	MinRelevance     float64 `koanf:"min_relevance"`
	WeightSemantic   float64 `koanf:"hybrid_weights.semantic"`
	WeightKeyword    float64 `koanf:"hybrid_weights.keyword"`
	TitleBoost       float64 `koanf:"rerank.title_boost"`
	RecencyBoost     float64 `koanf:"rerank.recency_boost"`
	RecencyDecayDay  float64 `koanf:"rerank.recency_decay_per_day"`
	ScopeBoost       float64 `koanf:"rerank.scope_boost"`
	CacheTTL         Duration `koanf:"cache_ttl"`
}

// ProviderConfig selects the embedding provider and failover chain for C5.
type ProviderConfig struct {
	Primary         string   `koanf:"primary"`
	FallbackChain   []string `koanf:"fallback_chain"`
	AllowLocalFallback bool  `koanf:"allow_local_fallback"`
	Model           string   `koanf:"model"`
	APIKeyEncrypted string   `koanf:"api_key_encrypted"`
	MaxRetries      int      `koanf:"max_retries"`
	RetryBaseDelay  Duration `koanf:"retry_base_delay"`
	RetryMaxDelay   Duration `koanf:"retry_max_delay"`
	RetryFactor     float64  `koanf:"retry_factor"`
}

// BatchConfig configures C5's request batching window.
type BatchConfig struct {
	Size      int      `koanf:"size"`
	WindowMS  Duration `koanf:"window"`
}

// BreakerConfig configures the per-provider circuit breaker in C5.
type BreakerConfig struct {
	FailureThreshold   int      `koanf:"failure_threshold"`
	SuccessThreshold   int      `koanf:"success_threshold"`
	VolumeThreshold    int      `koanf:"volume_threshold"`
	ErrorPctThreshold  float64  `koanf:"error_pct_threshold"`
	ResetTimeout       Duration `koanf:"reset_timeout"`
	WindowSize         int      `koanf:"window_size"`
}

// QueueConfig configures C6's bounded priority work queue.
type QueueConfig struct {
	Concurrency int      `koanf:"concurrency"`
	MaxSize     int      `koanf:"max_size"`
	Timeout     Duration `koanf:"timeout"`
	MaxRetries  int      `koanf:"max_retries"`
	InitialDelay Duration `koanf:"initial_delay"`
	BackoffFactor float64 `koanf:"backoff_factor"`
}

// CacheConfig configures C10, the secure cache.
type CacheConfig struct {
	DefaultTTL        Duration `koanf:"default_ttl"`
	EncryptionEnabled bool     `koanf:"encryption_enabled"`
	RedisAddr         string   `koanf:"redis_addr"`
	RedisPassword     Secret   `koanf:"redis_password"`
	RedisDB           int      `koanf:"redis_db"`
	KeyPrefix         string   `koanf:"key_prefix"`
}

// MemoryConfig configures C13, the memory pressure monitor.
type MemoryConfig struct {
	MaxHeapBytes     uint64   `koanf:"max_heap_bytes"`
	CheckInterval    Duration `koanf:"check_interval"`
	GCThreshold      float64  `koanf:"gc_threshold"`
	AlertThreshold   float64  `koanf:"alert_threshold"`
	CriticalThreshold float64 `koanf:"critical_threshold"`
}

// ValidatorConfig configures C3, the vector validator.
type ValidatorConfig struct {
	MinDimension   int     `koanf:"min_dimension"`
	MaxDimension   int     `koanf:"max_dimension"`
	MinNorm        float64 `koanf:"min_norm"`
	MaxNorm        float64 `koanf:"max_norm"`
	MaxZeroRatio   float64 `koanf:"max_zero_ratio"`
	MinEntropy     float64 `koanf:"min_entropy"`
	MinVariance    float64 `koanf:"min_variance"`
	SpikeSigma     float64 `koanf:"spike_sigma"`
	MaxSpikeRatio  float64 `koanf:"max_spike_ratio"`
	TrustCacheSize int     `koanf:"trust_cache_size"`
}

// SanitizerConfig configures C2, input sanitization and PII gating.
type SanitizerConfig struct {
	MaxInputBytes int `koanf:"max_input_bytes"`
}

// VectorDBConfig configures the C8 adapter's backing store selection.
type VectorDBConfig struct {
	Backend   string `koanf:"backend"` // "qdrant" or "chromem"
	QdrantURL string `koanf:"qdrant_url"`
	DataDir   string `koanf:"data_dir"`

	VectorSize      int      `koanf:"vector_size"`
	Distance        string   `koanf:"distance"` // "cosine" or "euclid"
	UseTLS          bool     `koanf:"use_tls"`
	MaxRetries      int      `koanf:"max_retries"`
	RetryBackoff    Duration `koanf:"retry_backoff"`
	CircuitBreakerThreshold int `koanf:"circuit_breaker_threshold"`
}

// DocStoreConfig configures C9, the document store adapter's text index.
type DocStoreConfig struct {
	IndexPath          string `koanf:"index_path"` // empty means in-memory
	SafePatternMaxTokens int  `koanf:"safe_pattern_max_tokens"`
}

// CollectionConfig configures C7 naming and access cache.
type CollectionConfig struct {
	GlobalName      string   `koanf:"global_name"`
	AccessCacheSize int      `koanf:"access_cache_size"`
	AccessCacheTTL  Duration `koanf:"access_cache_ttl"`
}

// Default returns a Config populated with the engine's default values. Load
// starts from this before applying file and environment overrides.
func Default() *Config {
	return &Config{
		Salt:              "change-me-in-production",
		VaultMasterSecret: "change-me-in-production",
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Chunking: ChunkingConfig{
			ChunkSize:         800,
			Overlap:           120,
			StreamingMinBytes: 1 << 20,
		},
		Retrieval: RetrievalConfig{
			TopK:            20,
			FinalK:          10,
			MinRelevance:    0.15,
			WeightSemantic:  0.7,
			WeightKeyword:   0.3,
			TitleBoost:      0.05,
			RecencyBoost:    0.05,
			RecencyDecayDay: 0.002,
			ScopeBoost:      0.02,
			CacheTTL:        Duration(5 * time.Minute),
		},
		Provider: ProviderConfig{
			Primary:            "openai",
			FallbackChain:      []string{"cohere", "local"},
			AllowLocalFallback: false,
			Model:              "text-embedding-3-small",
			MaxRetries:         3,
			RetryBaseDelay:     Duration(200 * time.Millisecond),
			RetryMaxDelay:      Duration(10 * time.Second),
			RetryFactor:        2.0,
		},
		Batch: BatchConfig{Size: 32, WindowMS: Duration(50 * time.Millisecond)},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			SuccessThreshold:  2,
			VolumeThreshold:   10,
			ErrorPctThreshold: 0.5,
			ResetTimeout:      Duration(30 * time.Second),
			WindowSize:        20,
		},
		Queue: QueueConfig{
			Concurrency:   8,
			MaxSize:       1000,
			Timeout:       Duration(30 * time.Second),
			MaxRetries:    3,
			InitialDelay:  Duration(500 * time.Millisecond),
			BackoffFactor: 2.0,
		},
		Cache: CacheConfig{
			DefaultTTL:        Duration(10 * time.Minute),
			EncryptionEnabled: true,
			RedisAddr:         "localhost:6379",
			KeyPrefix:         "raketh",
		},
		Memory: MemoryConfig{
			MaxHeapBytes:      2 << 30,
			CheckInterval:     Duration(5 * time.Second),
			GCThreshold:       0.6,
			AlertThreshold:    0.75,
			CriticalThreshold: 0.9,
		},
		Validator: ValidatorConfig{
			MinDimension:   32,
			MaxDimension:   4096,
			MinNorm:        0.01,
			MaxNorm:        100,
			MaxZeroRatio:   0.9,
			MinEntropy:     0.5,
			MinVariance:    1e-9,
			SpikeSigma:     6,
			MaxSpikeRatio:  0.5,
			TrustCacheSize: 4096,
		},
		Sanitizer: SanitizerConfig{MaxInputBytes: 10_000_000},
		VectorDB: VectorDBConfig{
			Backend:                 "chromem",
			DataDir:                 "./data/vectors",
			VectorSize:              1536,
			Distance:                "cosine",
			MaxRetries:              3,
			RetryBackoff:            Duration(time.Second),
			CircuitBreakerThreshold: 5,
		},
		Collection: CollectionConfig{
			GlobalName:      "global",
			AccessCacheSize: 10000,
			AccessCacheTTL:  Duration(time.Minute),
		},
		DocStore: DocStoreConfig{
			SafePatternMaxTokens: 16,
		},
	}
}

// Validate checks invariants that defaults-plus-overrides must still satisfy.
func (c *Config) Validate() error {
	if !c.Salt.IsSet() {
		return fmt.Errorf("config: salt is required")
	}
	if !c.VaultMasterSecret.IsSet() {
		return fmt.Errorf("config: vault_master_secret is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("config: server.port must be positive")
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("config: chunking.chunk_size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("config: chunking.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.TopK > 50 {
		return fmt.Errorf("config: retrieval.top_k must be in (0, 50]")
	}
	if c.Retrieval.FinalK <= 0 || c.Retrieval.FinalK > c.Retrieval.TopK {
		return fmt.Errorf("config: retrieval.final_k must be in (0, top_k]")
	}
	if c.Validator.MinDimension <= 0 || c.Validator.MaxDimension < c.Validator.MinDimension {
		return fmt.Errorf("config: validator dimension bounds invalid")
	}
	if c.Queue.MaxSize <= 0 || c.Queue.Concurrency <= 0 {
		return fmt.Errorf("config: queue.max_size and queue.concurrency must be positive")
	}
	if c.Memory.AlertThreshold <= c.Memory.GCThreshold || c.Memory.CriticalThreshold <= c.Memory.AlertThreshold {
		return fmt.Errorf("config: memory thresholds must be strictly increasing (gc < alert < critical)")
	}
	if c.VectorDB.Backend != "qdrant" && c.VectorDB.Backend != "chromem" {
		return fmt.Errorf("config: vectordb.backend must be %q or %q", "qdrant", "chromem")
	}
	if c.VectorDB.VectorSize <= 0 {
		return fmt.Errorf("config: vectordb.vector_size must be positive")
	}
	if c.Cache.RedisAddr == "" {
		return fmt.Errorf("config: cache.redis_addr is required")
	}
	if c.Cache.KeyPrefix == "" {
		return fmt.Errorf("config: cache.key_prefix is required")
	}
	return nil
}
