// Rakesrv is the HTTP server for the Raketh retrieval engine.
//
// Configuration is loaded from an optional YAML file and environment
// variables prefixed RAKETH_. See internal/config for the full schema.
//
// Usage:
//
//	rakesrv                     # start with defaults
//	rakesrv -config config.yaml # start with a config file
//	rakesrv version             # print version information
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/koriath/raketh/internal/cache"
	"github.com/koriath/raketh/internal/chunk"
	"github.com/koriath/raketh/internal/collections"
	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/crypto"
	"github.com/koriath/raketh/internal/docstore"
	"github.com/koriath/raketh/internal/embeddings"
	"github.com/koriath/raketh/internal/ingest"
	"github.com/koriath/raketh/internal/logging"
	"github.com/koriath/raketh/internal/memorypressure"
	"github.com/koriath/raketh/internal/queue"
	"github.com/koriath/raketh/internal/retrieval"
	"github.com/koriath/raketh/internal/sanitize"
	"github.com/koriath/raketh/internal/vectorstore"
	"github.com/koriath/raketh/internal/vectorvalidate"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Printf("rakesrv %s (%s)\n", version, gitCommit)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("rakesrv: %v", err)
	}
	log.Println("rakesrv: shutdown complete")
}

// run loads configuration, wires C1-C13, and blocks serving HTTP until ctx
// is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting rakesrv",
		zap.Int("port", cfg.Server.Port),
		zap.String("vectordb_backend", cfg.VectorDB.Backend))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init dependencies: %w", err)
	}
	defer deps.Close()

	deps.monitor.Start(ctx)
	defer deps.monitor.Stop()

	srv := newServer(cfg, deps, logger)

	logger.Info(ctx, "rakesrv ready",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)))

	return srv.Start(ctx)
}

// dependencies holds every wired component, grouped so Close can release the
// ones that hold external resources (cache, docstore, vectorstore).
type dependencies struct {
	vault     *crypto.Vault
	sanitizer *sanitize.Sanitizer
	chunker   *chunk.Splitter
	validator *vectorvalidate.Validator
	queue     *queue.Queue
	registry  *collections.Registry
	index     vectorstore.Index
	docs      *docstore.Store
	embedder  *embeddings.Coordinator
	respCache *cache.Cache
	coord     *ingest.Coordinator
	engine    *retrieval.Engine
	monitor   *memorypressure.Monitor
}

func (d *dependencies) Close() {
	if d.queue != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = d.queue.Shutdown(shutdownCtx)
		cancel()
	}
	if d.docs != nil {
		_ = d.docs.Close()
	}
	if d.index != nil {
		_ = d.index.Close()
	}
	if d.respCache != nil {
		_ = d.respCache.Close()
	}
}

// initDependencies constructs C1-C13 from cfg. Embedding provider API keys
// are sourced from RAKETH_<PROVIDER>_API_KEY environment variables and
// sealed into the vault before the key source serves them back out.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	vault, err := crypto.NewVault(cfg.VaultMasterSecret)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	sanitizer := sanitize.New(sanitize.Config{MaxInputBytes: cfg.Sanitizer.MaxInputBytes})
	chunker := chunk.New(cfg.Chunking)

	validator, err := vectorvalidate.New(cfg.Validator)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}

	q := queue.New(cfg.Queue)

	membership := collections.NewStaticMembership()
	registry, err := collections.New(cfg.Collection, cfg.Salt, membership)
	if err != nil {
		return nil, fmt.Errorf("init collections: %w", err)
	}

	index, err := vectorstore.New(cfg.VectorDB, logger)
	if err != nil {
		return nil, fmt.Errorf("init vectorstore: %w", err)
	}

	docs, err := docstore.New(cfg.DocStore)
	if err != nil {
		return nil, fmt.Errorf("init docstore: %w", err)
	}

	respCache, err := cache.New(cfg.Cache, vault, logger)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	keySource := embeddings.NewVaultKeySource(vault, 0)
	providers := make(map[string]embeddings.Provider)
	for _, variant := range append([]string{cfg.Provider.Primary}, cfg.Provider.FallbackChain...) {
		if _, ok := providers[variant]; ok {
			continue
		}
		provider, err := embeddings.NewProvider(variant, cfg.Provider.Model, keySource)
		if err != nil {
			return nil, fmt.Errorf("init provider %s: %w", variant, err)
		}
		providers[variant] = provider

		envKey := "RAKETH_" + variant + "_API_KEY"
		if plaintext := os.Getenv(envKey); plaintext != "" {
			sealed, err := vault.Encrypt(crypto.ClassEmbeddingAPIKey, []byte(plaintext))
			if err != nil {
				return nil, fmt.Errorf("seal %s api key: %w", variant, err)
			}
			keySource.Register(variant, crypto.KeyRecord{
				ProviderID:    variant,
				Version:       1,
				CreatedAt:     time.Now(),
				EncryptedBlob: sealed,
				Active:        true,
			})
		}
	}

	embedder := embeddings.NewCoordinator(cfg.Provider, cfg.Breaker, cfg.Batch, providers, respCache, cfg.Cache.DefaultTTL.Value())

	coord := ingest.New(sanitizer, chunker, embedder, validator, q, registry, index, docs, logger)
	engine := retrieval.New(cfg.Retrieval, sanitizer, embedder, index, docs, registry, respCache, logger)

	monitor := memorypressure.New(cfg.Memory, logger)
	monitor.RegisterCache("response_cache", 5, respCache)
	monitor.RegisterQueue(q)

	return &dependencies{
		vault:     vault,
		sanitizer: sanitizer,
		chunker:   chunker,
		validator: validator,
		queue:     q,
		registry:  registry,
		index:     index,
		docs:      docs,
		embedder:  embedder,
		respCache: respCache,
		coord:     coord,
		engine:    engine,
		monitor:   monitor,
	}, nil
}
