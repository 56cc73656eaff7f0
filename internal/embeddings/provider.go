// Package embeddings implements C5, the embedding provider abstraction:
// polymorphic providers behind batching, a cache lookup, a per-provider
// circuit breaker, retry with backoff, and a fallback chain.
package embeddings

import (
	"context"

	"github.com/koriath/raketh/internal/errs"
)

// Provider is the capability set every embedding backend implements.
type Provider interface {
	// ID names the provider for breaker/cache keying and fallback ordering.
	ID() string
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// KeySource resolves the plaintext API key for a provider at call time,
// backed by the C1 vault so plaintext never rests in provider structs.
type KeySource interface {
	APIKey(ctx context.Context, providerID string) (string, error)
}

// NewProvider constructs a Provider for one of the supported variants.
func NewProvider(variant, model string, keys KeySource) (Provider, error) {
	switch variant {
	case "openai":
		return newHTTPProvider("openai", "https://api.openai.com/v1/embeddings", model, keys, openaiDimension(model)), nil
	case "google":
		return newHTTPProvider("google", "https://generativelanguage.googleapis.com/v1beta/models/"+model+":embedContent", model, keys, 768), nil
	case "cohere":
		return newHTTPProvider("cohere", "https://api.cohere.ai/v1/embed", model, keys, 1024), nil
	case "local":
		return newLocalProvider(model), nil
	default:
		return nil, errs.New(errs.KindValidation, "unknown embedding provider variant: "+variant)
	}
}

func openaiDimension(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-ada-002":
		return 1536
	default: // text-embedding-3-small and unrecognized models
		return 1536
	}
}
