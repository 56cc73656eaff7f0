package embeddings

import (
	"context"

	"github.com/cenkalti/backoff/v5"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
)

// withRetry runs op with exponential backoff (±25% jitter, capped at
// retry_max_delay) up to max_retries, retrying only errors classified
// Retryable (transient: network, 5xx, timeout) per §4.5.
func withRetry[T any](ctx context.Context, cfg config.ProviderConfig, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBaseDelay.Value()
	b.MaxInterval = cfg.RetryMaxDelay.Value()
	b.Multiplier = providerRetryFactor(cfg)
	b.RandomizationFactor = 0.25
	b.Reset()

	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && !errs.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxTries(cfg.MaxRetries))),
	)
}

func providerRetryFactor(cfg config.ProviderConfig) float64 {
	if cfg.RetryFactor <= 0 {
		return 2.0
	}
	return cfg.RetryFactor
}

func maxTries(maxRetries int) int {
	if maxRetries <= 0 {
		return 1
	}
	return maxRetries + 1
}
