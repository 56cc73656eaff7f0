package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/koriath/raketh/internal/errs"
)

// defaultProviderRateLimit and defaultProviderBurst bound outbound calls to
// a single embedding provider, independent of the breaker's failure-based
// gating, to stay under provider-side quota before a 429 is ever seen.
const (
	defaultProviderRateLimit = 10 // requests per second
	defaultProviderBurst     = 20
)

// httpProvider is a generic JSON-over-HTTPS embedding backend, grounded on
// the request/response shape the teacher's TEI client uses: build a JSON
// body, POST, decode a vector or array-of-vectors response.
type httpProvider struct {
	id       string
	endpoint string
	model    string
	dim      int
	keys     KeySource
	client   *http.Client
	limiter  *rate.Limiter
}

func newHTTPProvider(id, endpoint, model string, keys KeySource, dim int) *httpProvider {
	return &httpProvider{
		id:       id,
		endpoint: endpoint,
		model:    model,
		dim:      dim,
		keys:     keys,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(defaultProviderRateLimit), defaultProviderBurst),
	}
}

func (p *httpProvider) ID() string { return p.id }
func (p *httpProvider) Dim() int   { return p.dim }

func (p *httpProvider) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errs.Wrap(errs.KindProvider, p.id+": empty response", errs.ErrQueryFailed)
	}
	return vecs[0], nil
}

func (p *httpProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errs.New(errs.KindValidation, "embedding batch must not be empty")
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.KindProvider, p.id+": rate limiter", err)
	}

	key, err := p.keys.APIKey(ctx, p.id)
	if err != nil {
		return nil, errs.Wrap(errs.KindProvider, p.id+": resolve api key", err)
	}

	body, err := json.Marshal(map[string]any{
		"model": p.model,
		"input": texts,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "marshal embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(p.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errs.New(errs.KindProvider, p.id+": rate limited").WithRetryAfter(retryAfterFromHeader(resp.Header.Get("Retry-After")))
	}
	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(resp.Body)
		return nil, errs.New(errs.KindProvider, fmt.Sprintf("%s: transient status %d: %s", p.id, resp.StatusCode, string(b))).WithRetryable(true)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, errs.New(errs.KindProvider, fmt.Sprintf("%s: status %d: %s", p.id, resp.StatusCode, string(b)))
	}

	var decoded struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errs.Wrap(errs.KindProvider, p.id+": decode response", err)
	}

	out := make([][]float32, 0, len(decoded.Data))
	for _, d := range decoded.Data {
		out = append(out, d.Embedding)
	}
	return out, nil
}

func classifyTransportError(providerID string, err error) error {
	return errs.Wrap(errs.KindProvider, providerID+": transport error", err).WithRetryable(true)
}

func retryAfterFromHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	return 0
}
