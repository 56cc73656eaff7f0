package embeddings

import (
	"context"
	"sync"
	"time"

	"github.com/koriath/raketh/internal/config"
)

type batchJob struct {
	ctx    context.Context
	text   string
	result chan<- batchResult
}

type batchResult struct {
	vec []float32
	err error
}

// batcher accumulates single-text embed requests and flushes them as one
// provider call once batch_size requests have queued or batch_window has
// elapsed, whichever comes first. Each caller receives only its own
// matching element from the batched response.
type batcher struct {
	cfg    config.BatchConfig
	embed  func(ctx context.Context, texts []string) ([][]float32, error)

	mu      sync.Mutex
	pending []batchJob
	timer   *time.Timer
}

func newBatcher(cfg config.BatchConfig, embed func(ctx context.Context, texts []string) ([][]float32, error)) *batcher {
	return &batcher{cfg: cfg, embed: embed}
}

// Submit queues text for batched embedding and blocks until the batch this
// request lands in has been flushed.
func (b *batcher) Submit(ctx context.Context, text string) ([]float32, error) {
	resultCh := make(chan batchResult, 1)
	b.enqueue(batchJob{ctx: ctx, text: text, result: resultCh})

	select {
	case res := <-resultCh:
		return res.vec, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *batcher) enqueue(job batchJob) {
	b.mu.Lock()
	b.pending = append(b.pending, job)
	size := b.cfg.Size
	if size <= 0 {
		size = 1
	}

	if len(b.pending) >= size {
		batch := b.pending
		b.pending = nil
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		go b.flush(batch)
		return
	}

	if b.timer == nil {
		window := b.cfg.WindowMS.Value()
		if window <= 0 {
			window = 50 * time.Millisecond
		}
		b.timer = time.AfterFunc(window, b.flushTimer)
	}
	b.mu.Unlock()
}

func (b *batcher) flushTimer() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

func (b *batcher) flush(batch []batchJob) {
	texts := make([]string, len(batch))
	for i, j := range batch {
		texts[i] = j.text
	}

	// All jobs in a batch share one provider call; the first job's context
	// is used for cancellation/deadline since batched jobs are assumed to
	// share a request-scoped budget in practice.
	ctx := context.Background()
	if len(batch) > 0 {
		ctx = batch[0].ctx
	}

	vecs, err := b.embed(ctx, texts)
	for i, j := range batch {
		if err != nil {
			j.result <- batchResult{err: err}
			continue
		}
		if i >= len(vecs) {
			j.result <- batchResult{err: err}
			continue
		}
		j.result <- batchResult{vec: vecs[i]}
	}
}
