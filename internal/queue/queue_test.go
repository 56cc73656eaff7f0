package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/config"
)

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		Concurrency:   2,
		MaxSize:       4,
		Timeout:       config.Duration(50 * time.Millisecond),
		MaxRetries:    2,
		InitialDelay:  config.Duration(time.Millisecond),
		BackoffFactor: 2.0,
	}
}

func TestEnqueueAndRunCompletes(t *testing.T) {
	q := New(testConfig())
	defer q.Shutdown(context.Background())

	var ran int32
	done := make(chan struct{})
	err := q.Enqueue(&Task{
		ID: "t1",
		Run: func(ctx context.Context) error {
			atomic.StoreInt32(&ran, 1)
			close(done)
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 0 // no workers drain, so the queue stays full
	cfg.MaxSize = 2
	q := &Queue{cfg: cfg}
	q.cond = sync.NewCond(&q.mu)

	require.NoError(t, q.Enqueue(&Task{ID: "a", Run: func(context.Context) error { return nil }}))
	require.NoError(t, q.Enqueue(&Task{ID: "b", Run: func(context.Context) error { return nil }}))
	err := q.Enqueue(&Task{ID: "c", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestHigherPriorityDrainsFirst(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 0
	q := &Queue{cfg: cfg}
	q.cond = sync.NewCond(&q.mu)

	_ = q.Enqueue(&Task{ID: "low", Priority: 1, Run: func(context.Context) error { return nil }})
	_ = q.Enqueue(&Task{ID: "high", Priority: 10, Run: func(context.Context) error { return nil }})
	_ = q.Enqueue(&Task{ID: "mid", Priority: 5, Run: func(context.Context) error { return nil }})

	first, ok := q.dequeue()
	require.True(t, ok)
	assert.Equal(t, "high", first.ID)
}

func TestEventsEmittedOnCompletion(t *testing.T) {
	q := New(testConfig())
	defer q.Shutdown(context.Background())

	var events []Event
	var mu sync.Mutex
	done := make(chan struct{})
	q.OnEvent(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		if e.Kind == EventCompleted {
			close(done)
		}
	})

	require.NoError(t, q.Enqueue(&Task{
		ID:  "t1",
		Run: func(ctx context.Context) error { return nil },
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completed event not observed")
	}

	mu.Lock()
	defer mu.Unlock()
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	assert.Contains(t, kinds, EventEnqueued)
	assert.Contains(t, kinds, EventProcessing)
	assert.Contains(t, kinds, EventCompleted)
}

func TestRetryOnFailureThenSucceeds(t *testing.T) {
	q := New(testConfig())
	defer q.Shutdown(context.Background())

	var attempts int32
	done := make(chan struct{})
	require.NoError(t, q.Enqueue(&Task{
		ID:         "flaky",
		MaxRetries: 2,
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 2 {
				return assertErr("transient")
			}
			close(done)
			return nil
		},
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never succeeded after retry")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestShutdownWaitsForInFlight(t *testing.T) {
	q := New(testConfig())

	started := make(chan struct{})
	finish := make(chan struct{})
	require.NoError(t, q.Enqueue(&Task{
		ID: "slow",
		Run: func(ctx context.Context) error {
			close(started)
			<-finish
			return nil
		},
	}))

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(finish)
	}()

	err := q.Shutdown(context.Background())
	assert.NoError(t, err)
}
