package memorypressure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/logging"
)

type fakeCache struct {
	mu      sync.Mutex
	evicted int
}

func (f *fakeCache) EvictAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted++
	return nil
}

func (f *fakeCache) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicted
}

type fakeQueue struct {
	mu        sync.Mutex
	throttled bool
}

func (f *fakeQueue) Throttle(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttled = on
}

func (f *fakeQueue) isThrottled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.throttled
}

func TestMonitorStartsAtNormalLevel(t *testing.T) {
	m := New(config.MemoryConfig{MaxHeapBytes: 1 << 40, CheckInterval: config.Duration(time.Hour)}, logging.Nop())
	assert.Equal(t, LevelNormal, m.Level())
}

func TestMonitorEvictsLowPriorityCachesOnAlert(t *testing.T) {
	m := New(config.MemoryConfig{
		MaxHeapBytes:      100,
		CheckInterval:     config.Duration(time.Hour),
		GCThreshold:       0.5,
		AlertThreshold:    0.75,
		CriticalThreshold: 0.9,
	}, logging.Nop())

	low := &fakeCache{}
	high := &fakeCache{}
	m.RegisterCache("low", 0, low)
	m.RegisterCache("high", 9, high)

	m.react(80) // ratio 0.8: past alert, below critical

	assert.Equal(t, LevelAlert, m.Level())
	assert.Equal(t, 1, low.count())
	assert.Equal(t, 0, high.count())
}

func TestMonitorEvictsAllCachesAndThrottlesOnCritical(t *testing.T) {
	m := New(config.MemoryConfig{
		MaxHeapBytes:      100,
		CheckInterval:     config.Duration(time.Hour),
		GCThreshold:       0.5,
		AlertThreshold:    0.75,
		CriticalThreshold: 0.9,
	}, logging.Nop())

	low := &fakeCache{}
	high := &fakeCache{}
	m.RegisterCache("low", 0, low)
	m.RegisterCache("high", 9, high)

	q := &fakeQueue{}
	m.RegisterQueue(q)

	m.react(95) // ratio 0.95: past critical

	assert.Equal(t, LevelCritical, m.Level())
	assert.Equal(t, 1, low.count())
	assert.Equal(t, 1, high.count())
	assert.True(t, q.isThrottled())
}

func TestMonitorClearsThrottleWhenPressureSubsides(t *testing.T) {
	m := New(config.MemoryConfig{
		MaxHeapBytes:      100,
		CheckInterval:     config.Duration(time.Hour),
		GCThreshold:       0.5,
		AlertThreshold:    0.75,
		CriticalThreshold: 0.9,
	}, logging.Nop())

	q := &fakeQueue{}
	m.RegisterQueue(q)

	m.react(95)
	require.True(t, q.isThrottled())

	m.react(10) // ratio 0.1: back under gc_threshold

	assert.False(t, q.isThrottled())
	assert.Equal(t, LevelNormal, m.Level())
}

func TestMonitorStartStopDoesNotPanic(t *testing.T) {
	m := New(config.MemoryConfig{MaxHeapBytes: 1 << 40, CheckInterval: config.Duration(10 * time.Millisecond)}, logging.Nop())
	m.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	m.Stop()
}
