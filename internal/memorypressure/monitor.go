// Package memorypressure implements C13: periodic heap sampling against
// configured thresholds, a priority-ordered cache eviction ladder, and
// work-queue backpressure signaling.
package memorypressure

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/logging"
)

// Level names a pressure state, ordered low to high.
type Level int

const (
	LevelNormal Level = iota
	LevelAlert
	LevelCritical
)

// EvictableCache is a cache that can shed entries on memory pressure. A
// priority of 0 is evicted first; higher priorities are more durable.
type EvictableCache interface {
	EvictAll(ctx context.Context) error
}

// Throttleable accepts or rejects enqueues based on a bool flag. C6's Queue
// implements this.
type Throttleable interface {
	Throttle(on bool)
}

type registration struct {
	name     string
	priority int
	cache    EvictableCache
}

// Monitor samples runtime.MemStats at check_interval and reacts to
// threshold crossings: gc_threshold triggers a GC hint, alert_threshold
// evicts caches at or below the alert priority ladder rung, and
// critical_threshold evicts every registered cache and throttles every
// registered queue.
type Monitor struct {
	cfg config.MemoryConfig
	log *logging.Logger

	mu     sync.Mutex
	caches []registration
	queues []Throttleable

	level    atomic.Int64
	lastHeap atomic.Uint64
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Monitor. Call Start to begin sampling and Stop to halt
// it.
func New(cfg config.MemoryConfig, log *logging.Logger) *Monitor {
	return &Monitor{cfg: cfg, log: log}
}

// RegisterCache adds a cache to the eviction ladder at priority (0..9,
// lowest evicted first).
func (m *Monitor) RegisterCache(name string, priority int, cache EvictableCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches = append(m.caches, registration{name: name, priority: priority, cache: cache})
	sort.Slice(m.caches, func(i, j int) bool { return m.caches[i].priority < m.caches[j].priority })
}

// RegisterQueue adds a queue to be throttled under critical pressure.
func (m *Monitor) RegisterQueue(q Throttleable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = append(m.queues, q)
}

// Start begins periodic sampling in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Level reports the current pressure level.
func (m *Monitor) Level() Level { return Level(m.level.Load()) }

// HeapBytes reports the heap usage observed at the last sample.
func (m *Monitor) HeapBytes() uint64 { return m.lastHeap.Load() }

func (m *Monitor) run() {
	defer m.wg.Done()

	interval := m.cfg.CheckInterval.Value()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.react(stats.HeapAlloc)
}

// react evaluates heapAlloc against the configured thresholds. Split out
// from sample so tests can drive threshold crossings without depending on
// the process's actual heap size.
func (m *Monitor) react(heapAlloc uint64) {
	m.lastHeap.Store(heapAlloc)

	if m.cfg.MaxHeapBytes == 0 {
		return
	}
	ratio := float64(heapAlloc) / float64(m.cfg.MaxHeapBytes)

	switch {
	case ratio >= m.cfg.CriticalThreshold:
		m.enterLevel(LevelCritical)
		m.evictUpTo(9)
		m.throttleQueues(true)
	case ratio >= m.cfg.AlertThreshold:
		m.enterLevel(LevelAlert)
		m.evictUpTo(alertPriorityCeiling)
		m.throttleQueues(false)
	case ratio >= m.cfg.GCThreshold:
		m.enterLevel(LevelNormal)
		m.throttleQueues(false)
		runtime.GC()
	default:
		m.enterLevel(LevelNormal)
		m.throttleQueues(false)
	}
}

// alertPriorityCeiling bounds which ladder rungs an alert-level crossing
// evicts; only low-priority caches (priority <= threshold) are shed, per
// §4.13.
const alertPriorityCeiling = 3

func (m *Monitor) enterLevel(level Level) {
	prev := Level(m.level.Swap(int64(level)))
	if prev != level {
		m.log.Warn(context.Background(), "memory pressure level changed")
	}
}

func (m *Monitor) evictUpTo(maxPriority int) {
	m.mu.Lock()
	targets := make([]registration, 0, len(m.caches))
	for _, r := range m.caches {
		if r.priority <= maxPriority {
			targets = append(targets, r)
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range targets {
		if err := r.cache.EvictAll(ctx); err != nil {
			m.log.Warn(ctx, "cache eviction failed")
		}
	}
}

func (m *Monitor) throttleQueues(on bool) {
	m.mu.Lock()
	queues := append([]Throttleable(nil), m.queues...)
	m.mu.Unlock()
	for _, q := range queues {
		q.Throttle(on)
	}
}
