package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/config"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		VolumeThreshold:   4,
		ErrorPctThreshold: 0.5,
		ResetTimeout:      config.Duration(20 * time.Millisecond),
		WindowSize:        10,
	}
}

func TestClosedToOpenOnConsecutiveFailures(t *testing.T) {
	b := New("p1", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenRejectsCalls(t *testing.T) {
	b := New("p1", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.False(t, b.Allow())
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	b := New("p1", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := New("p1", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	b.State() // trigger half-open transition
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b := New("p1", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	b.State()
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestWindowedErrorRateTripsBeforeConsecutiveThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 100
	b := New("p1", cfg)

	b.RecordSuccess()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestGuardRecordsOutcome(t *testing.T) {
	b := New("p1", testConfig())
	err := b.Guard(func() error { return errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, 1, b.consecutiveFailures)
}

func TestEventsEmittedOnTransition(t *testing.T) {
	b := New("p1", testConfig())
	var events []Event
	b.OnEvent(func(e Event) { events = append(events, e) })

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Len(t, events, 1)
	assert.Equal(t, StateClosed, events[0].From)
	assert.Equal(t, StateOpen, events[0].To)
}
