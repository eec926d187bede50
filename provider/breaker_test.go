package provider

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewBreaker_SanitizesConfig(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{}, nil)
	assert.Equal(t, 0.5, b.cfg.FailRate)
	assert.Equal(t, 20, b.cfg.Window)
	assert.Equal(t, 30*time.Second, b.cfg.Cooldown)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ClosedAdmitsUntilWindowFull(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 4, Cooldown: time.Minute}, zap.NewNop())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.MayAttempt())
		b.Record(true) // 3 failures, window not yet full (needs 4)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TripsAtFailureRateOverFullWindow(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 4, Cooldown: time.Minute}, zap.NewNop())

	b.Record(false)
	b.Record(true)
	b.Record(true)
	b.Record(true) // 3/4 = 0.75 >= 0.5, window now full

	assert.Equal(t, StateOpen, b.State())
	err := b.MayAttempt()
	require.Error(t, err)
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 4, Cooldown: time.Minute}, zap.NewNop())

	b.Record(false)
	b.Record(false)
	b.Record(false)
	b.Record(true) // 1/4 = 0.25 < 0.5

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.MayAttempt())
}

func TestBreaker_OpenRejectsUntilCooldownElapses(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: 10 * time.Millisecond}, zap.NewNop())

	b.Record(true) // window size 1, immediately 100% failure
	require.Equal(t, StateOpen, b.State())
	require.Error(t, b.MayAttempt())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.MayAttempt())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: time.Millisecond}, zap.NewNop())
	b.Record(true)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.MayAttempt())
	assert.Error(t, b.MayAttempt(), "a second probe must be rejected while the first is in flight")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 2, Cooldown: time.Millisecond}, zap.NewNop())
	b.Record(true)
	b.Record(true)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.MayAttempt())
	b.Record(false)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.MayAttempt())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 2, Cooldown: time.Millisecond}, zap.NewNop())
	b.Record(true)
	b.Record(true)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.MayAttempt())
	b.Record(true)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OnStateChangeFires(t *testing.T) {
	var mu sync.Mutex
	var transitions [][2]State
	done := make(chan struct{}, 1)

	b := NewBreaker("p", BreakerConfig{
		FailRate: 0.5, Window: 1, Cooldown: time.Minute,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, [2]State{from, to})
			mu.Unlock()
			done <- struct{}{}
		},
	}, zap.NewNop())

	b.Record(true)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnStateChange callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, StateClosed, transitions[0][0])
	assert.Equal(t, StateOpen, transitions[0][1])
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: time.Minute}, zap.NewNop())
	b.Record(true)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.MayAttempt())
}

// TestBreaker_NeverAdmitsWhileOpenProperty checks, across arbitrary
// interleavings of record outcomes, that the breaker never admits a
// call while genuinely Open (cooldown not yet elapsed).
func TestBreaker_NeverAdmitsWhileOpenProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("open breaker rejects every attempt before cooldown", prop.ForAll(
		func(outcomes []bool) bool {
			b := NewBreaker("p", BreakerConfig{FailRate: 0.3, Window: 5, Cooldown: time.Hour}, nil)
			for _, failed := range outcomes {
				if err := b.MayAttempt(); err == nil {
					b.Record(failed)
				}
			}
			if b.State() != StateOpen {
				return true
			}
			return b.MayAttempt() != nil
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
