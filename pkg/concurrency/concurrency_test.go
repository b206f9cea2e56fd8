package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{EnvWorkers, EnvMaxDepth, EnvSplitMode, EnvSplice, EnvSaveConcurrency, EnvScriptTimeout} {
		t.Setenv(key, "")
	}

	config := LoadConfig()

	assert.GreaterOrEqual(t, config.Workers, 1)
	assert.Equal(t, ConfigSourceAutoDetect, config.Source)
	assert.Equal(t, DefaultMaxDepth, config.MaxDepth)
	assert.Equal(t, SplitModeParallel, config.SplitMode)
	assert.True(t, config.Splice)
	assert.GreaterOrEqual(t, config.SaveConcurrency, 2)
	assert.Zero(t, config.ScriptTimeout)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		verify func(t *testing.T, c *Config)
	}{
		{
			name: "workers",
			env:  map[string]string{EnvWorkers: "7"},
			verify: func(t *testing.T, c *Config) {
				assert.Equal(t, 7, c.Workers)
				assert.Equal(t, ConfigSourceEnvVar, c.Source)
			},
		},
		{
			name:   "max depth",
			env:    map[string]string{EnvMaxDepth: "12"},
			verify: func(t *testing.T, c *Config) { assert.Equal(t, 12, c.MaxDepth) },
		},
		{
			name:   "invalid max depth falls back",
			env:    map[string]string{EnvMaxDepth: "-3"},
			verify: func(t *testing.T, c *Config) { assert.Equal(t, DefaultMaxDepth, c.MaxDepth) },
		},
		{
			name:   "sequential split",
			env:    map[string]string{EnvSplitMode: "SEQUENTIAL"},
			verify: func(t *testing.T, c *Config) { assert.Equal(t, SplitModeSequential, c.SplitMode) },
		},
		{
			name:   "unknown split mode",
			env:    map[string]string{EnvSplitMode: "random"},
			verify: func(t *testing.T, c *Config) { assert.Equal(t, SplitModeParallel, c.SplitMode) },
		},
		{
			name:   "splice disabled",
			env:    map[string]string{EnvSplice: "false"},
			verify: func(t *testing.T, c *Config) { assert.False(t, c.Splice) },
		},
		{
			name:   "timeout as duration",
			env:    map[string]string{EnvScriptTimeout: "1.5s"},
			verify: func(t *testing.T, c *Config) { assert.Equal(t, 1500*time.Millisecond, c.ScriptTimeout) },
		},
		{
			name:   "timeout as milliseconds",
			env:    map[string]string{EnvScriptTimeout: "250"},
			verify: func(t *testing.T, c *Config) { assert.Equal(t, 250*time.Millisecond, c.ScriptTimeout) },
		},
		{
			name:   "save concurrency",
			env:    map[string]string{EnvSaveConcurrency: "3"},
			verify: func(t *testing.T, c *Config) { assert.Equal(t, 3, c.SaveConcurrency) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			tt.verify(t, LoadConfig())
		})
	}
}

func TestConfigString(t *testing.T) {
	c := &Config{Workers: 2, MaxDepth: 9, SplitMode: SplitModeSequential}
	assert.Contains(t, c.String(), "Workers: 2")
	assert.Contains(t, c.String(), "MaxDepth: 9")
}

func TestLimiter_BoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(2)

	var running, peak atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Go(context.Background(), func() error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}, nil))
	}

	require.NoError(t, limiter.Wait(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int64(2))

	metrics := limiter.GetMetrics()
	assert.Equal(t, int64(10), metrics.TotalAcquired)
	assert.Equal(t, int64(10), metrics.TotalReleased)
	assert.Zero(t, limiter.CurrentActive())
}

func TestLimiter_ReportsFailures(t *testing.T) {
	limiter := NewLimiter(4)

	var mu sync.Mutex
	var reported []error
	boom := errors.New("sink down")

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Go(context.Background(), func() error { return boom }, func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}))
	}
	require.NoError(t, limiter.Wait(context.Background()))

	assert.Len(t, reported, 3)
	assert.Equal(t, int64(3), limiter.GetMetrics().TotalFailed)
}

func TestLimiter_CircuitOpens(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	limiter := NewLimiterWithCircuitBreaker(1, cb)

	var transitions []CircuitBreakerState
	cb.OnStateChange(func(_, to CircuitBreakerState) { transitions = append(transitions, to) })

	for i := 0; i < 2; i++ {
		require.NoError(t, limiter.Go(context.Background(), func() error { return errors.New("fail") }, nil))
		require.NoError(t, limiter.Wait(context.Background()))
	}

	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, int64(2), cb.GetConsecutiveFailures())
	assert.ErrorIs(t, limiter.Acquire(context.Background()), ErrCircuitOpen)
	assert.Equal(t, []CircuitBreakerState{StateOpen}, transitions)
}

func TestLimiter_AcquireCancelled(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.Acquire(ctx), context.DeadlineExceeded)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	for i := 0; i < halfOpenSuccesses; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.False(t, cb.IsOpen())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, "open", cb.GetState().String())
	assert.Equal(t, int64(2), cb.GetConsecutiveFailures())
}

func TestCircuitBreaker_SuccessClearsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, int64(2), cb.GetConsecutiveFailures())

	cb.RecordSuccess()
	assert.Zero(t, cb.GetConsecutiveFailures())
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, "closed", cb.GetState().String())
}

func TestLimiter_AverageWaitTime(t *testing.T) {
	limiter := NewLimiter(1)
	assert.Zero(t, limiter.GetAverageWaitTime())

	require.NoError(t, limiter.Acquire(context.Background()))
	go func() {
		time.Sleep(20 * time.Millisecond)
		limiter.Release()
	}()
	require.NoError(t, limiter.Acquire(context.Background()))
	limiter.Release()

	assert.Equal(t, int64(2), limiter.GetMetrics().TotalAcquired)
	assert.Greater(t, limiter.GetAverageWaitTime(), time.Duration(0))
}
