package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics tracks limiter activity
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	TotalFailed     int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds concurrent background work, tracks it so callers can wait for
// it to drain, and stops accepting work while its circuit breaker is open.
type Limiter struct {
	sem            chan struct{}
	active         atomic.Int64
	inflight       sync.WaitGroup
	circuitBreaker *CircuitBreaker

	acquired  atomic.Int64
	released  atomic.Int64
	failed    atomic.Int64
	peak      atomic.Int64
	waitTotal atomic.Int64
}

// NewLimiter creates a limiter allowing maxConcurrent operations at once, with a
// circuit breaker that opens after 100 consecutive failures for 30 seconds.
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with custom circuit breaker settings
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(0, 0)
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Acquire waits for a free slot. It fails immediately while the circuit is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitTotal.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
		// Should not happen in correct usage
	}
}

// Go runs fn in a goroutine once a slot is free. The outcome feeds the circuit
// breaker; a failure is also passed to onError when it is non-nil.
func (l *Limiter) Go(ctx context.Context, fn func() error, onError func(error)) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		defer l.Release()

		if err := fn(); err != nil {
			l.failed.Add(1)
			l.circuitBreaker.RecordFailure()
			if onError != nil {
				onError(err)
			}
			return
		}
		l.circuitBreaker.RecordSuccess()
	}()

	return nil
}

// Wait blocks until every function started with Go has returned, or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentActive returns the number of held slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// GetMetrics returns a snapshot of the limiter metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		TotalFailed:     l.failed.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitTotal.Load(),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(metrics.TotalWaitTimeNs / metrics.TotalAcquired)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

// CircuitBreaker returns the limiter's circuit breaker
func (l *Limiter) CircuitBreaker() *CircuitBreaker {
	return l.circuitBreaker
}
