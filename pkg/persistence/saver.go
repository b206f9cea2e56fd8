package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// SaverOptions configures a Saver
type SaverOptions struct {
	// RunID keys everything saved by this run; a random one is generated when empty.
	RunID string
	// Excluded lists modules whose output is never saved.
	Excluded []string
	// Concurrency bounds simultaneous writes.
	Concurrency int
}

// SaveStats counts batches handed to a Saver
type SaveStats struct {
	Saved   int64
	Failed  int64
	Skipped int64

	// PeakConcurrent is the largest number of writes in flight at once.
	PeakConcurrent int64
	// AverageWait is the mean time a write waited for a free slot.
	AverageWait time.Duration
}

// Saver writes module output in the background.
type Saver struct {
	sink     Sink
	runID    string
	excluded map[string]struct{}
	limiter  *concurrency.Limiter
	logger   *zap.Logger

	pending sync.WaitGroup
	saved   atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

// NewSaver creates a saver writing through sink
func NewSaver(sink Sink, opts SaverOptions, logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	excluded := make(map[string]struct{}, len(opts.Excluded))
	for _, name := range opts.Excluded {
		excluded[name] = struct{}{}
	}

	limiter := concurrency.NewLimiter(opts.Concurrency)
	limiter.CircuitBreaker().OnStateChange(func(from, to concurrency.CircuitBreakerState) {
		logger.Warn("Persistence circuit changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int64("consecutive_failures", limiter.CircuitBreaker().GetConsecutiveFailures()))
	})

	return &Saver{
		sink:     sink,
		runID:    opts.RunID,
		excluded: excluded,
		limiter:  limiter,
		logger:   logger.With(zap.String("run_id", opts.RunID)),
	}
}

// RunID returns the identifier this saver stores output under
func (s *Saver) RunID() string {
	return s.runID
}

// Excluded reports whether module's output is never saved
func (s *Saver) Excluded(module string) bool {
	_, ok := s.excluded[module]
	return ok
}

// Save hands a batch off for writing and returns immediately. Failures are
// logged and counted, never returned. The write is not cancelled with ctx.
func (s *Saver) Save(ctx context.Context, module string, batch []message.Message) {
	if s == nil || s.sink == nil {
		return
	}
	if s.Excluded(module) {
		s.skipped.Add(1)
		s.logger.Debug("Module excluded from persistence", zap.String("module", module))
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		err := s.limiter.Go(ctx, func() error {
			start := time.Now()
			if err := s.sink.Save(ctx, s.runID, module, batch); err != nil {
				return err
			}
			s.saved.Add(1)
			s.logger.Debug("Saved module output",
				zap.String("module", module),
				zap.Int("messages", len(batch)),
				zap.Duration("duration", time.Since(start)))
			return nil
		}, func(err error) {
			s.failed.Add(1)
			s.logger.Error("Failed to save module output",
				zap.String("module", module),
				zap.Int("messages", len(batch)),
				zap.Error(err))
		})
		if err != nil {
			s.failed.Add(1)
			s.logger.Warn("Module output dropped",
				zap.String("module", module),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every handed-off batch has been written or has failed.
func (s *Saver) Wait(ctx context.Context) error {
	if s == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.limiter.Wait(ctx)
}

// Stats returns a snapshot of the saver counters
func (s *Saver) Stats() SaveStats {
	if s == nil {
		return SaveStats{}
	}
	return SaveStats{
		Saved:          s.saved.Load(),
		Failed:         s.failed.Load(),
		Skipped:        s.skipped.Load(),
		PeakConcurrent: s.limiter.GetMetrics().PeakConcurrent,
		AverageWait:    s.limiter.GetAverageWaitTime(),
	}
}

// Close waits for pending writes and closes the sink.
func (s *Saver) Close(ctx context.Context) error {
	if s == nil || s.sink == nil {
		return nil
	}
	if err := s.Wait(ctx); err != nil {
		return err
	}
	return s.sink.Close()
}
