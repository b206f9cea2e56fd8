package emulator

import (
	"time"

	"go.uber.org/zap"
)

// Stopwatch logs the duration of each stage of a run. Laps are logged at Info
// when verbose, at Debug otherwise.
type Stopwatch struct {
	start   time.Time
	last    time.Time
	verbose bool
	logger  *zap.Logger
	laps    []Lap
}

// Lap is one timed stage.
type Lap struct {
	Stage    string
	Duration time.Duration
}

// NewStopwatch starts a stopwatch.
func NewStopwatch(verbose bool, logger *zap.Logger) *Stopwatch {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Stopwatch{start: now, last: now, verbose: verbose, logger: logger}
}

// Lap records the time since the previous lap under stage.
func (s *Stopwatch) Lap(stage string) time.Duration {
	now := time.Now()
	d := now.Sub(s.last)
	s.last = now
	s.laps = append(s.laps, Lap{Stage: stage, Duration: d})

	log := s.logger.Debug
	if s.verbose {
		log = s.logger.Info
	}
	log("Stage finished",
		zap.String("stage", stage),
		zap.Duration("duration", d),
		zap.Duration("elapsed", now.Sub(s.start)))
	return d
}

// Laps returns the recorded laps in order.
func (s *Stopwatch) Laps() []Lap {
	return append([]Lap(nil), s.laps...)
}

// Elapsed is the time since the stopwatch started.
func (s *Stopwatch) Elapsed() time.Duration {
	return time.Since(s.start)
}
