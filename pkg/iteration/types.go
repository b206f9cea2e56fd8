package iteration

import "context"

// Strategy defines how batch items are processed
type Strategy string

const (
	StrategySequential Strategy = "sequential" // Process items one by one
	StrategyParallel   Strategy = "parallel"   // Process items concurrently
)

// ParseStrategy maps a configuration value to a Strategy. Unknown values fall
// back to StrategyParallel.
func ParseStrategy(s string) Strategy {
	if Strategy(s) == StrategySequential {
		return StrategySequential
	}
	return StrategyParallel
}

// Config holds configuration for batch iteration
type Config struct {
	Strategy      Strategy // sequential or parallel
	MaxConcurrent int      // Max concurrent workers (0 = runtime.NumCPU())
}

// ProcessFunc is the function called for each batch item
type ProcessFunc[T, R any] func(ctx context.Context, item T, index int) (R, error)
