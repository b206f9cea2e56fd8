package iteration

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// Iterator handles batch iteration with configurable execution strategy
type Iterator struct {
	config Config
}

// NewIterator creates a new iterator with given config
func NewIterator(config Config) *Iterator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = runtime.NumCPU()
	}
	if config.Strategy == "" {
		config.Strategy = StrategyParallel
	}
	return &Iterator{config: config}
}

// Config returns the effective configuration.
func (it *Iterator) Config() Config { return it.config }

// Map processes every item with fn and returns the outputs in input order
// (fail-fast on first error).
func Map[T, R any](ctx context.Context, it *Iterator, items []T, fn ProcessFunc[T, R]) ([]R, error) {
	if len(items) == 0 {
		return []R{}, nil
	}

	if it.config.Strategy == StrategySequential || len(items) == 1 {
		return mapSequential(ctx, items, fn)
	}
	return mapParallel(ctx, it.config.MaxConcurrent, items, fn)
}

// FlatMap is Map for functions producing several outputs per item; the outputs
// are concatenated in input order.
func FlatMap[T, R any](ctx context.Context, it *Iterator, items []T, fn ProcessFunc[T, []R]) ([]R, error) {
	parts, err := Map(ctx, it, items, fn)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]R, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// mapSequential processes items one by one (fail-fast)
func mapSequential[T, R any](ctx context.Context, items []T, fn ProcessFunc[T, R]) ([]R, error) {
	results := make([]R, len(items))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		output, err := fn(ctx, item, i)
		if err != nil {
			return nil, fmt.Errorf("failed processing item %d: %w", i, err)
		}
		results[i] = output
	}

	return results, nil
}

// mapParallel processes items concurrently with worker pool (fail-fast)
func mapParallel[T, R any](ctx context.Context, workers int, items []T, fn ProcessFunc[T, R]) ([]R, error) {
	numItems := len(items)
	results := make([]R, numItems)

	numWorkers := workers
	if numWorkers > numItems {
		numWorkers = numItems
	}

	// Use channels for work distribution and error signaling
	workCh := make(chan int, numItems)
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstError error

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				select {
				case <-ctx.Done():
					return
				default:
					output, err := fn(ctx, items[idx], idx)

					mu.Lock()
					if err != nil {
						if firstError == nil {
							firstError = fmt.Errorf("failed processing item %d: %w", idx, err)
							cancel() // Signal other workers to stop
						}
					} else {
						results[idx] = output
					}
					mu.Unlock()
				}
			}
		}()
	}

sendLoop:
	for i := 0; i < numItems; i++ {
		select {
		case <-ctx.Done():
			break sendLoop
		case workCh <- i:
		}
	}
	close(workCh)

	wg.Wait()

	if firstError != nil {
		return nil, firstError
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
