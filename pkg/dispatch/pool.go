// Package dispatch hands per-message rule evaluation to a fixed pool of
// long-lived workers and reassembles the results in submission order.
//
// Every worker owns a private Evaluator. Tasks from all dispatchers share one
// queue and any idle worker may take any task. A dispatcher never blocks on the
// queue: its tasks are pushed by a separate goroutine while it waits on a reply
// channel sized to its batch.
package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/script"
)

// Evaluator invokes a named export against a message. Implementations are used
// by one worker at a time.
type Evaluator interface {
	Invoke(ctx context.Context, export string, msg message.Message) (message.Message, error)
}

// ExportChecker is implemented by evaluators that can report their exports.
type ExportChecker interface {
	Has(export string) bool
	Exports() []string
}

// TimeoutEvaluator is implemented by evaluators that bound an invocation
// themselves. *script.Runtime interrupts its VM when the bound is reached.
type TimeoutEvaluator interface {
	InvokeTimeout(ctx context.Context, timeout time.Duration, export string, msg message.Message) (message.Message, error)
}

// EvaluatorFactory creates the evaluator of worker id.
type EvaluatorFactory func(id int) (Evaluator, error)

// FromPlatform returns a factory creating one script runtime per worker.
func FromPlatform(p *script.Platform, logger *zap.Logger) EvaluatorFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(id int) (Evaluator, error) {
		return p.NewRuntime(script.RuntimeOptions{Logger: logger.With(zap.Int("worker_id", id))})
	}
}

// Task is one message submitted for evaluation.
type Task struct {
	// Index is the message's position in the dispatched batch.
	Index   int
	Message message.Message
	Module  string
	Export  string
	Reply   chan<- Result

	ctx context.Context
}

// Result is the outcome of a Task.
type Result struct {
	Index   int
	Message message.Message
	Module  string
	Err     error
}

// Config configures a Pool.
type Config struct {
	// Workers is the number of workers (0 = runtime.NumCPU()).
	Workers int
	// QueueSize is the buffer of the shared task queue (0 = 4 * Workers).
	QueueSize int
	// Timeout bounds a single evaluation. Zero means no bound.
	Timeout time.Duration
}

// Pool is a fixed set of workers sharing one task queue.
type Pool struct {
	config Config
	tasks  chan Task
	quit   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	closeOnce sync.Once
	checker   ExportChecker

	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates every worker's evaluator and starts the workers. If any
// evaluator cannot be created the pool is not started.
func NewPool(ctx context.Context, factory EvaluatorFactory, config Config, logger *zap.Logger) (*Pool, error) {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 4 * config.Workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	evaluators := make([]Evaluator, config.Workers)
	for i := range evaluators {
		ev, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("failed to create evaluator for worker %d: %w", i, err)
		}
		evaluators[i] = ev
	}

	p := &Pool{
		config: config,
		tasks:  make(chan Task, config.QueueSize),
		quit:   make(chan struct{}),
		logger: logger,
	}
	if checker, ok := evaluators[0].(ExportChecker); ok {
		p.checker = checker
	}

	logger.Debug("starting dispatch pool",
		zap.Int("workers", config.Workers),
		zap.Int("queue_size", config.QueueSize),
	)
	for i, ev := range evaluators {
		p.wg.Add(1)
		go p.worker(i, ev)
	}

	// Cancelling ctx closes the pool.
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Debug("dispatch pool stopping due to context cancellation")
			p.closeOnce.Do(func() { close(p.quit) })
		case <-p.quit:
		}
	}()
	return p, nil
}

// Preflight verifies that every export is known to the workers' evaluators.
// Evaluators that cannot report their exports are not checked.
func (p *Pool) Preflight(exports ...string) error {
	if p.checker == nil {
		return nil
	}
	for _, export := range exports {
		if !p.checker.Has(export) {
			registered := p.checker.Exports()
			sort.Strings(registered)
			return sdkerrors.Configf("", "script export %q is not registered by any rule source (registered: %s)",
				export, strings.Join(registered, ", "))
		}
	}
	return nil
}

func (p *Pool) worker(id int, ev Evaluator) {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			p.logger.Debug("worker stopping, pool closed", zap.Int("worker_id", id))
			return
		case task := <-p.tasks:
			task.Reply <- p.process(ev, task)
		}
	}
}

func (p *Pool) process(ev Evaluator, task Task) (res Result) {
	res = Result{Index: task.Index, Module: task.Module}

	if err := task.ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: evaluator panic: %v", sdkerrors.ErrScript, r)
		}
		if res.Err != nil {
			p.failed.Add(1)
		} else {
			p.processed.Add(1)
		}
	}()

	out, err := p.invoke(ev, task)
	if err != nil {
		res.Err = sdkerrors.NewError("logic", task.Module, fmt.Sprintf("message %d", task.Index), err)
		return res
	}
	res.Message = out
	return res
}

func (p *Pool) invoke(ev Evaluator, task Task) (message.Message, error) {
	if te, ok := ev.(TimeoutEvaluator); ok {
		return te.InvokeTimeout(task.ctx, p.config.Timeout, task.Export, task.Message)
	}
	ctx := task.ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}
	return ev.Invoke(ctx, task.Export, task.Message)
}

// Dispatch evaluates export on every message of batch and returns the results
// in batch order: out[i] is the transformation of batch[i]. The first failure
// aborts the dispatch; tasks of the batch still queued are skipped.
func (p *Pool) Dispatch(ctx context.Context, batch []message.Message, module, export string) ([]message.Message, error) {
	if len(batch) == 0 {
		return []message.Message{}, nil
	}

	select {
	case <-p.quit:
		return nil, sdkerrors.ErrPoolClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reply := make(chan Result, len(batch))
	go p.submit(ctx, batch, module, export, reply)

	return collect(ctx, p.quit, reply, len(batch))
}

func (p *Pool) submit(ctx context.Context, batch []message.Message, module, export string, reply chan<- Result) {
	for i, msg := range batch {
		task := Task{Index: i, Message: msg, Module: module, Export: export, Reply: reply, ctx: ctx}
		select {
		case p.tasks <- task:
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		}
	}
}

// collect reinserts count results by index. The first error wins.
func collect(ctx context.Context, quit <-chan struct{}, reply <-chan Result, count int) ([]message.Message, error) {
	out := make([]message.Message, count)
	seen := make([]bool, count)

	for received := 0; received < count; {
		select {
		case res := <-reply:
			if res.Err != nil {
				return nil, res.Err
			}
			if res.Index < 0 || res.Index >= count || seen[res.Index] {
				return nil, fmt.Errorf("dispatch: unexpected result index %d for batch of %d", res.Index, count)
			}
			seen[res.Index] = true
			out[res.Index] = res.Message
			received++
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-quit:
			return nil, sdkerrors.ErrPoolClosed
		}
	}
	return out, nil
}

// Close stops the workers and waits for them to exit. In-flight dispatches
// fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

// Stats returns the number of evaluations that succeeded and failed.
func (p *Pool) Stats() (processed, failed int64) {
	return p.processed.Load(), p.failed.Load()
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.config.Workers
}
