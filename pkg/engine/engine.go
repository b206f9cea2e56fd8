// Package engine drives messages through an execution tree.
//
// Execution is a recursive walk. A node transforms its input batch according to
// its module kind, hands the output to the Saver, then runs every child edge in
// its own goroutine and returns once all of them have returned. The first error
// anywhere cancels the rest of the walk and is returned from Run.
//
// Module kinds:
//   - ingestion modules forward their batch unchanged (they are only ever the root)
//   - Splitting explodes the batch along the module's array path
//   - Logic dispatches the batch to the script pool and forwards each message
//     only to the edges whose route equals the message's route
//   - Reporting, Aggregation, Deduplication and Lookup fail with ErrNotImplemented
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/playbook"
	"github.com/wehubfusion/Daedalus/pkg/splitting"
	"github.com/wehubfusion/Daedalus/pkg/tree"
)

const tracerName = "github.com/wehubfusion/Daedalus/pkg/engine"

// Dispatcher evaluates a Logic module's export against every message of a batch
// and returns the results in batch order. *dispatch.Pool implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch []message.Message, module, export string) ([]message.Message, error)
}

// Saver receives the output batch of every executed module. Save must not block
// on the write. *persistence.Saver implements it.
type Saver interface {
	Save(ctx context.Context, module string, batch []message.Message)
}

// Config tunes an Engine.
type Config struct {
	// MaxDepth is the deepest node level executed; deeper levels fail with
	// ErrRecursionLimit. Zero selects concurrency.DefaultMaxDepth.
	MaxDepth int
	// Splice enables the in-place payload splice of Splitting modules.
	Splice bool
	// Iterator runs the per-message work of Splitting modules. Nil selects a
	// parallel iterator.
	Iterator *iteration.Iterator
}

// ConfigFrom derives an engine configuration from the runtime configuration.
func ConfigFrom(rc *concurrency.Config) Config {
	return Config{
		MaxDepth: rc.MaxDepth,
		Splice:   rc.Splice,
		Iterator: iteration.NewIterator(iteration.Config{
			Strategy:      iteration.ParseStrategy(string(rc.SplitMode)),
			MaxConcurrent: rc.Workers,
		}),
	}
}

// Engine executes execution trees. It is safe for concurrent use.
type Engine struct {
	dispatcher Dispatcher
	saver      Saver
	config     Config
	tracer     trace.Tracer
	logger     *zap.Logger

	mu     sync.Mutex
	counts map[string]*atomic.Int64
}

// New creates an engine. saver may be nil.
func New(dispatcher Dispatcher, saver Saver, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = concurrency.DefaultMaxDepth
	}
	if config.Iterator == nil {
		config.Iterator = iteration.NewIterator(iteration.Config{Strategy: iteration.StrategyParallel})
	}
	return &Engine{
		dispatcher: dispatcher,
		saver:      saver,
		config:     config,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		counts:     make(map[string]*atomic.Int64),
	}
}

// Run pushes the ingested batch through the tree rooted at root.
func (e *Engine) Run(ctx context.Context, root *tree.Node, ingested []message.Message) error {
	if root == nil {
		return sdkerrors.Configf("", "execution tree is empty")
	}

	start := time.Now()
	e.logger.Info("Executing playbook",
		zap.String("root", root.Name()),
		zap.Int("modules", root.Size()),
		zap.Int("messages", len(ingested)))

	if err := e.execute(ctx, root, ingested, 0); err != nil {
		e.logger.Error("Playbook execution failed", zap.Error(err))
		return err
	}

	e.logger.Info("Playbook executed", zap.Duration("duration", time.Since(start)))
	return nil
}

// Counts returns the number of messages each executed module produced.
func (e *Engine) Counts() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]int64, len(e.counts))
	for name, n := range e.counts {
		out[name] = n.Load()
	}
	return out
}

func (e *Engine) execute(ctx context.Context, node *tree.Node, batch []message.Message, depth int) (err error) {
	name := node.Name()
	kind := node.Module.Kind()

	if depth > e.config.MaxDepth {
		return sdkerrors.NewError("recursion", name,
			fmt.Sprintf("depth %d exceeds %d", depth, e.config.MaxDepth), sdkerrors.ErrRecursionLimit)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "engine.node", trace.WithAttributes(
		attribute.String("module.name", name),
		attribute.String("module.kind", kind.String()),
		attribute.Int("depth", depth),
		attribute.Int("batch.size", len(batch)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e.logger.Debug("Executing module",
		zap.String("module", name),
		zap.String("kind", kind.String()),
		zap.Int("depth", depth),
		zap.Int("messages", len(batch)))

	switch m := node.Module.(type) {
	case playbook.MessageIngestion, playbook.FileIngestion:
		return e.forward(ctx, node, batch, depth)

	case playbook.Splitting:
		out, err := splitting.SplitBatch(ctx, e.config.Iterator, batch, m.ArrayPath, splitting.Options{
			AllowEmpty: m.AllowEmpty,
			Splice:     e.config.Splice,
		})
		if err != nil {
			return stageError("split", name, "array path "+m.ArrayPath, err)
		}
		return e.forward(ctx, node, out, depth)

	case playbook.Logic:
		out, err := e.logic(ctx, m, batch)
		if err != nil {
			return err
		}
		return e.route(ctx, node, out, depth)

	case playbook.Reporting, playbook.Aggregation, playbook.Deduplication, playbook.Lookup:
		return sdkerrors.NewError("unimplemented", name, kind.String(), sdkerrors.ErrNotImplemented)

	default:
		return sdkerrors.Configf(name, "unknown module kind %s", kind)
	}
}

func (e *Engine) logic(ctx context.Context, m playbook.Logic, batch []message.Message) ([]message.Message, error) {
	export, err := m.ExportName()
	if err != nil {
		return nil, err
	}
	if e.dispatcher == nil {
		return nil, sdkerrors.Configf(m.Name(), "no script dispatcher configured")
	}

	ctx, span := e.tracer.Start(ctx, "engine.dispatch", trace.WithAttributes(
		attribute.String("module.name", m.Name()),
		attribute.String("export", export),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()

	out, err := e.dispatcher.Dispatch(ctx, batch, m.Name(), export)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, stageError("logic", m.Name(), "export "+export, err)
	}
	return out, nil
}

// forward hands the whole batch to every child.
func (e *Engine) forward(ctx context.Context, node *tree.Node, batch []message.Message, depth int) error {
	e.emit(ctx, node.Name(), batch)

	g, ctx := errgroup.WithContext(ctx)
	for _, edge := range node.Children {
		g.Go(func() error {
			return e.execute(ctx, edge.Node, batch, depth+1)
		})
	}
	return g.Wait()
}

// route hands each child only the messages whose route matches its edge.
func (e *Engine) route(ctx context.Context, node *tree.Node, batch []message.Message, depth int) error {
	e.emit(ctx, node.Name(), batch)

	byRoute := Partition(batch)
	g, ctx := errgroup.WithContext(ctx)
	for _, edge := range node.Children {
		subset := byRoute[edge.Route]
		if subset == nil {
			subset = []message.Message{}
		}
		g.Go(func() error {
			return e.execute(ctx, edge.Node, subset, depth+1)
		})
	}
	return g.Wait()
}

func (e *Engine) emit(ctx context.Context, module string, batch []message.Message) {
	e.mu.Lock()
	n, ok := e.counts[module]
	if !ok {
		n = new(atomic.Int64)
		e.counts[module] = n
	}
	e.mu.Unlock()
	n.Add(int64(len(batch)))

	if e.saver != nil {
		e.saver.Save(ctx, module, batch)
	}
}

// Partition groups a batch by message route, keeping batch order within a group.
func Partition(batch []message.Message) map[string][]message.Message {
	out := make(map[string][]message.Message)
	for _, msg := range batch {
		route := msg.Route()
		out[route] = append(out[route], msg)
	}
	return out
}

// stageError attributes err to module unless it already names one.
func stageError(code, module, what string, err error) error {
	var se *sdkerrors.Error
	if errors.As(err, &se) && se.Module != "" {
		return err
	}
	return sdkerrors.NewError(code, module, what, err)
}
