package emulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/ingestion"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/playbook"
	"github.com/wehubfusion/Daedalus/pkg/script"
	"github.com/wehubfusion/Daedalus/pkg/tree"
)

// Report summarizes a finished run.
type Report struct {
	RunID    string
	Ingested int
	// Outputs is the number of messages each executed module produced.
	Outputs     map[string]int64
	Persistence persistence.SaveStats
	Laps        []Lap
	Duration    time.Duration
}

// Emulator runs playbooks.
type Emulator struct {
	opts    *Options
	runtime *concurrency.Config
	logger  *zap.Logger

	ingestOptions []ingestion.Option
}

// Option customizes an Emulator
type Option func(*Emulator)

// WithIngestionOptions passes options through to the ingester.
func WithIngestionOptions(options ...ingestion.Option) Option {
	return func(em *Emulator) { em.ingestOptions = append(em.ingestOptions, options...) }
}

// New creates an emulator. A nil runtime configuration is loaded from the environment.
func New(opts *Options, rc *concurrency.Config, logger *zap.Logger, options ...Option) *Emulator {
	if rc == nil {
		rc = concurrency.LoadConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	em := &Emulator{opts: opts, runtime: rc, logger: logger}
	for _, o := range options {
		o(em)
	}
	return em
}

// Run executes the playbook once. Persistence is flushed before Run returns,
// also when execution fails.
func (em *Emulator) Run(ctx context.Context) (*Report, error) {
	sw := NewStopwatch(em.opts.ShowBench, em.logger)

	pb, root, err := em.load()
	if err != nil {
		return nil, err
	}
	sw.Lap("load playbook")

	pool, ingested, err := em.prepare(ctx, pb)
	if pool != nil {
		defer pool.Close()
	}
	if err != nil {
		return nil, err
	}
	sw.Lap("ingest and start scripts")

	sink, err := persistence.Open(ctx, em.opts.PersistenceConfig(), em.logger)
	if err != nil {
		return nil, err
	}
	saver := persistence.NewSaver(sink, persistence.SaverOptions{
		Excluded:    em.opts.ExcludedModules,
		Concurrency: em.runtime.SaveConcurrency,
	}, em.logger)

	var dispatcher engine.Dispatcher
	if pool != nil {
		dispatcher = pool
	}
	eng := engine.New(dispatcher, saver, engine.ConfigFrom(em.runtime), em.logger.With(zap.String("run_id", saver.RunID())))
	runErr := eng.Run(ctx, root, ingested)
	sw.Lap("execute playbook")

	closeErr := saver.Close(context.Background())
	sw.Lap("flush persistence")

	report := &Report{
		RunID:       saver.RunID(),
		Ingested:    len(ingested),
		Outputs:     eng.Counts(),
		Persistence: saver.Stats(),
		Laps:        sw.Laps(),
		Duration:    sw.Elapsed(),
	}
	if err := errors.Join(runErr, closeErr); err != nil {
		return report, err
	}

	em.logger.Info("Run finished",
		zap.String("run_id", report.RunID),
		zap.Int("ingested", report.Ingested),
		zap.Int64("saved", report.Persistence.Saved),
		zap.Int64("save_failures", report.Persistence.Failed),
		zap.Int64("peak_concurrent_saves", report.Persistence.PeakConcurrent),
		zap.Duration("average_save_wait", report.Persistence.AverageWait),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// load reads the playbook, validates it and builds its execution tree.
func (em *Emulator) load() (*playbook.Playbook, *tree.Node, error) {
	pb, err := playbook.Load(em.opts.PlaybookFilePath)
	if err != nil {
		return nil, nil, err
	}
	if err := pb.Validate(); err != nil {
		return nil, nil, err
	}

	if em.opts.StrictTopology {
		root, err := tree.Strict(pb.Modules)
		if err != nil {
			return nil, nil, err
		}
		return pb, root, nil
	}

	root, err := tree.Build(pb.Modules)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range tree.Unplaced(root, pb.Modules) {
		input, _ := m.Input()
		em.logger.Warn("Module is not reachable from the root and will not run",
			zap.String("module", m.Name()),
			zap.String("input", input))
	}
	em.logger.Debug("Execution tree built", zap.String("tree", root.String()))
	return pb, root, nil
}

// prepare ingests the inputs while the script pool starts. The pool is returned
// whenever it was created so the caller can close it.
func (em *Emulator) prepare(ctx context.Context, pb *playbook.Playbook) (*dispatch.Pool, []message.Message, error) {
	var (
		pool     *dispatch.Pool
		ingested []message.Message
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ingested, err = em.ingest(gctx, pb)
		return err
	})
	g.Go(func() error {
		var err error
		// The pool outlives the group, so it watches ctx rather than gctx.
		pool, err = em.startPool(ctx, gctx, pb)
		return err
	})
	err := g.Wait()
	return pool, ingested, err
}

func (em *Emulator) ingest(ctx context.Context, pb *playbook.Playbook) ([]message.Message, error) {
	options := append([]ingestion.Option{
		ingestion.WithIterator(iteration.NewIterator(iteration.Config{
			Strategy:      iteration.StrategyParallel,
			MaxConcurrent: em.runtime.Workers,
		})),
	}, em.ingestOptions...)

	in, err := ingestion.New(pb.ChannelRoot(), em.opts.IngestionOpts, em.logger, options...)
	if err != nil {
		return nil, err
	}
	msgs, err := in.Ingest(ctx, pb.Root(), em.opts.Input, em.opts.ProcessDate)
	if err != nil {
		return nil, err
	}
	em.logger.Info("Inputs ingested",
		zap.Int("inputs", len(em.opts.Input)),
		zap.Int("messages", len(msgs)))
	return msgs, nil
}

// startPool loads the rule sources and starts the dispatch pool. It returns a
// nil pool when the playbook has no Logic modules.
func (em *Emulator) startPool(poolCtx, ctx context.Context, pb *playbook.Playbook) (*dispatch.Pool, error) {
	logic := pb.LogicModules()
	if len(logic) == 0 {
		return nil, nil
	}

	scripts, err := pb.Scripts(ctx, em.opts.ScriptDirs(pb))
	if err != nil {
		return nil, err
	}
	sources := make([]script.Source, len(scripts))
	for i, s := range scripts {
		sources[i] = script.Source{Name: s.Name, Code: s.Source}
	}

	platform := script.NewPlatform(sources, em.logger)
	if err := platform.Init(); err != nil {
		return nil, err
	}

	pool, err := dispatch.NewPool(poolCtx, dispatch.FromPlatform(platform, em.logger), dispatch.Config{
		Workers: em.runtime.Workers,
		Timeout: em.runtime.ScriptTimeout,
	}, em.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sdkerrors.ErrConfiguration, err)
	}

	exports := make([]string, 0, len(logic))
	for _, l := range logic {
		export, err := l.ExportName()
		if err != nil {
			return pool, err
		}
		exports = append(exports, export)
	}
	if err := pool.Preflight(exports...); err != nil {
		return pool, err
	}

	loaded := platform.Sources()
	names := make([]string, len(loaded))
	for i, src := range loaded {
		names[i] = src.Name
	}
	em.logger.Info("Script pool started",
		zap.Int("workers", pool.Workers()),
		zap.Strings("sources", names))
	return pool, nil
}
