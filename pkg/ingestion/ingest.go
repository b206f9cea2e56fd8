package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/playbook"
)

// Ingester reads the inputs of a run.
type Ingester struct {
	root       string
	opts       Options
	filter     *regexp.Regexp
	cache      *Cache
	it         *iteration.Iterator
	anonymizer Anonymizer
	logger     *zap.Logger
}

// Option customizes an Ingester
type Option func(*Ingester)

// WithAnonymizer replaces the anonymizer otherwise chosen from the root module's schema.
func WithAnonymizer(a Anonymizer) Option {
	return func(in *Ingester) { in.anonymizer = a }
}

// WithIterator sets how inputs and anonymization chunks are processed.
func WithIterator(it *iteration.Iterator) Option {
	return func(in *Ingester) { in.it = it }
}

// New creates an ingester for a channel rooted at root.
func New(root string, opts Options, logger *zap.Logger, options ...Option) (*Ingester, error) {
	filter, err := opts.Compile()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	in := &Ingester{
		root:   root,
		opts:   opts,
		filter: filter,
		cache:  NewCache(opts.CacheDir),
		logger: logger,
	}
	for _, o := range options {
		o(in)
	}
	if in.it == nil {
		in.it = iteration.NewIterator(iteration.Config{Strategy: iteration.StrategyParallel})
	}
	return in, nil
}

// Ingest produces one message per record of every input, in input order. Each
// message has an empty mediation map and the input's process date, or
// defaultDate when the input has none.
func (in *Ingester) Ingest(ctx context.Context, root playbook.Module, inputs []Input, defaultDate string) ([]message.Message, error) {
	ingestion, ok := root.(playbook.Ingestion)
	if !ok {
		return nil, sdkerrors.Configf(root.Name(), "root module must be MessageIngestion or FileIngestion, got %s", root.Kind())
	}
	schema := ingestion.RecordSchema()

	anonymizer := in.anonymizer
	if anonymizer == nil {
		var err error
		if anonymizer, err = ForSchema(schema, in.root, in.opts); err != nil {
			return nil, annotate(err, root.Name())
		}
	}

	return iteration.FlatMap(ctx, in.it, inputs, func(ctx context.Context, input Input, _ int) ([]message.Message, error) {
		return in.ingestOne(ctx, schema, anonymizer, input, defaultDate)
	})
}

func (in *Ingester) ingestOne(ctx context.Context, schema playbook.IngestionSchema, anonymizer Anonymizer, input Input, defaultDate string) ([]message.Message, error) {
	start := time.Now()

	content, err := os.ReadFile(input.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: input %s: %v", sdkerrors.ErrConfiguration, input.Path, err)
	}
	lines := Trim(string(content), in.opts.Head, in.opts.Tail, in.filter)

	key := Key(schema, lines)
	records, cached := in.cache.Get(key, len(lines))
	if !cached {
		records, err = in.anonymize(ctx, anonymizer, lines)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", input.Path, err)
		}
		if len(records) != len(lines) {
			return nil, fmt.Errorf("%w: input %s: anonymization gave %d records for %d lines",
				sdkerrors.ErrData, input.Path, len(records), len(lines))
		}
		if err := in.cache.Put(key, records); err != nil {
			in.logger.Warn("Failed to cache anonymized input",
				zap.String("input", input.Path),
				zap.Error(err))
		}
	}

	date := input.Date(defaultDate)
	out := make([]message.Message, len(records))
	for i, rec := range records {
		if !validRecord(rec) {
			return nil, fmt.Errorf("%w: input %s: record %d is not a JSON object", sdkerrors.ErrData, input.Path, i+1)
		}
		out[i] = message.New(message.Payload(rec), date)
	}

	in.logger.Debug("Ingested input",
		zap.String("input", input.Path),
		zap.Int("records", len(out)),
		zap.Bool("cached", cached),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

// anonymize runs the anonymizer over lines, in chunks of BatchSize when set.
func (in *Ingester) anonymize(ctx context.Context, anonymizer Anonymizer, lines []string) ([]string, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	size := in.opts.BatchSize
	if size <= 0 || size >= len(lines) {
		return anonymizer.Anonymize(ctx, lines)
	}

	chunks := make([][]string, 0, (len(lines)+size-1)/size)
	for start := 0; start < len(lines); start += size {
		chunks = append(chunks, lines[start:min(start+size, len(lines))])
	}

	return iteration.FlatMap(ctx, in.it, chunks, func(ctx context.Context, chunk []string, i int) ([]string, error) {
		records, err := anonymizer.Anonymize(ctx, chunk)
		if err != nil {
			return nil, err
		}
		if len(records) != len(chunk) {
			return nil, fmt.Errorf("%w: chunk %d: anonymization gave %d records for %d lines",
				sdkerrors.ErrData, i, len(records), len(chunk))
		}
		return records, nil
	})
}

func annotate(err error, module string) error {
	var e *sdkerrors.Error
	if errors.As(err, &e) && e.Module == "" {
		e.Module = module
	}
	return err
}
