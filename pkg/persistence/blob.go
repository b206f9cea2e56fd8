package persistence

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// BlobSink uploads each module's output to runs/<run>/<module>.jsonl and records
// it in the run manifest.
type BlobSink struct {
	store    storage.BlobStore
	manifest *storage.ManifestClient
	logger   *zap.Logger
}

// NewBlobSink creates a sink over store
func NewBlobSink(store storage.BlobStore, logger *zap.Logger) *BlobSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobSink{
		store:    store,
		manifest: storage.NewManifestClient(store, logger),
		logger:   logger,
	}
}

// Save implements Sink
func (b *BlobSink) Save(ctx context.Context, runID, module string, batch []message.Message) error {
	entry := &storage.ManifestEntry{Module: module, Messages: len(batch)}

	data, err := Encode(batch)
	if err == nil {
		entry.Bytes = len(data)
		entry.Location, err = b.store.Upload(ctx, storage.OutputPath(runID, module), data, "application/x-ndjson", map[string]string{
			"run_id":   runID,
			"module":   module,
			"messages": strconv.Itoa(len(batch)),
		})
	}

	if err != nil {
		entry.Status = storage.StatusFailed
		entry.Error = err.Error()
	} else {
		entry.Status = storage.StatusSaved
	}

	if merr := b.manifest.Record(ctx, runID, entry); merr != nil {
		b.logger.Warn("Failed to update run manifest",
			zap.String("module", module),
			zap.Error(merr))
	}

	if err != nil {
		return fmt.Errorf("blob sink: %w", err)
	}
	return nil
}

// Close implements Sink
func (b *BlobSink) Close() error {
	return nil
}
