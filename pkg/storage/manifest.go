package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry status values
const (
	StatusSaved  = "saved"
	StatusFailed = "failed"
)

// ManifestEntry describes the persisted output of one module
type ManifestEntry struct {
	Module   string    `json:"module"`
	Status   string    `json:"status"`
	Messages int       `json:"messages"`
	Bytes    int       `json:"bytes"`
	Location string    `json:"location,omitempty"`
	Error    string    `json:"error,omitempty"`
	SavedAt  time.Time `json:"saved_at"`
}

// Manifest indexes everything a run persisted to blob storage.
// Format: { "run_id": "...", "modules": { "<module>": ManifestEntry, ... } }
type Manifest struct {
	RunID        string                    `json:"run_id"`
	LastModified time.Time                 `json:"last_modified"`
	Modules      map[string]*ManifestEntry `json:"modules"`
}

// RunPrefix returns the blob directory holding a run's output
func RunPrefix(runID string) string {
	return path.Join("runs", runID)
}

// ManifestPath returns the blob path of a run's manifest
func ManifestPath(runID string) string {
	return path.Join(RunPrefix(runID), "manifest.json")
}

// OutputPath returns the blob path of a module's output within a run
func OutputPath(runID, module string) string {
	return path.Join(RunPrefix(runID), module+".jsonl")
}

// ManifestClient maintains run manifests. Updates are serialized per client.
type ManifestClient struct {
	store  BlobStore
	logger *zap.Logger
	mu     sync.Mutex
}

// NewManifestClient creates a manifest client over store
func NewManifestClient(store BlobStore, logger *zap.Logger) *ManifestClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManifestClient{store: store, logger: logger}
}

// Record adds or replaces a module's entry in the run manifest. It reads the
// current manifest, updates it and writes it back.
func (c *ManifestClient) Record(ctx context.Context, runID string, entry *ManifestEntry) error {
	if c.store == nil {
		return fmt.Errorf("blob store not initialized")
	}
	if entry == nil || entry.Module == "" {
		return fmt.Errorf("manifest entry requires a module name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	blobPath := ManifestPath(runID)
	manifest := &Manifest{RunID: runID, Modules: map[string]*ManifestEntry{}}

	existing, err := c.store.Download(ctx, blobPath)
	if err != nil {
		c.logger.Debug("Manifest does not exist yet, creating new", zap.String("blob_path", blobPath))
	} else if err := json.Unmarshal(existing, manifest); err != nil {
		c.logger.Warn("Failed to parse existing manifest, starting fresh",
			zap.String("blob_path", blobPath),
			zap.Error(err))
		manifest = &Manifest{RunID: runID, Modules: map[string]*ManifestEntry{}}
	}
	if manifest.Modules == nil {
		manifest.Modules = map[string]*ManifestEntry{}
	}

	if entry.SavedAt.IsZero() {
		entry.SavedAt = time.Now().UTC()
	}
	manifest.Modules[entry.Module] = entry
	manifest.LastModified = entry.SavedAt

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	_, err = c.store.Upload(ctx, blobPath, data, "application/json", map[string]string{
		"run_id":       runID,
		"last_module":  entry.Module,
		"module_count": strconv.Itoa(len(manifest.Modules)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}
	return nil
}

// Get downloads and parses a run manifest
func (c *ManifestClient) Get(ctx context.Context, runID string) (*Manifest, error) {
	if c.store == nil {
		return nil, fmt.Errorf("blob store not initialized")
	}

	data, err := c.store.Download(ctx, ManifestPath(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to download manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}
