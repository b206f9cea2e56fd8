package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/playbook"
)

// DefaultCacheDir is where anonymized records are cached when no directory is configured.
const DefaultCacheDir = ".cache"

// Cache stores anonymized records keyed by the hash of the lines they came from.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir.
func NewCache(dir string) *Cache {
	if dir == "" {
		dir = DefaultCacheDir
	}
	return &Cache{dir: dir}
}

// Key hashes the schema, including the CSV mapping, and the trimmed lines of an input.
func Key(schema playbook.IngestionSchema, lines []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", schema.Format, schema.File, schema.Separator)

	fields := make([]string, 0, len(schema.Mapping))
	for field := range schema.Mapping {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		fmt.Fprintf(h, "%s=%s\x00", field, schema.Mapping[field])
	}
	h.Write([]byte{'\n'})

	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached records for key. An entry whose record count differs
// from want is treated as a miss.
func (c *Cache) Get(key string, want int) ([]string, bool) {
	data, err := os.ReadFile(filepath.Join(c.dir, key))
	if err != nil {
		return nil, false
	}

	content := string(data)
	if content == "" {
		return nil, want == 0
	}
	records := strings.Split(content, "\n")
	if len(records) != want {
		return nil, false
	}
	return records, true
}

// Put stores records under key. The entry appears atomically.
func (c *Cache) Put(key string, records []string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache entry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strings.Join(records, "\n")); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(c.dir, key))
}
