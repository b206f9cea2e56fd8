package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/playbook"
)

// FileSink writes each module's output to <dir>/<module>, replacing the output
// of any previous run.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed and returns a sink writing into it.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the output directory
func (f *FileSink) Dir() string {
	return f.dir
}

// Save implements Sink
func (f *FileSink) Save(_ context.Context, _ string, module string, batch []message.Message) error {
	if !playbook.ValidModuleName(module) {
		return sdkerrors.Configf(module, "file sink: module name is not a valid file name")
	}
	data, err := Encode(batch)
	if err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, module), data, 0o644); err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	return nil
}

// Close implements Sink
func (f *FileSink) Close() error {
	return nil
}
