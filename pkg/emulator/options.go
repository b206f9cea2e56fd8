// Package emulator runs a playbook end to end: it loads and validates the
// playbook, builds the execution tree, ingests the inputs while the script pool
// starts, executes the tree and flushes persistence.
package emulator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/ingestion"
	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/playbook"
)

// Options is the run options file.
type Options struct {
	PlaybookFilePath string            `json:"playbook_file_path"`
	Input            []ingestion.Input `json:"input"`
	// ReportsDir is the file sink directory when persistence.dir is empty.
	ReportsDir      string   `json:"reports_dir"`
	ExcludedModules []string `json:"excluded_modules"`
	// ProcessDate tags inputs that carry no process date of their own.
	ProcessDate string `json:"process_date"`
	// JSONLookupTable is reserved for Lookup modules.
	JSONLookupTable []string `json:"json_lookup_table,omitempty"`
	ShowBench       bool     `json:"show_bench"`

	IngestionOpts  ingestion.Options  `json:"ingestion_opts"`
	Persistence    persistence.Config `json:"persistence"`
	Scripts        ScriptOptions      `json:"scripts"`
	StrictTopology bool               `json:"strict_topology"`
}

// ScriptOptions overrides the channel's rule directories.
type ScriptOptions struct {
	LogicDir     string `json:"logic_dir"`
	LibrariesDir string `json:"libraries_dir"`
}

// LoadOptions reads and validates an options file.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read options: %v", sdkerrors.ErrConfiguration, err)
	}
	opts, err := DecodeOptions(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("options %s: %w", path, err)
	}
	return opts, nil
}

// DecodeOptions decodes and validates options. Unknown fields are rejected.
func DecodeOptions(r io.Reader) (*Options, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var opts Options
	if err := dec.Decode(&opts); err != nil {
		return nil, decodeError(err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Validate checks the fields a run cannot start without.
func (o *Options) Validate() error {
	if o.PlaybookFilePath == "" {
		return sdkerrors.Configf("", "playbook_file_path is required")
	}
	for i, in := range o.Input {
		if in.Path == "" {
			return sdkerrors.Configf("", "input[%d].path is required", i)
		}
	}
	if _, err := o.IngestionOpts.Compile(); err != nil {
		return err
	}
	return nil
}

// ScriptDirs resolves the rule directories for pb, applying overrides.
func (o *Options) ScriptDirs(pb *playbook.Playbook) playbook.ScriptDirs {
	dirs := pb.DefaultScriptDirs()
	if o.Scripts.LogicDir != "" {
		dirs.Logic = o.Scripts.LogicDir
	}
	if o.Scripts.LibrariesDir != "" {
		dirs.Libraries = o.Scripts.LibrariesDir
	}
	return dirs
}

// PersistenceConfig returns the persistence configuration with reports_dir
// applied as the file sink directory when none is set.
func (o *Options) PersistenceConfig() persistence.Config {
	cfg := o.Persistence
	if cfg.Dir == "" {
		cfg.Dir = o.ReportsDir
	}
	return cfg
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return sdkerrors.Configf("", "options field %s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return sdkerrors.Configf("", "options syntax error at offset %d: %v", syntaxErr.Offset, err)
	}
	return sdkerrors.Configf("", "invalid options: %v", err)
}
