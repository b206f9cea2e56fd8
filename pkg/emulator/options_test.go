package emulator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/playbook"
)

func TestDecodeOptions(t *testing.T) {
	input := `{
  "playbook_file_path": "channels/usage/playbooks/usage/playbook.yaml",
  "input": [
    {"path": "in/a.edi", "metadata": {"process_date": "2024-01-31"}},
    {"path": "in/b.edi"}
  ],
  "reports_dir": "reports",
  "excluded_modules": ["Sp"],
  "process_date": "2024-02-01",
  "json_lookup_table": ["rates", "rates.json"],
  "show_bench": true,
  "ingestion_opts": {"head": 1, "tail": 1, "batch_size": 500, "regex": "^UNH"},
  "persistence": {"sqlite": {"path": "out.db"}},
  "scripts": {"logic_dir": "rules"},
  "strict_topology": true
}`

	opts, err := DecodeOptions(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, "channels/usage/playbooks/usage/playbook.yaml", opts.PlaybookFilePath)
	require.Len(t, opts.Input, 2)
	assert.Equal(t, "2024-01-31", opts.Input[0].Date(opts.ProcessDate))
	assert.Equal(t, "2024-02-01", opts.Input[1].Date(opts.ProcessDate))
	assert.Equal(t, []string{"Sp"}, opts.ExcludedModules)
	assert.True(t, opts.ShowBench)
	assert.True(t, opts.StrictTopology)
	assert.Equal(t, 500, opts.IngestionOpts.BatchSize)
	assert.Equal(t, "^UNH", opts.IngestionOpts.Regex)
	require.NotNil(t, opts.Persistence.SQLite)
	assert.Equal(t, "out.db", opts.Persistence.SQLite.Path)

	cfg := opts.PersistenceConfig()
	assert.Equal(t, "reports", cfg.Dir)
}

func TestDecodeOptions_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		message string
	}{
		{name: "unknown field", input: `{"playbook_file_path":"p.yaml","threads":4}`, message: "threads"},
		{name: "wrong type", input: `{"playbook_file_path":"p.yaml","show_bench":"yes"}`, message: "show_bench"},
		{name: "syntax", input: `{"playbook_file_path":`, message: "invalid options"},
		{name: "missing playbook", input: `{}`, message: "playbook_file_path is required"},
		{name: "input without path", input: `{"playbook_file_path":"p.yaml","input":[{}]}`, message: "input[0].path"},
		{name: "negative head", input: `{"playbook_file_path":"p.yaml","ingestion_opts":{"head":-1}}`, message: "must not be negative"},
		{name: "bad regex", input: `{"playbook_file_path":"p.yaml","ingestion_opts":{"regex":"("}}`, message: "regex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOptions(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.True(t, sdkerrors.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"playbook_file_path":"p.yaml"}`), 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "p.yaml", opts.PlaybookFilePath)

	_, err = LoadOptions(path + ".missing")
	require.Error(t, err)
	assert.True(t, sdkerrors.IsConfiguration(err))
}

func TestOptions_ScriptDirs(t *testing.T) {
	pb := &playbook.Playbook{Path: filepath.Join("chan", "playbooks", "usage", "pb.yaml")}

	opts := &Options{}
	dirs := opts.ScriptDirs(pb)
	assert.Equal(t, filepath.Join("chan", "playbooks", "logic"), dirs.Logic)

	opts.Scripts = ScriptOptions{LogicDir: "rules", LibrariesDir: "libs"}
	assert.Equal(t, playbook.ScriptDirs{Logic: "rules", Libraries: "libs"}, opts.ScriptDirs(pb))
}
