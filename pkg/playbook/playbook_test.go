package playbook

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func TestLoadYAML(t *testing.T) {
	pb, err := Load("testdata/usage.yaml")
	require.NoError(t, err)

	assert.Equal(t, "1", pb.Version)
	assert.Equal(t, "usage", pb.Flow)
	require.Len(t, pb.Modules, 4)

	in, ok := pb.Modules[0].(MessageIngestion)
	require.True(t, ok)
	assert.Equal(t, FormatEdifact, in.Schema.Format)
	assert.Equal(t, "usage.xml", in.Schema.File)
	_, hasInput := in.Input()
	assert.False(t, hasInput)

	sp, ok := pb.Modules[1].(Splitting)
	require.True(t, ok)
	assert.Equal(t, "billingmediation.items", sp.ArrayPath)
	assert.True(t, sp.AllowEmpty)

	lg, ok := pb.Modules[2].(Logic)
	require.True(t, ok, "type tags are case-insensitive")
	assert.Equal(t, []string{"helpers.js", "rate.js"}, lg.Rules)
	export, err := lg.ExportName()
	require.NoError(t, err)
	assert.Equal(t, "rate", export)

	rp, ok := pb.Modules[3].(Reporting)
	require.True(t, ok)
	assert.Equal(t, Weekly, rp.Scheduling)
	ref, _ := rp.Input()
	assert.Equal(t, "Lg.reject", ref)

	require.NoError(t, pb.Validate())
}

func TestLoadJSON(t *testing.T) {
	pb, err := Load("testdata/usage.json")
	require.NoError(t, err)
	require.Len(t, pb.Modules, 2)

	in, ok := pb.Modules[0].(FileIngestion)
	require.True(t, ok)
	assert.Equal(t, FormatCSV, in.RecordSchema().Format)
	assert.Equal(t, ";", in.Records.Separator)
	assert.Equal(t, "2", in.Records.Mapping["volume"])

	dd, ok := pb.Modules[1].(Deduplication)
	require.True(t, ok)
	assert.Equal(t, []string{"msisdn"}, dd.Key)
	assert.Equal(t, KindDeduplication, dd.Kind())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ext     string
	}{
		{name: "unknown extension", content: "{}", ext: ".toml"},
		{name: "unknown module type", content: `{"modules":[{"type":"Teleport","name":"x"}]}`, ext: ".json"},
		{name: "unknown schema format", content: `{"modules":[{"type":"MessageIngestion","name":"In","schema":{"format":"XML"}}]}`, ext: ".json"},
		{name: "missing schema", content: `{"modules":[{"type":"MessageIngestion","name":"In"}]}`, ext: ".json"},
		{name: "malformed yaml", content: "modules: [", ext: ".yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pb"+tt.ext)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, sdkerrors.IsConfiguration(err), "got %v", err)
		})
	}
}

func ingestion(name string) MessageIngestion {
	return MessageIngestion{Header: Header{ModuleName: name}, Schema: IngestionSchema{Format: FormatJSON}}
}

func logic(name, input string, rules ...string) Logic {
	return Logic{Header: Header{ModuleName: name, InputRef: input}, Rules: rules}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modules []Module
		wantErr string
	}{
		{
			name:    "valid",
			modules: []Module{ingestion("In"), logic("Lg", "In.output", "r.js")},
		},
		{
			name:    "empty",
			modules: nil,
			wantErr: "no modules",
		},
		{
			name:    "root is not ingestion",
			modules: []Module{logic("Lg", "", "r.js")},
			wantErr: "root module must be",
		},
		{
			name:    "ingestion not at root",
			modules: []Module{ingestion("In"), ingestion("In2")},
			wantErr: "only allowed as the first module",
		},
		{
			name:    "duplicate name",
			modules: []Module{ingestion("In"), logic("In", "", "r.js")},
			wantErr: "duplicate module name",
		},
		{
			name:    "path separator in name",
			modules: []Module{ingestion("In"), logic("a/x", "In.output", "r.js"), logic("b/x", "In.output", "r.js")},
			wantErr: "path separators",
		},
		{
			name:    "dot dot name",
			modules: []Module{ingestion("In"), logic("..", "In.output", "r.js")},
			wantErr: "path separators",
		},
		{
			name:    "malformed input",
			modules: []Module{ingestion("In"), logic("Lg", "In", "r.js")},
			wantErr: "must have the form",
		},
		{
			name:    "unknown producer",
			modules: []Module{ingestion("In"), logic("Lg", "Nope.output", "r.js")},
			wantErr: "unknown module",
		},
		{
			name:    "self reference",
			modules: []Module{ingestion("In"), logic("Lg", "Lg.output", "r.js")},
			wantErr: "refers to the module itself",
		},
		{
			name:    "logic without js rule",
			modules: []Module{ingestion("In"), logic("Lg", "", "r.py")},
			wantErr: "not a .js file",
		},
		{
			name:    "empty split path",
			modules: []Module{ingestion("In"), Splitting{Header: Header{ModuleName: "Sp"}}},
			wantErr: "arrayPath is empty",
		},
		{
			name:    "unknown frequency",
			modules: []Module{ingestion("In"), Reporting{Header: Header{ModuleName: "Rp"}, Scheduling: "hourly"}},
			wantErr: "unknown reporting frequency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Playbook{Modules: tt.modules}).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, sdkerrors.ErrConfiguration)
		})
	}
}

func TestParseInput(t *testing.T) {
	producer, route, ok := ParseInput("Lg.reject")
	assert.True(t, ok)
	assert.Equal(t, "Lg", producer)
	assert.Equal(t, "reject", route)

	for _, bad := range []string{"", "Lg", ".x", "Lg."} {
		_, _, ok := ParseInput(bad)
		assert.False(t, ok, bad)
	}
}

func TestFrequencySchedule(t *testing.T) {
	for _, f := range []Frequency{Daily, Weekly, Monthly} {
		s, err := f.Schedule()
		require.NoError(t, err, f)
		assert.NotNil(t, s)
	}
}

func TestScripts(t *testing.T) {
	// <base>/channels/usage/playbooks/pb.yaml, libraries at <base>/libraries
	base := t.TempDir()
	root := filepath.Join(base, "channels", "usage")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "playbooks"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logic"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "libraries"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(root, "logic", "rate.js"), []byte("// rate"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logic", "tag.js"), []byte("// tag"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "libraries", "helpers.js"), []byte("// helpers"), 0o644))

	pb := &Playbook{
		Path: filepath.Join(root, "playbooks", "pb.yaml"),
		Modules: []Module{
			ingestion("In"),
			logic("A", "In.output", "helpers.js", "rate.js"),
			logic("B", "A.output", "helpers.js", "tag.js"),
		},
	}

	assert.Equal(t, root, pb.ChannelRoot())

	scripts, err := pb.Scripts(context.Background(), pb.DefaultScriptDirs())
	require.NoError(t, err)
	require.Len(t, scripts, 3)
	assert.Equal(t, "helpers.js", scripts[0].Name)
	assert.Equal(t, "// helpers", scripts[0].Source)
	assert.Equal(t, "rate.js", scripts[1].Name)
	assert.Equal(t, "tag.js", scripts[2].Name)

	t.Run("missing rule", func(t *testing.T) {
		pb.Modules = append(pb.Modules, logic("C", "B.output", "absent.js"))
		_, err := pb.Scripts(context.Background(), pb.DefaultScriptDirs())
		require.Error(t, err)
		assert.True(t, sdkerrors.IsConfiguration(err))
		assert.Contains(t, err.Error(), "absent.js")
	})
}
