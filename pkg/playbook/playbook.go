// Package playbook loads billing-mediation playbooks: an ordered list of module
// declarations plus the script sources their Logic stages reference.
//
// Playbooks are YAML or JSON documents:
//
//	bmpVersion: "1"
//	flow: usage
//	modules:
//	  - type: MessageIngestion
//	    name: In
//	    schema: {format: Edifact, file: usage.xml}
//	  - type: Splitting
//	    name: Sp
//	    input: In.output
//	    arrayPath: billingmediation.items
//	    allowEmpty: false
//	  - type: Logic
//	    name: Lg
//	    input: Sp.output
//	    rules: [helpers.js, rate.js]
//	    routes: [output, reject]
//
// Module order is significant: it encodes how the execution tree nests.
package playbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Playbook is a decoded playbook document.
type Playbook struct {
	Version string
	Flow    string
	Modules []Module

	// Path is the file the playbook was loaded from, empty when parsed from memory.
	Path string
}

// Load reads a playbook file. The format is chosen by extension.
func Load(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook: %w", err)
	}

	var pb *Playbook
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		pb, err = ParseJSON(data)
	case ".yaml", ".yml":
		pb, err = ParseYAML(data)
	default:
		return nil, sdkerrors.Configf("", "unsupported playbook format: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("playbook %s: %w", path, err)
	}

	pb.Path = path
	return pb, nil
}

// ParseYAML decodes a YAML playbook.
func ParseYAML(data []byte) (*Playbook, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, sdkerrors.NewError("parse", "", "invalid YAML", fmt.Errorf("%w: %v", sdkerrors.ErrConfiguration, err))
	}
	// Re-encoding gives YAML and JSON playbooks a single decoding path.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, sdkerrors.NewError("parse", "", "playbook is not JSON compatible", fmt.Errorf("%w: %v", sdkerrors.ErrConfiguration, err))
	}
	return ParseJSON(encoded)
}

// ParseJSON decodes a JSON playbook.
func ParseJSON(data []byte) (*Playbook, error) {
	var doc struct {
		Version string            `json:"bmpVersion"`
		Flow    string            `json:"flow"`
		Modules []json.RawMessage `json:"modules"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, sdkerrors.NewError("parse", "", "invalid playbook", fmt.Errorf("%w: %v", sdkerrors.ErrConfiguration, err))
	}

	pb := &Playbook{
		Version: doc.Version,
		Flow:    doc.Flow,
		Modules: make([]Module, 0, len(doc.Modules)),
	}
	for i, raw := range doc.Modules {
		m, err := decodeModule(raw)
		if err != nil {
			return nil, fmt.Errorf("modules[%d]: %w", i, err)
		}
		pb.Modules = append(pb.Modules, m)
	}
	return pb, nil
}

// Root returns the first module, the root of the execution tree.
func (p *Playbook) Root() Module {
	if len(p.Modules) == 0 {
		return nil
	}
	return p.Modules[0]
}

// Module looks a module up by name.
func (p *Playbook) Module(name string) (Module, bool) {
	for _, m := range p.Modules {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// LogicModules returns the playbook's Logic modules in declaration order.
func (p *Playbook) LogicModules() []Logic {
	var out []Logic
	for _, m := range p.Modules {
		if l, ok := m.(Logic); ok {
			out = append(out, l)
		}
	}
	return out
}

// ChannelRoot is the directory two levels above the playbook file, which holds
// the channel's logic and grammar directories.
func (p *Playbook) ChannelRoot() string {
	if p.Path == "" {
		return "."
	}
	return filepath.Dir(filepath.Dir(p.Path))
}

type rawSchema struct {
	Format    string            `json:"format"`
	File      string            `json:"file"`
	Separator string            `json:"separator"`
	Mapping   map[string]string `json:"mapping"`
}

type rawModule struct {
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Input      string          `json:"input"`
	Schema     json.RawMessage `json:"schema"`
	ArrayPath  string          `json:"arrayPath"`
	AllowEmpty bool            `json:"allowEmpty"`
	Scheduling *struct {
		Frequency string `json:"frequency"`
	} `json:"scheduling"`
	Format string   `json:"format"`
	Rules  []string `json:"rules"`
	Routes []string `json:"routes"`
	Key    []string `json:"key"`
}

var fold = cases.Fold()

func decodeModule(data []byte) (Module, error) {
	var raw rawModule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, sdkerrors.NewError("parse", "", "invalid module", fmt.Errorf("%w: %v", sdkerrors.ErrConfiguration, err))
	}
	header := Header{ModuleName: raw.Name, InputRef: raw.Input}

	switch fold.String(raw.Type) {
	case "messageingestion":
		schema, err := decodeSchema(raw.Name, raw.Schema)
		if err != nil {
			return nil, err
		}
		return MessageIngestion{Header: Header{ModuleName: raw.Name}, Schema: schema}, nil
	case "fileingestion":
		var wrapper struct {
			Records json.RawMessage `json:"records"`
		}
		if len(raw.Schema) > 0 {
			if err := json.Unmarshal(raw.Schema, &wrapper); err != nil {
				return nil, sdkerrors.NewError("parse", raw.Name, "invalid schema", fmt.Errorf("%w: %v", sdkerrors.ErrConfiguration, err))
			}
		}
		schema, err := decodeSchema(raw.Name, wrapper.Records)
		if err != nil {
			return nil, err
		}
		return FileIngestion{Header: Header{ModuleName: raw.Name}, Records: schema}, nil
	case "splitting":
		return Splitting{Header: header, ArrayPath: raw.ArrayPath, AllowEmpty: raw.AllowEmpty}, nil
	case "reporting":
		var freq Frequency
		if raw.Scheduling != nil {
			freq = Frequency(fold.String(raw.Scheduling.Frequency))
		}
		return Reporting{Header: header, Scheduling: freq, Format: raw.Format}, nil
	case "logic":
		return Logic{Header: header, Rules: raw.Rules, Routes: raw.Routes}, nil
	case "aggregation":
		return Aggregation{Header: header, Key: raw.Key}, nil
	case "deduplication":
		return Deduplication{Header: header, Key: raw.Key}, nil
	case "lookup":
		return Lookup{Header: header}, nil
	default:
		return nil, sdkerrors.Configf(raw.Name, "unknown module type %q", raw.Type)
	}
}

func decodeSchema(module string, data json.RawMessage) (IngestionSchema, error) {
	if len(data) == 0 {
		return IngestionSchema{}, sdkerrors.Configf(module, "ingestion schema is required")
	}
	var raw rawSchema
	if err := json.Unmarshal(data, &raw); err != nil {
		return IngestionSchema{}, sdkerrors.NewError("parse", module, "invalid schema", fmt.Errorf("%w: %v", sdkerrors.ErrConfiguration, err))
	}

	schema := IngestionSchema{File: raw.File, Separator: raw.Separator, Mapping: raw.Mapping}
	switch fold.String(raw.Format) {
	case "csv":
		schema.Format = FormatCSV
	case "edifact":
		schema.Format = FormatEdifact
	case "json":
		schema.Format = FormatJSON
	default:
		return IngestionSchema{}, sdkerrors.Configf(module, "unknown ingestion format %q", raw.Format)
	}
	return schema, nil
}
