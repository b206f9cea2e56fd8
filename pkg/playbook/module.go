package playbook

import (
	"fmt"
	"path"
	"strings"

	"github.com/robfig/cron/v3"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Kind identifies a module variant.
type Kind int

const (
	KindMessageIngestion Kind = iota
	KindFileIngestion
	KindSplitting
	KindReporting
	KindLogic
	KindAggregation
	KindDeduplication
	KindLookup
)

var kindNames = [...]string{
	KindMessageIngestion: "MessageIngestion",
	KindFileIngestion:    "FileIngestion",
	KindSplitting:        "Splitting",
	KindReporting:        "Reporting",
	KindLogic:            "Logic",
	KindAggregation:      "Aggregation",
	KindDeduplication:    "Deduplication",
	KindLookup:           "Lookup",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Module is one stage of a playbook. The set of implementations is closed: only
// the types declared in this package satisfy it.
type Module interface {
	// Name is the module's unique name within the playbook.
	Name() string
	// Input returns the "<producer>.<route>" reference, if the module declares one.
	Input() (string, bool)
	Kind() Kind
	module()
}

// Ingestion is implemented by the root-only modules that describe raw input.
type Ingestion interface {
	Module
	RecordSchema() IngestionSchema
}

// Header carries the fields shared by every module.
type Header struct {
	ModuleName string
	// InputRef is the "<producer>.<route>" reference; empty means none.
	InputRef string
}

// Name implements Module.
func (h Header) Name() string { return h.ModuleName }

func (h Header) input() (string, bool) { return h.InputRef, h.InputRef != "" }

// ParseInput splits an input reference into producer name and route label.
func ParseInput(ref string) (producer, route string, ok bool) {
	producer, route, ok = strings.Cut(ref, ".")
	if !ok || producer == "" || route == "" {
		return "", "", false
	}
	return producer, route, true
}

// Format is the raw record format of an ingestion schema.
type Format string

const (
	FormatCSV     Format = "CSV"
	FormatEdifact Format = "Edifact"
	FormatJSON    Format = "JSON"
)

// IngestionSchema describes how raw input records are structured.
type IngestionSchema struct {
	Format Format
	// File is the grammar or schema file name, relative to the channel's grammar directory.
	File string
	// Separator and Mapping are only used by CSV. Mapping maps output field names
	// to zero-based column indices.
	Separator string
	Mapping   map[string]string
}

// MessageIngestion is a root module whose schema describes each message directly.
type MessageIngestion struct {
	Header
	Schema IngestionSchema
}

// FileIngestion is a root module whose schema describes the records of a file.
type FileIngestion struct {
	Header
	Records IngestionSchema
}

// Splitting explodes each message along the array found at ArrayPath.
type Splitting struct {
	Header
	ArrayPath  string
	AllowEmpty bool
}

// Frequency is a Reporting schedule.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Schedule returns the cron schedule for the frequency.
func (f Frequency) Schedule() (cron.Schedule, error) {
	switch f {
	case Daily, Weekly, Monthly:
		return cron.ParseStandard("@" + string(f))
	default:
		return nil, fmt.Errorf("unknown reporting frequency %q", string(f))
	}
}

// Reporting is reserved; the engine does not execute it yet.
type Reporting struct {
	Header
	Scheduling Frequency
	Format     string
}

// Logic hands every message to a script export.
type Logic struct {
	Header
	// Rules lists the script files to load; the last one names the invoked export.
	Rules []string
	// Routes lists the route labels the scripts are expected to set. Informational.
	Routes []string
}

// ExportName returns the name of the export invoked for every message: the last
// rule's file name up to ".js".
func (l Logic) ExportName() (string, error) {
	if len(l.Rules) == 0 {
		return "", sdkerrors.Configf(l.ModuleName, "logic module has no rules")
	}
	last := path.Base(l.Rules[len(l.Rules)-1])
	export, _, ok := strings.Cut(last, ".js")
	if !ok || export == "" {
		return "", sdkerrors.Configf(l.ModuleName, "rule %q is not a .js file", last)
	}
	return export, nil
}

// Aggregation is reserved; the engine does not execute it yet.
type Aggregation struct {
	Header
	Key []string
}

// Deduplication is reserved; the engine does not execute it yet.
type Deduplication struct {
	Header
	Key []string
}

// Lookup is reserved; the engine does not execute it yet.
type Lookup struct {
	Header
}

func (MessageIngestion) Input() (string, bool) { return "", false }
func (FileIngestion) Input() (string, bool)    { return "", false }
func (m Splitting) Input() (string, bool)      { return m.input() }
func (m Reporting) Input() (string, bool)      { return m.input() }
func (m Logic) Input() (string, bool)          { return m.input() }
func (m Aggregation) Input() (string, bool)    { return m.input() }
func (m Deduplication) Input() (string, bool)  { return m.input() }
func (m Lookup) Input() (string, bool)         { return m.input() }

func (MessageIngestion) Kind() Kind { return KindMessageIngestion }
func (FileIngestion) Kind() Kind    { return KindFileIngestion }
func (Splitting) Kind() Kind        { return KindSplitting }
func (Reporting) Kind() Kind        { return KindReporting }
func (Logic) Kind() Kind            { return KindLogic }
func (Aggregation) Kind() Kind      { return KindAggregation }
func (Deduplication) Kind() Kind    { return KindDeduplication }
func (Lookup) Kind() Kind           { return KindLookup }

func (MessageIngestion) module() {}
func (FileIngestion) module()    {}
func (Splitting) module()        {}
func (Reporting) module()        {}
func (Logic) module()            {}
func (Aggregation) module()      {}
func (Deduplication) module()    {}
func (Lookup) module()           {}

// RecordSchema implements Ingestion.
func (m MessageIngestion) RecordSchema() IngestionSchema { return m.Schema }

// RecordSchema implements Ingestion.
func (m FileIngestion) RecordSchema() IngestionSchema { return m.Records }

// IsIngestion reports whether m is one of the root-only ingestion variants.
func IsIngestion(m Module) bool {
	_, ok := m.(Ingestion)
	return ok
}
