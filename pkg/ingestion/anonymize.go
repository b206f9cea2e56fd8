package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/playbook"
)

// Anonymizer turns raw lines into JSON records, one per line, in order.
type Anonymizer interface {
	Anonymize(ctx context.Context, lines []string) ([]string, error)
}

// ForSchema returns the anonymizer for an ingestion schema. root is the channel
// root; grammar files are looked up in <root>/grammar.
func ForSchema(schema playbook.IngestionSchema, root string, opts Options) (Anonymizer, error) {
	switch schema.Format {
	case playbook.FormatEdifact:
		if schema.File == "" {
			return nil, sdkerrors.Configf("", "edifact schema has no grammar file")
		}
		return &JarAnonymizer{
			Java:    opts.Java,
			Jar:     opts.Jar,
			Grammar: filepath.Join(root, "grammar", schema.File),
		}, nil
	case playbook.FormatJSON:
		return JSONLines{}, nil
	case playbook.FormatCSV:
		return NewCSVMapper(schema.Separator, schema.Mapping)
	default:
		return nil, sdkerrors.Configf("", "unsupported ingestion format %q", schema.Format)
	}
}

// JarAnonymizer streams Edifact lines through the external anonymization tool:
//
//	java -jar <jar> edidumpjson --input-file - --grammar-file <grammar>
//
// The tool reads the lines on stdin and writes one JSON record per line.
type JarAnonymizer struct {
	Java    string
	Jar     string
	Grammar string
}

// emptyRecord is what the tool prints for a line it could not interpret.
const emptyRecord = "{  }"

// Anonymize implements Anonymizer
func (j *JarAnonymizer) Anonymize(ctx context.Context, lines []string) ([]string, error) {
	java := j.Java
	if java == "" {
		java = "java"
	}
	jar := j.Jar
	if jar == "" {
		jar = filepath.Join("deps", "anonymization.jar")
	}

	cmd := exec.CommandContext(ctx, java,
		"-DlogFile="+os.DevNull,
		"-jar", jar,
		"edidumpjson",
		"--input-file", "-",
		"--grammar-file", j.Grammar,
	)
	cmd.Stdin = strings.NewReader(strings.Join(lines, "\n"))
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("anonymizer %s: %w", jar, err)
	}

	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}

	records := strings.Split(string(out), "\n")
	for i, rec := range records {
		if strings.TrimSpace(rec) == emptyRecord {
			return nil, fmt.Errorf("%w: anonymizer produced an empty record for line %d", sdkerrors.ErrData, i+1)
		}
	}
	return records, nil
}

// JSONLines treats every line as a JSON record already.
type JSONLines struct{}

// Anonymize implements Anonymizer
func (JSONLines) Anonymize(_ context.Context, lines []string) ([]string, error) {
	records := make([]string, len(lines))
	for i, line := range lines {
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(line)); err != nil {
			return nil, fmt.Errorf("%w: line %d is not valid JSON: %v", sdkerrors.ErrData, i+1, err)
		}
		records[i] = buf.String()
	}
	return records, nil
}

// CSVMapper builds a JSON record from selected columns of each CSV line. Field
// names may be dotted paths to produce nested objects.
type CSVMapper struct {
	separator rune
	fields    []string
	columns   []int
}

// NewCSVMapper creates a mapper from a separator and a field to column index
// mapping. An empty separator means ",".
func NewCSVMapper(separator string, mapping map[string]string) (*CSVMapper, error) {
	sep := ','
	if separator != "" {
		runes := []rune(separator)
		if len(runes) != 1 {
			return nil, sdkerrors.Configf("", "csv separator %q must be a single character", separator)
		}
		sep = runes[0]
	}
	if len(mapping) == 0 {
		return nil, sdkerrors.Configf("", "csv schema has no mapping")
	}

	fields := make([]string, 0, len(mapping))
	for field := range mapping {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	columns := make([]int, len(fields))
	for i, field := range fields {
		col, err := strconv.Atoi(strings.TrimSpace(mapping[field]))
		if err != nil || col < 0 {
			return nil, sdkerrors.Configf("", "csv mapping for %q must be a column index, got %q", field, mapping[field])
		}
		columns[i] = col
	}

	return &CSVMapper{separator: sep, fields: fields, columns: columns}, nil
}

// Anonymize implements Anonymizer
func (c *CSVMapper) Anonymize(_ context.Context, lines []string) ([]string, error) {
	records := make([]string, len(lines))
	for i, line := range lines {
		r := csv.NewReader(strings.NewReader(line))
		r.Comma = c.separator
		r.FieldsPerRecord = -1
		r.LazyQuotes = true

		row, err := r.Read()
		if err == io.EOF {
			row = nil
		} else if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", sdkerrors.ErrData, i+1, err)
		}

		doc := "{}"
		for j, field := range c.fields {
			col := c.columns[j]
			if col >= len(row) {
				return nil, fmt.Errorf("%w: line %d has no column %d for %q", sdkerrors.ErrData, i+1, col, field)
			}
			doc, err = sjson.Set(doc, field, row[col])
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %v", sdkerrors.ErrConfiguration, field, err)
			}
		}
		records[i] = doc
	}
	return records, nil
}

// validRecord reports whether rec can be a message payload.
func validRecord(rec string) bool {
	return gjson.Valid(rec) && gjson.Parse(rec).IsObject()
}
