// Package ingestion turns raw input files into the first batch of messages.
//
// Every input file is trimmed (head lines skipped, lines filtered by a regular
// expression, tail lines dropped), then each remaining line is turned into one
// JSON record by the anonymizer matching the root module's schema format. The
// anonymized records are cached under the hash of the trimmed content, so a
// second run over the same input never starts the anonymizer again.
package ingestion

import (
	"fmt"
	"regexp"
	"strings"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Options control how input files are read.
type Options struct {
	// Head is the number of leading lines skipped.
	Head int `json:"head"`
	// Tail is the number of trailing lines dropped after filtering.
	Tail int `json:"tail"`
	// BatchSize splits the anonymization of one file into chunks of this many
	// lines, processed concurrently. Zero anonymizes the whole file at once.
	BatchSize int `json:"batch_size"`
	// Regex keeps only matching lines when set.
	Regex string `json:"regex,omitempty"`
	// CacheDir holds anonymized records; default ".cache".
	CacheDir string `json:"cache_dir,omitempty"`
	// Jar is the anonymizer used for Edifact input; default "deps/anonymization.jar".
	Jar string `json:"anonymizer_jar,omitempty"`
	// Java is the java executable; default "java".
	Java string `json:"java,omitempty"`
}

// InputMetadata is attached to every message produced from an input.
type InputMetadata struct {
	ProcessDate string `json:"process_date"`
}

// Input is one raw input file.
type Input struct {
	Path     string         `json:"path"`
	Metadata *InputMetadata `json:"metadata,omitempty"`
}

// Date returns the input's process date, or fallback when it has none.
func (in Input) Date(fallback string) string {
	if in.Metadata != nil && in.Metadata.ProcessDate != "" {
		return in.Metadata.ProcessDate
	}
	return fallback
}

// Compile validates the options and returns the line filter, nil when none is set.
func (o Options) Compile() (*regexp.Regexp, error) {
	if o.Head < 0 || o.Tail < 0 || o.BatchSize < 0 {
		return nil, sdkerrors.Configf("", "ingestion_opts: head, tail and batch_size must not be negative")
	}
	if o.Regex == "" {
		return nil, nil
	}
	re, err := regexp.Compile(o.Regex)
	if err != nil {
		return nil, sdkerrors.NewError("config", "", "ingestion_opts.regex", fmt.Errorf("%w: %v", sdkerrors.ErrConfiguration, err))
	}
	return re, nil
}

// Trim selects the lines of content that become records: the content is
// whitespace-trimmed, the first head lines are skipped, lines not matching re
// are dropped, and finally the last tail lines are dropped.
func Trim(content string, head, tail int, re *regexp.Regexp) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	raw := strings.Split(content, "\n")
	if head >= len(raw) {
		return nil
	}

	lines := make([]string, 0, len(raw)-head)
	for _, line := range raw[head:] {
		line = strings.TrimSuffix(line, "\r")
		if re != nil && !re.MatchString(line) {
			continue
		}
		lines = append(lines, line)
	}

	if tail >= len(lines) {
		return nil
	}
	return lines[:len(lines)-tail]
}
