// Package persistence stores the output batch of every executed module.
//
// Saving is a side channel: the engine hands each batch to a Saver and moves on.
// The Saver writes through one or more Sinks in the background, bounded by a
// concurrency.Limiter, and failures are logged instead of failing the run.
package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/message"
)

// DefaultDir is the directory the file sink writes to when none is configured.
const DefaultDir = "bmp_emulator"

// Sink persists the output batch of one module.
type Sink interface {
	Save(ctx context.Context, runID, module string, batch []message.Message) error
	Close() error
}

// Encode renders a batch as newline-separated documents, each one the payload
// merged with its mediation map.
func Encode(batch []message.Message) ([]byte, error) {
	var buf bytes.Buffer
	for i, msg := range batch {
		doc, err := msg.Document()
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(doc)
	}
	return buf.Bytes(), nil
}

// MultiSink fans a batch out to several sinks. Every sink is attempted; the
// failures are joined.
type MultiSink []Sink

// Save implements Sink
func (m MultiSink) Save(ctx context.Context, runID, module string, batch []message.Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, runID, module, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
