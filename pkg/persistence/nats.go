package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Header keys set on every published record
const (
	HeaderRunID  = "Daedalus-Run"
	HeaderModule = "Daedalus-Module"
	HeaderDate   = "Daedalus-Date"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
}

// NATSSink publishes every record of a module's output as its own NATS message
// on <prefix>.<module>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink creates a sink publishing through pub. An empty prefix selects "bmp".
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "bmp"
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject a module's output is published on
func (n *NATSSink) Subject(module string) string {
	return n.prefix + "." + module
}

// Save implements Sink
func (n *NATSSink) Save(ctx context.Context, runID, module string, batch []message.Message) error {
	subject := n.Subject(module)
	for i, msg := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := msg.Document()
		if err != nil {
			return fmt.Errorf("nats sink: message %d: %w", i, err)
		}

		out := nats.NewMsg(subject)
		out.Data = doc
		out.Header.Set(HeaderRunID, runID)
		out.Header.Set(HeaderModule, module)
		if msg.Date != "" {
			out.Header.Set(HeaderDate, msg.Date)
		}
		if err := n.pub.PublishMsg(out); err != nil {
			return fmt.Errorf("nats sink: publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Close flushes buffered messages. The connection itself belongs to the caller.
func (n *NATSSink) Close() error {
	return n.pub.FlushTimeout(5 * time.Second)
}
