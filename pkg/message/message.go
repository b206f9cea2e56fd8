// Package message defines the record that flows through an execution tree.
//
// A Message has two halves: the mediation map, structured metadata owned by the
// pipeline, and the payload, the record's own JSON text. Neither half is ever
// mutated once a message has been handed to another stage; stages produce new
// messages with With* instead. Payload is a Go string, so copies share the same
// backing bytes and duplicating a message never copies its payload.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

const (
	// MediationKey is the key under which the mediation map is exposed when a
	// message is rendered as a single JSON document.
	MediationKey = "billingmediation"

	// RouteKey is the mediation map key that selects the output route after a Logic stage.
	RouteKey = "route"

	// DefaultRoute is the catch-all route label.
	DefaultRoute = "output"
)

// Mediation is the structured metadata side of a message. Values are JSON shaped:
// map[string]any, []any, json.Number, string, bool or nil.
type Mediation map[string]any

// Payload is the JSON text of a record.
type Payload string

// Message is the unit of data flowing through the execution tree.
type Message struct {
	Mediation Mediation
	Payload   Payload
	// Date is the process date tag attached at ingestion.
	Date string
}

// New creates a message with an empty mediation map.
func New(payload Payload, date string) Message {
	return Message{
		Mediation: Mediation{},
		Payload:   payload,
		Date:      date,
	}
}

// WithMediation returns a copy of m carrying md as its mediation map.
func (m Message) WithMediation(md Mediation) Message {
	m.Mediation = md
	return m
}

// WithPayload returns a copy of m carrying p as its payload.
func (m Message) WithPayload(p Payload) Message {
	m.Payload = p
	return m
}

// Route returns the route label selected by the mediation map, or DefaultRoute.
func (m Message) Route() string {
	v, ok := m.Mediation[RouteKey]
	if !ok || v == nil {
		return DefaultRoute
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// Document renders the message as one JSON object: the payload's fields plus the
// mediation map under MediationKey. The payload must be a JSON object.
func (m Message) Document() ([]byte, error) {
	payload := gjson.Parse(string(m.Payload))
	if !payload.IsObject() {
		return nil, fmt.Errorf("%w: payload is not a JSON object", sdkerrors.ErrData)
	}

	mediation := []byte("{}")
	if len(m.Mediation) > 0 {
		encoded, err := json.Marshal(m.Mediation)
		if err != nil {
			return nil, fmt.Errorf("failed to encode mediation map: %w", err)
		}
		mediation = encoded
	}

	doc, err := sjson.SetRawBytes([]byte(m.Payload), MediationKey, mediation)
	if err != nil {
		return nil, fmt.Errorf("failed to merge mediation map: %w", err)
	}
	return doc, nil
}

// FromDocument splits a document produced by Document (or by a script working on
// one) back into a message.
func FromDocument(doc []byte, date string) (Message, error) {
	doc = bytes.TrimSpace(doc)
	if !gjson.ValidBytes(doc) {
		return Message{}, fmt.Errorf("%w: document is not valid JSON", sdkerrors.ErrData)
	}
	if !gjson.ParseBytes(doc).IsObject() {
		return Message{}, fmt.Errorf("%w: document is not a JSON object", sdkerrors.ErrData)
	}

	mediation := Mediation{}
	raw := gjson.GetBytes(doc, MediationKey)
	if raw.Exists() {
		switch {
		case raw.IsObject():
			decoded, err := DecodeMediation([]byte(raw.Raw))
			if err != nil {
				return Message{}, err
			}
			mediation = decoded
		case raw.Type == gjson.Null:
		default:
			return Message{}, fmt.Errorf("%w: %s must be an object", sdkerrors.ErrData, MediationKey)
		}

		stripped, err := sjson.DeleteBytes(doc, MediationKey)
		if err != nil {
			return Message{}, fmt.Errorf("failed to strip mediation map: %w", err)
		}
		doc = stripped
	}

	return Message{
		Mediation: mediation,
		Payload:   Payload(doc),
		Date:      date,
	}, nil
}

// DecodeMediation decodes a JSON object into a Mediation, keeping numbers exact.
func DecodeMediation(raw []byte) (Mediation, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var md Mediation
	if err := dec.Decode(&md); err != nil {
		return nil, fmt.Errorf("%w: invalid mediation map: %v", sdkerrors.ErrData, err)
	}
	if md == nil {
		md = Mediation{}
	}
	return md, nil
}

// Clone returns a shallow copy of the mediation map.
func (md Mediation) Clone() Mediation {
	out := make(Mediation, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
