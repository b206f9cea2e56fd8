// Package splitting explodes one message into many along a JSON array.
//
// A split path is dot separated. When its first segment is "billingmediation"
// the remaining segments are resolved against the mediation map; otherwise the
// whole path is resolved against the payload. For an array [a0, ..., aN-1] found
// there, Split returns N messages, the i-th identical to the input except that
// the array is replaced by [ai].
package splitting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Options controls a split.
type Options struct {
	// AllowEmpty forwards a message whose array is empty unchanged instead of dropping it.
	AllowEmpty bool

	// Splice enables the in-place payload splice: the serialized payload is copied
	// once per element and only the bytes of the array interior are overwritten,
	// padded with spaces. Elements that do not fit fall back to re-encoding.
	Splice bool
}

// Split explodes msg along the array at path.
func Split(msg message.Message, path string, opts Options) ([]message.Message, error) {
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", sdkerrors.ErrBadPath, path)
		}
	}

	if segments[0] == message.MediationKey {
		return splitMediation(msg, path, segments[1:], opts)
	}
	return splitPayload(msg, path, segments, opts)
}

// SplitBatch splits every message of batch and concatenates the results in
// batch order.
func SplitBatch(ctx context.Context, it *iteration.Iterator, batch []message.Message, path string, opts Options) ([]message.Message, error) {
	return iteration.FlatMap(ctx, it, batch, func(_ context.Context, msg message.Message, _ int) ([]message.Message, error) {
		return Split(msg, path, opts)
	})
}

func small(msg message.Message, n int, opts Options) ([]message.Message, bool) {
	switch {
	case n == 0 && opts.AllowEmpty:
		return []message.Message{msg}, true
	case n == 0:
		return []message.Message{}, true
	case n == 1:
		return []message.Message{msg}, true
	}
	return nil, false
}

func splitMediation(msg message.Message, path string, segments []string, opts Options) ([]message.Message, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: %q selects the mediation map itself", sdkerrors.ErrBadPath, path)
	}

	target, err := lookup(map[string]any(msg.Mediation), segments)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", sdkerrors.ErrBadPath, path, err)
	}
	arr, ok := target.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, not an array", sdkerrors.ErrBadPath, path, target)
	}

	if out, done := small(msg, len(arr), opts); done {
		return out, nil
	}

	out := make([]message.Message, len(arr))
	for i, el := range arr {
		md, err := replace(map[string]any(msg.Mediation), segments, []any{el})
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", sdkerrors.ErrBadPath, path, err)
		}
		out[i] = msg.WithMediation(message.Mediation(md.(map[string]any)))
	}
	return out, nil
}

// lookup walks maps by key and slices by index.
func lookup(v any, segments []string) (any, error) {
	for i, seg := range segments {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("segment %q not found", strings.Join(segments[:i+1], "."))
			}
			v = next
		case message.Mediation:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("segment %q not found", strings.Join(segments[:i+1], "."))
			}
			v = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("segment %q is not a valid index", strings.Join(segments[:i+1], "."))
			}
			v = node[idx]
		default:
			return nil, fmt.Errorf("segment %q is a %T", strings.Join(segments[:i], "."), v)
		}
	}
	return v, nil
}

// replace returns a copy of v with the value at segments set to value. Only the
// containers along the path are copied; everything else is shared.
func replace(v any, segments []string, value any) (any, error) {
	if len(segments) == 0 {
		return value, nil
	}
	seg := segments[0]

	switch node := v.(type) {
	case message.Mediation:
		return replace(map[string]any(node), segments, value)
	case map[string]any:
		child, err := replace(node[seg], segments[1:], value)
		if err != nil {
			return nil, err
		}
		cp := make(map[string]any, len(node))
		for k, val := range node {
			cp[k] = val
		}
		cp[seg] = child
		return cp, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, fmt.Errorf("segment %q is not a valid index", seg)
		}
		child, err := replace(node[idx], segments[1:], value)
		if err != nil {
			return nil, err
		}
		cp := make([]any, len(node))
		copy(cp, node)
		cp[idx] = child
		return cp, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", v, seg)
	}
}

func splitPayload(msg message.Message, path string, segments []string, opts Options) ([]message.Message, error) {
	payload := string(msg.Payload)
	gpath := gjsonPath(segments)

	res := gjson.Get(payload, gpath)
	if !res.Exists() {
		return nil, fmt.Errorf("%w: %q does not resolve in the payload", sdkerrors.ErrBadPath, path)
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("%w: %q is %s, not an array", sdkerrors.ErrBadPath, path, res.Type)
	}

	elements := res.Array()
	if out, done := small(msg, len(elements), opts); done {
		return out, nil
	}

	splicer, canSplice := newSplicer(payload, res)
	out := make([]message.Message, len(elements))
	for i, el := range elements {
		var compact bytes.Buffer
		if err := json.Compact(&compact, []byte(el.Raw)); err != nil {
			return nil, fmt.Errorf("%w: element %d of %q: %v", sdkerrors.ErrData, i, path, err)
		}

		if opts.Splice && canSplice {
			if next, ok := splicer.splice(compact.Bytes()); ok {
				out[i] = msg.WithPayload(message.Payload(next))
				continue
			}
		}

		next, err := sjson.SetRaw(payload, gpath, "["+compact.String()+"]")
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", sdkerrors.ErrBadPath, path, err)
		}
		out[i] = msg.WithPayload(message.Payload(next))
	}
	return out, nil
}

// splicer rewrites the interior of one array inside a serialized document while
// keeping every byte outside the interior at its original offset.
type splicer struct {
	prefix   string // document up to and including '['
	suffix   string // document from the closing ']'
	interior int    // length of the bytes between the brackets
}

func newSplicer(doc string, arr gjson.Result) (splicer, bool) {
	start := arr.Index
	end := start + len(arr.Raw)
	// Index is zero when gjson could not locate the value in the source text; an
	// array never starts at offset zero of an object payload.
	if start <= 0 || end > len(doc) || doc[start:end] != arr.Raw || len(arr.Raw) < 2 {
		return splicer{}, false
	}
	return splicer{
		prefix:   doc[:start+1],
		suffix:   doc[end-1:],
		interior: len(arr.Raw) - 2,
	}, true
}

func (s splicer) splice(element []byte) (string, bool) {
	if len(element) > s.interior {
		return "", false
	}
	var b strings.Builder
	b.Grow(len(s.prefix) + s.interior + len(s.suffix))
	b.WriteString(s.prefix)
	b.Write(element)
	b.WriteString(strings.Repeat(" ", s.interior-len(element)))
	b.WriteString(s.suffix)
	return b.String(), true
}

// gjsonPath escapes characters gjson and sjson treat as path syntax.
func gjsonPath(segments []string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		var b strings.Builder
		for _, r := range seg {
			switch r {
			case '\\', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%':
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		escaped[i] = b.String()
	}
	return strings.Join(escaped, ".")
}
