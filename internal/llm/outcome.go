package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Anansitrading/HYPERCOG/internal/metrics"
)

// Outcome is the result of decoding model output: either a parsed value or
// the raw text that failed to decode.
type Outcome[T any] struct {
	value  T
	raw    string
	parsed bool
}

// Parsed wraps a successfully decoded value
func Parsed[T any](v T) Outcome[T] {
	return Outcome[T]{value: v, parsed: true}
}

// Malformed wraps text that did not decode
func Malformed[T any](raw string) Outcome[T] {
	return Outcome[T]{raw: raw}
}

// Value returns the decoded value and whether decoding succeeded
func (o Outcome[T]) Value() (T, bool) { return o.value, o.parsed }

// IsMalformed reports whether decoding failed
func (o Outcome[T]) IsMalformed() bool { return !o.parsed }

// Raw returns the undecodable text of a malformed outcome
func (o Outcome[T]) Raw() string { return o.raw }

// Or returns the decoded value, or def when malformed
func (o Outcome[T]) Or(def T) T {
	if o.parsed {
		return o.value
	}
	return def
}

// OrElse is Or with a lazily computed default
func (o Outcome[T]) OrElse(def func(raw string) T) T {
	if o.parsed {
		return o.value
	}
	return def(o.raw)
}

// Decode extracts the outermost JSON object from raw and decodes it into T.
// Prose or code fences around the object are ignored.
func Decode[T any](raw string) Outcome[T] {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Malformed[T](raw)
	}
	var v T
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return Malformed[T](raw)
	}
	return Parsed(v)
}

// Ask completes req and decodes the reply. Transport errors are returned;
// undecodable replies become a Malformed outcome and are counted under the
// request's caller.
func Ask[T any](ctx context.Context, c Client, req Request) (Outcome[T], error) {
	text, err := c.Complete(ctx, req)
	if err != nil {
		return Outcome[T]{}, err
	}
	out := Decode[T](text)
	if out.IsMalformed() {
		metrics.MalformedOutputs.WithLabelValues(req.Caller).Inc()
	}
	return out, nil
}
