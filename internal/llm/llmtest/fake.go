// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"github.com/Anansitrading/HYPERCOG/internal/llm"
)

// Responder produces the reply for one request
type Responder func(ctx context.Context, req llm.Request) (string, error)

// Fake is an llm.Client that routes requests to responders by caller
type Fake struct {
	mu       sync.Mutex
	byCaller map[string]Responder
	fallback Responder
	calls    []llm.Request
}

// New returns a Fake whose unrouted requests get fallback, or "{}" when nil
func New(fallback Responder) *Fake {
	if fallback == nil {
		fallback = Reply("{}")
	}
	return &Fake{byCaller: make(map[string]Responder), fallback: fallback}
}

// On routes requests whose Caller equals caller (or starts with caller + ".")
func (f *Fake) On(caller string, r Responder) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byCaller[caller] = r
	return f
}

// Complete implements llm.Client
func (f *Fake) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	r, ok := f.byCaller[req.Caller]
	if !ok {
		if i := strings.Index(req.Caller, "."); i > 0 {
			r, ok = f.byCaller[req.Caller[:i]]
		}
	}
	if !ok {
		r = f.fallback
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r(ctx, req)
}

// Calls returns the requests seen so far
func (f *Fake) Calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.calls...)
}

// CallsFor counts requests made by caller
func (f *Fake) CallsFor(caller string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Caller == caller || strings.HasPrefix(c.Caller, caller+".") {
			n++
		}
	}
	return n
}

// Reply always answers text
func Reply(text string) Responder {
	return func(context.Context, llm.Request) (string, error) { return text, nil }
}

// Fail always answers err
func Fail(err error) Responder {
	return func(context.Context, llm.Request) (string, error) { return "", err }
}

// Sequence answers each text in turn, repeating the last one
func Sequence(texts ...string) Responder {
	var mu sync.Mutex
	i := 0
	return func(context.Context, llm.Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(texts) == 0 {
			return "", nil
		}
		t := texts[i]
		if i < len(texts)-1 {
			i++
		}
		return t, nil
	}
}
