package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
)

// Handler serves one method. The returned value is JSON encoded into the
// response; a returned error travels back as a failed response.
type Handler func(ctx context.Context, args Args) (any, error)

// Handlers maps method names to handlers.
type Handlers map[string]Handler

// Args are the positional, still encoded arguments of a call.
type Args []json.RawMessage

// Len returns the number of arguments supplied by the caller.
func (a Args) Len() int { return len(a) }

// Raw returns argument i, or JSON null when the caller omitted it.
func (a Args) Raw(i int) json.RawMessage {
	if i < 0 || i >= len(a) || len(a[i]) == 0 {
		return json.RawMessage("null")
	}
	return a[i]
}

// Decode unmarshals argument i into v. Missing arguments decode as null and
// leave v untouched.
func (a Args) Decode(i int, v any) error {
	if err := jsoncodec.Unmarshal(a.Raw(i), v); err != nil {
		return fmt.Errorf("%w: argument %d: %v", errs.ErrInvalidArguments, i, err)
	}
	return nil
}

// String decodes argument i as a string.
func (a Args) String(i int) (string, error) {
	return Arg[string](a, i)
}

// Arg decodes argument i as T.
func Arg[T any](a Args, i int) (T, error) {
	var out T
	err := a.Decode(i, &out)
	return out, err
}

// Registry is an immutable method table. It is fixed once an engine starts
// dispatching.
type Registry struct {
	handlers map[string]Handler
	methods  []string
}

// NewRegistry copies handlers into a new registry. Nil handlers are skipped.
func NewRegistry(handlers Handlers) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for name, h := range handlers {
		if h == nil || name == "" {
			continue
		}
		r.handlers[name] = h
	}
	r.methods = sortedKeys(r.handlers)
	return r
}

// With returns a new registry holding r's handlers plus extra. Entries in
// extra replace same-named entries of r.
func (r *Registry) With(extra Handlers) *Registry {
	merged := make(Handlers, len(r.handlers)+len(extra))
	for name, h := range r.handlers {
		merged[name] = h
	}
	for name, h := range extra {
		merged[name] = h
	}
	return NewRegistry(merged)
}

// Lookup returns the handler registered for method.
func (r *Registry) Lookup(method string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[method]
	return h, ok
}

// Has reports whether method is registered.
func (r *Registry) Has(method string) bool {
	_, ok := r.Lookup(method)
	return ok
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.methods))
	copy(out, r.methods)
	return out
}

func sortedKeys(m map[string]Handler) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
