package configbridge

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
	"github.com/drblury/framebridge/internal/runtime/protocol"
)

// Invoker forwards a configuration function call to the host.
type Invoker func(ctx context.Context, path string, args ...any) (json.RawMessage, error)

// RemoteFunc stands in for a host function inside a rehydrated configuration.
type RemoteFunc struct {
	path   string
	invoke Invoker
}

// Path returns the dot-separated location of the function on the host.
func (f *RemoteFunc) Path() string { return f.path }

// Call forwards args, in order, to the host function and returns its result.
func (f *RemoteFunc) Call(ctx context.Context, args ...any) (json.RawMessage, error) {
	return f.invoke(ctx, f.path, args...)
}

// MarshalJSON renders the stub as null so a configuration can be re-encoded.
func (f *RemoteFunc) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// CallAs calls f and decodes the result as T.
func CallAs[T any](ctx context.Context, f *RemoteFunc, args ...any) (T, error) {
	raw, err := f.Call(ctx, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return jsoncodec.DecodeValue[T](raw)
}

// Configuration is the guest's copy of the host configuration. Plain values
// are decoded JSON (map[string]any, []any, string, float64, bool, nil);
// functions are *RemoteFunc.
type Configuration struct {
	root      any
	data      json.RawMessage
	functions map[string]*RemoteFunc
}

// Rehydrate builds a Configuration from a snapshot, installing a RemoteFunc
// at every function path. Containers missing along a path are created.
func Rehydrate(snapshot protocol.Snapshot, invoke Invoker) (*Configuration, error) {
	var root any
	if len(snapshot.Data) > 0 {
		if err := jsoncodec.Unmarshal(snapshot.Data, &root); err != nil {
			return nil, &errs.SerializationError{Err: err}
		}
	}

	cfg := &Configuration{
		data:      snapshot.Data,
		functions: make(map[string]*RemoteFunc, len(snapshot.FunctionPaths)),
	}
	for _, path := range snapshot.FunctionPaths {
		if path == "" {
			continue
		}
		fn := &RemoteFunc{path: path, invoke: invoke}
		root = setPath(root, strings.Split(path, "."), fn)
		cfg.functions[path] = fn
	}
	if root == nil {
		root = map[string]any{}
	}
	cfg.root = root
	return cfg, nil
}

// maxListGrowth bounds how far a function path may extend a list.
const maxListGrowth = 1024

// setPath stores value at path inside node and returns the possibly replaced
// node. Scalars standing where a container is needed are replaced by objects.
func setPath(node any, path []string, value any) any {
	if len(path) == 0 {
		return value
	}
	segment := path[0]
	switch n := node.(type) {
	case map[string]any:
		n[segment] = setPath(n[segment], path[1:], value)
		return n
	case []any:
		i, err := strconv.Atoi(segment)
		if err == nil && i >= 0 && i < len(n)+maxListGrowth {
			for len(n) <= i {
				n = append(n, nil)
			}
			n[i] = setPath(n[i], path[1:], value)
			return n
		}
	}
	return map[string]any{segment: setPath(nil, path[1:], value)}
}

// Raw returns the whole configuration tree. A nil Configuration has none.
func (c *Configuration) Raw() any {
	if c == nil {
		return nil
	}
	return c.root
}

// Data returns the snapshot JSON as received, without function stubs.
func (c *Configuration) Data() json.RawMessage {
	if c == nil {
		return nil
	}
	return c.data
}

// Decode unmarshals the snapshot JSON into v. Function fields stay zero.
func (c *Configuration) Decode(v any) error {
	if c == nil || len(c.data) == 0 {
		return nil
	}
	return jsoncodec.Unmarshal(c.data, v)
}

// FunctionPaths lists the paths holding remote functions, sorted.
func (c *Configuration) FunctionPaths() []string {
	if c == nil {
		return nil
	}
	paths := make([]string, 0, len(c.functions))
	for p := range c.functions {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Get returns the value at a dot-separated path.
func (c *Configuration) Get(path string) (any, bool) {
	if c == nil {
		return nil, false
	}
	if path == "" {
		return c.root, true
	}
	node := c.root
	for _, segment := range strings.Split(path, ".") {
		switch n := node.(type) {
		case map[string]any:
			next, ok := n[segment]
			if !ok {
				return nil, false
			}
			node = next
		case []any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}

// String returns the string at path, or "" when absent or not a string.
func (c *Configuration) String(path string) string {
	v, _ := c.Get(path)
	s, _ := v.(string)
	return s
}

// Func returns the remote function at path.
func (c *Configuration) Func(path string) (*RemoteFunc, bool) {
	v, ok := c.Get(path)
	if !ok {
		return nil, false
	}
	fn, ok := v.(*RemoteFunc)
	return fn, ok
}

// Call invokes the remote function at path. It fails locally with
// ErrConfigFunctionNotFound when path does not hold a function.
func (c *Configuration) Call(ctx context.Context, path string, args ...any) (json.RawMessage, error) {
	fn, ok := c.Func(path)
	if !ok {
		return nil, errs.ConfigFunctionNotFound(path)
	}
	return fn.Call(ctx, args...)
}
