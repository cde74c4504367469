package configbridge

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
)

const maxCloneDepth = 128

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// Clone serialises v to JSON, tolerating values JSON cannot represent.
// Functions are dropped from objects and become null inside arrays, like a
// JSON round trip in a browser. Channels, complex numbers, unsafe pointers,
// non-finite floats, cycles and values nested deeper than the clone limit
// become null. Clone only fails when v as a whole cannot be represented, in
// which case the error is a *SerializationError.
func Clone(v any) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, &errs.SerializationError{Err: fmt.Errorf("panic while cloning: %v", r)}
		}
	}()

	root := indirect(reflect.ValueOf(v))
	if root.IsValid() && root.Kind() == reflect.Func {
		return nil, &errs.SerializationError{Err: errors.New("configuration is a function")}
	}

	c := &cloner{onStack: map[visit]bool{}}
	tree, _ := c.clone(reflect.ValueOf(v), 0)
	out, err := jsoncodec.Marshal(tree)
	if err != nil {
		return nil, &errs.SerializationError{Err: err}
	}
	return json.RawMessage(out), nil
}

type cloner struct {
	onStack map[visit]bool
}

// clone converts v into a tree of JSON-safe values. keep is false when v must
// be left out of its enclosing object.
func (c *cloner) clone(v reflect.Value, depth int) (out any, keep bool) {
	if !v.IsValid() {
		return nil, true
	}
	if depth > maxCloneDepth {
		return nil, true
	}

	if raw, ok := marshalOwn(v); ok {
		return raw, true
	}

	switch v.Kind() {
	case reflect.Func:
		return nil, false
	case reflect.Interface:
		if v.IsNil() {
			return nil, true
		}
		return c.clone(v.Elem(), depth)
	case reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if c.onStack[key] {
			return nil, true
		}
		c.onStack[key] = true
		defer delete(c.onStack, key)
		return c.clone(v.Elem(), depth+1)
	case reflect.Bool:
		return v.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, true
		}
		return f, true
	case reflect.String:
		return v.String(), true
	case reflect.Map:
		return c.cloneMap(v, depth), true
	case reflect.Struct:
		return c.cloneStruct(v, depth), true
	case reflect.Slice:
		if v.IsNil() {
			return nil, true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(buf), v)
			return buf, true
		}
		if v.Len() > 0 {
			key := visit{ptr: v.Pointer(), typ: v.Type()}
			if c.onStack[key] {
				return nil, true
			}
			c.onStack[key] = true
			defer delete(c.onStack, key)
		}
		return c.cloneList(v, depth), true
	case reflect.Array:
		return c.cloneList(v, depth), true
	default:
		// Chan, Complex64, Complex128, UnsafePointer.
		return nil, true
	}
}

func (c *cloner) cloneMap(v reflect.Value, depth int) any {
	if v.IsNil() {
		return nil
	}
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if c.onStack[key] {
		return nil
	}
	c.onStack[key] = true
	defer delete(c.onStack, key)

	keys, ok := sortedMapKeys(v)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if val, keep := c.clone(v.MapIndex(k.value), depth+1); keep {
			out[k.name] = val
		}
	}
	return out
}

func (c *cloner) cloneStruct(v reflect.Value, depth int) any {
	fields := structFields(v.Type())
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		fv, ok := fieldValue(v, f.index)
		if !ok {
			continue
		}
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		if val, keep := c.clone(fv, depth+1); keep {
			out[f.name] = val
		}
	}
	return out
}

func (c *cloner) cloneList(v reflect.Value, depth int) []any {
	out := make([]any, v.Len())
	for i := range out {
		val, keep := c.clone(v.Index(i), depth+1)
		if keep {
			out[i] = val
		}
	}
	return out
}

// marshalOwn honours json.Marshaler and encoding.TextMarshaler. Values whose
// own marshalling fails become null.
func marshalOwn(v reflect.Value) (any, bool) {
	if !v.CanInterface() {
		return nil, false
	}
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
		return nil, false
	}
	t := v.Type()
	switch {
	case t.Implements(jsonMarshalerType):
		data, err := safeMarshalJSON(v.Interface().(json.Marshaler))
		if err != nil || !jsoncodec.Valid(data) {
			return nil, true
		}
		return json.RawMessage(data), true
	case t.Implements(textMarshalerType):
		text, err := safeMarshalText(v.Interface().(encoding.TextMarshaler))
		if err != nil {
			return nil, true
		}
		return string(text), true
	}
	return nil, false
}

func safeMarshalJSON(m json.Marshaler) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("MarshalJSON panicked: %v", r)
		}
	}()
	return m.MarshalJSON()
}

func safeMarshalText(m encoding.TextMarshaler) (text []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("MarshalText panicked: %v", r)
		}
	}()
	return m.MarshalText()
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}
