package configbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Resolve follows a dot-separated path through cfg and returns the function
// found there. Anything other than a non-nil function yields an error
// matching ErrConfigFunctionNotFound.
func Resolve(cfg any, path string) (reflect.Value, error) {
	if path == "" {
		return reflect.Value{}, errs.ConfigFunctionNotFound(path)
	}
	v := reflect.ValueOf(cfg)
	for _, segment := range strings.Split(path, ".") {
		v = indirect(v)
		if !v.IsValid() {
			return reflect.Value{}, errs.ConfigFunctionNotFound(path)
		}
		next, ok := child(v, segment)
		if !ok {
			return reflect.Value{}, errs.ConfigFunctionNotFound(path)
		}
		v = next
	}
	v = indirect(v)
	if !isCallable(v) {
		return reflect.Value{}, errs.ConfigFunctionNotFound(path)
	}
	return v, nil
}

func child(v reflect.Value, segment string) (reflect.Value, bool) {
	switch v.Kind() {
	case reflect.Map:
		key, err := keyFor(v, segment)
		if err != nil {
			return reflect.Value{}, false
		}
		val := v.MapIndex(key)
		return val, val.IsValid()
	case reflect.Struct:
		for _, f := range structFields(v.Type()) {
			if f.name == segment {
				return fieldValue(v, f.index)
			}
		}
		return reflect.Value{}, false
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(segment)
		if err != nil || i < 0 || i >= v.Len() {
			return reflect.Value{}, false
		}
		return v.Index(i), true
	default:
		return reflect.Value{}, false
	}
}

// InvokePath resolves path against the live cfg and calls the function found
// there with args decoded into its parameter types. A leading
// context.Context parameter receives ctx. Missing arguments are passed as
// zero values and surplus arguments are ignored unless the function is
// variadic. Supported result shapes are (), (T), (error) and (T, error).
func InvokePath(ctx context.Context, cfg any, path string, args []json.RawMessage) (any, error) {
	fn, err := Resolve(cfg, path)
	if err != nil {
		return nil, err
	}
	in, err := buildArgs(ctx, fn.Type(), args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return call(fn, path, in)
}

func buildArgs(ctx context.Context, ft reflect.Type, args []json.RawMessage) ([]reflect.Value, error) {
	var in []reflect.Value
	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		in = append(in, reflect.ValueOf(&ctx).Elem())
		first = 1
	}

	fixed := ft.NumIn() - first
	if ft.IsVariadic() {
		fixed--
	}
	for i := 0; i < fixed; i++ {
		val, err := decodeArg(args, i, ft.In(first+i))
		if err != nil {
			return nil, err
		}
		in = append(in, val)
	}
	if ft.IsVariadic() {
		elem := ft.In(ft.NumIn() - 1).Elem()
		for i := fixed; i < len(args); i++ {
			val, err := decodeArg(args, i, elem)
			if err != nil {
				return nil, err
			}
			in = append(in, val)
		}
	}
	return in, nil
}

func decodeArg(args []json.RawMessage, i int, t reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(t)
	if i >= len(args) || len(args[i]) == 0 {
		return ptr.Elem(), nil
	}
	if err := jsoncodec.Unmarshal(args[i], ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: argument %d: %v", errs.ErrInvalidArguments, i, err)
	}
	return ptr.Elem(), nil
}

func call(fn reflect.Value, path string, in []reflect.Value) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("configuration function %s panicked: %v", path, r)
		}
	}()

	out := fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if fn.Type().Out(0) == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		if fn.Type().Out(len(out)-1) == errorType {
			if err := asError(last); err != nil {
				return nil, err
			}
		}
		return out[0].Interface(), nil
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
