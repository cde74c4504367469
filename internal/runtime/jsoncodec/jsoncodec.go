package jsoncodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// null is the canonical encoding of a missing or elided value.
var null = json.RawMessage("null")

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// MarshalValue encodes v as a raw JSON value. A nil v encodes as null.
// Pre-encoded json.RawMessage values must be well-formed.
func MarshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return null, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return null, nil
		}
		if !Valid(raw) {
			return nil, errors.New("invalid raw JSON value")
		}
		return raw, nil
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// MarshalArgs encodes each positional argument independently so the callee
// can decode them into its own parameter types.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := MarshalValue(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

// DecodeValue decodes raw into a value of type T. Empty input decodes as null.
func DecodeValue[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		raw = null
	}
	err := Unmarshal(raw, &out)
	return out, err
}
