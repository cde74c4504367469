package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/drblury/framebridge/internal/runtime/errors"
)

func TestRegistryIsImmutable(t *testing.T) {
	handlers := Handlers{
		"ping":  func(context.Context, Args) (any, error) { return "pong", nil },
		"empty": nil,
	}
	reg := NewRegistry(handlers)
	handlers["late"] = func(context.Context, Args) (any, error) { return nil, nil }

	assert.Equal(t, []string{"ping"}, reg.Methods())
	assert.False(t, reg.Has("late"))
	assert.False(t, reg.Has("empty"))

	methods := reg.Methods()
	methods[0] = "mutated"
	assert.Equal(t, []string{"ping"}, reg.Methods())
}

func TestRegistryWithOverrides(t *testing.T) {
	base := NewRegistry(Handlers{
		"ping":        func(context.Context, Args) (any, error) { return "base", nil },
		"__getConfig": func(context.Context, Args) (any, error) { return "user", nil },
	})
	merged := base.With(Handlers{
		"__getConfig": func(context.Context, Args) (any, error) { return "builtin", nil },
	})

	assert.Equal(t, []string{"__getConfig", "ping"}, merged.Methods())
	h, ok := merged.Lookup("__getConfig")
	require.True(t, ok)
	out, err := h(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "builtin", out)

	h, _ = base.Lookup("__getConfig")
	out, _ = h(context.Background(), nil)
	assert.Equal(t, "user", out, "With must not modify the receiver")

	var nilReg *Registry
	assert.Nil(t, nilReg.Methods())
	assert.False(t, nilReg.Has("ping"))
}

func TestArgs(t *testing.T) {
	args := Args{json.RawMessage(`"42"`), json.RawMessage(`{"n":1}`)}

	s, err := args.String(0)
	require.NoError(t, err)
	assert.Equal(t, "42", s)

	obj, err := Arg[map[string]int](args, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, obj["n"])

	assert.Equal(t, "null", string(args.Raw(5)))
	missing, err := Arg[string](args, 5)
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = Arg[int](args, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidArguments)
	assert.Equal(t, 2, args.Len())
}

func TestCapabilities(t *testing.T) {
	caps := NewCapabilities([]string{"trackEvent", "ping", "ping", ""})
	assert.True(t, caps.Supports("ping"))
	assert.False(t, caps.Supports("doStuff"))
	assert.False(t, caps.Supports(""))
	assert.Equal(t, []string{"ping", "trackEvent"}, caps.Methods())
	assert.Equal(t, 2, caps.Len())

	var zero Capabilities
	assert.False(t, zero.Supports("ping"))
	assert.Empty(t, zero.Methods())
}

func TestHooksMerge(t *testing.T) {
	var order []string
	a := CallHooks{OnCallDone: func(CallContext) { order = append(order, "a") }}
	b := CallHooks{
		OnCallDone:  func(CallContext) { order = append(order, "b") },
		OnCallError: func(CallContext, error) { order = append(order, "b-err") },
	}

	merged := a.Merge(b)
	merged.finish(CallContext{StartedAt: time.Now()}, nil)
	merged.finish(CallContext{StartedAt: time.Now()}, assert.AnError)
	merged.start(CallContext{})

	assert.Equal(t, []string{"a", "b", "b-err"}, order)
}

func TestMetricsHooks(t *testing.T) {
	var outcomes []string
	hooks := MetricsHooks(nil, func(direction Direction, method, outcome string, d time.Duration) {
		outcomes = append(outcomes, string(direction)+"/"+method+"/"+outcome)
	})
	hooks.start(CallContext{Direction: Outgoing, Method: "ping"})
	hooks.finish(CallContext{Direction: Outgoing, Method: "ping", StartedAt: time.Now()}, nil)
	hooks.finish(CallContext{Direction: Incoming, Method: "x", StartedAt: time.Now()}, assert.AnError)
	assert.Equal(t, []string{"outgoing/ping/ok", "incoming/x/error"}, outcomes)
}
