package configbridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/rpc"
)

func TestBuiltinHandlers(t *testing.T) {
	live := map[string]any{
		"auth": map[string]any{"getToken": func(id string) string { return "tok-" + id }},
	}
	handlers := Handlers(live)
	require.Contains(t, handlers, protocol.MethodGetConfig)
	require.Contains(t, handlers, protocol.MethodInvokeConfigFunction)

	out, err := handlers[protocol.MethodGetConfig](context.Background(), nil)
	require.NoError(t, err)
	snap, ok := out.(protocol.Snapshot)
	require.True(t, ok)
	assert.Equal(t, []string{"auth.getToken"}, snap.FunctionPaths)

	// Functions are looked up at call time, so replacing one is visible.
	live["auth"].(map[string]any)["getToken"] = func(id string) string { return "new-" + id }
	out, err = handlers[protocol.MethodInvokeConfigFunction](context.Background(), rpc.Args(rawArgs(t, "auth.getToken", "42")))
	require.NoError(t, err)
	assert.Equal(t, "new-42", out)

	_, err = handlers[protocol.MethodInvokeConfigFunction](context.Background(), rpc.Args(rawArgs(t, "auth.nope")))
	assert.ErrorIs(t, err, errs.ErrConfigFunctionNotFound)

	_, err = handlers[protocol.MethodInvokeConfigFunction](context.Background(), rpc.Args(rawArgs(t, 12)))
	assert.ErrorIs(t, err, errs.ErrInvalidArguments)

	_, err = Handlers(func() {})[protocol.MethodGetConfig](context.Background(), nil)
	assert.ErrorIs(t, err, errs.ErrSerialization)
}
