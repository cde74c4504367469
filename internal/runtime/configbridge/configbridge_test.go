package configbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
)

func TestExtractFunctionPathsIsOrderIndependent(t *testing.T) {
	for i := 0; i < 20; i++ {
		cfg := map[string]any{
			"z": "last",
			"a": map[string]any{
				"c": map[string]any{"d": func() {}, "e": 1},
				"b": func() string { return "b" },
				"x": []any{1, "two"},
			},
			"m": 3.5,
		}
		assert.Equal(t, []string{"a.b", "a.c.d"}, ExtractFunctionPaths(cfg))
	}
}

func TestExtractFunctionPathsSkipsDottedKeys(t *testing.T) {
	cfg := map[string]any{
		"v1.auth": map[string]any{"getToken": func() {}},
		"auth":    map[string]any{"getToken": func() {}},
	}
	assert.Equal(t, []string{"auth.getToken"}, ExtractFunctionPaths(cfg))
}

type authConfig struct {
	GetToken func(id string) string `json:"getToken"`
	Realm    string                 `json:"realm"`
}

type embeddedHooks struct {
	OnReady func() `json:"onReady"`
}

type widgetConfig struct {
	embeddedHooks
	Auth     *authConfig    `json:"auth"`
	Handlers []func()       `json:"handlers"`
	Skip     func()         `json:"-"`
	Missing  func()         `json:"missing"`
	Extra    map[string]any `json:"extra,omitempty"`
	Callback func(int) int
	hidden   func()
}

func TestExtractFunctionPathsStructs(t *testing.T) {
	cfg := &widgetConfig{
		embeddedHooks: embeddedHooks{OnReady: func() {}},
		Auth:          &authConfig{GetToken: func(string) string { return "" }},
		Handlers:      []func(){nil, func() {}},
		Skip:          func() {},
		Callback:      func(i int) int { return i },
		hidden:        func() {},
	}
	assert.Equal(t, []string{"auth.getToken", "handlers.1", "Callback", "onReady"}, ExtractFunctionPaths(cfg))
	assert.Empty(t, ExtractFunctionPaths(nil))
	assert.Empty(t, ExtractFunctionPaths(42))
}

func TestExtractFunctionPathsSurvivesCycles(t *testing.T) {
	cyclic := map[string]any{"fn": func() {}}
	cyclic["self"] = cyclic
	assert.Equal(t, []string{"fn"}, ExtractFunctionPaths(cyclic))
}

type textID int

func (t textID) MarshalText() ([]byte, error) { return []byte(fmt.Sprintf("id-%d", int(t))), nil }

type badJSON struct{}

func (badJSON) MarshalJSON() ([]byte, error) { return nil, errors.New("nope") }

func TestCloneDropsFunctionsAndExoticValues(t *testing.T) {
	cyclic := map[string]any{"name": "loop"}
	cyclic["self"] = cyclic

	cfg := map[string]any{
		"fn":      func() {},
		"list":    []any{1, func() {}, "x"},
		"ch":      make(chan int),
		"nan":     math.NaN(),
		"inf":     math.Inf(1),
		"complex": complex(1, 2),
		"cycle":   cyclic,
		"when":    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		"id":      textID(7),
		"bad":     badJSON{},
		"bytes":   []byte("hi"),
		"ints":    map[int]string{2: "two"},
		"nested":  map[string]any{"ok": true, "fn": func() {}},
	}

	data, err := Clone(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"list": [1, null, "x"],
		"ch": null,
		"nan": null,
		"inf": null,
		"complex": null,
		"cycle": {"name": "loop", "self": null},
		"when": "2024-05-01T12:00:00Z",
		"id": "id-7",
		"bad": null,
		"bytes": "aGk=",
		"ints": {"2": "two"},
		"nested": {"ok": true}
	}`, string(data))
}

func TestCloneStructs(t *testing.T) {
	data, err := Clone(widgetConfig{
		embeddedHooks: embeddedHooks{OnReady: func() {}},
		Auth:          &authConfig{GetToken: func(string) string { return "" }, Realm: "shop"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"auth":{"realm":"shop"},"handlers":null}`, string(data))
}

func TestCloneFailsForWholeValue(t *testing.T) {
	_, err := Clone(func() {})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrSerialization)

	var serr *errs.SerializationError
	assert.ErrorAs(t, err, &serr)

	data, err := Clone(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestTakeSnapshot(t *testing.T) {
	snap, err := TakeSnapshot(map[string]any{
		"auth":  map[string]any{"getToken": func(id string) string { return "tok-" + id }},
		"theme": "dark",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"auth":{},"theme":"dark"}`, string(snap.Data))
	assert.Equal(t, []string{"auth.getToken"}, snap.FunctionPaths)

	snap, err = TakeSnapshot(map[string]any{})
	require.NoError(t, err)
	assert.NotNil(t, snap.FunctionPaths)
}

func rawArgs(t *testing.T, args ...any) []json.RawMessage {
	t.Helper()
	out, err := jsoncodec.MarshalArgs(args...)
	require.NoError(t, err)
	return out
}

func TestInvokePath(t *testing.T) {
	type ctxKey struct{}
	cfg := map[string]any{
		"auth": map[string]any{
			"getToken": func(id string) string { return "tok-" + id },
		},
		"withCtx": func(ctx context.Context, n int) (int, error) {
			if ctx.Value(ctxKey{}) != "yes" {
				return 0, errors.New("context not passed")
			}
			return n * 2, nil
		},
		"fails": func() error { return errors.New("refused") },
		"sum": func(base float64, rest ...float64) float64 {
			for _, r := range rest {
				base += r
			}
			return base
		},
		"nothing": func() {},
		"explode": func() { panic("boom") },
		"list":    []any{func() string { return "first" }},
		"value":   "not a function",
		"nilFn":   (func())(nil),
	}
	ctx := context.WithValue(context.Background(), ctxKey{}, "yes")

	out, err := InvokePath(ctx, cfg, "auth.getToken", rawArgs(t, "42"))
	require.NoError(t, err)
	assert.Equal(t, "tok-42", out)

	out, err = InvokePath(ctx, cfg, "withCtx", rawArgs(t, 21))
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	_, err = InvokePath(ctx, cfg, "fails", nil)
	assert.EqualError(t, err, "refused")

	out, err = InvokePath(ctx, cfg, "sum", rawArgs(t, 1, 2, 3.5))
	require.NoError(t, err)
	assert.Equal(t, 6.5, out)

	out, err = InvokePath(ctx, cfg, "nothing", rawArgs(t, "ignored"))
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = InvokePath(ctx, cfg, "list.0", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	_, err = InvokePath(ctx, cfg, "explode", nil)
	assert.ErrorContains(t, err, "boom")

	_, err = InvokePath(ctx, cfg, "withCtx", rawArgs(t, "NaN"))
	assert.ErrorIs(t, err, errs.ErrInvalidArguments)

	for _, path := range []string{"value", "nilFn", "auth.missing", "auth.getToken.x", "list.3", "", "auth"} {
		_, err = InvokePath(ctx, cfg, path, nil)
		assert.ErrorIs(t, err, errs.ErrConfigFunctionNotFound, path)
	}
}

func TestInvokePathOnStructs(t *testing.T) {
	cfg := &widgetConfig{Auth: &authConfig{GetToken: func(id string) string { return "tok-" + id }}}
	out, err := InvokePath(context.Background(), cfg, "auth.getToken", rawArgs(t, "7"))
	require.NoError(t, err)
	assert.Equal(t, "tok-7", out)

	_, err = InvokePath(context.Background(), cfg, "hidden", nil)
	assert.ErrorIs(t, err, errs.ErrConfigFunctionNotFound)
}

// loopbackInvoker forwards calls straight to the host configuration the way
// the built-in invoke handler would, counting dispatches.
func loopbackInvoker(t *testing.T, host any, dispatched *atomic.Int32) Invoker {
	return func(ctx context.Context, path string, args ...any) (json.RawMessage, error) {
		dispatched.Add(1)
		out, err := InvokePath(ctx, host, path, rawArgs(t, args...))
		if err != nil {
			return nil, err
		}
		return jsoncodec.MarshalValue(out)
	}
}

func TestRehydrateRoundTrip(t *testing.T) {
	var seen []any
	host := map[string]any{
		"auth": map[string]any{
			"getToken": func(id string) string { return "tok-" + id },
		},
		"a": map[string]any{
			"b": func(s string, n float64, flag bool, obj map[string]any) []any {
				seen = []any{s, n, flag, obj}
				return seen
			},
		},
		"theme": "dark",
	}
	snap, err := TakeSnapshot(host)
	require.NoError(t, err)

	var dispatched atomic.Int32
	cfg, err := Rehydrate(snap, loopbackInvoker(t, host, &dispatched))
	require.NoError(t, err)

	assert.Equal(t, "dark", cfg.String("theme"))
	assert.Equal(t, []string{"a.b", "auth.getToken"}, cfg.FunctionPaths())

	getToken, ok := cfg.Func("auth.getToken")
	require.True(t, ok)
	token, err := CallAs[string](context.Background(), getToken, "42")
	require.NoError(t, err)
	assert.Equal(t, "tok-42", token)

	_, err = cfg.Call(context.Background(), "a.b", "x", 2, true, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", 2.0, true, map[string]any{"k": "v"}}, seen)
	assert.Equal(t, int32(2), dispatched.Load())

	_, err = cfg.Call(context.Background(), "theme")
	assert.ErrorIs(t, err, errs.ErrConfigFunctionNotFound)
	assert.Equal(t, int32(2), dispatched.Load(), "local lookup failures never reach the host")
}

func TestRehydrateCreatesMissingContainers(t *testing.T) {
	snap := snapshotOf(t, `{"auth":"legacy","list":[{"x":1}]}`, "auth.getToken", "deep.er.fn", "list.0.cb", "list.5.cb")
	cfg, err := Rehydrate(snap, func(ctx context.Context, path string, args ...any) (json.RawMessage, error) {
		return json.RawMessage(`"` + path + `"`), nil
	})
	require.NoError(t, err)

	for _, path := range []string{"auth.getToken", "deep.er.fn", "list.0.cb", "list.5.cb"} {
		fn, ok := cfg.Func(path)
		require.True(t, ok, path)
		assert.Equal(t, path, fn.Path())
	}
	x, ok := cfg.Get("list.0.x")
	require.True(t, ok)
	assert.Equal(t, 1.0, x)

	var decoded struct {
		List []map[string]int `json:"list"`
	}
	require.NoError(t, cfg.Decode(&decoded))
	assert.Equal(t, 1, decoded.List[0]["x"])

	data, err := json.Marshal(cfg.Raw())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"getToken":null`)
}

func TestRehydrateEmptySnapshot(t *testing.T) {
	cfg, err := Rehydrate(snapshotOf(t, "null"), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, cfg.Raw())
	_, ok := cfg.Get("anything")
	assert.False(t, ok)

	_, err = Rehydrate(snapshotOf(t, `{"broken":`), nil)
	assert.ErrorIs(t, err, errs.ErrSerialization)
}

func TestNilConfigurationIsEmpty(t *testing.T) {
	var cfg *Configuration
	assert.Nil(t, cfg.Raw())
	assert.Nil(t, cfg.Data())
	assert.Empty(t, cfg.FunctionPaths())
	assert.Empty(t, cfg.String("auth.realm"))
	_, ok := cfg.Func("auth.getToken")
	assert.False(t, ok)

	var out map[string]any
	require.NoError(t, cfg.Decode(&out))
	assert.Nil(t, out)

	_, err := cfg.Call(context.Background(), "auth.getToken")
	assert.ErrorIs(t, err, errs.ErrConfigFunctionNotFound)
}
