package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/framebridge/internal/runtime/transport"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func collect(t *testing.T, w *Window) <-chan Event {
	t.Helper()
	events := make(chan Event, 8)
	stop, err := w.Listen(func(ev Event) { events <- ev })
	require.NoError(t, err)
	t.Cleanup(stop)
	return events
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPostMessageStampsOriginAndSource(t *testing.T) {
	bus := newTestBus(t)
	host, err := bus.Open("https://Shop.Example")
	require.NoError(t, err)
	guest, err := bus.Open("https://widget.example")
	require.NoError(t, err)
	events := collect(t, host)

	require.NoError(t, guest.PostMessage(context.Background(), host, "https://shop.example", []byte("hi")))

	ev := waitEvent(t, events)
	assert.Equal(t, "https://widget.example", ev.Origin)
	assert.Same(t, guest, ev.Source)
	assert.Equal(t, []byte("hi"), ev.Data)
	assert.Empty(t, ev.Ports)
	assert.Equal(t, "https://shop.example", host.Origin())
}

func TestPostMessageDropsOnTargetOriginMismatch(t *testing.T) {
	bus := newTestBus(t)
	host, _ := bus.Open("https://shop.example")
	guest, _ := bus.Open("https://widget.example")
	events := collect(t, guest)

	a, b, err := transport.NewPipe(nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, host.PostMessage(context.Background(), guest, "https://evil.example", []byte("secret"), a))

	select {
	case ev := <-events:
		t.Fatalf("unexpected delivery: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrPortClosed, "transferred port must be discarded")
}

func TestWildcardTargetAndPortTransfer(t *testing.T) {
	bus := newTestBus(t)
	host, _ := bus.Open("https://shop.example")
	guest, _ := bus.Open("https://widget.example")
	events := collect(t, guest)

	a, b, err := transport.NewPipe(nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, host.PostMessage(context.Background(), guest, WildcardOrigin, []byte("ack"), b))
	ev := waitEvent(t, events)
	require.Len(t, ev.Ports, 1)

	require.NoError(t, a.Send(context.Background(), []byte("over the pipe")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := ev.Ports[0].Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "over the pipe", string(got))
}

func TestListenStop(t *testing.T) {
	bus := newTestBus(t)
	host, _ := bus.Open("https://shop.example")
	guest, _ := bus.Open("https://widget.example")

	events := make(chan Event, 4)
	var stop func()
	stop, err := host.Listen(func(ev Event) {
		events <- ev
		stop()
	})
	require.NoError(t, err)

	require.NoError(t, guest.PostMessage(context.Background(), host, WildcardOrigin, []byte("one")))
	waitEvent(t, events)
	require.NoError(t, guest.PostMessage(context.Background(), host, WildcardOrigin, []byte("two")))

	select {
	case ev := <-events:
		t.Fatalf("listener should be stopped, got %q", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedWindows(t *testing.T) {
	bus := newTestBus(t)
	host, _ := bus.Open("https://shop.example")
	guest, _ := bus.Open("https://widget.example")

	assert.ErrorIs(t, guest.PostMessage(context.Background(), nil, WildcardOrigin, nil), ErrTargetRequired)

	guest.Close()
	_, ok := bus.Lookup(guest.ID())
	assert.False(t, ok)
	assert.ErrorIs(t, guest.PostMessage(context.Background(), host, WildcardOrigin, nil), ErrWindowClosed)
	assert.ErrorIs(t, host.PostMessage(context.Background(), guest, WildcardOrigin, nil), ErrWindowClosed)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	_, err := bus.Open("https://late.example")
	assert.ErrorIs(t, err, ErrBusClosed)
}
