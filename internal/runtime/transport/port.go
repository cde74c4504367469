package transport

import (
	"context"
	"errors"
)

// ErrPortClosed is returned by Send and Receive once either end of a port
// has been closed.
var ErrPortClosed = errors.New("framebridge: port closed")

// Port is one end of a private, ordered, reliable two-party channel. A port
// is obtained from a pipe or a tunnel and is never exposed on the broadcast
// surface except as a transferred handle. Implementations must be safe for
// one concurrent sender and one concurrent receiver.
type Port interface {
	// Send queues data for the other end. It blocks only while the outbound
	// queue is full.
	Send(ctx context.Context, data []byte) error

	// Receive returns the next message from the other end, or ErrPortClosed.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes both ends. It is safe to call more than once.
	Close() error
}
