package websocket

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame types carried over a tunnel.
const (
	// FramePost is a window message. Ports lists the ids of ports
	// transferred with it.
	FramePost = "post"
	// FramePortMessage carries one message for the tunnelled port Port.
	FramePortMessage = "port_msg"
	// FramePortClose tells the other side that port Port is gone.
	FramePortClose = "port_close"
)

// ErrFrameTooLarge is returned when an encoded frame exceeds the tunnel limit.
var ErrFrameTooLarge = errors.New("framebridge: tunnel frame too large")

// Frame is the unit written to the websocket, msgpack encoded.
type Frame struct {
	Type  string   `msgpack:"t"`
	Port  string   `msgpack:"p,omitempty"`
	Data  []byte   `msgpack:"d,omitempty"`
	Ports []string `msgpack:"ps,omitempty"`
}

func encodeFrame(f Frame, limit int64) ([]byte, error) {
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encode tunnel frame: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(data), limit)
	}
	return data, nil
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode tunnel frame: %w", err)
	}
	switch f.Type {
	case FramePost:
	case FramePortMessage, FramePortClose:
		if f.Port == "" {
			return Frame{}, fmt.Errorf("decode tunnel frame: %s without port id", f.Type)
		}
	default:
		return Frame{}, fmt.Errorf("decode tunnel frame: unknown type %q", f.Type)
	}
	return f, nil
}
