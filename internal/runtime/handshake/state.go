// Package handshake bootstraps a private channel over the shared broadcast
// surface. The guest (initiator) sends a Hello carrying a fresh nonce to the
// host origin it was launched with; the host (responder) checks the sender,
// starts serving on a new pipe and answers with an Ack that transfers the
// guest's end of the pipe. Nothing but the nonce and the port ever travels
// over the broadcast surface.
package handshake

import (
	"errors"
	"sync/atomic"
)

// ErrAlreadyStarted is returned when a handshake object is reused.
var ErrAlreadyStarted = errors.New("framebridge: handshake already started")

// State is the position of a handshake in its state machine.
type State int32

const (
	Idle State = iota
	HelloSent
	Listening
	Validated
	AckSent
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HelloSent:
		return "hello_sent"
	case Listening:
		return "listening"
	case Validated:
		return "validated"
	case AckSent:
		return "ack_sent"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type stateMachine struct {
	v       atomic.Int32
	started atomic.Bool
}

func (m *stateMachine) load() State { return State(m.v.Load()) }

func (m *stateMachine) set(s State) { m.v.Store(int32(s)) }

// start claims the handshake for its single run.
func (m *stateMachine) start() bool { return m.started.CompareAndSwap(false, true) }
