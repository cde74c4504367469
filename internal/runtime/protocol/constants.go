// Package protocol holds the wire contract shared by hosts and guests. Two
// builds interoperate only when every value in this file matches; treat any
// change as a protocol version bump.
package protocol

import "time"

// ProtocolVersion is advertised in Hello and Ack. Peers accept each other
// when the major component matches.
const ProtocolVersion = "1.0.0"

const (
	DefaultCallTimeout      = 15000 * time.Millisecond
	DefaultHandshakeTimeout = 10000 * time.Millisecond
)

// Tags distinguishing handshake traffic from unrelated broadcast messages.
const (
	HelloTag = "framebridge:hello"
	AckTag   = "framebridge:ack"
)

const (
	KindCall     = "call"
	KindResponse = "response"
)

// Built-in methods present in every registry.
const (
	MethodGetConfig            = "__getConfig"
	MethodInvokeConfigFunction = "__invokeConfigFunction"
	MethodCapabilities         = "__capabilities"
)

// DefaultConnectionID is used when a host connects a frame without naming it.
const DefaultConnectionID = "default"

// BuiltinMethods lists the protocol-internal methods in registry order.
func BuiltinMethods() []string {
	return []string{MethodCapabilities, MethodGetConfig, MethodInvokeConfigFunction}
}

// IsBuiltin reports whether method is reserved by the protocol.
func IsBuiltin(method string) bool {
	switch method {
	case MethodGetConfig, MethodInvokeConfigFunction, MethodCapabilities:
		return true
	}
	return false
}
