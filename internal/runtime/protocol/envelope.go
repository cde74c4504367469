package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
	"github.com/drblury/framebridge/internal/runtime/metadata"
)

// Call asks the peer to run Method with Args. ID is unique per channel.
type Call struct {
	Kind   string            `json:"kind"`
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
	Meta   metadata.Metadata `json:"meta,omitempty"`
}

// Response settles the Call with the same ID. Error is set only when OK is false.
type Response struct {
	Kind   string          `json:"kind"`
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// Hello opens a handshake. It travels over the broadcast surface.
type Hello struct {
	Type            string `json:"type"`
	Nonce           string `json:"nonce"`
	ProtocolVersion string `json:"protocolVersion"`
	CallerVersion   string `json:"callerVersion"`
}

// Ack answers a Hello. The private port travels next to it, not inside it.
type Ack struct {
	Type             string   `json:"type"`
	Nonce            string   `json:"nonce"`
	ProtocolVersion  string   `json:"protocolVersion"`
	ResponderVersion string   `json:"responderVersion"`
	Methods          []string `json:"methods"`
}

// CapabilitiesInfo is the result of the built-in capability query.
type CapabilitiesInfo struct {
	ProtocolVersion  string   `json:"protocolVersion"`
	ResponderVersion string   `json:"responderVersion"`
	Methods          []string `json:"methods"`
}

// Snapshot is the serialisable copy of a configuration plus the dot paths
// where callable values were elided.
type Snapshot struct {
	Data          json.RawMessage `json:"data"`
	FunctionPaths []string        `json:"functionPaths"`
}

type envelopeHeader struct {
	Kind string `json:"kind"`
	Type string `json:"type"`
}

// DecodeEnvelope parses a private-channel frame into *Call or *Response.
func DecodeEnvelope(data []byte) (any, error) {
	var head envelopeHeader
	if err := jsoncodec.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch head.Kind {
	case KindCall:
		var call Call
		if err := jsoncodec.Unmarshal(data, &call); err != nil {
			return nil, fmt.Errorf("decode call: %w", err)
		}
		return &call, nil
	case KindResponse:
		var resp Response
		if err := jsoncodec.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &resp, nil
	default:
		return nil, fmt.Errorf("decode envelope: unknown kind %q", head.Kind)
	}
}

// NewHello builds a Hello for the current protocol version.
func NewHello(nonce, callerVersion string) Hello {
	return Hello{Type: HelloTag, Nonce: nonce, ProtocolVersion: ProtocolVersion, CallerVersion: callerVersion}
}

// NewAck builds an Ack echoing nonce.
func NewAck(nonce, responderVersion string, methods []string) Ack {
	return Ack{Type: AckTag, Nonce: nonce, ProtocolVersion: ProtocolVersion, ResponderVersion: responderVersion, Methods: methods}
}

// IsHello reports whether data is a JSON object tagged as a Hello, without
// checking the rest of it. Untagged traffic is not handshake traffic.
func IsHello(data []byte) bool {
	var tagged struct {
		Type string `json:"type"`
	}
	return jsoncodec.Unmarshal(data, &tagged) == nil && tagged.Type == HelloTag
}

// ParseHello returns the Hello in data when it is well-formed, tagged as a
// Hello, carries a nonce and speaks a compatible protocol version.
func ParseHello(data []byte) (Hello, bool) {
	var hello Hello
	if err := jsoncodec.Unmarshal(data, &hello); err != nil {
		return Hello{}, false
	}
	if hello.Type != HelloTag || hello.Nonce == "" || !CompatibleVersion(hello.ProtocolVersion) {
		return Hello{}, false
	}
	return hello, true
}

// ParseAck is the Ack counterpart of ParseHello.
func ParseAck(data []byte) (Ack, bool) {
	var ack Ack
	if err := jsoncodec.Unmarshal(data, &ack); err != nil {
		return Ack{}, false
	}
	if ack.Type != AckTag || ack.Nonce == "" || !CompatibleVersion(ack.ProtocolVersion) {
		return Ack{}, false
	}
	return ack, true
}

// CompatibleVersion reports whether v shares ProtocolVersion's major number.
func CompatibleVersion(v string) bool {
	return majorOf(v) != "" && majorOf(v) == majorOf(ProtocolVersion)
}

func majorOf(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	major, _, _ := strings.Cut(v, ".")
	return major
}
