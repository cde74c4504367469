package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/framebridge/internal/runtime/ids"
)

// NewMessage wraps payload in a Watermill message with a fresh ULID and a
// copy of md as headers.
func NewMessage(payload []byte, md Metadata) *message.Message {
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = make(message.Metadata, len(md))
	for k, v := range md {
		msg.Metadata[k] = v
	}
	return msg
}

// FromMessage copies the headers of msg. A nil message yields empty metadata.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil {
		return Metadata{}
	}
	return Metadata(msg.Metadata).Clone()
}
