package transport

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/framebridge/internal/runtime/ids"
	"github.com/drblury/framebridge/internal/runtime/logging"
)

const (
	topicAtoB = "pipe.a2b"
	topicBtoA = "pipe.b2a"

	pipeOutboxSize = 64
)

// PipeFactory creates the private pub/sub that backs a pipe. Publishing must
// block until the subscriber acks so that messages stay ordered.
var PipeFactory = func(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, logger)
}

type pipeShared struct {
	pubsub    *gochannel.GoChannel
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func (s *pipeShared) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

type pipeEnd struct {
	shared    *pipeShared
	sendTopic string
	inbound   <-chan *message.Message
	outbox    chan []byte
}

// NewPipe returns the two entangled ends of a fresh private channel. Each pipe
// owns its own in-memory pub/sub instance, so nothing outside the two ends can
// observe or inject traffic. Closing either end closes both.
func NewPipe(log logging.ServiceLogger) (Port, Port, error) {
	if log == nil {
		log = logging.NewNopServiceLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	shared := &pipeShared{
		pubsub: PipeFactory(logging.NewWatermillAdapter(log.With(logging.LogFields{"pipe": ids.CreateULID()}))),
		closed: make(chan struct{}),
		cancel: cancel,
	}

	// Subscriptions are created eagerly so nothing published before the first
	// Receive is lost.
	toA, err := shared.pubsub.Subscribe(ctx, topicBtoA)
	if err != nil {
		_ = shared.close()
		return nil, nil, err
	}
	toB, err := shared.pubsub.Subscribe(ctx, topicAtoB)
	if err != nil {
		_ = shared.close()
		return nil, nil, err
	}

	a := newPipeEnd(shared, topicAtoB, toA)
	b := newPipeEnd(shared, topicBtoA, toB)
	return a, b, nil
}

func newPipeEnd(shared *pipeShared, sendTopic string, inbound <-chan *message.Message) *pipeEnd {
	end := &pipeEnd{
		shared:    shared,
		sendTopic: sendTopic,
		inbound:   inbound,
		outbox:    make(chan []byte, pipeOutboxSize),
	}
	go end.pump()
	return end
}

// pump publishes queued messages one at a time, preserving send order.
func (p *pipeEnd) pump() {
	for {
		select {
		case <-p.shared.closed:
			return
		case data := <-p.outbox:
			msg := message.NewMessage(ids.CreateULID(), data)
			if err := p.shared.pubsub.Publish(p.sendTopic, msg); err != nil {
				return
			}
		}
	}
}

func (p *pipeEnd) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.shared.closed:
		return ErrPortClosed
	default:
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case p.outbox <- buf:
		return nil
	case <-p.shared.closed:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-p.inbound:
		if !ok {
			return nil, ErrPortClosed
		}
		msg.Ack()
		return msg.Payload, nil
	case <-p.shared.closed:
		return nil, ErrPortClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	return p.shared.close()
}
