package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/protocol"
)

const (
	metaCorrelationID = "correlation_id"
	metaReplyTo       = "reply_to"
	metaFrom          = "from"
	metaKind          = "kind"

	kindAck         = "ack"
	kindResponse    = "response"
	kindUndelivered = "undelivered"

	defaultAckTimeout = 500 * time.Millisecond
)

// WatermillBus carries envelopes over a watermill Publisher/Subscriber pair, so contexts can
// live in different processes (Redis Streams) or share one process (gochannel).
//
// A receiver acknowledges a request as soon as it picks it up. A sender that sees no
// acknowledgement within AckTimeout reports ErrNoListener; there is no queue to wait in.
type WatermillBus struct {
	id         string
	publisher  message.Publisher
	subscriber message.Subscriber
	ackTimeout time.Duration

	mu       sync.Mutex
	pending  map[string]chan *message.Message
	local    map[Endpoint]context.CancelFunc
	cancel   context.CancelFunc
	running  bool
	inflight sync.WaitGroup
}

var _ Bus = &WatermillBus{}

type WatermillOption func(*WatermillBus)

// WithAckTimeout sets how long Send waits for a receiver to pick up a request.
func WithAckTimeout(d time.Duration) WatermillOption {
	return func(b *WatermillBus) {
		if d > 0 {
			b.ackTimeout = d
		}
	}
}

// NewWatermillBus subscribes to this instance's reply topic and returns a ready bus.
func NewWatermillBus(ctx context.Context, pub message.Publisher, sub message.Subscriber, opts ...WatermillOption) (*WatermillBus, error) {
	if pub == nil || sub == nil {
		return nil, errors.New("watermill bus: publisher and subscriber are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b := &WatermillBus{
		id:         uuid.NewString(),
		publisher:  pub,
		subscriber: sub,
		ackTimeout: defaultAckTimeout,
		pending:    map[string]chan *message.Message{},
		local:      map[Endpoint]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(b)
	}

	runCtx, cancel := context.WithCancel(ctx)
	replies, err := sub.Subscribe(runCtx, b.replyTopic())
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "watermill bus: subscribe replies")
	}
	b.cancel = cancel
	b.running = true
	go b.consumeReplies(replies)
	return b, nil
}

func requestTopic(ep Endpoint) string { return "tubechat.request." + ep.String() }

func (b *WatermillBus) replyTopic() string { return "tubechat.reply." + b.id }

func (b *WatermillBus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *WatermillBus) Register(ep Endpoint, h Handler) (func(), error) {
	if h == nil {
		return nil, ErrNoListener
	}
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := b.local[ep]; ok {
		b.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	epCtx, cancel := context.WithCancel(context.Background())
	b.local[ep] = cancel
	b.mu.Unlock()

	ch, err := b.subscriber.Subscribe(epCtx, requestTopic(ep))
	if err != nil {
		cancel()
		b.mu.Lock()
		delete(b.local, ep)
		b.mu.Unlock()
		return nil, errors.Wrapf(err, "watermill bus: subscribe %s", ep)
	}
	go b.consumeRequests(epCtx, ep, h, ch)
	log.Debug().Str("component", "bus").Str("endpoint", ep.String()).Str("bus_id", b.id).Msg("watermill endpoint registered")

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.local, ep)
			b.mu.Unlock()
			cancel()
		})
	}, nil
}

func (b *WatermillBus) Send(ctx context.Context, from, to Endpoint, env protocol.Envelope) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "watermill bus: encode envelope")
	}

	corrID := uuid.NewString()
	replies := make(chan *message.Message, 2)
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending[corrID] = replies
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, corrID)
		b.mu.Unlock()
	}()

	msg := message.NewMessage(corrID, payload)
	msg.Metadata.Set(metaCorrelationID, corrID)
	msg.Metadata.Set(metaReplyTo, b.replyTopic())
	msg.Metadata.Set(metaFrom, from.String())
	if err := b.publisher.Publish(requestTopic(to), msg); err != nil {
		return nil, errors.Wrapf(err, "watermill bus: publish to %s", to)
	}

	ackTimer := time.NewTimer(b.ackTimeout)
	defer ackTimer.Stop()
	acked := false
	for {
		var timeout <-chan time.Time
		if !acked {
			timeout = ackTimer.C
		}
		select {
		case reply := <-replies:
			switch reply.Metadata.Get(metaKind) {
			case kindAck:
				acked = true
			case kindResponse:
				return json.RawMessage(reply.Payload), nil
			case kindUndelivered:
				return nil, undeliveredError(string(reply.Payload))
			}
		case <-timeout:
			return nil, ErrNoListener
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops every local endpoint and the reply consumer. The publisher and subscriber are
// owned by the caller.
func (b *WatermillBus) Close() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	for ep, cancel := range b.local {
		cancel()
		delete(b.local, ep)
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()
	b.inflight.Wait()
	return nil
}

func (b *WatermillBus) consumeReplies(ch <-chan *message.Message) {
	for msg := range ch {
		corrID := msg.Metadata.Get(metaCorrelationID)
		b.mu.Lock()
		pending, ok := b.pending[corrID]
		b.mu.Unlock()
		if ok {
			select {
			case pending <- msg:
			default:
				log.Warn().Str("component", "bus").Str("correlation_id", corrID).Msg("dropping duplicate reply")
			}
		}
		msg.Ack()
	}
	log.Debug().Str("component", "bus").Str("bus_id", b.id).Msg("reply consumer stopped")
}

func (b *WatermillBus) consumeRequests(ctx context.Context, ep Endpoint, h Handler, ch <-chan *message.Message) {
	for msg := range ch {
		if ctx.Err() != nil {
			// unregistered; leave the sender to its ack timeout
			msg.Ack()
			continue
		}
		corrID := msg.Metadata.Get(metaCorrelationID)
		replyTo := msg.Metadata.Get(metaReplyTo)
		if corrID == "" || replyTo == "" {
			log.Warn().Str("component", "bus").Str("endpoint", ep.String()).Msg("request without correlation metadata")
			msg.Ack()
			continue
		}
		b.publishReply(replyTo, corrID, kindAck, nil)

		var env protocol.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			raw, _ := protocol.Marshal(protocol.Fail(errors.Wrap(err, "decode envelope")))
			b.publishReply(replyTo, corrID, kindResponse, raw)
			msg.Ack()
			continue
		}
		from, err := ParseEndpoint(msg.Metadata.Get(metaFrom))
		if err != nil {
			from = None()
		}

		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			raw, err := invoke(ctx, h, Request{From: from, Envelope: env})
			if err != nil {
				b.publishReply(replyTo, corrID, kindUndelivered, []byte(err.Error()))
				return
			}
			b.publishReply(replyTo, corrID, kindResponse, raw)
		}()
		msg.Ack()
	}
	log.Debug().Str("component", "bus").Str("endpoint", ep.String()).Msg("request consumer stopped")
}

func (b *WatermillBus) publishReply(topic, corrID, kind string, payload []byte) {
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metaCorrelationID, corrID)
	msg.Metadata.Set(metaKind, kind)
	if err := b.publisher.Publish(topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "bus").Str("correlation_id", corrID).Str("kind", kind).Msg("publish reply failed")
	}
}

// undeliveredError maps the text of a remote transport error back to the bus sentinels.
func undeliveredError(msg string) error {
	for _, sentinel := range []error{ErrNoListener, ErrAlreadyRegistered, ErrClosed} {
		if msg == sentinel.Error() {
			return sentinel
		}
	}
	return errors.New(msg)
}
