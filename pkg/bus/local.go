package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/protocol"
)

// LocalBus is an in-process Bus. Each request runs its handler on its own goroutine, so a
// handler that waits on another context never blocks the other requests of its endpoint;
// handlers guard their own state.
type LocalBus struct {
	mu        sync.RWMutex
	endpoints map[Endpoint]*localEndpoint
	closed    bool
	inflight  sync.WaitGroup
}

var _ Bus = &LocalBus{}

type localEndpoint struct {
	ep Endpoint
	h  Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{endpoints: map[Endpoint]*localEndpoint{}}
}

func (b *LocalBus) Register(ep Endpoint, h Handler) (func(), error) {
	if h == nil {
		return nil, ErrNoListener
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.endpoints[ep]; ok {
		return nil, ErrAlreadyRegistered
	}
	e := &localEndpoint{ep: ep, h: h}
	b.endpoints[ep] = e
	log.Debug().Str("component", "bus").Str("endpoint", ep.String()).Msg("endpoint registered")

	var once sync.Once
	return func() { once.Do(func() { b.unregister(e) }) }, nil
}

func (b *LocalBus) unregister(e *localEndpoint) {
	b.mu.Lock()
	if current, ok := b.endpoints[e.ep]; ok && current == e {
		delete(b.endpoints, e.ep)
	}
	b.mu.Unlock()
	log.Debug().Str("component", "bus").Str("endpoint", e.ep.String()).Msg("endpoint unregistered")
}

// Registered reports whether ep currently has a handler.
func (b *LocalBus) Registered(ep Endpoint) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.endpoints[ep]
	return ok
}

func (b *LocalBus) Send(ctx context.Context, from, to Endpoint, env protocol.Envelope) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	e, ok := b.endpoints[to]
	if ok {
		b.inflight.Add(1)
	}
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNoListener
	}

	type answer struct {
		raw json.RawMessage
		err error
	}
	req := Request{From: from, Envelope: cloneEnvelope(env)}
	reply := make(chan answer, 1)
	go func() {
		defer b.inflight.Done()
		raw, err := invoke(ctx, e.h, req)
		reply <- answer{raw: raw, err: err}
	}()

	select {
	case a := <-reply:
		return a.raw, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches every endpoint and waits for running handlers to return.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.endpoints = map[Endpoint]*localEndpoint{}
	b.mu.Unlock()
	b.inflight.Wait()
	return nil
}

func cloneEnvelope(env protocol.Envelope) protocol.Envelope {
	if env.Payload != nil {
		env.Payload = append(json.RawMessage(nil), env.Payload...)
	}
	return env
}
