package wsbridge

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/protocol"
)

// Client plays one endpoint of a remote bus. It satisfies bus.Bus for that endpoint only, so
// code written against a bus runs unchanged on the far side of the bridge.
type Client struct {
	endpoint bus.Endpoint
	peer     *peer

	mu      sync.RWMutex
	handler bus.Handler
}

var _ bus.Bus = &Client{}

// Dial connects to a Server at rawURL and joins as ep. bus.None() joins without registering,
// which is enough to send requests.
func Dial(ctx context.Context, rawURL string, ep bus.Endpoint) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse bridge url %q", rawURL)
	}
	q := u.Query()
	q.Set("endpoint", ep.String())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", u.Redacted())
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "read hello")
	}
	var hello Frame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != FrameHello {
		_ = conn.Close()
		return nil, errors.New("bridge: expected hello frame")
	}
	if hello.Error != "" {
		_ = conn.Close()
		return nil, codeError(hello.Error)
	}

	logger := log.With().Str("component", "wsbridge").Str("endpoint", ep.String()).Logger()
	c := &Client{endpoint: ep, peer: newPeer(conn, logger)}
	go c.peer.readLoop(c.serve)
	return c, nil
}

func (c *Client) Endpoint() bus.Endpoint { return c.endpoint }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.peer.closed() }

// Register installs the handler for the client's own endpoint.
func (c *Client) Register(ep bus.Endpoint, h bus.Handler) (func(), error) {
	if ep != c.endpoint || ep.IsZero() {
		return nil, errors.Errorf("bridge client is %s, cannot register %s", c.endpoint, ep)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return nil, bus.ErrAlreadyRegistered
	}
	c.handler = h
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.handler = nil
			c.mu.Unlock()
		})
	}, nil
}

// Send ignores from: requests always originate from the client's endpoint.
func (c *Client) Send(ctx context.Context, _ bus.Endpoint, to bus.Endpoint, env protocol.Envelope) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := c.peer.call(ctx, Frame{From: c.endpoint.String(), To: to.String(), Envelope: &env})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, codeError(resp.Error)
	}
	return resp.Response, nil
}

func (c *Client) serve(f Frame) Frame {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil || f.Envelope == nil {
		return Frame{Error: codeNoListener}
	}
	from, err := bus.ParseEndpoint(f.From)
	if err != nil {
		from = bus.None()
	}
	resp := safeHandle(h, bus.Request{From: from, Envelope: *f.Envelope})
	if u, ok := resp.(protocol.Undelivered); ok {
		if u.Err == nil {
			return Frame{Error: codeNoListener}
		}
		return Frame{Error: errorCode(u.Err)}
	}
	raw, err := protocol.Marshal(resp)
	if err != nil {
		return Frame{Error: err.Error()}
	}
	return Frame{Response: raw}
}

func safeHandle(h bus.Handler, req bus.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = protocol.Fail(errors.Errorf("handler panic: %v", r))
		}
	}()
	resp = h(context.Background(), req)
	if resp == nil {
		resp = protocol.Fail(errors.Errorf("no response for %s", req.Envelope.Action))
	}
	return resp
}

func (c *Client) Close() error {
	c.peer.close()
	return nil
}
