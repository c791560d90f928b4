package wsbridge

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/protocol"
)

// Server exposes a bus to websocket clients. Each client names the endpoint it plays with the
// "endpoint" query parameter.
type Server struct {
	bus      bus.Bus
	upgrader websocket.Upgrader
	pool     *ConnectionPool
	// RequestTimeout bounds how long a bridged endpoint may take to answer.
	RequestTimeout time.Duration
}

type ServerOption func(*Server)

func WithUpgrader(u websocket.Upgrader) ServerOption {
	return func(s *Server) { s.upgrader = u }
}

// WithIdleCallback calls onIdle once no client has been connected for d.
func WithIdleCallback(d time.Duration, onIdle func()) ServerOption {
	return func(s *Server) { s.pool = NewConnectionPool(d, onIdle) }
}

func NewServer(b bus.Bus, opts ...ServerOption) *Server {
	s := &Server{
		bus:            b,
		upgrader:       websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		pool:           NewConnectionPool(0, nil),
		RequestTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Pool() *ConnectionPool { return s.pool }

// Close disconnects every client.
func (s *Server) Close() { s.pool.CloseAll() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep, err := bus.ParseEndpoint(r.URL.Query().Get("endpoint"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	logger := log.With().Str("component", "wsbridge").Str("endpoint", ep.String()).Str("remote", r.RemoteAddr).Logger()
	p := newPeer(conn, logger)

	unregister := func() {}
	if !ep.IsZero() {
		unregister, err = s.bus.Register(ep, s.forward(ep, p))
		if err != nil {
			_ = p.write(Frame{Type: FrameHello, From: ep.String(), Error: errorCode(err)})
			p.close()
			logger.Warn().Err(err).Msg("bridge registration refused")
			return
		}
	}
	s.pool.Add(ep, p)
	_ = p.write(Frame{Type: FrameHello, From: ep.String()})
	logger.Info().Msg("ws connected")

	go func() {
		defer logger.Info().Msg("ws disconnected")
		defer s.pool.Remove(p)
		defer unregister()
		p.readLoop(func(f Frame) Frame { return s.dispatch(ep, f) })
	}()
}

// forward is the bus handler of a bridged endpoint.
func (s *Server) forward(ep bus.Endpoint, p *peer) bus.Handler {
	return func(ctx context.Context, req bus.Request) protocol.Response {
		ctx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
		env := req.Envelope
		resp, err := p.call(ctx, Frame{From: req.From.String(), To: ep.String(), Envelope: &env})
		switch {
		case errors.Is(err, errConnClosed):
			return protocol.Undelivered{Err: bus.ErrNoListener}
		case err != nil:
			return protocol.Fail(err)
		case resp.Error != "":
			err = codeError(resp.Error)
			if errors.Is(err, bus.ErrNoListener) || errors.Is(err, bus.ErrClosed) {
				return protocol.Undelivered{Err: err}
			}
			return protocol.Fail(err)
		}
		return protocol.Raw(resp.Response)
	}
}

// dispatch sends a client's request onto the bus on behalf of from.
func (s *Server) dispatch(from bus.Endpoint, f Frame) Frame {
	if f.Envelope == nil {
		return Frame{Error: "missing envelope"}
	}
	to, err := bus.ParseEndpoint(f.To)
	if err != nil {
		return Frame{Error: err.Error()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.RequestTimeout)
	defer cancel()
	raw, err := s.bus.Send(ctx, from, to, *f.Envelope)
	if err != nil {
		return Frame{Error: errorCode(err)}
	}
	return Frame{Response: raw}
}
