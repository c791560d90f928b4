package wsbridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var errConnClosed = errors.New("connection closed")

// peer multiplexes request/response frames over one connection.
type peer struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame

	done      chan struct{}
	closeOnce sync.Once
	handlers  sync.WaitGroup
}

func newPeer(conn *websocket.Conn, logger zerolog.Logger) *peer {
	return &peer{
		conn:    conn,
		logger:  logger,
		pending: map[string]chan Frame{},
		done:    make(chan struct{}),
	}
}

func (p *peer) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.done:
		return errConnClosed
	default:
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// call writes a request frame and waits for the matching response.
func (p *peer) call(ctx context.Context, f Frame) (Frame, error) {
	f.Type = FrameRequest
	f.ID = uuid.NewString()
	ch := make(chan Frame, 1)
	p.mu.Lock()
	p.pending[f.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, f.ID)
		p.mu.Unlock()
	}()

	if err := p.write(f); err != nil {
		return Frame{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-p.done:
		return Frame{}, errConnClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// readLoop runs until the connection fails. Requests are answered on their own goroutine.
func (p *peer) readLoop(onRequest func(Frame) Frame) {
	defer p.close()
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.logger.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			p.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch f.Type {
		case FrameResponse:
			p.mu.Lock()
			ch, ok := p.pending[f.ID]
			p.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		case FrameRequest:
			p.handlers.Add(1)
			go func() {
				defer p.handlers.Done()
				resp := onRequest(f)
				resp.Type = FrameResponse
				resp.ID = f.ID
				if err := p.write(resp); err != nil {
					p.logger.Debug().Err(err).Str("id", f.ID).Msg("response write failed")
				}
			}()
		case FramePing:
			_ = p.write(Frame{Type: FramePong, ID: f.ID})
		case FramePong, FrameHello:
		default:
			p.logger.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		close(p.done)
		_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	})
}

func (p *peer) closed() <-chan struct{} { return p.done }
