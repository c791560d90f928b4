// Package wsbridge attaches contexts running in another process to a bus over a websocket.
//
// The server registers each connected client as an endpoint on its local bus. Requests the bus
// routes to that endpoint travel to the client as request frames; the client answers with a
// response frame carrying the same id. Clients send requests the same way in the other
// direction.
package wsbridge

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/protocol"
)

const (
	FrameHello    = "hello"
	FrameRequest  = "request"
	FrameResponse = "response"
	FramePing     = "ping"
	FramePong     = "pong"
)

const (
	codeNoListener        = "no_listener"
	codeAlreadyRegistered = "already_registered"
	codeClosed            = "closed"
)

// Frame is the unit written on the socket.
type Frame struct {
	Type     string             `json:"type"`
	ID       string             `json:"id,omitempty"`
	From     string             `json:"from,omitempty"`
	To       string             `json:"to,omitempty"`
	Envelope *protocol.Envelope `json:"envelope,omitempty"`
	Response json.RawMessage    `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, bus.ErrNoListener):
		return codeNoListener
	case errors.Is(err, bus.ErrAlreadyRegistered):
		return codeAlreadyRegistered
	case errors.Is(err, bus.ErrClosed):
		return codeClosed
	}
	return err.Error()
}

func codeError(code string) error {
	switch code {
	case "":
		return nil
	case codeNoListener:
		return bus.ErrNoListener
	case codeAlreadyRegistered:
		return bus.ErrAlreadyRegistered
	case codeClosed:
		return bus.ErrClosed
	}
	return errors.New(code)
}
