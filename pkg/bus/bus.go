// Package bus is the request/response substrate between the extension contexts.
//
// There are three kinds of endpoints: the coordinator, one content instance per tab and the
// popup. A handler answers every request with exactly one protocol.Response; Send returns it
// encoded so that contexts never share memory, whichever transport carries it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tubechat/pkg/protocol"
)

var (
	// ErrNoListener is returned when the target endpoint has no registered handler.
	ErrNoListener = errors.New("bus: no listener for endpoint")
	// ErrAlreadyRegistered is returned when an endpoint already has a handler.
	ErrAlreadyRegistered = errors.New("bus: endpoint already registered")
	// ErrClosed is returned once the bus has been closed.
	ErrClosed = errors.New("bus: closed")
)

type Kind string

const (
	KindCoordinator Kind = "coordinator"
	KindContent     Kind = "content"
	KindPopup       Kind = "popup"
)

// Endpoint names a context. TabID is only meaningful for content endpoints.
type Endpoint struct {
	Kind  Kind
	TabID int
}

func Coordinator() Endpoint { return Endpoint{Kind: KindCoordinator} }

func Content(tabID int) Endpoint { return Endpoint{Kind: KindContent, TabID: tabID} }

func Popup() Endpoint { return Endpoint{Kind: KindPopup} }

// None is the origin used by callers that are not an extension context (CLI, devtools).
func None() Endpoint { return Endpoint{} }

func (e Endpoint) IsZero() bool { return e.Kind == "" }

// HasTab reports whether the endpoint carries a tab identifier.
func (e Endpoint) HasTab() bool { return e.Kind == KindContent }

func (e Endpoint) String() string {
	switch e.Kind {
	case "":
		return "none"
	case KindContent:
		return fmt.Sprintf("%s:%d", e.Kind, e.TabID)
	default:
		return string(e.Kind)
	}
}

// ParseEndpoint is the inverse of Endpoint.String.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "none":
		return None(), nil
	case s == string(KindCoordinator):
		return Coordinator(), nil
	case s == string(KindPopup):
		return Popup(), nil
	case strings.HasPrefix(s, string(KindContent)+":"):
		id, err := strconv.Atoi(strings.TrimPrefix(s, string(KindContent)+":"))
		if err != nil {
			return Endpoint{}, errors.Wrapf(err, "bus: invalid tab id in %q", s)
		}
		return Content(id), nil
	}
	return Endpoint{}, errors.Errorf("bus: unknown endpoint %q", s)
}

// Request is what a handler receives.
type Request struct {
	From     Endpoint
	Envelope protocol.Envelope
}

// Handler answers a request. It must always return a response.
type Handler func(ctx context.Context, req Request) protocol.Response

// Bus delivers envelopes to registered endpoints.
type Bus interface {
	// Register attaches h to ep and returns a function that detaches it.
	Register(ep Endpoint, h Handler) (unregister func(), err error)
	// Send delivers env to the handler of to and returns its encoded response.
	Send(ctx context.Context, from, to Endpoint, env protocol.Envelope) (json.RawMessage, error)
}

// Call is Send followed by decoding the response as T.
func Call[T any](ctx context.Context, b Bus, from, to Endpoint, env protocol.Envelope) (T, error) {
	var zero T
	raw, err := b.Send(ctx, from, to, env)
	if err != nil {
		return zero, err
	}
	return protocol.Decode[T](raw)
}

// invoke runs h and converts a panic into a failed Result so that the caller still receives
// exactly one response. A protocol.Undelivered answer comes back as the error.
func invoke(ctx context.Context, h Handler, req Request) (raw json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw, _ = protocol.Marshal(protocol.Fail(errors.Errorf("handler panic: %v", r)))
			err = nil
		}
	}()
	resp := h(ctx, req)
	switch r := resp.(type) {
	case nil:
		resp = protocol.Fail(errors.Errorf("no response for %s", req.Envelope.Action))
	case protocol.Undelivered:
		if r.Err == nil {
			return nil, ErrNoListener
		}
		return nil, r.Err
	}
	out, merr := protocol.Marshal(resp)
	if merr != nil {
		out, _ = protocol.Marshal(protocol.Fail(merr))
	}
	return out, nil
}
