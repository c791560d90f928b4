package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/tubechat/pkg/protocol"
)

func echoHandler(_ context.Context, req Request) protocol.Response {
	var p protocol.VideoPayload
	if err := req.Envelope.DecodePayload(&p); err != nil {
		return protocol.Fail(err)
	}
	return protocol.OK(map[string]string{"videoId": p.VideoID, "from": req.From.String()})
}

func TestLocalBusRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewLocalBus()
	defer func() { _ = b.Close() }()

	_, err := b.Register(Coordinator(), echoHandler)
	require.NoError(t, err)

	env := protocol.MustEnvelope(protocol.ActionGetVideoInfo, protocol.VideoPayload{VideoID: "abc123"})
	res, err := Call[protocol.Result](context.Background(), b, Content(7), Coordinator(), env)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.JSONEq(t, `{"videoId":"abc123","from":"content:7"}`, string(res.Data))
}

func TestLocalBusNoListener(t *testing.T) {
	b := NewLocalBus()
	defer func() { _ = b.Close() }()

	_, err := b.Send(context.Background(), Popup(), Content(3), protocol.MustEnvelope(protocol.ActionTogglePanel, nil))
	require.ErrorIs(t, err, ErrNoListener)
}

func TestLocalBusUndeliveredIsTransportError(t *testing.T) {
	b := NewLocalBus()
	defer func() { _ = b.Close() }()

	_, err := b.Register(Content(4), func(context.Context, Request) protocol.Response {
		return protocol.Undelivered{}
	})
	require.NoError(t, err)
	_, err = b.Send(context.Background(), Popup(), Content(4), protocol.MustEnvelope(protocol.ActionTogglePanel, nil))
	require.ErrorIs(t, err, ErrNoListener)
}

func TestLocalBusRejectsDuplicateRegistration(t *testing.T) {
	b := NewLocalBus()
	defer func() { _ = b.Close() }()

	unregister, err := b.Register(Content(1), echoHandler)
	require.NoError(t, err)
	_, err = b.Register(Content(1), echoHandler)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	unregister()
	unregister()
	require.False(t, b.Registered(Content(1)))
	_, err = b.Send(context.Background(), Coordinator(), Content(1), protocol.MustEnvelope(protocol.ActionTogglePanel, nil))
	require.ErrorIs(t, err, ErrNoListener)

	_, err = b.Register(Content(1), echoHandler)
	require.NoError(t, err)
}

func TestLocalBusStaleUnregisterKeepsNewHandler(t *testing.T) {
	b := NewLocalBus()
	defer func() { _ = b.Close() }()

	first, err := b.Register(Content(1), echoHandler)
	require.NoError(t, err)
	first()
	_, err = b.Register(Content(1), echoHandler)
	require.NoError(t, err)
	first()
	require.True(t, b.Registered(Content(1)))
}

func TestLocalBusPanicBecomesFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewLocalBus()
	defer func() { _ = b.Close() }()

	_, err := b.Register(Coordinator(), func(context.Context, Request) protocol.Response {
		panic("kaboom")
	})
	require.NoError(t, err)

	res, err := Call[protocol.Result](context.Background(), b, Popup(), Coordinator(), protocol.MustEnvelope(protocol.ActionGetSettings, nil))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "kaboom")
}

func TestLocalBusNilResponseBecomesFailure(t *testing.T) {
	b := NewLocalBus()
	defer func() { _ = b.Close() }()

	_, err := b.Register(Coordinator(), func(context.Context, Request) protocol.Response { return nil })
	require.NoError(t, err)

	res, err := Call[protocol.Result](context.Background(), b, Popup(), Coordinator(), protocol.MustEnvelope(protocol.ActionGetSettings, nil))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "getSettings")
}

func TestLocalBusContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewLocalBus()

	release := make(chan struct{})
	_, err := b.Register(Coordinator(), func(ctx context.Context, _ Request) protocol.Response {
		<-release
		return protocol.OK(nil)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Send(ctx, Popup(), Coordinator(), protocol.MustEnvelope(protocol.ActionGetSettings, nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, b.Close())
}

func TestLocalBusNestedRequestsDoNotDeadlock(t *testing.T) {
	b := NewLocalBus()
	defer func() { _ = b.Close() }()

	var contentCalls atomic.Int32
	_, err := b.Register(Content(5), func(ctx context.Context, req Request) protocol.Response {
		contentCalls.Add(1)
		if req.Envelope.Action == protocol.ActionTogglePanel {
			return protocol.OK(map[string]bool{"visible": true})
		}
		raw, err := b.Send(ctx, Content(5), Coordinator(), protocol.MustEnvelope(protocol.ActionGetSettings, nil))
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.Raw(raw)
	})
	require.NoError(t, err)
	_, err = b.Register(Coordinator(), func(ctx context.Context, req Request) protocol.Response {
		raw, err := b.Send(ctx, Coordinator(), Content(5), protocol.MustEnvelope(protocol.ActionTogglePanel, nil))
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.Raw(raw)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := Call[protocol.Result](ctx, b, None(), Content(5), protocol.MustEnvelope(protocol.ActionProcessVideo, nil))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, int32(2), contentCalls.Load())
}

func TestLocalBusClosed(t *testing.T) {
	b := NewLocalBus()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Register(Coordinator(), echoHandler)
	require.ErrorIs(t, err, ErrClosed)
	_, err = b.Send(context.Background(), Popup(), Coordinator(), protocol.MustEnvelope(protocol.ActionGetSettings, nil))
	require.ErrorIs(t, err, ErrClosed)
}

func TestParseEndpoint(t *testing.T) {
	for _, ep := range []Endpoint{Coordinator(), Popup(), Content(42), None()} {
		got, err := ParseEndpoint(ep.String())
		require.NoError(t, err)
		require.Equal(t, ep, got)
	}
	_, err := ParseEndpoint("content:x")
	require.Error(t, err)
	_, err = ParseEndpoint("sidebar")
	require.Error(t, err)
}
