package popup

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/protocol"
	"github.com/go-go-golems/tubechat/pkg/settings"
)

type stubCoordinator struct {
	mu          sync.Mutex
	settings    settings.Settings
	connected   bool
	rejectWrite bool
	toggled     int
}

func (s *stubCoordinator) handle(_ context.Context, req bus.Request) protocol.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Envelope.Action {
	case protocol.ActionGetSettings:
		return protocol.OK(s.settings.Map())
	case protocol.ActionCheckBackendConnection:
		return protocol.Connected{Connected: s.connected}
	case protocol.ActionUpdateSettings:
		if s.rejectWrite {
			return protocol.Fail(errors.New("storage quota exceeded"))
		}
		var p protocol.UpdateSettingsPayload
		if err := req.Envelope.DecodePayload(&p); err != nil {
			return protocol.Fail(err)
		}
		next, err := s.settings.Apply(p.Settings)
		if err != nil {
			return protocol.Fail(err)
		}
		s.settings = next
		return protocol.OK(next.Map())
	case protocol.ActionProcessVideo:
		return protocol.OK(map[string]int{"total_chunks": 7})
	case protocol.ActionTogglePanel:
		s.toggled++
		return protocol.OK(map[string]bool{"visible": s.toggled%2 == 1})
	}
	return protocol.UnknownAction()
}

func setup(t *testing.T, stub *stubCoordinator) *Controller {
	b := bus.NewLocalBus()
	t.Cleanup(func() { _ = b.Close() })
	_, err := b.Register(bus.Coordinator(), stub.handle)
	require.NoError(t, err)
	return NewController(b)
}

func TestOpenLoadsSettingsAndStatus(t *testing.T) {
	s := settings.Defaults()
	s.DarkMode = true
	c := setup(t, &stubCoordinator{settings: s, connected: true})

	st, err := c.Open(context.Background())
	require.NoError(t, err)
	require.True(t, st.Settings.DarkMode)
	require.True(t, st.Connected)
	require.Equal(t, "Connected to backend", st.Status)
}

func TestOpenWithoutCoordinator(t *testing.T) {
	b := bus.NewLocalBus()
	defer func() { _ = b.Close() }()
	c := NewController(b)

	st, err := c.Open(context.Background())
	require.ErrorIs(t, err, bus.ErrNoListener)
	require.False(t, st.Connected)
	require.Equal(t, settings.Defaults(), st.Settings)
}

func TestToggleSettingPersists(t *testing.T) {
	stub := &stubCoordinator{settings: settings.Defaults()}
	c := setup(t, stub)
	_, err := c.Open(context.Background())
	require.NoError(t, err)

	got, err := c.ToggleSetting(context.Background(), settings.KeyAutoProcess)
	require.NoError(t, err)
	require.True(t, got.AutoProcess)
	require.True(t, c.State().Settings.AutoProcess)
	require.True(t, stub.settings.AutoProcess)
}

func TestFailedWriteRevertsOptimisticState(t *testing.T) {
	stub := &stubCoordinator{settings: settings.Defaults(), rejectWrite: true}
	c := setup(t, stub)
	_, err := c.Open(context.Background())
	require.NoError(t, err)

	got, err := c.ToggleSetting(context.Background(), settings.KeyShowSources)
	require.ErrorContains(t, err, "storage quota exceeded")
	require.True(t, got.ShowSources)
	require.True(t, c.State().Settings.ShowSources)
	require.Equal(t, "Could not save settings", c.State().Status)
}

func TestToggleRejectsNonBooleanKey(t *testing.T) {
	c := setup(t, &stubCoordinator{settings: settings.Defaults()})
	_, err := c.ToggleSetting(context.Background(), settings.KeyLanguage)
	require.ErrorIs(t, err, settings.ErrInvalid)
}

func TestSetSettingValidatesLocally(t *testing.T) {
	stub := &stubCoordinator{settings: settings.Defaults()}
	c := setup(t, stub)
	_, err := c.SetSetting(context.Background(), settings.KeyBackendURL, "ftp://nope")
	require.ErrorIs(t, err, settings.ErrInvalid)

	got, err := c.SetSetting(context.Background(), settings.KeyLanguage, "es")
	require.NoError(t, err)
	require.Equal(t, "es", got.Language)
}

func TestProcessAndTogglePanel(t *testing.T) {
	c := setup(t, &stubCoordinator{settings: settings.Defaults(), connected: true})
	_, err := c.Open(context.Background())
	require.NoError(t, err)
	require.True(t, c.ActionsEnabled())

	n, err := c.ProcessCurrentVideo(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, "Video processed (7 chunks)", c.State().Status)

	visible, err := c.TogglePanel(context.Background())
	require.NoError(t, err)
	require.True(t, visible)
	visible, err = c.TogglePanel(context.Background())
	require.NoError(t, err)
	require.False(t, visible)
}

func TestActionsDisabledWhileDisconnected(t *testing.T) {
	stub := &stubCoordinator{settings: settings.Defaults()}
	c := setup(t, stub)
	st, err := c.Open(context.Background())
	require.NoError(t, err)
	require.False(t, st.Connected)
	require.False(t, c.ActionsEnabled())

	_, err = c.ProcessCurrentVideo(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
	_, err = c.TogglePanel(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
	require.Zero(t, stub.toggled)
	require.Equal(t, "Backend not reachable", c.State().Status)

	stub.mu.Lock()
	stub.connected = true
	stub.mu.Unlock()
	require.True(t, c.CheckConnection(context.Background()))
	visible, err := c.TogglePanel(context.Background())
	require.NoError(t, err)
	require.True(t, visible)
}
