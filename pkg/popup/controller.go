// Package popup is the short-lived control surface: it shows the backend status and the
// settings, and forwards the user's actions to the coordinator.
package popup

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/protocol"
	"github.com/go-go-golems/tubechat/pkg/settings"
)

// ErrDisconnected is returned by the actions that need the backend while it is unreachable.
var ErrDisconnected = errors.New("backend not reachable")

// State is what the popup displays.
type State struct {
	Settings  settings.Settings
	Connected bool
	Status    string
}

type Controller struct {
	bus  bus.Bus
	from bus.Endpoint

	mu    sync.Mutex
	state State
}

func NewController(b bus.Bus) *Controller {
	return &Controller{
		bus:   b,
		from:  bus.Popup(),
		state: State{Settings: settings.Defaults(), Status: "Checking connection..."},
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open loads the settings and checks the backend at the same time.
func (c *Controller) Open(ctx context.Context) (State, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.LoadSettings(gctx)
	})
	g.Go(func() error {
		c.CheckConnection(gctx)
		return nil
	})
	err := g.Wait()
	return c.State(), err
}

func (c *Controller) LoadSettings(ctx context.Context) error {
	res, err := c.call(ctx, protocol.ActionGetSettings, nil)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}
	s := settings.Defaults()
	if err := res.DecodeData(&s); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.Settings = s
	c.mu.Unlock()
	return nil
}

// CheckConnection refreshes the connection indicator. Any failure reads as disconnected.
func (c *Controller) CheckConnection(ctx context.Context) bool {
	conn, err := bus.Call[protocol.Connected](ctx, c.bus, c.from, bus.Coordinator(), protocol.MustEnvelope(protocol.ActionCheckBackendConnection, nil))
	ok := err == nil && conn.Connected
	if err != nil {
		log.Debug().Err(err).Str("component", "popup").Msg("connection check failed")
	}
	c.mu.Lock()
	c.state.Connected = ok
	if ok {
		c.state.Status = "Connected to backend"
	} else {
		c.state.Status = "Backend not reachable"
	}
	c.mu.Unlock()
	return ok
}

// ToggleSetting flips a boolean option.
func (c *Controller) ToggleSetting(ctx context.Context, key string) (settings.Settings, error) {
	c.mu.Lock()
	current, ok := c.state.Settings.Map()[key].(bool)
	c.mu.Unlock()
	if !ok {
		return c.State().Settings, errors.Wrapf(settings.ErrInvalid, "%s is not a toggle", key)
	}
	return c.SetSetting(ctx, key, !current)
}

// SetSetting shows the new value right away and reverts it when the coordinator rejects the
// write.
func (c *Controller) SetSetting(ctx context.Context, key string, value any) (settings.Settings, error) {
	c.mu.Lock()
	previous := c.state.Settings
	optimistic, err := previous.Apply(map[string]any{key: value})
	if err != nil {
		c.mu.Unlock()
		return previous, err
	}
	c.state.Settings = optimistic
	c.mu.Unlock()

	res, err := c.call(ctx, protocol.ActionUpdateSettings, protocol.UpdateSettingsPayload{Settings: map[string]any{key: value}})
	if err == nil {
		confirmed := optimistic
		if err = res.DecodeData(&confirmed); err == nil {
			c.mu.Lock()
			c.state.Settings = confirmed
			c.mu.Unlock()
			return confirmed, nil
		}
	}

	c.mu.Lock()
	c.state.Settings = previous
	c.state.Status = "Could not save settings"
	c.mu.Unlock()
	log.Warn().Err(err).Str("component", "popup").Str("key", key).Msg("settings write reverted")
	return previous, errors.Wrapf(err, "update %s", key)
}

// ProcessCurrentVideo asks the coordinator to index the video of the active tab.
func (c *Controller) ProcessCurrentVideo(ctx context.Context) (int, error) {
	if !c.ActionsEnabled() {
		return 0, ErrDisconnected
	}
	c.setStatus("Processing video...")
	res, err := c.call(ctx, protocol.ActionProcessVideo, protocol.ProcessVideoPayload{})
	if err != nil {
		c.setStatus("Processing failed: " + err.Error())
		return 0, err
	}
	var data struct {
		TotalChunks int `json:"total_chunks"`
	}
	_ = res.DecodeData(&data)
	c.setStatus(fmt.Sprintf("Video processed (%d chunks)", data.TotalChunks))
	return data.TotalChunks, nil
}

// TogglePanel shows or hides the chat panel of the active tab.
func (c *Controller) TogglePanel(ctx context.Context) (bool, error) {
	if !c.ActionsEnabled() {
		return false, ErrDisconnected
	}
	res, err := c.call(ctx, protocol.ActionTogglePanel, nil)
	if err != nil {
		c.setStatus("Open a YouTube video first")
		return false, err
	}
	var data struct {
		Visible bool `json:"visible"`
	}
	if err := res.DecodeData(&data); err != nil {
		return false, err
	}
	return data.Visible, nil
}

// ActionsEnabled reports whether the process and toggle actions are available. They stay
// disabled until a connection check succeeds.
func (c *Controller) ActionsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Connected
}

func (c *Controller) setStatus(s string) {
	c.mu.Lock()
	c.state.Status = s
	c.mu.Unlock()
}

// call sends action and folds an unsuccessful Result into the error.
func (c *Controller) call(ctx context.Context, action protocol.Action, payload any) (protocol.Result, error) {
	env, err := protocol.NewEnvelope(action, payload)
	if err != nil {
		return protocol.Result{}, err
	}
	res, err := bus.Call[protocol.Result](ctx, c.bus, c.from, bus.Coordinator(), env)
	if err != nil {
		return res, err
	}
	return res, res.Err()
}
