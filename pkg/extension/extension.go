// Package extension assembles the three contexts: it builds the bus and the stores, starts the
// coordinator, and installs the content bootstrap into the browser host.
package extension

import (
	"context"
	_ "embed"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/browser"
	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/config"
	"github.com/go-go-golems/tubechat/pkg/content"
	"github.com/go-go-golems/tubechat/pkg/conversation"
	"github.com/go-go-golems/tubechat/pkg/coordinator"
	"github.com/go-go-golems/tubechat/pkg/kv"
	"github.com/go-go-golems/tubechat/pkg/lifecycle"
	"github.com/go-go-golems/tubechat/pkg/page"
	"github.com/go-go-golems/tubechat/pkg/popup"
	"github.com/go-go-golems/tubechat/pkg/settings"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

//go:embed assets/content.css
var contentCSS string

type Extension struct {
	cfg config.Config

	bus           bus.Bus
	store         kv.Store
	settings      *settings.Store
	conversations *conversation.Store
	backend       *backend.Client
	host          *browser.Host
	lifecycle     *lifecycle.Manager
	router        *coordinator.Router

	unregister func()
	stopHealth context.CancelFunc
	closers    []func() error
}

type Option func(*options)

type options struct {
	sleeper lifecycle.Sleeper
	host    *browser.Host
	store   kv.Store
}

// WithSleeper replaces the clock used between delivery attempts.
func WithSleeper(s lifecycle.Sleeper) Option {
	return func(o *options) { o.sleeper = s }
}

// WithHost attaches the extension to an existing browser host.
func WithHost(h *browser.Host) Option {
	return func(o *options) { o.host = h }
}

// WithStore uses s instead of opening the configured storage.
func WithStore(s kv.Store) Option {
	return func(o *options) { o.store = s }
}

// New wires every component from cfg. Close releases them.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *Extension, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	e := &Extension{cfg: cfg}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if err := e.openBus(ctx); err != nil {
		return nil, err
	}

	e.store = o.store
	if e.store == nil {
		e.store, err = kv.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, errors.Wrap(err, "open storage")
		}
		e.closers = append(e.closers, e.store.Close)
	}
	defaults := settings.Defaults()
	if cfg.Backend.URL != "" {
		defaults.BackendURL = strings.TrimRight(cfg.Backend.URL, "/")
	}
	e.settings = settings.NewStore(e.store, settings.WithDefaults(defaults))
	e.conversations = conversation.NewStore(e.store)
	e.backend = e.newBackendClient()

	e.host = o.host
	if e.host == nil {
		e.host = browser.NewHost(browser.WithPermissions(youtube.IsYouTube))
		e.closers = append(e.closers, func() error { e.host.Close(); return nil })
	}

	lifecycleOpts := []lifecycle.Option{lifecycle.WithRetryPolicy(cfg.Retry)}
	if o.sleeper != nil {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithSleeper(o.sleeper))
	}
	e.lifecycle = lifecycle.NewManager(e.bus, e.host, lifecycleOpts...)

	routerOpts := []coordinator.Option{coordinator.WithTabs(e.host), coordinator.WithLifecycle(e.lifecycle)}
	if cfg.HealthInterval > 0 {
		routerOpts = append(routerOpts, coordinator.WithHealthInterval(cfg.HealthInterval))
	}
	e.router, err = coordinator.NewRouter(e.bus, e.backend, e.settings, e.conversations, routerOpts...)
	if err != nil {
		return nil, err
	}
	e.unregister, err = e.router.Register(ctx)
	if err != nil {
		return nil, err
	}

	e.host.RegisterScript(lifecycle.BehaviorFile, e.bootstrapContent)
	e.host.RegisterStyle(lifecycle.PresentationFile, contentCSS)
	e.host.DeclareContentScript(youtube.IsYouTube, []string{lifecycle.BehaviorFile}, []string{lifecycle.PresentationFile})
	e.host.OnNavigationCompleted(func(ctx context.Context, tabID int, url string) {
		if err := e.lifecycle.OnNavigationCompleted(ctx, tabID, url); err != nil {
			log.Error().Err(err).Str("component", "extension").Int("tab_id", tabID).Msg("injection failed")
		}
	})
	e.host.OnTabRemoved(e.lifecycle.OnTabRemoved)
	e.host.OnTabActivated(e.router.NotifyTabActivated)

	log.Info().Str("component", "extension").Str("bus", cfg.Bus.Driver).Str("storage", cfg.Storage.Driver).Msg("extension ready")
	return e, nil
}

func (e *Extension) openBus(ctx context.Context) error {
	switch strings.ToLower(e.cfg.Bus.Driver) {
	case "", config.BusLocal:
		lb := bus.NewLocalBus()
		e.bus = lb
		e.closers = append(e.closers, lb.Close)
		return nil
	case config.BusWatermill:
		ps, err := bus.OpenPubSub(e.cfg.Bus.Redis)
		if err != nil {
			return errors.Wrap(err, "open pubsub")
		}
		e.closers = append(e.closers, ps.Close)
		if e.cfg.Bus.Redis.Enabled {
			if err := bus.EnsureEndpointGroups(ctx, e.cfg.Bus.Redis, bus.Coordinator(), bus.Popup()); err != nil {
				return err
			}
		}
		wb, err := bus.NewWatermillBus(ctx, ps.Publisher, ps.Subscriber, bus.WithAckTimeout(e.cfg.Bus.AckTimeout))
		if err != nil {
			return err
		}
		e.bus = wb
		e.closers = append(e.closers, wb.Close)
		return nil
	}
	return errors.Errorf("unknown bus driver %q", e.cfg.Bus.Driver)
}

func (e *Extension) newBackendClient() *backend.Client {
	return backend.NewClient(e.settings.Load(context.Background()).BackendURL, backend.WithTimeouts(e.cfg.Backend.Timeouts))
}

// bootstrapContent is the behavior file. Every execution context gets its own backend client.
func (e *Extension) bootstrapContent(tabID int, doc *page.Document) {
	_, installed, err := content.Install(tabID, doc, content.Deps{
		Bus:           e.bus,
		Backend:       e.newBackendClient(),
		Conversations: e.conversations,
	})
	switch {
	case err != nil:
		log.Error().Err(err).Str("component", "extension").Int("tab_id", tabID).Msg("content bootstrap failed")
	case !installed:
		log.Debug().Str("component", "extension").Int("tab_id", tabID).Msg("content already installed")
	}
}

func (e *Extension) Bus() bus.Bus { return e.bus }

func (e *Extension) Host() *browser.Host { return e.host }

func (e *Extension) Router() *coordinator.Router { return e.router }

func (e *Extension) Lifecycle() *lifecycle.Manager { return e.lifecycle }

func (e *Extension) Conversations() *conversation.Store { return e.conversations }

func (e *Extension) Settings() *settings.Store { return e.settings }

func (e *Extension) Backend() *backend.Client { return e.backend }

// Popup opens a popup controller. Popups are cheap and short-lived.
func (e *Extension) Popup() *popup.Controller {
	return popup.NewController(e.bus)
}

// OpenTab opens url in a new active tab.
func (e *Extension) OpenTab(ctx context.Context, url string) int {
	return e.host.OpenTab(ctx, url)
}

func (e *Extension) Navigate(ctx context.Context, tabID int, url string) error {
	return e.host.Navigate(ctx, tabID, url)
}

// Content returns the content instance living in tabID's current document.
func (e *Extension) Content(tabID int) (*content.Instance, error) {
	doc, err := e.host.Document(tabID)
	if err != nil {
		return nil, err
	}
	inst := content.FromDocument(doc)
	if inst == nil {
		return nil, errors.Errorf("tab %d has no content instance", tabID)
	}
	return inst, nil
}

// StartHealthLoop polls the backend until ctx ends or the extension closes.
func (e *Extension) StartHealthLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.stopHealth = cancel
	e.router.StartHealthLoop(ctx)
}

// Close tears down in reverse order of construction. It is safe to call more than once.
func (e *Extension) Close() error {
	if e.stopHealth != nil {
		e.stopHealth()
	}
	if e.unregister != nil {
		e.unregister()
		e.unregister = nil
	}
	var first error
	closers := e.closers
	e.closers = nil
	// the host closes first: content instances detach while the bus is still up
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	if e.router != nil {
		e.router.Wait()
	}
	return first
}
