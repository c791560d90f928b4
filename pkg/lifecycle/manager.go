// Package lifecycle keeps exactly one content instance per matching tab. It probes before it
// injects, evicts tabs that leave or close, and retries a message once after injecting when the
// tab had no listener.
package lifecycle

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/protocol"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

const (
	// UIRootID is the element id of the injected panel.
	UIRootID = "rag-chat-panel"

	BehaviorFile     = "content.js"
	PresentationFile = "content.css"
)

// Scripting injects files into a tab and inspects its document.
type Scripting interface {
	ExecuteScript(ctx context.Context, tabID int, file string) error
	InsertCSS(ctx context.Context, tabID int, file string) error
	Probe(ctx context.Context, tabID int, elementID string) (bool, error)
}

type Manager struct {
	bus       bus.Bus
	scripting Scripting
	registry  *Registry
	policy    RetryPolicy
	sleeper   Sleeper
	matches   func(url string) bool
	from      bus.Endpoint

	inject singleflight.Group
}

type Option func(*Manager)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) {
		if p.Attempts < 0 {
			p.Attempts = 0
		}
		m.policy = p
	}
}

func WithSleeper(s Sleeper) Option {
	return func(m *Manager) {
		if s != nil {
			m.sleeper = s
		}
	}
}

// WithMatcher replaces the test for pages that get the UI.
func WithMatcher(fn func(url string) bool) Option {
	return func(m *Manager) {
		if fn != nil {
			m.matches = fn
		}
	}
}

func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

func NewManager(b bus.Bus, s Scripting, opts ...Option) *Manager {
	m := &Manager{
		bus:       b,
		scripting: s,
		registry:  NewRegistry(),
		policy:    DefaultRetryPolicy(),
		sleeper:   ClockSleeper(),
		matches:   youtube.IsVideoPage,
		from:      bus.Coordinator(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Registry() *Registry { return m.registry }

// OnNavigationCompleted makes sure a matching page hosts the UI and forgets tabs that left.
func (m *Manager) OnNavigationCompleted(ctx context.Context, tabID int, url string) error {
	if !m.matches(url) {
		if m.registry.IsKnown(tabID) {
			log.Debug().Str("component", "lifecycle").Int("tab_id", tabID).Str("url", url).Msg("tab left matching page")
		}
		m.registry.Evict(tabID)
		return nil
	}
	return m.EnsureInjected(ctx, tabID)
}

func (m *Manager) OnTabRemoved(tabID int) {
	m.registry.Evict(tabID)
}

// EnsureInjected injects into tabID unless the registry or a probe says the UI is there.
func (m *Manager) EnsureInjected(ctx context.Context, tabID int) error {
	if m.registry.IsKnown(tabID) {
		return nil
	}
	present, err := m.scripting.Probe(ctx, tabID, UIRootID)
	if err != nil {
		return errors.Wrapf(err, "probe tab %d", tabID)
	}
	if present {
		m.registry.MarkInjected(tabID)
		return nil
	}
	return m.Inject(ctx, tabID)
}

// Inject runs the behavior file and then the stylesheet. Concurrent calls for one tab share
// a single injection.
func (m *Manager) Inject(ctx context.Context, tabID int) error {
	_, err, _ := m.inject.Do(strconv.Itoa(tabID), func() (any, error) {
		if err := m.scripting.ExecuteScript(ctx, tabID, BehaviorFile); err != nil {
			return nil, errors.Wrapf(err, "inject behavior into tab %d", tabID)
		}
		if err := m.scripting.InsertCSS(ctx, tabID, PresentationFile); err != nil {
			return nil, errors.Wrapf(err, "inject presentation into tab %d", tabID)
		}
		m.registry.MarkInjected(tabID)
		log.Info().Str("component", "lifecycle").Int("tab_id", tabID).Msg("content injected")
		return nil, nil
	})
	return err
}

// Deliver sends env to tabID's content instance. A tab without a listener is injected and the
// message retried according to the policy; the last failure is returned.
func (m *Manager) Deliver(ctx context.Context, tabID int, env protocol.Envelope) (json.RawMessage, error) {
	logger := log.With().Str("component", "lifecycle").Int("tab_id", tabID).Str("action", string(env.Action)).Logger()

	if m.registry.IsKnown(tabID) {
		present, err := m.scripting.Probe(ctx, tabID, UIRootID)
		switch {
		case err != nil:
			logger.Debug().Err(err).Msg("probe failed, sending anyway")
		case !present:
			logger.Debug().Msg("registry entry was stale")
			m.registry.Evict(tabID)
		}
	}

	for attempt := 0; ; attempt++ {
		raw, err := m.bus.Send(ctx, m.from, bus.Content(tabID), env)
		if err == nil {
			m.registry.MarkInjected(tabID)
			return raw, nil
		}
		if !errors.Is(err, bus.ErrNoListener) || attempt >= m.policy.Attempts {
			logger.Error().Err(err).Int("attempts", attempt+1).Msg("could not reach content")
			return nil, errors.Wrapf(err, "deliver %s to tab %d", env.Action, tabID)
		}
		m.registry.Evict(tabID)
		if err := m.Inject(ctx, tabID); err != nil {
			logger.Error().Err(err).Msg("injection before retry failed")
			return nil, err
		}
		if err := m.sleeper.Sleep(ctx, m.policy.Delay); err != nil {
			return nil, err
		}
		logger.Debug().Int("attempt", attempt+1).Msg("retrying after injection")
	}
}
