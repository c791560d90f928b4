// Package coordinator is the long-lived context of the extension. It owns settings, the
// conversation store, the backend connection state and the content lifecycle, and answers every
// request addressed to the coordinator endpoint.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/conversation"
	"github.com/go-go-golems/tubechat/pkg/lifecycle"
	"github.com/go-go-golems/tubechat/pkg/protocol"
	"github.com/go-go-golems/tubechat/pkg/settings"
)

const DefaultHealthInterval = 30 * time.Second

var ErrNoActiveTab = errors.New("no active tab")

// Backend is the part of the backend client the router calls.
type Backend interface {
	Health(ctx context.Context) (*backend.HealthStatus, error)
	ProcessVideo(ctx context.Context, req backend.ProcessRequest) (*backend.ProcessResult, error)
	AskQuestion(ctx context.Context, req backend.QuestionRequest) (*backend.Answer, error)
	Summary(ctx context.Context, videoID string) (*backend.Summary, error)
	SetBaseURL(u string)
}

// Tabs answers which tab is active at dispatch time.
type Tabs interface {
	ActiveTab(ctx context.Context) (int, error)
}

// Lifecycle delivers envelopes to content instances, injecting them when needed.
type Lifecycle interface {
	Deliver(ctx context.Context, tabID int, env protocol.Envelope) (json.RawMessage, error)
	Registry() *lifecycle.Registry
}

type handlerFunc func(ctx context.Context, req bus.Request) (protocol.Response, error)

type Router struct {
	bus           bus.Bus
	backend       Backend
	settings      *settings.Store
	conversations *conversation.Store
	tabs          Tabs
	lifecycle     Lifecycle

	handlers       map[protocol.Action]handlerFunc
	healthInterval time.Duration

	mu            sync.Mutex
	connected     bool
	lastCheck     time.Time
	healthRunning bool
	background    sync.WaitGroup
}

type Option func(*Router) error

func WithHealthInterval(d time.Duration) Option {
	return func(r *Router) error {
		if d <= 0 {
			return errors.New("health interval must be positive")
		}
		r.healthInterval = d
		return nil
	}
}

func WithTabs(t Tabs) Option {
	return func(r *Router) error {
		if t == nil {
			return errors.New("tabs is nil")
		}
		r.tabs = t
		return nil
	}
}

func WithLifecycle(l Lifecycle) Option {
	return func(r *Router) error {
		if l == nil {
			return errors.New("lifecycle is nil")
		}
		r.lifecycle = l
		return nil
	}
}

// NewRouter builds a router. Without tabs and lifecycle, tab-directed actions fail.
func NewRouter(b bus.Bus, be Backend, st *settings.Store, conv *conversation.Store, opts ...Option) (*Router, error) {
	if b == nil || be == nil || st == nil || conv == nil {
		return nil, errors.New("coordinator: bus, backend, settings and conversations are required")
	}
	r := &Router{
		bus:            b,
		backend:        be,
		settings:       st,
		conversations:  conv,
		healthInterval: DefaultHealthInterval,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, errors.Wrap(err, "coordinator option")
		}
	}
	r.handlers = map[protocol.Action]handlerFunc{
		protocol.ActionCheckBackendConnection:   r.handleCheckConnection,
		protocol.ActionProcessVideo:             r.handleProcessVideo,
		protocol.ActionAskQuestion:              r.handleAskQuestion,
		protocol.ActionGetVideoInfo:             r.handleGetVideoInfo,
		protocol.ActionTogglePanel:              r.handleTogglePanel,
		protocol.ActionGetSettings:              r.handleGetSettings,
		protocol.ActionUpdateSettings:           r.handleUpdateSettings,
		protocol.ActionGetConversationHistory:   r.handleGetHistory,
		protocol.ActionClearConversationHistory: r.handleClearHistory,
	}
	return r, nil
}

// Register attaches the router to the coordinator endpoint and points the backend client at
// the stored backend URL.
func (r *Router) Register(ctx context.Context) (func(), error) {
	s := r.settings.Load(ctx)
	r.backend.SetBaseURL(s.BackendURL)
	unregister, err := r.bus.Register(bus.Coordinator(), r.Handle)
	if err != nil {
		return nil, errors.Wrap(err, "register coordinator")
	}
	return unregister, nil
}

// Handle answers one request. It never panics and always returns a response.
func (r *Router) Handle(ctx context.Context, req bus.Request) (resp protocol.Response) {
	action := req.Envelope.Action
	logger := log.With().Str("component", "coordinator").Str("action", string(action)).Str("from", req.From.String()).Logger()

	h, ok := r.handlers[action]
	if !ok {
		logger.Warn().Msg("unknown action")
		return protocol.UnknownAction()
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("handler panicked")
			resp = protocol.Fail(errors.Errorf("internal error handling %s", action))
		}
	}()

	start := time.Now()
	resp, err := h(ctx, req)
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("request failed")
		return protocol.Fail(err)
	}
	if resp == nil {
		resp = protocol.OK(nil)
	}
	logger.Debug().Dur("elapsed", time.Since(start)).Msg("request handled")
	return resp
}

// targetTab is the origin's tab or, for contexts without one, the active tab.
func (r *Router) targetTab(ctx context.Context, origin bus.Endpoint) (int, error) {
	if origin.HasTab() {
		return origin.TabID, nil
	}
	if r.tabs == nil {
		return 0, ErrNoActiveTab
	}
	id, err := r.tabs.ActiveTab(ctx)
	if err != nil {
		return 0, errors.Wrap(ErrNoActiveTab, err.Error())
	}
	return id, nil
}

func (r *Router) deliver(ctx context.Context, tabID int, env protocol.Envelope) (json.RawMessage, error) {
	if r.lifecycle == nil {
		return nil, errors.Errorf("cannot reach tab %d", tabID)
	}
	return r.lifecycle.Deliver(ctx, tabID, env)
}

// NotifyTabActivated tells an injected tab that it became active. Tabs without an instance are
// left alone; injection follows navigation, not activation.
func (r *Router) NotifyTabActivated(ctx context.Context, tabID int, url string) {
	if r.lifecycle == nil || !r.lifecycle.Registry().IsKnown(tabID) {
		return
	}
	env := protocol.MustEnvelope(protocol.ActionTabActivated, protocol.TabActivatedPayload{TabID: tabID, URL: url})
	r.goBackground(func() {
		if _, err := r.bus.Send(context.WithoutCancel(ctx), bus.Coordinator(), bus.Content(tabID), env); err != nil {
			log.Debug().Err(err).Str("component", "coordinator").Int("tab_id", tabID).Msg("tab activation not delivered")
		}
	})
}

func (r *Router) goBackground(fn func()) {
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		fn()
	}()
}

// Wait blocks until background work started by handlers has returned.
func (r *Router) Wait() {
	r.background.Wait()
}
