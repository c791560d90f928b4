// Package content is the per-tab side of the extension: the chat panel, its handlers on the
// bus, SPA navigation tracking and the streaming question turns.
package content

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/conversation"
	"github.com/go-go-golems/tubechat/pkg/lifecycle"
	"github.com/go-go-golems/tubechat/pkg/page"
	"github.com/go-go-golems/tubechat/pkg/protocol"
	"github.com/go-go-golems/tubechat/pkg/settings"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

const (
	// InstalledFlag is the page global that marks an installed instance.
	InstalledFlag = "__tubechatInstalled"

	settingsTimeout = 2 * time.Second
)

var (
	ErrTurnInFlight  = errors.New("a question is already being answered")
	ErrNoVideo       = errors.New("no video detected on this page")
	ErrTurnAbandoned = errors.New("turn abandoned")
	ErrBusy          = errors.New("video is already being processed")
)

type Deps struct {
	Bus           bus.Bus
	Backend       *backend.Client
	Conversations *conversation.Store
}

// Instance is the content side of one tab's execution context.
type Instance struct {
	tabID  int
	doc    *page.Document
	bus    bus.Bus
	client *backend.Client
	conv   *conversation.Store
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	url        string
	videoID    string
	settings   settings.Settings
	history    []conversation.Entry
	processed map[string]bool
	inflight  map[string]bool
	turn      *turn
	turnSeq   int
	view      *View
	closed    bool

	unregister  func()
	stopObserve func()
}

// Install sets up the content instance in doc. When doc already has one, it is returned with
// installed set to false and nothing else happens.
func Install(tabID int, doc *page.Document, deps Deps) (inst *Instance, installed bool, err error) {
	if existing := FromDocument(doc); existing != nil {
		return existing, false, nil
	}
	client := deps.Backend
	if client == nil {
		client = backend.NewClient(backend.DefaultBaseURL)
	}
	ctx, cancel := context.WithCancel(context.Background())
	i := &Instance{
		tabID:     tabID,
		doc:       doc,
		bus:       deps.Bus,
		client:    client,
		conv:      deps.Conversations,
		logger:    log.With().Str("component", "content").Int("tab_id", tabID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		settings:  settings.Defaults(),
		processed: map[string]bool{},
		inflight:  map[string]bool{},
	}
	if !doc.SetGlobalOnce(InstalledFlag, i) {
		cancel()
		return FromDocument(doc), false, nil
	}

	i.url = doc.URL()
	i.videoID = youtube.ExtractVideoID(i.url)
	i.view = newView(doc, lifecycle.UIRootID)
	i.view.Reset(i.videoID)

	unregister, err := i.bus.Register(bus.Content(tabID), i.handle)
	if err != nil {
		i.view.Root().Remove()
		cancel()
		return nil, false, errors.Wrapf(err, "register content for tab %d", tabID)
	}
	i.unregister = unregister
	i.stopObserve = doc.Observe(i.onMutation)
	doc.OnUnload(i.Close)

	i.refreshSettings(ctx)
	i.loadHistory(i.videoID)
	i.maybeAutoProcess()
	i.logger.Info().Str("video_id", i.videoID).Msg("content installed")
	return i, true, nil
}

// FromDocument returns the instance installed in doc, if any.
func FromDocument(doc *page.Document) *Instance {
	v, ok := doc.Global(InstalledFlag)
	if !ok {
		return nil
	}
	i, _ := v.(*Instance)
	return i
}

func (i *Instance) TabID() int { return i.tabID }

func (i *Instance) Document() *page.Document { return i.doc }

func (i *Instance) VideoID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.videoID
}

func (i *Instance) History() []conversation.Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]conversation.Entry(nil), i.history...)
}

func (i *Instance) Settings() settings.Settings {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.settings
}

// Busy reports whether a question turn is in flight.
func (i *Instance) Busy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.turn != nil
}

func (i *Instance) PanelVisible() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.view.Visible()
}

func (i *Instance) Status() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.view.Status()
}

func (i *Instance) Transcript() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.view.Transcript()
}

// Close detaches the instance from the bus and abandons any turn. It runs when the page unloads.
func (i *Instance) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	t := i.turn
	i.turn = nil
	i.mu.Unlock()

	if t != nil {
		t.abandon()
	}
	if i.stopObserve != nil {
		i.stopObserve()
	}
	if i.unregister != nil {
		i.unregister()
	}
	i.cancel()
	i.wg.Wait()
	i.logger.Debug().Msg("content closed")
}

func (i *Instance) handle(ctx context.Context, req bus.Request) protocol.Response {
	switch req.Envelope.Action {
	case protocol.ActionTogglePanel:
		i.mu.Lock()
		visible := i.view.Toggle()
		i.mu.Unlock()
		return protocol.OK(map[string]bool{"visible": visible})
	case protocol.ActionProcessVideo:
		var p protocol.ProcessVideoPayload
		if err := req.Envelope.DecodePayload(&p); err != nil {
			return protocol.Fail(err)
		}
		return i.ProcessCurrent(ctx, p.ForceReprocess)
	case protocol.ActionGetVideoID:
		return protocol.VideoID{VideoID: i.VideoID()}
	case protocol.ActionTabActivated:
		var p protocol.TabActivatedPayload
		if err := req.Envelope.DecodePayload(&p); err != nil {
			return protocol.Fail(err)
		}
		if p.URL != "" {
			i.navigate(p.URL)
		}
		i.refreshSettings(ctx)
		i.maybeAutoProcess()
		return protocol.OK(nil)
	}
	return protocol.UnknownAction()
}

// ProcessCurrent asks the coordinator to index the current video and reflects progress in the
// panel status.
func (i *Instance) ProcessCurrent(ctx context.Context, force bool) protocol.Result {
	i.mu.Lock()
	videoID, lang := i.videoID, i.settings.Language
	switch {
	case videoID == "":
		i.mu.Unlock()
		return protocol.Fail(ErrNoVideo)
	case i.inflight[videoID]:
		i.mu.Unlock()
		return protocol.Fail(ErrBusy)
	}
	i.inflight[videoID] = true
	i.view.SetStatus("Processing video...")
	i.mu.Unlock()

	env := protocol.MustEnvelope(protocol.ActionProcessVideo, protocol.ProcessVideoPayload{
		VideoID:        videoID,
		Language:       lang,
		ForceReprocess: force,
	})
	res, err := bus.Call[protocol.Result](ctx, i.bus, bus.Content(i.tabID), bus.Coordinator(), env)
	if err == nil {
		err = res.Err()
	}

	var processed struct {
		TotalChunks int `json:"total_chunks"`
	}
	if err == nil {
		_ = res.DecodeData(&processed)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inflight, videoID)
	if i.videoID != videoID {
		// navigated away meanwhile; the result belongs to another subject
		if err != nil {
			return protocol.Fail(err)
		}
		return res
	}
	if err != nil {
		i.view.SetStatus("Processing failed: " + err.Error())
		i.logger.Warn().Err(err).Str("video_id", videoID).Msg("processing failed")
		return protocol.Fail(err)
	}
	i.processed[videoID] = true
	i.view.SetStatus("Ready")
	i.logger.Info().Str("video_id", videoID).Int("total_chunks", processed.TotalChunks).Msg("video processed")
	return res
}

// refreshSettings pulls the current settings from the coordinator. Failures keep the last
// known values.
func (i *Instance) refreshSettings(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, settingsTimeout)
	defer cancel()
	res, err := bus.Call[protocol.Result](ctx, i.bus, bus.Content(i.tabID), bus.Coordinator(), protocol.MustEnvelope(protocol.ActionGetSettings, nil))
	if err == nil {
		err = res.Err()
	}
	s := settings.Defaults()
	if err == nil {
		err = res.DecodeData(&s)
	}
	if err != nil {
		i.logger.Debug().Err(err).Msg("settings unavailable, keeping current")
		return
	}
	i.client.SetBaseURL(s.BackendURL)
	i.mu.Lock()
	i.settings = s
	i.view.SetDark(s.DarkMode)
	i.mu.Unlock()
}

func (i *Instance) loadHistory(videoID string) {
	if videoID == "" || i.conv == nil {
		return
	}
	entries := i.conv.Load(i.ctx, videoID)
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.videoID != videoID {
		return
	}
	i.history = entries
	i.view.Replay(entries)
}

func (i *Instance) maybeAutoProcess() {
	i.mu.Lock()
	run := i.settings.AutoProcess && i.videoID != "" && !i.processed[i.videoID] && !i.inflight[i.videoID] && !i.closed
	if run {
		i.wg.Add(1)
	}
	i.mu.Unlock()
	if !run {
		return
	}
	go func() {
		defer i.wg.Done()
		i.ProcessCurrent(i.ctx, false)
	}()
}
