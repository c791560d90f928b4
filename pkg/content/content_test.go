package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/conversation"
	"github.com/go-go-golems/tubechat/pkg/kv"
	"github.com/go-go-golems/tubechat/pkg/lifecycle"
	"github.com/go-go-golems/tubechat/pkg/page"
	"github.com/go-go-golems/tubechat/pkg/protocol"
	"github.com/go-go-golems/tubechat/pkg/settings"
	"github.com/go-go-golems/tubechat/pkg/stream"
)

const watchABC = "https://www.youtube.com/watch?v=abc123"

type harness struct {
	bus      *bus.LocalBus
	conv     *conversation.Store
	server   *httptest.Server
	settings settings.Settings

	mu        sync.Mutex
	processed []protocol.ProcessVideoPayload
	answer    func(w http.ResponseWriter, r *http.Request)
	process   func(ctx context.Context) protocol.Response
}

func newHarness(t *testing.T, s settings.Settings) *harness {
	h := &harness{
		bus:      bus.NewLocalBus(),
		conv:     conversation.NewStore(kv.NewMemoryStore()),
		settings: s,
	}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		answer := h.answer
		h.mu.Unlock()
		if r.URL.Path != "/ask_question_stream" || answer == nil {
			http.NotFound(w, r)
			return
		}
		answer(w, r)
	}))
	t.Cleanup(h.server.Close)
	t.Cleanup(func() { _ = h.bus.Close() })
	h.settings.BackendURL = h.server.URL

	_, err := h.bus.Register(bus.Coordinator(), func(ctx context.Context, req bus.Request) protocol.Response {
		switch req.Envelope.Action {
		case protocol.ActionGetSettings:
			return protocol.OK(h.settings.Map())
		case protocol.ActionProcessVideo:
			var p protocol.ProcessVideoPayload
			if err := req.Envelope.DecodePayload(&p); err != nil {
				return protocol.Fail(err)
			}
			h.mu.Lock()
			h.processed = append(h.processed, p)
			process := h.process
			h.mu.Unlock()
			if process != nil {
				return process(ctx)
			}
			return protocol.OK(map[string]int{"total_chunks": 3})
		}
		return protocol.UnknownAction()
	})
	require.NoError(t, err)
	return h
}

func (h *harness) setAnswer(fn func(w http.ResponseWriter, r *http.Request)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answer = fn
}

func (h *harness) processCalls() []protocol.ProcessVideoPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.ProcessVideoPayload(nil), h.processed...)
}

func (h *harness) install(t *testing.T, tabID int, doc *page.Document) *Instance {
	inst, installed, err := Install(tabID, doc, Deps{
		Bus:           h.bus,
		Backend:       backend.NewClient("http://unused.invalid"),
		Conversations: h.conv,
	})
	require.NoError(t, err)
	require.True(t, installed)
	t.Cleanup(doc.Destroy)
	return inst
}

func writeEvents(t *testing.T, w http.ResponseWriter, events ...stream.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, ev := range events {
		raw, err := stream.Encode(ev)
		if err != nil {
			t.Errorf("encode: %v", err)
			return
		}
		_, _ = w.Write(raw)
		w.(http.Flusher).Flush()
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	doc := page.NewDocument(watchABC)
	first := h.install(t, 1, doc)

	second, installed, err := Install(1, doc, Deps{Bus: h.bus, Conversations: h.conv})
	require.NoError(t, err)
	require.False(t, installed)
	require.Same(t, first, second)
	require.Equal(t, 1, doc.CountByID(lifecycle.UIRootID))
	require.True(t, h.bus.Registered(bus.Content(1)))
}

func TestInstallPicksUpSettingsAndHistory(t *testing.T) {
	s := settings.Defaults()
	s.DarkMode = true
	h := newHarness(t, s)
	_, err := h.conv.Append(context.Background(), "abc123", conversation.NewEntry("q1", "a1"))
	require.NoError(t, err)

	inst := h.install(t, 1, page.NewDocument(watchABC))
	require.True(t, inst.Settings().DarkMode)
	require.Equal(t, h.server.URL, inst.client.BaseURL())
	require.Len(t, inst.History(), 1)
	require.Equal(t, []string{"user: q1", "assistant: a1"}, inst.Transcript())
	require.Contains(t, inst.doc.GetElementByID(lifecycle.UIRootID).Attr("class"), "dark")
}

func TestTogglePanelOverBus(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	inst := h.install(t, 7, page.NewDocument(watchABC))
	require.False(t, inst.PanelVisible())

	res, err := bus.Call[protocol.Result](context.Background(), h.bus, bus.Popup(), bus.Content(7), protocol.MustEnvelope(protocol.ActionTogglePanel, nil))
	require.NoError(t, err)
	require.True(t, res.Success)
	var data struct {
		Visible bool `json:"visible"`
	}
	require.NoError(t, res.DecodeData(&data))
	require.True(t, data.Visible)
	require.True(t, inst.PanelVisible())
	require.False(t, inst.doc.GetElementByID(lifecycle.UIRootID).Hidden())
}

func TestGetVideoIDAndUnknownAction(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	h.install(t, 2, page.NewDocument(watchABC))

	vid, err := bus.Call[protocol.VideoID](context.Background(), h.bus, bus.Coordinator(), bus.Content(2), protocol.MustEnvelope(protocol.ActionGetVideoID, nil))
	require.NoError(t, err)
	require.Equal(t, "abc123", vid.VideoID)

	raw, err := h.bus.Send(context.Background(), bus.Coordinator(), bus.Content(2), protocol.Envelope{Action: "reticulateSplines"})
	require.NoError(t, err)
	require.True(t, protocol.IsUnknownAction(raw))
}

func TestProcessVideoUsesLanguageSetting(t *testing.T) {
	s := settings.Defaults()
	s.Language = "fr"
	h := newHarness(t, s)
	inst := h.install(t, 3, page.NewDocument(watchABC))

	res := inst.ProcessCurrent(context.Background(), true)
	require.NoError(t, res.Err())
	calls := h.processCalls()
	require.Len(t, calls, 1)
	require.Equal(t, protocol.ProcessVideoPayload{VideoID: "abc123", Language: "fr", ForceReprocess: true}, calls[0])
	require.Equal(t, "Ready", inst.Status())
}

func TestProcessVideoWithoutVideo(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	inst := h.install(t, 3, page.NewDocument("https://www.youtube.com/"))
	require.ErrorContains(t, inst.ProcessCurrent(context.Background(), false).Err(), ErrNoVideo.Error())
	require.Empty(t, h.processCalls())
}

func TestProcessFailureAfterNavigationIsReported(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	started := make(chan struct{})
	release := make(chan struct{})
	h.mu.Lock()
	h.process = func(ctx context.Context) protocol.Response {
		close(started)
		<-release
		return protocol.Fail(backend.ErrTimeout)
	}
	h.mu.Unlock()
	doc := page.NewDocument(watchABC)
	inst := h.install(t, 3, doc)

	resc := make(chan protocol.Result, 1)
	go func() { resc <- inst.ProcessCurrent(context.Background(), false) }()
	<-started
	doc.SetURL("https://www.youtube.com/watch?v=xyz789")
	require.Eventually(t, func() bool { return inst.VideoID() == "xyz789" }, 2*time.Second, 5*time.Millisecond)
	close(release)

	res := <-resc
	require.False(t, res.Success)
	require.ErrorContains(t, res.Err(), backend.ErrTimeout.Error())
}

func TestAutoProcessOnInstall(t *testing.T) {
	s := settings.Defaults()
	s.AutoProcess = true
	h := newHarness(t, s)
	h.install(t, 4, page.NewDocument(watchABC))
	require.Eventually(t, func() bool { return len(h.processCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAskStreamsFinalizesAndPersists(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	h.setAnswer(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w,
			stream.NewTextEvent(stream.EventToken, "It is "),
			stream.NewTextEvent(stream.EventToken, "about Go."),
			stream.NewTextEvent(stream.EventDone, ""),
			stream.NewSourcesEvent([]backend.Source{{SourceID: 1, Text: "intro", Timestamp: "00:01"}}),
		)
	})
	inst := h.install(t, 1, page.NewDocument(watchABC))

	answer, err := inst.Ask(context.Background(), "What is this about?")
	require.NoError(t, err)
	require.Equal(t, "It is about Go.", answer)
	require.False(t, inst.Busy())

	stored := h.conv.Load(context.Background(), "abc123")
	require.Len(t, stored, 1)
	require.Equal(t, "What is this about?", stored[0].Question)
	require.Equal(t, "It is about Go.", stored[0].Answer)

	require.NotNil(t, inst.doc.GetElementByID("turn-1-sources"))
	require.Equal(t, "done", inst.doc.GetElementByID("turn-1-a").Attr("state"))
}

func TestAskStreamReportsAccumulatedText(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	h.setAnswer(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w,
			stream.NewTextEvent(stream.EventToken, "It is "),
			stream.NewTextEvent(stream.EventToken, "about Go."),
			stream.NewTextEvent(stream.EventDone, ""),
		)
	})
	inst := h.install(t, 1, page.NewDocument(watchABC))

	var seen []string
	answer, err := inst.AskStream(context.Background(), "q", func(text string) {
		seen = append(seen, text)
	})
	require.NoError(t, err)
	require.Equal(t, "It is about Go.", answer)
	require.NotEmpty(t, seen)
	require.Equal(t, "It is about Go.", seen[len(seen)-1])
}

func TestAskStreamCallbackCanQueryInstance(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	h.setAnswer(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w,
			stream.NewTextEvent(stream.EventToken, "partial"),
			stream.NewTextEvent(stream.EventDone, ""),
		)
	})
	inst := h.install(t, 1, page.NewDocument(watchABC))

	done := make(chan error, 1)
	var busy []bool
	var videos []string
	go func() {
		_, err := inst.AskStream(context.Background(), "q", func(string) {
			busy = append(busy, inst.Busy())
			videos = append(videos, inst.VideoID())
			_ = inst.Transcript()
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("callback blocked on the instance")
	}
	require.NotEmpty(t, busy)
	require.True(t, busy[0])
	require.Equal(t, "abc123", videos[0])
}

func TestAskHidesSourcesWhenDisabled(t *testing.T) {
	s := settings.Defaults()
	s.ShowSources = false
	h := newHarness(t, s)
	h.setAnswer(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w,
			stream.NewTextEvent(stream.EventToken, "answer"),
			stream.NewSourcesEvent([]backend.Source{{SourceID: 1, Text: "intro"}}),
			stream.NewTextEvent(stream.EventDone, ""),
		)
	})
	inst := h.install(t, 1, page.NewDocument(watchABC))

	_, err := inst.Ask(context.Background(), "q")
	require.NoError(t, err)
	require.Nil(t, inst.doc.GetElementByID("turn-1-sources"))
}

func TestAskShowsInlineError(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	h.setAnswer(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w,
			stream.NewTextEvent(stream.EventToken, "partial"),
			stream.NewTextEvent(stream.EventError, "model overloaded"),
		)
	})
	inst := h.install(t, 1, page.NewDocument(watchABC))

	_, err := inst.Ask(context.Background(), "q")
	require.EqualError(t, err, "model overloaded")
	require.Nil(t, inst.doc.GetElementByID("turn-1-a"))
	require.Equal(t, "Error: model overloaded", inst.doc.GetElementByID("turn-1-error").Text())
	require.Empty(t, h.conv.Load(context.Background(), "abc123"))
}

func TestAskBackendStatusError(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	h.setAnswer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Video not processed"}`))
	})
	inst := h.install(t, 1, page.NewDocument(watchABC))

	_, err := inst.Ask(context.Background(), "q")
	require.Error(t, err)
	require.True(t, backend.IsStatus(err, http.StatusNotFound))
	require.NotNil(t, inst.doc.GetElementByID("turn-1-error"))
	require.False(t, inst.Busy())
}

func TestAskRejectsEmptyAndMissingVideo(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	inst := h.install(t, 1, page.NewDocument("https://www.youtube.com/feed"))

	_, err := inst.Ask(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyQuestion)
	_, err = inst.Ask(context.Background(), "q")
	require.ErrorIs(t, err, ErrNoVideo)
}

// blockingAnswer sends one token and holds the stream open until the request goes away or
// release is closed.
func blockingAnswer(t *testing.T, started chan<- struct{}, release <-chan struct{}) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w, stream.NewTextEvent(stream.EventToken, "thinking"))
		started <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
			writeEvents(t, w, stream.NewTextEvent(stream.EventDone, ""))
		}
	}
}

func TestSecondQuestionRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.setAnswer(blockingAnswer(t, started, release))
	inst := h.install(t, 1, page.NewDocument(watchABC))

	type result struct {
		answer string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		a, err := inst.Ask(context.Background(), "first")
		done <- result{a, err}
	}()
	<-started
	require.Eventually(t, func() bool {
		a := inst.doc.GetElementByID("turn-1-a")
		return a != nil && a.Text() == "thinking"
	}, 2*time.Second, 5*time.Millisecond)

	_, err := inst.Ask(context.Background(), "second")
	require.ErrorIs(t, err, ErrTurnInFlight)

	close(release)
	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, "thinking", r.answer)
}

func TestNavigationAbandonsTurnAndResetsPanel(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	_, err := h.conv.Append(context.Background(), "xyz789", conversation.NewEntry("old q", "old a"))
	require.NoError(t, err)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	h.setAnswer(blockingAnswer(t, started, release))
	doc := page.NewDocument(watchABC)
	inst := h.install(t, 1, doc)

	errc := make(chan error, 1)
	go func() {
		_, err := inst.Ask(context.Background(), "first")
		errc <- err
	}()
	<-started

	doc.SetURL("https://www.youtube.com/watch?v=xyz789")
	require.ErrorIs(t, <-errc, ErrTurnAbandoned)
	require.Eventually(t, func() bool { return inst.VideoID() == "xyz789" && len(inst.History()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Nil(t, doc.GetElementByID("turn-1-a"))
	require.Nil(t, doc.GetElementByID("turn-1-error"))
	require.Equal(t, []string{"user: old q", "assistant: old a"}, inst.Transcript())
	require.Empty(t, h.conv.Load(context.Background(), "abc123"))
	require.False(t, inst.Busy())
}

func TestSameVideoURLChangeKeepsConversation(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	h.setAnswer(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w, stream.NewTextEvent(stream.EventToken, "a"), stream.NewTextEvent(stream.EventDone, ""))
	})
	doc := page.NewDocument(watchABC)
	inst := h.install(t, 1, doc)
	_, err := inst.Ask(context.Background(), "q")
	require.NoError(t, err)

	doc.SetURL(watchABC + "&t=42s")
	require.Eventually(t, func() bool {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		return strings.HasSuffix(inst.url, "t=42s")
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "abc123", inst.VideoID())
	require.Len(t, inst.History(), 1)
	require.NotNil(t, doc.GetElementByID("turn-1-a"))
}

func TestUnloadDetachesFromBus(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	doc := page.NewDocument(watchABC)
	h.install(t, 5, doc)
	require.True(t, h.bus.Registered(bus.Content(5)))

	doc.Destroy()
	require.False(t, h.bus.Registered(bus.Content(5)))
	_, err := h.bus.Send(context.Background(), bus.Coordinator(), bus.Content(5), protocol.MustEnvelope(protocol.ActionGetVideoID, nil))
	require.ErrorIs(t, err, bus.ErrNoListener)
}

func TestClearHistory(t *testing.T) {
	h := newHarness(t, settings.Defaults())
	_, err := h.conv.Append(context.Background(), "abc123", conversation.NewEntry("q", "a"))
	require.NoError(t, err)
	inst := h.install(t, 1, page.NewDocument(watchABC))
	require.Len(t, inst.Transcript(), 2)

	require.NoError(t, inst.ClearHistory(context.Background()))
	require.Empty(t, inst.Transcript())
	require.Empty(t, h.conv.Load(context.Background(), "abc123"))
}
