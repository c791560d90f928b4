package extension

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/browser"
	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/config"
	"github.com/go-go-golems/tubechat/pkg/conversation"
	"github.com/go-go-golems/tubechat/pkg/lifecycle"
	"github.com/go-go-golems/tubechat/pkg/popup"
	"github.com/go-go-golems/tubechat/pkg/protocol"
	"github.com/go-go-golems/tubechat/pkg/stream"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

const (
	videoURL = "https://www.youtube.com/watch?v=abc123"
	question = "What is this about?"
)

type ragBackend struct {
	*httptest.Server

	mu        sync.Mutex
	processed []backend.ProcessRequest
	asked     []backend.QuestionRequest
}

func newRAGBackend(t *testing.T) *ragBackend {
	rb := &ragBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, backend.HealthStatus{Status: "healthy", Components: map[string]bool{"vector_store": true}})
	})
	mux.HandleFunc("POST /process_video", func(w http.ResponseWriter, r *http.Request) {
		var req backend.ProcessRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		rb.mu.Lock()
		rb.processed = append(rb.processed, req)
		rb.mu.Unlock()
		writeJSON(w, backend.ProcessResult{VideoID: req.VideoID, TotalChunks: 4, ProcessingStatus: "completed"})
	})
	mux.HandleFunc("POST /ask_question_stream", func(w http.ResponseWriter, r *http.Request) {
		var req backend.QuestionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		rb.mu.Lock()
		rb.asked = append(rb.asked, req)
		rb.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range []stream.Event{
			stream.NewTextEvent(stream.EventToken, "This video "),
			stream.NewTextEvent(stream.EventToken, "is about Go."),
			stream.NewSourcesEvent([]backend.Source{{SourceID: 1, Text: "Welcome to Go", Timestamp: "00:00:05", Score: 0.92}}),
			stream.NewTextEvent(stream.EventDone, ""),
		} {
			raw, _ := stream.Encode(ev)
			_, _ = w.Write(raw)
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("GET /video/{id}/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, backend.Summary{VideoID: r.PathValue("id"), Summary: "A talk about Go.", KeyPoints: []string{"goroutines"}})
	})
	rb.Server = httptest.NewServer(mux)
	t.Cleanup(rb.Close)
	return rb
}

func (rb *ragBackend) processCalls() []backend.ProcessRequest {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return append([]backend.ProcessRequest(nil), rb.processed...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func noSleep() lifecycle.Sleeper {
	return lifecycle.SleeperFunc(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
}

func newExtension(t *testing.T, busDriver string) (*Extension, *ragBackend) {
	rb := newRAGBackend(t)
	cfg := config.Default()
	cfg.Backend.URL = rb.URL
	cfg.Bus.Driver = busDriver
	ext, err := New(context.Background(), cfg, WithSleeper(noSleep()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ext.Close()) })
	return ext, rb
}

func TestScenarioAskAboutVideo(t *testing.T) {
	for _, driver := range []string{config.BusLocal, config.BusWatermill} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			ext, rb := newExtension(t, driver)

			tabID := ext.OpenTab(ctx, videoURL)
			require.True(t, ext.Lifecycle().Registry().IsKnown(tabID))
			doc, err := ext.Host().Document(tabID)
			require.NoError(t, err)
			require.Equal(t, 1, doc.CountByID(lifecycle.UIRootID))
			require.Equal(t, []string{lifecycle.PresentationFile}, doc.Styles())

			p := ext.Popup()
			st, err := p.Open(ctx)
			require.NoError(t, err)
			require.True(t, st.Connected)
			require.Equal(t, rb.URL, st.Settings.BackendURL)

			chunks, err := p.ProcessCurrentVideo(ctx)
			require.NoError(t, err)
			require.Equal(t, 4, chunks)
			calls := rb.processCalls()
			require.Len(t, calls, 1)
			require.Equal(t, "abc123", calls[0].VideoID)
			require.Equal(t, "en", calls[0].Language)

			visible, err := p.TogglePanel(ctx)
			require.NoError(t, err)
			require.True(t, visible)

			inst, err := ext.Content(tabID)
			require.NoError(t, err)
			require.Equal(t, "Ready", inst.Status())
			answer, err := inst.Ask(ctx, question)
			require.NoError(t, err)
			require.Equal(t, "This video is about Go.", answer)
			require.NotNil(t, doc.GetElementByID("turn-1-sources"))

			res, err := bus.Call[protocol.Result](ctx, ext.Bus(), bus.Popup(), bus.Coordinator(),
				protocol.MustEnvelope(protocol.ActionGetConversationHistory, protocol.VideoPayload{VideoID: "abc123"}))
			require.NoError(t, err)
			var entries []conversation.Entry
			require.NoError(t, res.DecodeData(&entries))
			require.Len(t, entries, 1)
			require.Equal(t, question, entries[0].Question)
			require.Equal(t, answer, entries[0].Answer)

			res, err = bus.Call[protocol.Result](ctx, ext.Bus(), bus.Popup(), bus.Coordinator(),
				protocol.MustEnvelope(protocol.ActionGetVideoInfo, protocol.VideoPayload{VideoID: "abc123"}))
			require.NoError(t, err)
			var sum backend.Summary
			require.NoError(t, res.DecodeData(&sum))
			require.Equal(t, "A talk about Go.", sum.Summary)
		})
	}
}

func TestHistoryFollowsTheVideoAcrossReloads(t *testing.T) {
	ctx := context.Background()
	ext, _ := newExtension(t, config.BusLocal)
	tabID := ext.OpenTab(ctx, videoURL)
	inst, err := ext.Content(tabID)
	require.NoError(t, err)
	_, err = inst.Ask(ctx, question)
	require.NoError(t, err)

	require.NoError(t, ext.Navigate(ctx, tabID, videoURL))
	fresh, err := ext.Content(tabID)
	require.NoError(t, err)
	require.NotSame(t, inst, fresh)
	require.Len(t, fresh.History(), 1)
	require.Equal(t, []string{"user: " + question, "assistant: This video is about Go."}, fresh.Transcript())
}

func TestSinglePageNavigationSwitchesVideo(t *testing.T) {
	ctx := context.Background()
	ext, _ := newExtension(t, config.BusLocal)
	tabID := ext.OpenTab(ctx, videoURL)
	inst, err := ext.Content(tabID)
	require.NoError(t, err)

	require.NoError(t, ext.Host().PushState(tabID, "https://www.youtube.com/watch?v=xyz789"))
	require.Eventually(t, func() bool { return inst.VideoID() == "xyz789" }, 2*time.Second, 5*time.Millisecond)

	same, err := ext.Content(tabID)
	require.NoError(t, err)
	require.Same(t, inst, same)
	doc, err := ext.Host().Document(tabID)
	require.NoError(t, err)
	require.Equal(t, 1, doc.CountByID(lifecycle.UIRootID))
}

func TestInjectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ext, _ := newExtension(t, config.BusLocal)
	tabID := ext.OpenTab(ctx, videoURL)

	// a forgotten registry entry must not lead to a second UI
	ext.Lifecycle().Registry().Evict(tabID)
	require.NoError(t, ext.Lifecycle().EnsureInjected(ctx, tabID))
	require.NoError(t, ext.Lifecycle().Inject(ctx, tabID))

	doc, err := ext.Host().Document(tabID)
	require.NoError(t, err)
	require.Equal(t, 1, doc.CountByID(lifecycle.UIRootID))
	require.True(t, ext.Lifecycle().Registry().IsKnown(tabID))
}

func TestLeavingAndClosingTabsEvicts(t *testing.T) {
	ctx := context.Background()
	ext, _ := newExtension(t, config.BusLocal)
	tabID := ext.OpenTab(ctx, videoURL)
	require.True(t, ext.Lifecycle().Registry().IsKnown(tabID))

	require.NoError(t, ext.Navigate(ctx, tabID, "https://example.com/"))
	require.False(t, ext.Lifecycle().Registry().IsKnown(tabID))
	_, err := ext.Content(tabID)
	require.Error(t, err)

	require.NoError(t, ext.Navigate(ctx, tabID, videoURL))
	require.True(t, ext.Lifecycle().Registry().IsKnown(tabID))

	ext.Host().CloseTab(tabID)
	require.False(t, ext.Lifecycle().Registry().IsKnown(tabID))
	require.Zero(t, ext.Lifecycle().Registry().Len())
}

func TestTogglePanelWithoutVideoTab(t *testing.T) {
	ctx := context.Background()
	ext, _ := newExtension(t, config.BusLocal)
	ext.OpenTab(ctx, "https://example.com/")

	p := ext.Popup()
	_, err := p.Open(ctx)
	require.NoError(t, err)
	_, err = p.TogglePanel(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, popup.ErrDisconnected)
}

func TestHealthLoopMarksConnected(t *testing.T) {
	ext, _ := newExtension(t, config.BusLocal)
	ext.StartHealthLoop(context.Background())
	require.Eventually(t, func() bool {
		ok, _ := ext.Router().Connected()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTabsOpenedBeforeInstallAreInjectedOnDemand(t *testing.T) {
	ctx := context.Background()
	host := browser.NewHost(browser.WithPermissions(youtube.IsYouTube))
	defer host.Close()
	tabID := host.OpenTab(ctx, videoURL)

	rb := newRAGBackend(t)
	cfg := config.Default()
	cfg.Backend.URL = rb.URL
	ext, err := New(ctx, cfg, WithHost(host), WithSleeper(noSleep()))
	require.NoError(t, err)
	defer func() { require.NoError(t, ext.Close()) }()

	_, err = ext.Content(tabID)
	require.Error(t, err)

	p := ext.Popup()
	_, err = p.Open(ctx)
	require.NoError(t, err)
	visible, err := p.TogglePanel(ctx)
	require.NoError(t, err)
	require.True(t, visible)
	inst, err := ext.Content(tabID)
	require.NoError(t, err)
	require.True(t, inst.PanelVisible())
	require.True(t, ext.Lifecycle().Registry().IsKnown(tabID))
}
