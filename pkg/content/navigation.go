package content

import (
	"github.com/go-go-golems/tubechat/pkg/page"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

// onMutation runs on the document goroutine. Single page navigations do not reload the page,
// so every mutation is a chance to notice that the URL moved on.
func (i *Instance) onMutation(page.Mutation) {
	i.navigate(i.doc.URL())
}

// navigate resets the panel when url points at a different video than the one shown. An
// in-flight turn for the previous video is abandoned and nothing of it is rendered.
func (i *Instance) navigate(url string) {
	i.mu.Lock()
	if i.closed || url == i.url {
		i.mu.Unlock()
		return
	}
	i.url = url
	videoID := youtube.ExtractVideoID(url)
	if videoID == i.videoID {
		i.mu.Unlock()
		return
	}
	previous := i.videoID
	t := i.turn
	i.turn = nil
	i.videoID = videoID
	i.history = nil
	i.view.Reset(videoID)
	i.mu.Unlock()

	if t != nil {
		t.abandon()
	}
	i.logger.Info().Str("from", previous).Str("to", videoID).Msg("video changed")
	i.loadHistory(videoID)
	i.maybeAutoProcess()
}
