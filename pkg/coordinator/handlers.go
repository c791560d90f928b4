package coordinator

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/protocol"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

var (
	ErrMissingVideoID  = errors.New("video id is required")
	ErrMissingQuestion = errors.New("question is required")
)

func (r *Router) handleCheckConnection(ctx context.Context, _ bus.Request) (protocol.Response, error) {
	return protocol.Connected{Connected: r.CheckConnection(ctx)}, nil
}

// handleProcessVideo indexes a video. Without a video id the request is about the current tab:
// a context without a tab hands it to the active tab's instance, which knows its video and
// comes back with the id; a tab is asked for its video id directly.
func (r *Router) handleProcessVideo(ctx context.Context, req bus.Request) (protocol.Response, error) {
	var p protocol.ProcessVideoPayload
	if err := req.Envelope.DecodePayload(&p); err != nil {
		return nil, err
	}
	videoID := youtube.Normalize(p.VideoID)

	if videoID == "" {
		tabID, err := r.targetTab(ctx, req.From)
		if err != nil {
			return nil, err
		}
		if !req.From.HasTab() {
			raw, err := r.deliver(ctx, tabID, req.Envelope)
			if err != nil {
				return nil, err
			}
			return protocol.Raw(raw), nil
		}
		raw, err := r.deliver(ctx, tabID, protocol.MustEnvelope(protocol.ActionGetVideoID, nil))
		if err != nil {
			return nil, err
		}
		vid, err := protocol.Decode[protocol.VideoID](raw)
		if err != nil {
			return nil, err
		}
		if videoID = vid.VideoID; videoID == "" {
			return nil, errors.Wrapf(ErrMissingVideoID, "tab %d shows no video", tabID)
		}
	}

	lang := p.Language
	if lang == "" {
		lang = r.settings.Load(ctx).Language
	}
	res, err := r.backend.ProcessVideo(ctx, backend.ProcessRequest{
		VideoID:        videoID,
		Language:       lang,
		ForceReprocess: p.ForceReprocess,
	})
	if err != nil {
		r.noteTransportError(err)
		return nil, errors.Wrapf(err, "process video %s", videoID)
	}
	log.Info().Str("component", "coordinator").Str("video_id", videoID).Int("total_chunks", res.TotalChunks).Msg("video processed")
	return protocol.OK(res), nil
}

func (r *Router) handleAskQuestion(ctx context.Context, req bus.Request) (protocol.Response, error) {
	var p protocol.AskQuestionPayload
	if err := req.Envelope.DecodePayload(&p); err != nil {
		return nil, err
	}
	videoID := youtube.Normalize(p.VideoID)
	switch {
	case strings.TrimSpace(p.Question) == "":
		return nil, ErrMissingQuestion
	case videoID == "":
		return nil, ErrMissingVideoID
	}
	ans, err := r.backend.AskQuestion(ctx, backend.QuestionRequest{
		Question:       p.Question,
		VideoID:        videoID,
		IncludeSources: r.settings.Load(ctx).ShowSources,
	})
	if err != nil {
		r.noteTransportError(err)
		return nil, errors.Wrap(err, "ask question")
	}
	return protocol.OK(ans), nil
}

func (r *Router) handleGetVideoInfo(ctx context.Context, req bus.Request) (protocol.Response, error) {
	videoID, err := videoFromPayload(req)
	if err != nil {
		return nil, err
	}
	sum, err := r.backend.Summary(ctx, videoID)
	if err != nil {
		r.noteTransportError(err)
		return nil, errors.Wrapf(err, "video info %s", videoID)
	}
	return protocol.OK(sum), nil
}

func (r *Router) handleTogglePanel(ctx context.Context, req bus.Request) (protocol.Response, error) {
	tabID, err := r.targetTab(ctx, req.From)
	if err != nil {
		return nil, err
	}
	raw, err := r.deliver(ctx, tabID, req.Envelope)
	if err != nil {
		return nil, err
	}
	return protocol.Raw(raw), nil
}

func (r *Router) handleGetSettings(ctx context.Context, _ bus.Request) (protocol.Response, error) {
	return protocol.OK(r.settings.Load(ctx).Map()), nil
}

// handleUpdateSettings persists the patch, repoints the backend client and rechecks the
// connection without holding up the reply.
func (r *Router) handleUpdateSettings(ctx context.Context, req bus.Request) (protocol.Response, error) {
	var p protocol.UpdateSettingsPayload
	if err := req.Envelope.DecodePayload(&p); err != nil {
		return nil, err
	}
	s, err := r.settings.Update(ctx, p.Settings)
	if err != nil {
		return nil, err
	}
	r.backend.SetBaseURL(s.BackendURL)
	r.goBackground(func() { r.CheckConnection(context.WithoutCancel(ctx)) })
	return protocol.OK(s.Map()), nil
}

func (r *Router) handleGetHistory(ctx context.Context, req bus.Request) (protocol.Response, error) {
	videoID, err := videoFromPayload(req)
	if err != nil {
		return nil, err
	}
	return protocol.OK(r.conversations.Load(ctx, videoID)), nil
}

func (r *Router) handleClearHistory(ctx context.Context, req bus.Request) (protocol.Response, error) {
	videoID, err := videoFromPayload(req)
	if err != nil {
		return nil, err
	}
	if err := r.conversations.Clear(ctx, videoID); err != nil {
		return nil, err
	}
	return protocol.OK(nil), nil
}

func videoFromPayload(req bus.Request) (string, error) {
	var p protocol.VideoPayload
	if err := req.Envelope.DecodePayload(&p); err != nil {
		return "", err
	}
	videoID := youtube.Normalize(p.VideoID)
	if videoID == "" {
		return "", ErrMissingVideoID
	}
	return videoID, nil
}
