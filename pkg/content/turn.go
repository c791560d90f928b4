package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/conversation"
	"github.com/go-go-golems/tubechat/pkg/stream"
)

var ErrEmptyQuestion = errors.New("question is empty")

// turn is one question and its streamed answer. Its result fields are written by the renderer
// under the instance lock.
type turn struct {
	id       string
	videoID  string
	question string
	asm      *stream.Assembler
	cancel   context.CancelFunc
	onText   func(string)

	finalized bool
	answer    string
	err       error
}

func (t *turn) abandon() {
	t.asm.Invalidate()
	t.cancel()
}

// Ask streams the answer to question into the panel and returns it once complete. Only one
// turn runs at a time. A turn abandoned by navigation or unload returns ErrTurnAbandoned.
func (i *Instance) Ask(ctx context.Context, question string) (string, error) {
	return i.AskStream(ctx, question, nil)
}

// AskStream is Ask with onText called with the accumulated answer after every chunk. onText
// runs without the instance lock held, so it may query the instance, but it must not Close it.
func (i *Instance) AskStream(ctx context.Context, question string, onText func(string)) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(i.ctx, cancel)
	defer stop()

	i.mu.Lock()
	switch {
	case i.closed:
		i.mu.Unlock()
		return "", ErrTurnAbandoned
	case i.videoID == "":
		i.mu.Unlock()
		return "", ErrNoVideo
	case i.turn != nil:
		i.mu.Unlock()
		return "", ErrTurnInFlight
	}
	i.turnSeq++
	t := &turn{
		id:       fmt.Sprintf("turn-%d", i.turnSeq),
		videoID:  i.videoID,
		question: question,
		cancel:   cancel,
		onText:   onText,
	}
	r := &turnRenderer{inst: i, turn: t}
	t.asm = stream.NewAssembler(r).WithLogger(i.logger.With().Str("turn", t.id).Str("video_id", t.videoID).Logger())
	i.turn = t
	i.view.AddPending(t.id, question)
	i.mu.Unlock()

	resp, err := i.client.AskQuestionStream(tctx, backend.QuestionRequest{
		Question:       question,
		VideoID:        t.videoID,
		IncludeSources: true,
	})
	if err != nil {
		if !t.asm.Finished() {
			r.Fail(err)
		}
	} else {
		_ = t.asm.Consume(tctx, resp.Body, resp.ContentType)
		_ = resp.Close()
	}

	i.mu.Lock()
	if i.turn == t {
		i.turn = nil
	}
	finalized, answer, terr := t.finalized, t.answer, t.err
	i.mu.Unlock()

	switch {
	case finalized:
		if i.conv != nil {
			if _, err := i.conv.Append(ctx, t.videoID, conversation.NewEntry(question, answer)); err != nil {
				i.logger.Warn().Err(err).Str("video_id", t.videoID).Msg("could not persist conversation entry")
			}
		}
		return answer, nil
	case terr != nil:
		return "", terr
	}
	return "", ErrTurnAbandoned
}

// ClearHistory forgets the conversation of the current video, in storage and in the panel.
func (i *Instance) ClearHistory(ctx context.Context) error {
	i.mu.Lock()
	videoID := i.videoID
	i.mu.Unlock()
	if videoID == "" {
		return ErrNoVideo
	}
	if i.conv != nil {
		if err := i.conv.Clear(ctx, videoID); err != nil {
			return errors.Wrapf(err, "clear conversation for %s", videoID)
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.videoID == videoID && i.turn == nil {
		i.history = nil
		i.view.Reset(videoID)
	}
	return nil
}

// turnRenderer applies assembler output to the panel while its turn is still the current one.
type turnRenderer struct {
	inst *Instance
	turn *turn
}

func (r *turnRenderer) Partial(text string) {
	i := r.inst
	i.mu.Lock()
	if i.turn != r.turn {
		i.mu.Unlock()
		return
	}
	i.view.UpdatePending(r.turn.id, text)
	i.mu.Unlock()
	if r.turn.onText != nil {
		r.turn.onText(text)
	}
}

func (r *turnRenderer) Finalize(answer string, sources []backend.Source) {
	i := r.inst
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.turn != r.turn {
		return
	}
	if !i.settings.ShowSources {
		sources = nil
	}
	i.view.FinalizePending(r.turn.id, answer, sources)
	i.history = append(i.history, conversation.NewEntry(r.turn.question, answer))
	r.turn.finalized = true
	r.turn.answer = answer
}

func (r *turnRenderer) Fail(err error) {
	i := r.inst
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.turn != r.turn {
		return
	}
	i.view.FailPending(r.turn.id, err.Error())
	r.turn.err = err
}
