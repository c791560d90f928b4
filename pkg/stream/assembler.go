package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/backend"
)

// Renderer receives the visible effects of one turn. Finalize or Fail is called at most once,
// and never after Invalidate.
type Renderer interface {
	Partial(text string)
	Finalize(answer string, sources []backend.Source)
	Fail(err error)
}

// Assembler reassembles one answer from chunks cut at arbitrary byte offsets.
//
// Lines are split only after a chunk has been appended; a trailing partial line waits for the
// next Write or for Close. A done event seals the answer. The answer is handed to the renderer
// when the stream closes, when reading fails, or DoneGrace after done, whichever comes first, so
// that sources sent right after done are still part of it.
type Assembler struct {
	mu        sync.Mutex
	renderer  Renderer
	logger    zerolog.Logger
	doneGrace time.Duration

	pending []byte
	answer  strings.Builder
	sources []backend.Source
	sealed  bool
	closed  bool
	// finished is set once the renderer has seen its terminal call, or on Invalidate.
	finished bool
	skipped  int
}

var _ io.WriteCloser = &Assembler{}

func NewAssembler(r Renderer) *Assembler {
	return &Assembler{
		renderer:  r,
		logger:    log.With().Str("component", "stream").Logger(),
		doneGrace: DefaultDoneGrace,
	}
}

// DefaultDoneGrace is how long Consume keeps reading after done.
const DefaultDoneGrace = 500 * time.Millisecond

// WithDoneGrace sets how long Consume waits for trailing events after done before finalizing.
func (a *Assembler) WithDoneGrace(d time.Duration) *Assembler {
	if d > 0 {
		a.doneGrace = d
	}
	return a
}

// WithLogger attaches turn context to the assembler's log lines.
func (a *Assembler) WithLogger(l zerolog.Logger) *Assembler {
	a.logger = l
	return a
}

// Write never fails: events for a finished turn are dropped.
func (a *Assembler) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished || a.closed {
		return len(p), nil
	}
	a.pending = append(a.pending, p...)
	for !a.finished {
		i := bytes.IndexByte(a.pending, '\n')
		if i < 0 {
			break
		}
		line := string(a.pending[:i])
		a.pending = a.pending[i+1:]
		a.handleLine(line)
	}
	if a.finished {
		a.pending = nil
	}
	return len(p), nil
}

// Close flushes the trailing partial line and ends the turn. Without a terminal event a
// non-empty answer is finalized and an empty one fails with ErrStreamEnded.
func (a *Assembler) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if !a.finished && len(a.pending) > 0 {
		line := string(a.pending)
		a.pending = nil
		a.handleLine(line)
	}
	a.closed = true
	if a.finished {
		return nil
	}
	if a.sealed || a.answer.Len() > 0 {
		a.finalizeLocked()
		return nil
	}
	a.failLocked(ErrStreamEnded)
	return nil
}

// Invalidate abandons the turn. Nothing reaches the renderer afterwards.
func (a *Assembler) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finished = true
	a.pending = nil
}

// Sealed reports whether a done event has been seen.
func (a *Assembler) Sealed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealed
}

func (a *Assembler) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

func (a *Assembler) Answer() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.answer.String()
}

func (a *Assembler) Sources() []backend.Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]backend.Source(nil), a.sources...)
}

// Skipped is the number of malformed lines ignored so far.
func (a *Assembler) Skipped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.skipped
}

func (a *Assembler) handleLine(line string) {
	ev, ok, err := ParseLine(line)
	if err != nil {
		a.skipped++
		a.logger.Warn().Err(err).Str("line", truncate(line, 120)).Msg("skipping malformed stream line")
		return
	}
	if !ok {
		return
	}
	a.apply(ev)
}

func (a *Assembler) apply(ev Event) {
	switch ev.Type {
	case EventToken:
		if a.sealed {
			a.logger.Debug().Msg("token after done ignored")
			return
		}
		a.answer.WriteString(ev.Text())
		a.renderer.Partial(a.answer.String())
	case EventSources:
		sources, err := ev.Sources()
		if err != nil {
			a.skipped++
			a.logger.Warn().Err(err).Msg("skipping malformed sources event")
			return
		}
		a.sources = sources
	case EventDone:
		a.sealed = true
	case EventError:
		msg := ev.Text()
		if msg == "" {
			msg = "stream error"
		}
		a.failLocked(&TurnError{Message: msg})
	default:
		a.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown event type")
	}
}

func (a *Assembler) finalizeLocked() {
	a.finished = true
	a.renderer.Finalize(a.answer.String(), append([]backend.Source(nil), a.sources...))
}

func (a *Assembler) failLocked(err error) {
	a.finished = true
	a.pending = nil
	a.renderer.Fail(err)
}

type readResult struct {
	data []byte
	err  error
}

// Consume feeds body into the assembler and closes it. A body that is not an event stream is
// read as a single {answer, sources} document. A sealed answer is finalized even when the read
// fails or ctx ends afterwards; the caller closes body to release a read still in progress.
func (a *Assembler) Consume(ctx context.Context, body io.Reader, contentType string) error {
	if !isEventStream(contentType) {
		return a.consumeDocument(body)
	}

	chunks := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			buf := make([]byte, 4096)
			n, err := body.Read(buf)
			select {
			case chunks <- readResult{data: buf[:n], err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var grace <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return a.fail(ctx.Err())
		case <-grace:
			a.logger.Debug().Dur("grace", a.doneGrace).Msg("stream still open after done, finalizing")
			return a.Close()
		case r := <-chunks:
			if len(r.data) > 0 {
				_, _ = a.Write(r.data)
			}
			if r.err == io.EOF {
				return a.Close()
			}
			if r.err != nil {
				return errors.Wrap(a.fail(r.err), "read answer stream")
			}
			if grace == nil && a.Sealed() {
				t := time.NewTimer(a.doneGrace)
				defer t.Stop()
				grace = t.C
			}
		}
	}
}

func (a *Assembler) consumeDocument(body io.Reader) error {
	var doc backend.Answer
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return a.fail(errors.Wrap(err, "decode answer document"))
	}
	a.mu.Lock()
	if !a.finished {
		if doc.Answer != "" {
			a.answer.Reset()
			a.answer.WriteString(doc.Answer)
		}
		a.sources = doc.Sources
		a.sealed = true
	}
	a.mu.Unlock()
	return a.Close()
}

// fail ends the turn after the stream broke. A sealed answer is finalized instead and fail
// returns nil.
func (a *Assembler) fail(err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.pending = nil
	if a.finished {
		return err
	}
	if a.sealed {
		a.logger.Debug().Err(err).Msg("stream broke after done, keeping the answer")
		a.finalizeLocked()
		return nil
	}
	a.failLocked(err)
	return err
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
