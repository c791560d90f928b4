// Package stream turns the backend's chunked answer stream into render calls.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tubechat/pkg/backend"
)

type EventType string

const (
	EventToken   EventType = "token"
	EventSources EventType = "sources"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

const dataPrefix = "data:"

// Event is the JSON carried by one data line.
type Event struct {
	Type    EventType       `json:"type"`
	Content json.RawMessage `json:"content"`
}

// ErrStreamEnded is reported when the stream closes before any answer arrived.
var ErrStreamEnded = errors.New("stream ended unexpectedly")

// TurnError is the failure announced by an error event.
type TurnError struct {
	Message string
}

func (e *TurnError) Error() string { return e.Message }

// ParseLine extracts the event of a data line. ok is false for lines that carry no event
// (blank lines, comments, other fields).
func ParseLine(line string) (ev Event, ok bool, err error) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return Event{}, false, nil
	}
	data := strings.TrimPrefix(strings.TrimPrefix(line, dataPrefix), " ")
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return Event{}, false, errors.Wrap(err, "decode event")
	}
	if ev.Type == "" {
		return Event{}, false, errors.New("event without type")
	}
	return ev, true, nil
}

// Text decodes a string content. Non-string contents are returned verbatim.
func (e Event) Text() string {
	if len(e.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	return string(e.Content)
}

func (e Event) Sources() ([]backend.Source, error) {
	if len(e.Content) == 0 || string(e.Content) == "null" {
		return nil, nil
	}
	var out []backend.Source
	if err := json.Unmarshal(e.Content, &out); err != nil {
		return nil, errors.Wrap(err, "decode sources")
	}
	return out, nil
}

// Encode renders ev as a data line followed by the blank separator line.
func Encode(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "encode event")
	}
	out := make([]byte, 0, len(raw)+8)
	out = append(out, "data: "...)
	out = append(out, raw...)
	out = append(out, '\n', '\n')
	return out, nil
}

// NewTextEvent builds a token, done or error event.
func NewTextEvent(t EventType, content string) Event {
	raw, _ := json.Marshal(content)
	return Event{Type: t, Content: raw}
}

func NewSourcesEvent(sources []backend.Source) Event {
	if sources == nil {
		sources = []backend.Source{}
	}
	raw, _ := json.Marshal(sources)
	return Event{Type: EventSources, Content: raw}
}
