package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// UnknownActionMessage is the error text returned for actions no handler knows.
const UnknownActionMessage = "Unknown action"

// Response is implemented by every response shape a handler may return.
type Response interface {
	response()
}

// Result is the common {success, data, error} response.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Connected answers checkBackendConnection.
type Connected struct {
	Connected bool `json:"connected"`
}

// VideoID answers getVideoId.
type VideoID struct {
	VideoID string `json:"videoId"`
}

// Failure is the bare {error} shape used for unknown actions.
type Failure struct {
	Error string `json:"error"`
}

// Undelivered is returned by a handler that relays to another context and could not reach it.
// Buses report Err to the sender instead of encoding a response.
type Undelivered struct {
	Err error
}

// Raw forwards an already encoded response unchanged, e.g. a content instance's answer relayed
// by the coordinator.
type Raw json.RawMessage

func (Result) response() {}
func (Connected) response() {}
func (VideoID) response() {}
func (Failure) response() {}
func (Raw) response() {}
func (Undelivered) response() {}

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// OK builds a successful Result carrying data. A nil data leaves the field out.
func OK(data any) Result {
	if data == nil {
		return Result{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(errors.Wrap(err, "encode response data"))
	}
	return Result{Success: true, Data: raw}
}

// Fail builds an unsuccessful Result from err.
func Fail(err error) Result {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Result{Success: false, Error: err.Error()}
}

// UnknownAction is the response for an action nobody handles.
func UnknownAction() Failure {
	return Failure{Error: UnknownActionMessage}
}

// DecodeData decodes the data field into v.
func (r Result) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(r.Data, v), "decode result data")
}

// Err returns the error carried by an unsuccessful Result.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("request failed")
	}
	return errors.New(r.Error)
}

// Marshal encodes a response for the wire.
func Marshal(r Response) (json.RawMessage, error) {
	if r == nil {
		return nil, errors.New("nil response")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encode response")
	}
	return raw, nil
}

// Decode decodes a raw response into the shape T the caller expects for the action it sent.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, errors.New("empty response")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.Wrap(err, "decode response")
	}
	return out, nil
}

// IsUnknownAction reports whether raw is the unknown-action failure.
func IsUnknownAction(raw json.RawMessage) bool {
	f, err := Decode[Failure](raw)
	return err == nil && f.Error == UnknownActionMessage
}
