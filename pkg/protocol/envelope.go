// Package protocol defines the envelopes exchanged between the coordinator, the per-tab
// content instances and the popup.
//
// Requests are always an Envelope. Responses are keyed by action: most actions answer with a
// Result, checkBackendConnection answers with Connected, getVideoId answers with VideoID and an
// unknown action answers with Failure. Callers decode with Decode using the type that matches
// the action they sent.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

type Action string

const (
	ActionCheckBackendConnection   Action = "checkBackendConnection"
	ActionProcessVideo             Action = "processVideo"
	ActionAskQuestion              Action = "askQuestion"
	ActionGetVideoInfo             Action = "getVideoInfo"
	ActionTogglePanel              Action = "togglePanel"
	ActionGetSettings              Action = "getSettings"
	ActionUpdateSettings           Action = "updateSettings"
	ActionGetConversationHistory   Action = "getConversationHistory"
	ActionClearConversationHistory Action = "clearConversationHistory"

	// handled by content instances
	ActionGetVideoID   Action = "getVideoId"
	ActionTabActivated Action = "tabActivated"
)

// CoordinatorActions is the set of actions the coordinator answers.
var CoordinatorActions = []Action{
	ActionCheckBackendConnection,
	ActionProcessVideo,
	ActionAskQuestion,
	ActionGetVideoInfo,
	ActionTogglePanel,
	ActionGetSettings,
	ActionUpdateSettings,
	ActionGetConversationHistory,
	ActionClearConversationHistory,
}

// ContentActions is the set of actions a content instance answers.
var ContentActions = []Action{
	ActionTogglePanel,
	ActionProcessVideo,
	ActionGetVideoID,
	ActionTabActivated,
}

// Envelope is the request shape sent from any context to any reachable context.
type Envelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope, encoding payload when it is not nil.
func NewEnvelope(action Action, payload any) (Envelope, error) {
	env := Envelope{Action: action}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "encode %s payload", action)
	}
	env.Payload = raw
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that are known to encode.
func MustEnvelope(action Action, payload any) Envelope {
	env, err := NewEnvelope(action, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodePayload decodes the payload into v. An absent payload leaves v untouched.
func (e Envelope) DecodePayload(v any) error {
	if len(bytes.TrimSpace(e.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(e.Payload), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Action)
	}
	return nil
}

type ProcessVideoPayload struct {
	VideoID        string `json:"videoId"`
	Language       string `json:"language,omitempty"`
	ForceReprocess bool   `json:"forceReprocess,omitempty"`
}

type AskQuestionPayload struct {
	Question string `json:"question"`
	VideoID  string `json:"videoId"`
}

// VideoPayload is used by getVideoInfo, getConversationHistory and clearConversationHistory.
type VideoPayload struct {
	VideoID string `json:"videoId"`
}

type UpdateSettingsPayload struct {
	Settings map[string]any `json:"settings"`
}

type TabActivatedPayload struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url,omitempty"`
}
