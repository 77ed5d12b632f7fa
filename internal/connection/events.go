package connection

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Channel event names.
const (
	EventIdentityAnnounce = "new-user"
	EventMessageSend      = "send-message"
	EventMessageArrived   = "receive-message"
	EventSeenMark         = "seen-mark"
	EventLedgerCleared    = "chat-cleared"
)

// Envelope is a single channel frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AnnouncePayload is the identity-announce body.
type AnnouncePayload struct {
	Identity string `json:"identity"`
}

// NewEnvelope encodes payload under the given event name. HTML characters in
// the payload are written as-is.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(payload); err != nil {
		return Envelope{}, fmt.Errorf("connection: encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: bytes.TrimRight(buffer.Bytes(), "\n")}, nil
}
