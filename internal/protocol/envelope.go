// Package protocol defines the wire envelope exchanged with clients and the
// typed payloads carried by each envelope type. Payloads are decoded into
// tagged variants at the router boundary; no handler ever sees a raw map.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slidewire/slidewire/internal/errors"
)

// Type identifies the kind of envelope on the wire.
type Type string

const (
	// TypeControl carries connection and workflow control actions.
	TypeControl Type = "control"

	// TypeInput carries user text and clarification answers.
	TypeInput Type = "input"

	// TypeQuestion carries a clarification round to the client.
	TypeQuestion Type = "question"

	// TypeProgress carries phase and completion updates to the client.
	TypeProgress Type = "progress"

	// TypeResult carries a generated artifact to the client.
	TypeResult Type = "result"

	// TypeError carries a structured error to the client.
	TypeError Type = "error"
)

// Valid envelope types for validation.
var validTypes = map[Type]bool{
	TypeControl:  true,
	TypeInput:    true,
	TypeQuestion: true,
	TypeProgress: true,
	TypeResult:   true,
	TypeError:    true,
}

// ValidType returns true if t is a known envelope type.
func ValidType(t Type) bool {
	return validTypes[t]
}

// Inbound returns true if clients are permitted to send envelopes of this
// type. Question, progress, result and error envelopes are server-emitted
// only.
func (t Type) Inbound() bool {
	return t == TypeControl || t == TypeInput
}

// Envelope is one discrete message on the wire.
// SessionID is empty only on the very first control/start message, before a
// session exists.
type Envelope struct {
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// New constructs an outbound envelope with a fresh message ID and the
// current time. It panics if the payload cannot be marshaled; outbound
// payloads are always our own types, so a failure is a programming error.
func New(t Type, sessionID string, payload any) *Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
	}
	return &Envelope{
		MessageID: "msg_" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Type:      t,
		Payload:   data,
	}
}

// Decode parses a raw JSON message into an Envelope. Structural validation
// is a separate step (see Validate); Decode only rejects malformed JSON.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.NewProtocolError("malformed envelope").WithCause(err)
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return data, nil
}
