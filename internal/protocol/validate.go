package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/slidewire/slidewire/internal/errors"
)

// Validate checks the structural correctness of an inbound envelope and
// decodes its payload into the tagged variant for its type. It returns the
// decoded payload (*ControlPayload or *InputPayload) on success and a
// *errors.ProtocolError on any violation. Validation never touches session
// state.
func Validate(env *Envelope) (any, error) {
	if env.MessageID == "" {
		return nil, errors.NewProtocolError("message_id is required").WithField("message_id")
	}
	if env.Timestamp.IsZero() {
		return nil, errors.NewProtocolError("timestamp is required").WithField("timestamp")
	}
	if !ValidType(env.Type) {
		return nil, errors.NewProtocolError(fmt.Sprintf("unknown envelope type %q", env.Type)).WithField("type")
	}
	if !env.Type.Inbound() {
		return nil, errors.NewProtocolError(fmt.Sprintf("type %q is server-emitted only", env.Type)).WithField("type")
	}
	if len(env.Payload) == 0 {
		return nil, errors.NewProtocolError("payload is required").WithField("payload")
	}

	switch env.Type {
	case TypeControl:
		return validateControl(env)
	case TypeInput:
		return validateInput(env)
	default:
		// Unreachable given the Inbound check above.
		return nil, errors.NewProtocolError(fmt.Sprintf("unhandled type %q", env.Type)).WithField("type")
	}
}

func validateControl(env *Envelope) (*ControlPayload, error) {
	var p ControlPayload
	if err := decodeStrict(env.Payload, &p); err != nil {
		return nil, errors.NewProtocolError("malformed control payload").WithField("payload").WithCause(err)
	}
	if !ValidAction(p.Action) {
		return nil, errors.NewProtocolError(fmt.Sprintf("unknown control action %q", p.Action)).WithField("payload.action")
	}
	// The very first start message has no session yet, and liveness
	// pings need none. Cancel always targets a session.
	if env.SessionID == "" && p.Action != ActionStart && p.Action != ActionPing && p.Action != ActionPong {
		return nil, errors.NewProtocolError("session_id is required for this action").WithField("session_id")
	}
	return &p, nil
}

func validateInput(env *Envelope) (*InputPayload, error) {
	if env.SessionID == "" {
		return nil, errors.NewProtocolError("session_id is required for input").WithField("session_id")
	}
	var p InputPayload
	if err := decodeStrict(env.Payload, &p); err != nil {
		return nil, errors.NewProtocolError("malformed input payload").WithField("payload").WithCause(err)
	}
	if p.Text == "" && len(p.Answers) == 0 {
		return nil, errors.NewProtocolError("input requires text or answers").WithField("payload")
	}
	if utf8.RuneCountInString(p.Text) > MaxInputTextLen {
		return nil, errors.NewProtocolError(fmt.Sprintf("text exceeds %d characters", MaxInputTextLen)).WithField("payload.text")
	}
	return &p, nil
}

// decodeStrict unmarshals JSON rejecting unknown fields, so payload shape
// mismatches surface as protocol errors instead of silently dropped data.
func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
