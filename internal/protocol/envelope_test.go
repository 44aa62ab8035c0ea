package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/slidewire/slidewire/internal/errors"
)

func TestNewEnvelope(t *testing.T) {
	env := New(TypeProgress, "session_abc", ProgressPayload{Phase: "analyzing", PercentComplete: 10})

	if !strings.HasPrefix(env.MessageID, "msg_") {
		t.Errorf("MessageID = %q, want msg_ prefix", env.MessageID)
	}
	if env.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if env.SessionID != "session_abc" {
		t.Errorf("SessionID = %q, want %q", env.SessionID, "session_abc")
	}
	if env.Type != TypeProgress {
		t.Errorf("Type = %q, want %q", env.Type, TypeProgress)
	}

	var p ProgressPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload should be valid JSON: %v", err)
	}
	if p.Phase != "analyzing" || p.PercentComplete != 10 {
		t.Errorf("payload = %+v, want phase analyzing at 10", p)
	}
}

func TestNewEnvelope_UniqueMessageIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		env := New(TypeControl, "", ControlPayload{Action: ActionPing})
		if seen[env.MessageID] {
			t.Fatalf("duplicate message id %q", env.MessageID)
		}
		seen[env.MessageID] = true
	}
}

func TestEncodeDecode(t *testing.T) {
	env := New(TypeError, "session_1", ErrorPayload{Code: "canceled", Message: "canceled by client"})

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.MessageID != env.MessageID {
		t.Errorf("MessageID = %q, want %q", decoded.MessageID, env.MessageID)
	}
	if decoded.Type != TypeError {
		t.Errorf("Type = %q, want %q", decoded.Type, TypeError)
	}
	if decoded.SessionID != "session_1" {
		t.Errorf("SessionID = %q, want %q", decoded.SessionID, "session_1")
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	if err == nil {
		t.Fatal("Decode() should reject malformed JSON")
	}
	var protoErr *errors.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Errorf("error should be a ProtocolError, got %T", err)
	}
	if got := errors.Code(err); got != errors.CodeProtocolError {
		t.Errorf("Code() = %q, want protocol_error", got)
	}
}

func TestTypeInbound(t *testing.T) {
	tests := []struct {
		typ  Type
		want bool
	}{
		{TypeControl, true},
		{TypeInput, true},
		{TypeQuestion, false},
		{TypeProgress, false},
		{TypeResult, false},
		{TypeError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.Inbound(); got != tt.want {
				t.Errorf("Inbound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidType(t *testing.T) {
	if !ValidType(TypeInput) {
		t.Error("input should be a valid type")
	}
	if ValidType(Type("telemetry")) {
		t.Error("telemetry should not be a valid type")
	}
}
