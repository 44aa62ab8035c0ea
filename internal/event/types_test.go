package event

import (
	"testing"
)

func TestEventTypes(t *testing.T) {
	tests := []struct {
		name string
		evt  Event
		want string
	}{
		{"phase changed", NewPhaseChangedEvent("session_1", "intake", "analyzing", false), "session.phase_changed"},
		{"suspended", NewSessionSuspendedEvent("session_1", "disconnect"), "session.suspended"},
		{"resumed", NewSessionResumedEvent("session_1", "clarifying"), "session.resumed"},
		{"failed", NewSessionFailedEvent("session_1", "retries_exhausted", "analyst down"), "session.failed"},
		{"retrying", NewCallRetryingEvent("session_1", "analyst", 2, "1s", "timeout"), "call.retrying"},
		{"degraded", NewDegradedModeEvent("session_1", 3), "session.degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.evt.EventType(); got != tt.want {
				t.Errorf("EventType() = %q, want %q", got, tt.want)
			}
			if tt.evt.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestPhaseChangedEvent_Fields(t *testing.T) {
	evt := NewPhaseChangedEvent("session_1", "clarifying", "generating", true)

	if evt.SessionID != "session_1" {
		t.Errorf("SessionID = %q, want session_1", evt.SessionID)
	}
	if evt.PreviousPhase != "clarifying" || evt.CurrentPhase != "generating" {
		t.Errorf("transition = %q -> %q, want clarifying -> generating", evt.PreviousPhase, evt.CurrentPhase)
	}
	if !evt.Degraded {
		t.Error("Degraded should carry through")
	}
}

func TestCallRetryingEvent_Fields(t *testing.T) {
	evt := NewCallRetryingEvent("session_1", "mock-analyst", 2, "1s", "operation timed out")

	if evt.Collaborator != "mock-analyst" {
		t.Errorf("Collaborator = %q, want mock-analyst", evt.Collaborator)
	}
	if evt.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", evt.Attempt)
	}
	if evt.Backoff != "1s" {
		t.Errorf("Backoff = %q, want 1s", evt.Backoff)
	}
}
