package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.phase_changed").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Session Lifecycle Events
// -----------------------------------------------------------------------------

// PhaseChangedEvent is emitted on every workflow phase transition.
type PhaseChangedEvent struct {
	baseEvent
	SessionID     string // Session whose phase changed
	PreviousPhase string // Previous phase (empty on session creation)
	CurrentPhase  string // New current phase
	Degraded      bool   // True when this is a forced degraded-mode transition
}

// NewPhaseChangedEvent creates a PhaseChangedEvent.
func NewPhaseChangedEvent(sessionID, previous, current string, degraded bool) PhaseChangedEvent {
	return PhaseChangedEvent{
		baseEvent:     newBaseEvent("session.phase_changed"),
		SessionID:     sessionID,
		PreviousPhase: previous,
		CurrentPhase:  current,
		Degraded:      degraded,
	}
}

// SessionSuspendedEvent is emitted when a channel teardown suspends a session.
type SessionSuspendedEvent struct {
	baseEvent
	SessionID string
	Reason    string // "disconnect", "heartbeat_timeout"
}

// NewSessionSuspendedEvent creates a SessionSuspendedEvent.
func NewSessionSuspendedEvent(sessionID, reason string) SessionSuspendedEvent {
	return SessionSuspendedEvent{
		baseEvent: newBaseEvent("session.suspended"),
		SessionID: sessionID,
		Reason:    reason,
	}
}

// SessionResumedEvent is emitted when a reconnect resumes a session.
type SessionResumedEvent struct {
	baseEvent
	SessionID string
	Phase     string // Phase the client resumes into
}

// NewSessionResumedEvent creates a SessionResumedEvent.
func NewSessionResumedEvent(sessionID, phase string) SessionResumedEvent {
	return SessionResumedEvent{
		baseEvent: newBaseEvent("session.resumed"),
		SessionID: sessionID,
		Phase:     phase,
	}
}

// SessionFailedEvent is emitted exactly once when a session reaches the
// failed phase.
type SessionFailedEvent struct {
	baseEvent
	SessionID string
	Code      string // Stable wire error code
	Reason    string
}

// NewSessionFailedEvent creates a SessionFailedEvent.
func NewSessionFailedEvent(sessionID, code, reason string) SessionFailedEvent {
	return SessionFailedEvent{
		baseEvent: newBaseEvent("session.failed"),
		SessionID: sessionID,
		Code:      code,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Collaborator Call Events
// -----------------------------------------------------------------------------

// CallRetryingEvent is emitted when a recoverable collaborator failure
// schedules a retry.
type CallRetryingEvent struct {
	baseEvent
	SessionID    string
	Collaborator string
	Attempt      int    // Attempt that just failed
	Backoff      string // Delay before the next attempt
	Reason       string
}

// NewCallRetryingEvent creates a CallRetryingEvent.
func NewCallRetryingEvent(sessionID, collaborator string, attempt int, backoff, reason string) CallRetryingEvent {
	return CallRetryingEvent{
		baseEvent:    newBaseEvent("call.retrying"),
		SessionID:    sessionID,
		Collaborator: collaborator,
		Attempt:      attempt,
		Backoff:      backoff,
		Reason:       reason,
	}
}

// DegradedModeEvent is emitted when the clarification round budget is
// exhausted and the workflow proceeds with best-effort defaults.
type DegradedModeEvent struct {
	baseEvent
	SessionID string
	Rounds    int // Rounds consumed before the forced proceed
}

// NewDegradedModeEvent creates a DegradedModeEvent.
func NewDegradedModeEvent(sessionID string, rounds int) DegradedModeEvent {
	return DegradedModeEvent{
		baseEvent: newBaseEvent("session.degraded"),
		SessionID: sessionID,
		Rounds:    rounds,
	}
}
