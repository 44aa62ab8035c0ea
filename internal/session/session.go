// Package session holds per-session workflow state and the Store that owns
// it. One logical session may outlive any number of physical connections:
// a torn-down channel suspends its session, and a later connection with the
// same session id resumes it.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/slidewire/slidewire/internal/protocol"
)

// Phase is the current node of the workflow state machine for a session.
type Phase string

const (
	PhaseIntake        Phase = "intake"
	PhaseAnalyzing     Phase = "analyzing"
	PhaseClarifying    Phase = "clarifying"
	PhaseGenerating    Phase = "generating"
	PhaseDelivering    Phase = "delivering"
	PhaseCompleted     Phase = "completed"
	PhaseErrorRecovery Phase = "error_recovery"
	PhaseFailed        Phase = "failed"
)

// Active returns true for phases in which the session still accepts work.
func (p Phase) Active() bool {
	switch p {
	case PhaseIntake, PhaseAnalyzing, PhaseClarifying, PhaseGenerating, PhaseDelivering, PhaseErrorRecovery:
		return true
	}
	return false
}

// Terminal returns true once no further processing occurs for the session.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ClarificationRound is one batch of outstanding questions sent to the
// client. A round is complete only when every required question has an
// answer; an incomplete round blocks the transition to generation.
type ClarificationRound struct {
	RoundNumber int                 `json:"round_number"`
	Questions   []protocol.Question `json:"questions"`
	Answers     map[string]string   `json:"answers"`
}

// Complete reports whether every required question has an answer.
func (r *ClarificationRound) Complete() bool {
	for _, q := range r.Questions {
		if !q.Required {
			continue
		}
		if _, ok := r.Answers[q.QuestionID]; !ok {
			return false
		}
	}
	return true
}

// Merge folds answers into the round, matching them against known question
// IDs. Re-submitting an already-recorded answer with the same value is a
// no-op. It returns true if any answer was added or changed.
func (r *ClarificationRound) Merge(answers map[string]string) bool {
	if r.Answers == nil {
		r.Answers = make(map[string]string, len(answers))
	}
	known := make(map[string]bool, len(r.Questions))
	for _, q := range r.Questions {
		known[q.QuestionID] = true
	}

	changed := false
	for id, answer := range answers {
		if !known[id] {
			continue
		}
		if prev, ok := r.Answers[id]; ok && prev == answer {
			continue
		}
		r.Answers[id] = answer
		changed = true
	}
	return changed
}

// Session is the logical, reconnectable unit of one request-to-delivery
// interaction. It is exclusively mutated by the workflow orchestrator under
// the store's per-session lock; the router only reads it for routing
// decisions.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Phase          Phase     `json:"phase"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// Rounds holds the full clarification history, latest round last.
	Rounds []ClarificationRound `json:"rounds,omitempty"`

	// RetryCount is reset to zero on every successful phase transition.
	RetryCount int `json:"retry_count"`

	// Degraded records a forced proceed after the clarification round
	// budget was exhausted without sufficient information.
	Degraded bool `json:"degraded,omitempty"`

	// Suspended is set when the physical channel is gone but the session
	// remains resumable.
	Suspended bool `json:"suspended,omitempty"`

	// Generation increments on every suspend or teardown. Collaborator
	// call results stamped with an older generation are applied to the
	// session but never emitted to a channel.
	Generation uint64 `json:"generation"`

	// PendingRequest is the last validated inbound payload awaiting
	// processing; at most one is in flight.
	PendingRequest *protocol.InputPayload `json:"pending_request,omitempty"`

	// RequestText is the original presentation request.
	RequestText string `json:"request_text,omitempty"`

	// Completeness is the latest analysis score, 0 to 1.
	Completeness float64 `json:"completeness,omitempty"`

	// Draft is the generated deck awaiting assembly.
	Draft *protocol.Deck `json:"draft,omitempty"`

	// Result is the assembled deck of a completed session.
	Result *protocol.Deck `json:"result,omitempty"`

	// LastError is the terminal error of a failed session, kept so a
	// resuming client receives the envelope it may have missed.
	LastError *protocol.ErrorPayload `json:"last_error,omitempty"`
}

// NewSession creates a session in the intake phase.
func NewSession(userID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             "session_" + uuid.NewString(),
		UserID:         userID,
		Phase:          PhaseIntake,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// ClarificationRoundCount returns the number of question rounds sent so far.
func (s *Session) ClarificationRoundCount() int {
	return len(s.Rounds)
}

// CurrentRound returns the latest clarification round, or nil if none exists.
func (s *Session) CurrentRound() *ClarificationRound {
	if len(s.Rounds) == 0 {
		return nil
	}
	return &s.Rounds[len(s.Rounds)-1]
}

// AllAnswers flattens answers across every round, later rounds winning.
func (s *Session) AllAnswers() map[string]string {
	merged := make(map[string]string)
	for _, r := range s.Rounds {
		for id, a := range r.Answers {
			merged[id] = a
		}
	}
	return merged
}

// Touch updates the activity timestamp used by the idle sweeper.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now().UTC()
}
