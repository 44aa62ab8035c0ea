package protocol

// Action is a control payload action.
type Action string

const (
	ActionStart  Action = "start"
	ActionCancel Action = "cancel"
	ActionPing   Action = "ping"
	ActionPong   Action = "pong"
)

var validActions = map[Action]bool{
	ActionStart:  true,
	ActionCancel: true,
	ActionPing:   true,
	ActionPong:   true,
}

// ValidAction returns true if a is a known control action.
func ValidAction(a Action) bool {
	return validActions[a]
}

// ControlPayload is the payload of a control envelope.
type ControlPayload struct {
	Action Action `json:"action"`
}

// MaxInputTextLen bounds the length of user input text in runes.
const MaxInputTextLen = 5000

// InputPayload is the payload of an input envelope. Text carries a new or
// refined request; Answers maps question IDs to clarification answers.
type InputPayload struct {
	Text    string            `json:"text,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`
}

// QuestionKind describes the expected shape of an answer.
type QuestionKind string

const (
	QuestionText   QuestionKind = "text"
	QuestionChoice QuestionKind = "choice"
	QuestionNumber QuestionKind = "number"
)

// Question is one clarification prompt within a round.
type Question struct {
	QuestionID string       `json:"question_id"`
	Prompt     string       `json:"prompt"`
	Kind       QuestionKind `json:"kind"`
	Options    []string     `json:"options,omitempty"`
	Required   bool         `json:"required"`
}

// QuestionPayload is the payload of an outbound question envelope.
type QuestionPayload struct {
	RoundNumber int        `json:"round_number"`
	Questions   []Question `json:"questions"`
}

// CollaboratorStatus describes a collaborator's position in the pipeline.
type CollaboratorStatus string

const (
	StatusPending   CollaboratorStatus = "pending"
	StatusActive    CollaboratorStatus = "active"
	StatusCompleted CollaboratorStatus = "completed"
	StatusError     CollaboratorStatus = "error"
)

// ProgressPayload is the payload of an outbound progress envelope.
type ProgressPayload struct {
	Phase           string                        `json:"phase"`
	PercentComplete int                           `json:"percent_complete"`
	Collaborators   map[string]CollaboratorStatus `json:"collaborators,omitempty"`
}

// Slide is one slide of a generated deck.
type Slide struct {
	Number       int      `json:"number"`
	Title        string   `json:"title"`
	Subtitle     string   `json:"subtitle,omitempty"`
	Body         []string `json:"body"`
	LayoutType   string   `json:"layout_type"`
	SpeakerNotes string   `json:"speaker_notes,omitempty"`
}

// Deck is the generated presentation artifact.
type Deck struct {
	Title    string  `json:"title"`
	Subtitle string  `json:"subtitle,omitempty"`
	Theme    string  `json:"theme"`
	Slides   []Slide `json:"slides"`
}

// ResultPayload is the payload of an outbound result envelope.
type ResultPayload struct {
	Kind string `json:"kind"` // "complete" or "incremental"
	Deck Deck   `json:"deck"`
}

// ErrorPayload is the payload of an outbound error envelope.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
