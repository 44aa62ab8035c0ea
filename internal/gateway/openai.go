package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/slidewire/slidewire/internal/errors"
	"github.com/slidewire/slidewire/internal/protocol"
)

// OpenAICollaborator performs tasks against the OpenAI chat API. One
// instance serves all tasks; the system prompt selects the behavior.
type OpenAICollaborator struct {
	name   string
	client *openai.Client
	model  string
}

// NewOpenAICollaborator creates a collaborator using the given API key
// and chat model
func NewOpenAICollaborator(name, apiKey, model string) *OpenAICollaborator {
	return &OpenAICollaborator{
		name:   name,
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// NewOpenAISet creates a registry serving every task from one client
func NewOpenAISet(apiKey, model string) map[Task]Collaborator {
	return map[Task]Collaborator{
		TaskAnalyze:  NewOpenAICollaborator("openai-analyst", apiKey, model),
		TaskGenerate: NewOpenAICollaborator("openai-author", apiKey, model),
		TaskAssemble: NewOpenAICollaborator("openai-assembler", apiKey, model),
	}
}

// Name implements Collaborator
func (o *OpenAICollaborator) Name() string { return o.name }

const analyzeSystemPrompt = `You analyze presentation requests. Given a request and any
answered questions, respond with JSON only:
{"completeness": <0..1>, "questions": [{"question_id": "...", "prompt": "...",
"kind": "text|choice|number", "options": [...], "required": true|false}]}
Score completeness by how well the request covers audience, length, tone and goal.
Ask only about what is missing. Use stable snake_case question ids.`

const generateSystemPrompt = `You draft presentation content. Given a request and any
answered questions, respond with JSON only:
{"title": "...", "slides": [{"title": "...", "body": "...", "notes": "..."}]}
Produce focused slides that follow the request.`

const assembleSystemPrompt = `You finalize presentations. Given a draft deck as JSON,
respond with JSON only in the same shape: {"title": "...", "slides": [...]}.
Tighten wording, order the slides coherently and add a closing slide.`

// Invoke implements Collaborator
func (o *OpenAICollaborator) Invoke(ctx context.Context, task Task, req *Request) (*Result, error) {
	var system string
	switch task {
	case TaskAnalyze:
		system = analyzeSystemPrompt
	case TaskGenerate:
		system = generateSystemPrompt
	case TaskAssemble:
		system = assembleSystemPrompt
	default:
		return nil, fmt.Errorf("%s: unknown task %q", o.name, task)
	}

	user, err := buildUserPrompt(task, req)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classifyAPIError(o.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.NewGatewayError("empty completion", nil).
			WithCollaborator(o.name).WithRetryable(true)
	}

	return parseCompletion(task, resp.Choices[0].Message.Content)
}

func buildUserPrompt(task Task, req *Request) (string, error) {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(req.Text)
	b.WriteString("\n")
	if len(req.Answers) > 0 {
		answers, err := json.Marshal(req.Answers)
		if err != nil {
			return "", fmt.Errorf("encoding answers: %w", err)
		}
		b.WriteString("\nAnswered questions:\n")
		b.Write(answers)
		b.WriteString("\n")
	}
	if task == TaskAssemble && req.Draft != nil {
		draft, err := json.Marshal(req.Draft)
		if err != nil {
			return "", fmt.Errorf("encoding draft deck: %w", err)
		}
		b.WriteString("\nDraft deck:\n")
		b.Write(draft)
		b.WriteString("\n")
	}
	return b.String(), nil
}

type analysisCompletion struct {
	Completeness float64             `json:"completeness"`
	Questions    []protocol.Question `json:"questions"`
}

// deckCompletion mirrors the shape the generate and assemble prompts
// request, which is looser than protocol.Deck.
type deckCompletion struct {
	Title    string            `json:"title"`
	Subtitle string            `json:"subtitle"`
	Theme    string            `json:"theme"`
	Slides   []slideCompletion `json:"slides"`
}

type slideCompletion struct {
	Title        string    `json:"title"`
	Subtitle     string    `json:"subtitle"`
	Body         slideBody `json:"body"`
	Layout       string    `json:"layout"`
	Notes        string    `json:"notes"`
	SpeakerNotes string    `json:"speaker_notes"`
}

// slideBody accepts either a single string of newline-separated points
// or an array of points. The assembler is fed a draft deck whose body
// is already an array, and models echo whichever form they were shown.
type slideBody []string

func (b *slideBody) UnmarshalJSON(data []byte) error {
	var lines []string
	if err := json.Unmarshal(data, &lines); err == nil {
		*b = lines
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*b = nil
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			*b = append(*b, line)
		}
	}
	return nil
}

func (d *deckCompletion) deck() *protocol.Deck {
	out := &protocol.Deck{
		Title:    d.Title,
		Subtitle: d.Subtitle,
		Theme:    d.Theme,
		Slides:   make([]protocol.Slide, 0, len(d.Slides)),
	}
	for i, s := range d.Slides {
		notes := s.Notes
		if notes == "" {
			notes = s.SpeakerNotes
		}
		layout := s.Layout
		if layout == "" {
			layout = "content"
		}
		out.Slides = append(out.Slides, protocol.Slide{
			Number:       i + 1,
			Title:        s.Title,
			Subtitle:     s.Subtitle,
			Body:         s.Body,
			LayoutType:   layout,
			SpeakerNotes: notes,
		})
	}
	return out
}

func parseCompletion(task Task, content string) (*Result, error) {
	content = strings.TrimSpace(content)
	switch task {
	case TaskAnalyze:
		var out analysisCompletion
		if err := json.Unmarshal([]byte(content), &out); err != nil {
			return nil, errors.Wrapf(errors.ErrContractViolation,
				"analysis response is not valid JSON: %v", err)
		}
		return &Result{Completeness: out.Completeness, Questions: out.Questions}, nil
	default:
		var out deckCompletion
		if err := json.Unmarshal([]byte(content), &out); err != nil {
			return nil, errors.Wrapf(errors.ErrContractViolation,
				"deck response is not valid JSON: %v", err)
		}
		return &Result{Deck: out.deck()}, nil
	}
}

// classifyAPIError maps API failures onto the retry taxonomy. Rate
// limits and server errors are worth retrying; auth and request errors
// are not.
func classifyAPIError(name string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retryable := apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
		return errors.NewGatewayError("api error", err).
			WithCollaborator(name).
			WithRetryable(retryable)
	}
	// transport-level failures are assumed transient
	return errors.NewGatewayError("request failed", err).
		WithCollaborator(name).
		WithRetryable(true)
}
