package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slidewire/slidewire/internal/protocol"
)

// MockCollaborator is a deterministic in-process collaborator. It serves
// development, demos and tests without any upstream service.
//
// Analysis scores completeness from cues in the request text and from
// answered questions. Generation and assembly produce a deck derived
// from the request so the output is stable for a given input.
type MockCollaborator struct {
	name string

	// Delay simulates upstream latency. Zero means respond immediately.
	Delay time.Duration

	mu sync.Mutex
	// FailNext makes the next n calls return Err before succeeding
	FailNext int
	// Err is what failing calls return; nil means a generic failure
	Err error
}

// NewMockCollaborator creates a mock with the given display name
func NewMockCollaborator(name string) *MockCollaborator {
	return &MockCollaborator{name: name}
}

// NewMockSet creates a registry of mocks covering every task
func NewMockSet() map[Task]Collaborator {
	return map[Task]Collaborator{
		TaskAnalyze:  NewMockCollaborator("mock-analyst"),
		TaskGenerate: NewMockCollaborator("mock-author"),
		TaskAssemble: NewMockCollaborator("mock-assembler"),
	}
}

// Name implements Collaborator
func (m *MockCollaborator) Name() string { return m.name }

// FailTimes arranges for the next n calls to fail with err
func (m *MockCollaborator) FailTimes(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailNext = n
	m.Err = err
}

// Invoke implements Collaborator
func (m *MockCollaborator) Invoke(ctx context.Context, task Task, req *Request) (*Result, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.FailNext > 0 {
		m.FailNext--
		err := m.Err
		m.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%s: simulated failure", m.name)
		}
		return nil, err
	}
	m.mu.Unlock()

	switch task {
	case TaskAnalyze:
		return m.analyze(req), nil
	case TaskGenerate:
		return m.generate(req), nil
	case TaskAssemble:
		return m.assemble(req), nil
	default:
		return nil, fmt.Errorf("%s: unknown task %q", m.name, task)
	}
}

// detail cues that raise the completeness score when present
var analysisCues = []struct {
	id     string
	cue    []string
	prompt string
	kind   protocol.QuestionKind
}{
	{
		id:     "q_audience",
		cue:    []string{"audience", "for a", "team", "executive", "student"},
		prompt: "Who is the audience for this presentation?",
		kind:   protocol.QuestionText,
	},
	{
		id:     "q_length",
		cue:    []string{"slide", "minute", "short", "long", "brief"},
		prompt: "Roughly how many slides do you need?",
		kind:   protocol.QuestionNumber,
	},
	{
		id:     "q_tone",
		cue:    []string{"formal", "casual", "tone", "playful", "serious"},
		prompt: "What tone should the presentation take?",
		kind:   protocol.QuestionChoice,
	},
	{
		id:     "q_goal",
		cue:    []string{"goal", "persuade", "inform", "pitch", "teach"},
		prompt: "What should the audience do or know afterwards?",
		kind:   protocol.QuestionText,
	},
}

func (m *MockCollaborator) analyze(req *Request) *Result {
	text := strings.ToLower(req.Text)
	base := 0.2
	if len(req.Text) > 80 {
		base = 0.4
	}

	var questions []protocol.Question
	per := 0.8 / float64(len(analysisCues))
	score := base
	for _, c := range analysisCues {
		covered := false
		for _, cue := range c.cue {
			if strings.Contains(text, cue) {
				covered = true
				break
			}
		}
		if _, answered := req.Answers[c.id]; answered {
			covered = true
		}
		if covered {
			score += per
			continue
		}
		q := protocol.Question{
			QuestionID: c.id,
			Prompt:     c.prompt,
			Kind:       c.kind,
			Required:   c.id == "q_audience" || c.id == "q_goal",
		}
		if c.kind == protocol.QuestionChoice {
			q.Options = []string{"formal", "conversational", "playful"}
		}
		questions = append(questions, q)
	}
	if score > 1 {
		score = 1
	}

	return &Result{
		Completeness: score,
		Questions:    questions,
		Note:         fmt.Sprintf("scored %d of %d detail cues", len(analysisCues)-len(questions), len(analysisCues)),
	}
}

func (m *MockCollaborator) generate(req *Request) *Result {
	title := deriveTitle(req.Text)
	tone := req.Answers["q_tone"]
	if tone == "" {
		tone = "conversational"
	}
	deck := &protocol.Deck{
		Title: title,
		Theme: tone,
		Slides: []protocol.Slide{
			{
				Number:       1,
				Title:        title,
				Body:         []string{"Overview"},
				LayoutType:   "title",
				SpeakerNotes: "Opening slide",
			},
			{
				Number:     2,
				Title:      "Background",
				Body:       []string{summarize(req.Text)},
				LayoutType: "content",
			},
			{
				Number:     3,
				Title:      "Key Points",
				Body:       bulletize(req),
				LayoutType: "bullets",
			},
		},
	}
	return &Result{Deck: deck, Note: "draft content"}
}

func (m *MockCollaborator) assemble(req *Request) *Result {
	deck := req.Draft
	if deck == nil {
		deck = &protocol.Deck{Title: deriveTitle(req.Text), Theme: "conversational"}
	}
	out := &protocol.Deck{
		Title:    deck.Title,
		Subtitle: deck.Subtitle,
		Theme:    deck.Theme,
		Slides:   make([]protocol.Slide, 0, len(deck.Slides)+1),
	}
	out.Slides = append(out.Slides, deck.Slides...)
	out.Slides = append(out.Slides, protocol.Slide{
		Number:       len(deck.Slides) + 1,
		Title:        "Summary",
		Body:         []string{"Thank you"},
		LayoutType:   "closing",
		SpeakerNotes: "Closing slide",
	})
	for i := range out.Slides {
		out.Slides[i].Number = i + 1
	}
	return &Result{Deck: out, Note: "assembled deck"}
}

func deriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "Untitled Presentation"
	}
	words := strings.Fields(text)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}

func summarize(text string) string {
	const max = 200
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}

func bulletize(req *Request) []string {
	ids := make([]string, 0, len(req.Answers))
	for id := range req.Answers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	bullets := []string{"Core request"}
	for _, id := range ids {
		bullets = append(bullets, fmt.Sprintf("%s: %s", strings.TrimPrefix(id, "q_"), req.Answers[id]))
	}
	return bullets
}
