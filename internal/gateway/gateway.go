package gateway

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slidewire/slidewire/internal/errors"
	"github.com/slidewire/slidewire/internal/logging"
	"github.com/slidewire/slidewire/internal/protocol"
)

// Task identifies the unit of work a collaborator is asked to perform
type Task string

const (
	// TaskAnalyze scores how complete a request is and proposes questions
	TaskAnalyze Task = "analyze"
	// TaskGenerate produces draft slide content
	TaskGenerate Task = "generate"
	// TaskAssemble turns draft content into the final deck
	TaskAssemble Task = "assemble"
)

// Request carries everything a collaborator needs for one call
type Request struct {
	SessionID string
	Text      string
	Answers   map[string]string
	Draft     *protocol.Deck
}

// Result is a collaborator's answer. Which fields are set depends on the
// task: analysis fills Completeness and Questions, generation and
// assembly fill Deck.
type Result struct {
	Completeness float64
	Questions    []protocol.Question
	Deck         *protocol.Deck
	Note         string
}

// Collaborator performs one kind of task. Implementations must honor
// context cancellation.
type Collaborator interface {
	// Name identifies the collaborator in progress reports and logs
	Name() string
	// Invoke performs the task and returns its result
	Invoke(ctx context.Context, task Task, req *Request) (*Result, error)
}

// Call records a single collaborator invocation for inspection
type Call struct {
	ID           string
	Task         Task
	Collaborator string
	SessionID    string
	Attempt      int
	StartedAt    time.Time
	FinishedAt   time.Time
	Err          error
}

// Gateway routes tasks to collaborators and time-boxes every call.
// A call that outlives the gateway timeout is abandoned and reported as
// a recoverable timeout; the collaborator's eventual answer is dropped.
type Gateway struct {
	mu            sync.RWMutex
	collaborators map[Task]Collaborator
	timeout       time.Duration
	logger        *logging.Logger

	callMu sync.Mutex
	calls  []Call
}

// New creates a gateway over the given collaborator registry
func New(collaborators map[Task]Collaborator, timeout time.Duration, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Gateway{
		collaborators: collaborators,
		timeout:       timeout,
		logger:        logger,
	}
}

// Register adds or replaces the collaborator for a task
func (g *Gateway) Register(task Task, c Collaborator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collaborators[task] = c
}

// CollaboratorName returns the registered collaborator's name for a task,
// or an empty string when none is registered
func (g *Gateway) CollaboratorName(task Task) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if c, ok := g.collaborators[task]; ok {
		return c.Name()
	}
	return ""
}

// Names returns the names of all registered collaborators
func (g *Gateway) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]bool, len(g.collaborators))
	names := make([]string, 0, len(g.collaborators))
	for _, c := range g.collaborators {
		if !seen[c.Name()] {
			seen[c.Name()] = true
			names = append(names, c.Name())
		}
	}
	return names
}

// Invoke routes the task to its collaborator under the gateway timeout.
// Attempt is recorded for observability only; retry policy lives with
// the caller.
func (g *Gateway) Invoke(ctx context.Context, task Task, req *Request, attempt int) (*Result, error) {
	g.mu.RLock()
	c, ok := g.collaborators[task]
	g.mu.RUnlock()
	if !ok {
		return nil, errors.NewGatewayError("no collaborator registered", nil).WithPhase(string(task))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	call := Call{
		ID:           "call_" + uuid.New().String(),
		Task:         task,
		Collaborator: c.Name(),
		SessionID:    req.SessionID,
		Attempt:      attempt,
		StartedAt:    time.Now(),
	}

	log := g.logger.WithSession(req.SessionID).WithCollaborator(c.Name())
	log.Debug("invoking collaborator", "task", task, "attempt", attempt, "call_id", call.ID)

	res, err := c.Invoke(callCtx, task, req)

	call.FinishedAt = time.Now()
	call.Err = err
	g.record(call)

	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = errors.NewTimeoutError(c.Name(), g.timeout)
		}
		log.Warn("collaborator call failed",
			"task", task,
			"attempt", attempt,
			"duration", call.FinishedAt.Sub(call.StartedAt),
			"error", err)
		return nil, err
	}

	if err := validateResult(task, res); err != nil {
		log.Warn("collaborator returned invalid result", "task", task, "error", err)
		return nil, err
	}

	log.Debug("collaborator call succeeded",
		"task", task,
		"duration", call.FinishedAt.Sub(call.StartedAt))
	return res, nil
}

// validateResult enforces the result contract per task. A violation is
// fatal; retrying a collaborator that answers with garbage wastes the
// retry budget.
func validateResult(task Task, res *Result) error {
	if res == nil {
		return errors.Wrap(errors.ErrContractViolation, "nil result")
	}
	switch task {
	case TaskAnalyze:
		if res.Completeness < 0 || res.Completeness > 1 {
			return errors.Wrapf(errors.ErrContractViolation,
				"completeness %v out of range", res.Completeness)
		}
	case TaskGenerate, TaskAssemble:
		if res.Deck == nil {
			return errors.Wrap(errors.ErrContractViolation, "missing deck")
		}
		if len(res.Deck.Slides) == 0 {
			return errors.Wrap(errors.ErrContractViolation, "deck has no slides")
		}
	}
	return nil
}

func (g *Gateway) record(call Call) {
	g.callMu.Lock()
	defer g.callMu.Unlock()
	g.calls = append(g.calls, call)
	// keep the record bounded
	if len(g.calls) > 1000 {
		g.calls = g.calls[len(g.calls)-1000:]
	}
}

// Calls returns a copy of the recorded call history
func (g *Gateway) Calls() []Call {
	g.callMu.Lock()
	defer g.callMu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}
