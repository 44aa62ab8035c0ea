// Package workflow drives a session's request through the generation
// pipeline: intake, analysis, an optionally repeated clarification
// round, generation, and delivery.
//
// The orchestrator is the sole writer of session state. The router
// serializes its calls per session, so a session's pipeline is logically
// single-threaded even though many sessions run in parallel.
package workflow

import (
	"context"
	"time"

	"github.com/slidewire/slidewire/internal/errors"
	"github.com/slidewire/slidewire/internal/event"
	"github.com/slidewire/slidewire/internal/gateway"
	"github.com/slidewire/slidewire/internal/logging"
	"github.com/slidewire/slidewire/internal/protocol"
	"github.com/slidewire/slidewire/internal/session"
)

// Emitter delivers an outbound envelope for a session. Implemented by
// the router.
type Emitter interface {
	Emit(sessionID string, env *protocol.Envelope) bool
}

// Progress percentages per phase
const (
	percentIntake     = 0
	percentAnalyzing  = 10
	percentClarifying = 20
	percentGenerating = 30
	percentDelivering = 60
	percentCompleted  = 100
)

// Config bounds the state machine
type Config struct {
	// MaxClarificationRounds bounds the question dialogue; reaching it
	// forces generation in degraded mode
	MaxClarificationRounds int
	// CompletenessThreshold is the analysis score at or above which
	// generation proceeds without clarification
	CompletenessThreshold float64
	// Retry bounds recoverable collaborator failures
	Retry Policy
}

// Orchestrator owns the workflow state machine
type Orchestrator struct {
	store   *session.Store
	gw      *gateway.Gateway
	emitter Emitter
	bus     *event.Bus
	logger  *logging.Logger
	cfg     Config

	// sleep is swapped in tests to avoid real backoff delays
	sleep func(ctx context.Context, d time.Duration)
}

// New creates an Orchestrator
func New(store *session.Store, gw *gateway.Gateway, emitter Emitter, bus *event.Bus, logger *logging.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Orchestrator{
		store:   store,
		gw:      gw,
		emitter: emitter,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		sleep:   contextSleep,
	}
}

// contextSleep waits out d, returning early when ctx ends so a client
// cancel is not stalled behind a backoff timer.
func contextSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// canceledByClient reports whether ctx was torn down by a client cancel
// rather than server shutdown.
func canceledByClient(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errors.ErrCanceled)
}

// ProcessStart acknowledges a fresh session. The pipeline proper begins
// when the first input arrives.
func (o *Orchestrator) ProcessStart(ctx context.Context, sessionID string) {
	gen, ok := o.snapshot(sessionID)
	if !ok {
		return
	}
	o.emitProgress(sessionID, gen, session.PhaseIntake, percentIntake)
}

// ProcessResume replays the session's current state to a reconnected
// channel: the pending question round, the terminal result or error, or
// a plain progress report.
func (o *Orchestrator) ProcessResume(ctx context.Context, sessionID string) {
	var (
		phase  session.Phase
		round  *protocol.QuestionPayload
		result *protocol.Deck
		last   *protocol.ErrorPayload
		gen    uint64
	)
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		phase = s.Phase
		gen = s.Generation
		if r := s.CurrentRound(); r != nil && s.Phase == session.PhaseClarifying {
			round = &protocol.QuestionPayload{RoundNumber: r.RoundNumber, Questions: r.Questions}
		}
		result = s.Result
		last = s.LastError
		s.Touch()
		return nil
	})
	if err != nil {
		return
	}

	o.publish(event.NewSessionResumedEvent(sessionID, string(phase)))

	switch {
	case phase == session.PhaseFailed && last != nil:
		o.emit(sessionID, gen, protocol.New(protocol.TypeError, sessionID, *last))
	case phase == session.PhaseCompleted && result != nil:
		o.emitProgress(sessionID, gen, phase, percentCompleted)
		o.emit(sessionID, gen, protocol.New(protocol.TypeResult, sessionID, protocol.ResultPayload{
			Kind: "complete",
			Deck: *result,
		}))
	case phase == session.PhaseClarifying && round != nil:
		o.emit(sessionID, gen, protocol.New(protocol.TypeQuestion, sessionID, *round))
	default:
		o.emitProgress(sessionID, gen, phase, phasePercent(phase))
	}
}

// ProcessInput feeds user text or clarification answers into the state
// machine. In intake it launches the pipeline; in clarifying it merges
// answers and, once the round completes, resumes analysis.
func (o *Orchestrator) ProcessInput(ctx context.Context, sessionID string, input *protocol.InputPayload) {
	var (
		phase session.Phase
		gen   uint64
	)
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		phase = s.Phase
		gen = s.Generation
		s.Touch()
		return nil
	})
	if err != nil {
		return
	}

	switch phase {
	case session.PhaseIntake:
		o.handleRequest(ctx, sessionID, gen, input)
	case session.PhaseClarifying:
		o.handleAnswers(ctx, sessionID, gen, input)
	case session.PhaseCompleted, session.PhaseFailed:
		o.emit(sessionID, gen, validationErrorEnvelope(sessionID,
			errors.NewValidationError("session already ended").WithField("session_id")))
	default:
		// a job is only ever consumed between pipeline runs, so other
		// phases mean the client raced its own request
		o.emit(sessionID, gen, validationErrorEnvelope(sessionID,
			errors.NewValidationError("request already in progress")))
	}
}

// ProcessCancel moves an active session to failed with a canceled code.
// Terminal sessions ignore it.
func (o *Orchestrator) ProcessCancel(ctx context.Context, sessionID string) {
	var (
		phase session.Phase
		gen   uint64
	)
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		phase = s.Phase
		gen = s.Generation
		return nil
	})
	if err != nil {
		return
	}
	if phase.Terminal() {
		o.logger.WithSession(sessionID).Debug("cancel on terminal session ignored")
		return
	}
	o.fail(sessionID, gen, errors.Wrap(errors.ErrCanceled, "canceled by client"))
}

// handleRequest validates the initial request and runs the pipeline from
// analysis onward.
func (o *Orchestrator) handleRequest(ctx context.Context, sessionID string, gen uint64, input *protocol.InputPayload) {
	if input.Text == "" {
		o.emit(sessionID, gen, validationErrorEnvelope(sessionID,
			errors.NewValidationError("a request needs text").WithField("text")))
		return
	}

	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		s.RequestText = input.Text
		return nil
	})
	if err != nil {
		return
	}

	o.analyze(ctx, sessionID, gen)
}

// handleAnswers merges clarification answers into the current round.
// Completing the round resumes analysis; partial or repeated answers
// cause no transition.
func (o *Orchestrator) handleAnswers(ctx context.Context, sessionID string, gen uint64, input *protocol.InputPayload) {
	if len(input.Answers) == 0 {
		o.emit(sessionID, gen, validationErrorEnvelope(sessionID,
			errors.NewValidationError("expected answers to the pending questions").WithField("answers")))
		return
	}

	completed := false
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		round := s.CurrentRound()
		if round == nil {
			return errors.ErrSessionNotFound
		}
		wasComplete := round.Complete()
		round.Merge(input.Answers)
		completed = !wasComplete && round.Complete()
		return nil
	})
	if err != nil {
		return
	}

	if !completed {
		o.logger.WithSession(sessionID).Debug("round still incomplete or unchanged")
		return
	}
	o.analyze(ctx, sessionID, gen)
}

// analyze scores the request. Depending on the score and the round
// budget it either proceeds to generation, opens another clarification
// round, or forces generation in degraded mode.
func (o *Orchestrator) analyze(ctx context.Context, sessionID string, gen uint64) {
	req, ok := o.buildRequest(sessionID)
	if !ok {
		return
	}

	// A completed clarification round re-consults the analyst without
	// leaving clarifying; only the first pass enters analyzing.
	phase := session.PhaseAnalyzing
	_ = o.store.WithLock(sessionID, func(s *session.Session) error {
		if s.Phase == session.PhaseClarifying {
			phase = session.PhaseClarifying
		}
		return nil
	})
	if phase == session.PhaseAnalyzing {
		o.transition(sessionID, gen, session.PhaseAnalyzing, percentAnalyzing)
	}

	res, err := o.invoke(ctx, sessionID, gen, gateway.TaskAnalyze, req, phase, phasePercent(phase))
	if err != nil {
		o.fail(sessionID, gen, err)
		return
	}

	var (
		rounds   int
		degraded bool
	)
	_ = o.store.WithLock(sessionID, func(s *session.Session) error {
		s.Completeness = res.Completeness
		rounds = s.ClarificationRoundCount()
		degraded = s.Degraded
		return nil
	})

	switch {
	case res.Completeness >= o.cfg.CompletenessThreshold || len(res.Questions) == 0 || degraded:
		o.generate(ctx, sessionID, gen)

	case rounds >= o.cfg.MaxClarificationRounds:
		_ = o.store.WithLock(sessionID, func(s *session.Session) error {
			s.Degraded = true
			return nil
		})
		o.logger.WithSession(sessionID).Warn("clarification budget exhausted, proceeding degraded",
			"rounds", rounds, "completeness", res.Completeness)
		o.publish(event.NewDegradedModeEvent(sessionID, rounds))
		o.generate(ctx, sessionID, gen)

	default:
		o.openRound(sessionID, gen, res.Questions)
	}
}

// openRound records a new clarification round and sends its questions
func (o *Orchestrator) openRound(sessionID string, gen uint64, questions []protocol.Question) {
	var payload protocol.QuestionPayload
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		round := session.ClarificationRound{
			RoundNumber: s.ClarificationRoundCount() + 1,
			Questions:   questions,
			Answers:     make(map[string]string),
		}
		s.Rounds = append(s.Rounds, round)
		payload = protocol.QuestionPayload{RoundNumber: round.RoundNumber, Questions: questions}
		return nil
	})
	if err != nil {
		return
	}

	o.transition(sessionID, gen, session.PhaseClarifying, percentClarifying)
	o.emit(sessionID, gen, protocol.New(protocol.TypeQuestion, sessionID, payload))
	o.logger.WithSession(sessionID).Info("clarification round opened",
		"round", payload.RoundNumber, "questions", len(questions))
}

// generate produces the draft deck and hands it to delivery
func (o *Orchestrator) generate(ctx context.Context, sessionID string, gen uint64) {
	req, ok := o.buildRequest(sessionID)
	if !ok {
		return
	}

	o.transition(sessionID, gen, session.PhaseGenerating, percentGenerating)

	res, err := o.invoke(ctx, sessionID, gen, gateway.TaskGenerate, req, session.PhaseGenerating, percentGenerating)
	if err != nil {
		o.fail(sessionID, gen, err)
		return
	}

	_ = o.store.WithLock(sessionID, func(s *session.Session) error {
		s.Draft = res.Deck
		return nil
	})

	o.deliver(ctx, sessionID, gen)
}

// deliver assembles the final deck and completes the session
func (o *Orchestrator) deliver(ctx context.Context, sessionID string, gen uint64) {
	req, ok := o.buildRequest(sessionID)
	if !ok {
		return
	}

	o.transition(sessionID, gen, session.PhaseDelivering, percentDelivering)

	res, err := o.invoke(ctx, sessionID, gen, gateway.TaskAssemble, req, session.PhaseDelivering, percentDelivering)
	if err != nil {
		o.fail(sessionID, gen, err)
		return
	}

	_ = o.store.WithLock(sessionID, func(s *session.Session) error {
		s.Result = res.Deck
		return nil
	})

	o.transition(sessionID, gen, session.PhaseCompleted, percentCompleted)
	o.emit(sessionID, gen, protocol.New(protocol.TypeResult, sessionID, protocol.ResultPayload{
		Kind: "complete",
		Deck: *res.Deck,
	}))
	o.logger.WithSession(sessionID).Info("session completed", "slides", len(res.Deck.Slides))
}

// invoke calls the gateway under the retry policy. Recoverable failures
// move the session through error_recovery and back; the client sees
// progress, not errors, until the budget is spent. RetryCount resets on
// success.
func (o *Orchestrator) invoke(ctx context.Context, sessionID string, gen uint64, task gateway.Task, req *gateway.Request, phase session.Phase, percent int) (*gateway.Result, error) {
	attempt := 0
	for {
		res, err := o.gw.Invoke(ctx, task, req, attempt)
		if err == nil {
			_ = o.store.WithLock(sessionID, func(s *session.Session) error {
				s.RetryCount = 0
				return nil
			})
			return res, nil
		}

		if canceledByClient(ctx) {
			return nil, errors.Wrap(errors.ErrCanceled, "canceled by client")
		}

		if errors.Classify(err) == errors.OutcomeFatal {
			return nil, err
		}

		attempt++
		if attempt > o.cfg.Retry.MaxRetries {
			return nil, errors.Wrapf(errors.ErrRetriesExhausted,
				"%s failed after %d retries: %v", task, o.cfg.Retry.MaxRetries, err)
		}

		_ = o.store.WithLock(sessionID, func(s *session.Session) error {
			s.RetryCount = attempt
			s.Phase = session.PhaseErrorRecovery
			return nil
		})

		backoff := o.cfg.Retry.Backoff(attempt)
		o.logger.WithSession(sessionID).WithCollaborator(o.gw.CollaboratorName(task)).
			Warn("recoverable failure, retrying",
				"task", task, "attempt", attempt, "backoff", backoff, "error", err)
		o.publish(event.NewCallRetryingEvent(sessionID, o.gw.CollaboratorName(task), attempt, backoff.String(), err.Error()))
		o.emitProgress(sessionID, gen, session.PhaseErrorRecovery, percent)

		o.sleep(ctx, backoff)
		if canceledByClient(ctx) {
			return nil, errors.Wrap(errors.ErrCanceled, "canceled by client")
		}

		_ = o.store.WithLock(sessionID, func(s *session.Session) error {
			s.Phase = phase
			return nil
		})
	}
}

// fail moves the session to failed and emits its single terminal error
// envelope
func (o *Orchestrator) fail(sessionID string, gen uint64, cause error) {
	code := errors.Code(cause)
	payload := protocol.ErrorPayload{
		Code:        code,
		Message:     cause.Error(),
		Recoverable: false,
	}

	var prev session.Phase
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		prev = s.Phase
		s.Phase = session.PhaseFailed
		s.LastError = &payload
		s.Touch()
		return nil
	})
	if err != nil {
		return
	}

	o.logger.WithSession(sessionID).WithPhase(string(prev)).Error("session failed",
		"code", code, "error", cause)
	o.publish(event.NewPhaseChangedEvent(sessionID, string(prev), string(session.PhaseFailed), false))
	o.publish(event.NewSessionFailedEvent(sessionID, code, cause.Error()))
	o.emit(sessionID, gen, protocol.New(protocol.TypeError, sessionID, payload))
}

// transition moves the session to phase and reports progress
func (o *Orchestrator) transition(sessionID string, gen uint64, phase session.Phase, percent int) {
	var (
		prev     session.Phase
		degraded bool
	)
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		prev = s.Phase
		s.Phase = phase
		degraded = s.Degraded
		s.Touch()
		return nil
	})
	if err != nil {
		return
	}

	o.logger.WithSession(sessionID).Info("phase changed",
		"from", prev, "to", phase, "degraded", degraded)
	o.publish(event.NewPhaseChangedEvent(sessionID, string(prev), string(phase), degraded))
	o.emitProgress(sessionID, gen, phase, percent)
}

// buildRequest snapshots the session into a gateway request
func (o *Orchestrator) buildRequest(sessionID string) (*gateway.Request, bool) {
	var req gateway.Request
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		req = gateway.Request{
			SessionID: s.ID,
			Text:      s.RequestText,
			Answers:   s.AllAnswers(),
			Draft:     s.Draft,
		}
		return nil
	})
	if err != nil {
		return nil, false
	}
	return &req, true
}

// snapshot returns the session's generation, or false when it no longer
// exists
func (o *Orchestrator) snapshot(sessionID string) (uint64, bool) {
	var gen uint64
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		gen = s.Generation
		s.Touch()
		return nil
	})
	return gen, err == nil
}

// emit delivers an envelope unless the session's generation moved on.
// A moved generation means the channel that asked for this work is gone;
// state is already updated and a resuming client replays it from there.
func (o *Orchestrator) emit(sessionID string, gen uint64, env *protocol.Envelope) {
	var current uint64
	err := o.store.WithLock(sessionID, func(s *session.Session) error {
		current = s.Generation
		return nil
	})
	if err != nil {
		return
	}
	if current != gen {
		o.logger.WithSession(sessionID).Debug("stale generation, suppressing envelope", "type", env.Type)
		return
	}
	o.emitter.Emit(sessionID, env)
}

func (o *Orchestrator) emitProgress(sessionID string, gen uint64, phase session.Phase, percent int) {
	o.emit(sessionID, gen, protocol.New(protocol.TypeProgress, sessionID, protocol.ProgressPayload{
		Phase:           string(phase),
		PercentComplete: percent,
		Collaborators:   o.collaboratorStatuses(phase),
	}))
}

// collaboratorStatuses reports each collaborator's position in the
// pipeline for the given phase
func (o *Orchestrator) collaboratorStatuses(phase session.Phase) map[string]protocol.CollaboratorStatus {
	order := []struct {
		task  gateway.Task
		phase session.Phase
	}{
		{gateway.TaskAnalyze, session.PhaseAnalyzing},
		{gateway.TaskGenerate, session.PhaseGenerating},
		{gateway.TaskAssemble, session.PhaseDelivering},
	}
	rank := map[session.Phase]int{
		session.PhaseIntake:     -1,
		session.PhaseAnalyzing:  0,
		session.PhaseClarifying: 0,
		session.PhaseGenerating: 1,
		session.PhaseDelivering: 2,
		session.PhaseCompleted:  3,
		session.PhaseFailed:     3,
	}
	cur, ok := rank[phase]
	if !ok {
		return nil
	}

	statuses := make(map[string]protocol.CollaboratorStatus, len(order))
	for i, step := range order {
		name := o.gw.CollaboratorName(step.task)
		if name == "" {
			continue
		}
		switch {
		case i < cur:
			statuses[name] = protocol.StatusCompleted
		case i == cur && phase != session.PhaseClarifying && phase.Active():
			statuses[name] = protocol.StatusActive
		case phase.Terminal() && phase == session.PhaseCompleted:
			statuses[name] = protocol.StatusCompleted
		case phase == session.PhaseFailed && i == cur:
			statuses[name] = protocol.StatusError
		default:
			statuses[name] = protocol.StatusPending
		}
	}
	return statuses
}

func (o *Orchestrator) publish(e event.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

func phasePercent(phase session.Phase) int {
	switch phase {
	case session.PhaseAnalyzing:
		return percentAnalyzing
	case session.PhaseClarifying:
		return percentClarifying
	case session.PhaseGenerating, session.PhaseErrorRecovery:
		return percentGenerating
	case session.PhaseDelivering:
		return percentDelivering
	case session.PhaseCompleted:
		return percentCompleted
	default:
		return percentIntake
	}
}

func validationErrorEnvelope(sessionID string, err error) *protocol.Envelope {
	return protocol.New(protocol.TypeError, sessionID, protocol.ErrorPayload{
		Code:        errors.Code(err),
		Message:     err.Error(),
		Recoverable: true,
	})
}
