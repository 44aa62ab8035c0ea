// Package router validates inbound envelopes, resolves them to sessions,
// and serializes processing per session.
//
// Every session gets its own FIFO queue with a single consumer goroutine,
// so a session's envelopes are processed strictly in arrival order while
// unrelated sessions proceed in parallel. Outbound traffic flows back
// through the router via Emit, which delivers to whichever channel is
// currently bound to the session.
package router

import (
	"context"
	"sync"

	"github.com/slidewire/slidewire/internal/errors"
	"github.com/slidewire/slidewire/internal/logging"
	"github.com/slidewire/slidewire/internal/protocol"
	"github.com/slidewire/slidewire/internal/session"
)

// Sender delivers an envelope to one client channel. Implementations
// must be safe for concurrent use.
type Sender interface {
	Send(env *protocol.Envelope) error
}

// Processor consumes validated, session-ordered messages. Calls for a
// given session never overlap.
type Processor interface {
	// ProcessStart handles a fresh session's start request
	ProcessStart(ctx context.Context, sessionID string)
	// ProcessResume handles a reconnect to an existing session
	ProcessResume(ctx context.Context, sessionID string)
	// ProcessInput handles user text or clarification answers
	ProcessInput(ctx context.Context, sessionID string, input *protocol.InputPayload)
	// ProcessCancel handles a client cancel request
	ProcessCancel(ctx context.Context, sessionID string)
}

// Router is the message boundary between channels and the workflow
type Router struct {
	store  *session.Store
	logger *logging.Logger

	mu      sync.Mutex
	proc    Processor
	queues  map[string]*queue
	senders map[string]Sender

	// cancels holds the cancel func for each in-flight job so a client
	// cancel can interrupt it mid-run; pending marks sessions whose
	// cancel arrived between jobs.
	cancels map[string]context.CancelCauseFunc
	pending map[string]bool

	baseCtx context.Context
}

// New creates a Router over the given store. SetProcessor must be called
// before the first Dispatch.
func New(store *session.Store, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Router{
		store:   store,
		logger:  logger,
		queues:  make(map[string]*queue),
		senders: make(map[string]Sender),
		cancels: make(map[string]context.CancelCauseFunc),
		pending: make(map[string]bool),
		baseCtx: context.Background(),
	}
}

// SetProcessor wires the downstream consumer. Separate from New because
// the workflow needs the router as its emitter.
func (r *Router) SetProcessor(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proc = p
}

// Start anchors message processing to ctx. When ctx is canceled every
// per-session consumer drains and stops.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.closeAll()
	}()
}

// Dispatch handles one raw inbound message from a channel. Replies,
// including protocol errors, go to sender; failures here never close
// the channel.
func (r *Router) Dispatch(userID string, sender Sender, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		r.reply(sender, "", protocolError("", err))
		return
	}

	payload, err := protocol.Validate(env)
	if err != nil {
		r.reply(sender, env.SessionID, protocolError(env.SessionID, err))
		return
	}

	switch p := payload.(type) {
	case *protocol.ControlPayload:
		r.dispatchControl(env, p, userID, sender)
	case *protocol.InputPayload:
		r.dispatchInput(env, p, sender)
	}
}

func (r *Router) dispatchControl(env *protocol.Envelope, p *protocol.ControlPayload, userID string, sender Sender) {
	switch p.Action {
	case protocol.ActionPing:
		// liveness shortcut, never queued
		r.reply(sender, env.SessionID, pongEnvelope(env.SessionID))
		r.touch(env.SessionID)

	case protocol.ActionPong:
		r.touch(env.SessionID)

	case protocol.ActionStart:
		if env.SessionID == "" {
			r.startSession(userID, sender)
			return
		}
		r.resumeSession(env.SessionID, sender)

	case protocol.ActionCancel:
		if _, err := r.store.Get(env.SessionID); err != nil {
			r.reply(sender, env.SessionID, protocolError(env.SessionID, err))
			return
		}
		r.interrupt(env.SessionID)
		r.enqueue(env.SessionID, job{kind: jobCancel})
	}
}

func (r *Router) dispatchInput(env *protocol.Envelope, p *protocol.InputPayload, sender Sender) {
	if _, err := r.store.Get(env.SessionID); err != nil {
		r.reply(sender, env.SessionID, protocolError(env.SessionID, err))
		return
	}
	r.enqueue(env.SessionID, job{kind: jobInput, input: p})
}

func (r *Router) startSession(userID string, sender Sender) {
	sess := r.store.Create(userID)
	r.Bind(sess.ID, sender)
	r.logger.WithSession(sess.ID).Info("session started", "user_id", userID)
	r.enqueue(sess.ID, job{kind: jobStart})
}

func (r *Router) resumeSession(sessionID string, sender Sender) {
	if _, err := r.store.Resume(sessionID); err != nil {
		r.reply(sender, sessionID, protocolError(sessionID, err))
		return
	}
	r.Bind(sessionID, sender)
	r.logger.WithSession(sessionID).Info("session resumed")
	r.enqueue(sessionID, job{kind: jobResume})
}

// Bind routes outbound envelopes for the session to sender
func (r *Router) Bind(sessionID string, sender Sender) {
	r.mu.Lock()
	r.senders[sessionID] = sender
	r.mu.Unlock()
}

// Unbind stops outbound delivery for the session, but only if sender is
// still the bound channel. A teardown racing a reconnect must not strip
// the newer channel's binding.
func (r *Router) Unbind(sessionID string, sender Sender) {
	r.mu.Lock()
	if r.senders[sessionID] == sender {
		delete(r.senders, sessionID)
	}
	r.mu.Unlock()
}

// UnbindAll removes every binding held by sender and returns the
// affected session ids. Used at channel teardown so each session can be
// suspended.
func (r *Router) UnbindAll(sender Sender) []string {
	r.mu.Lock()
	var ids []string
	for id, s := range r.senders {
		if s == sender {
			delete(r.senders, id)
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	return ids
}

// Emit delivers an outbound envelope to the session's bound channel.
// Returns false when no channel is bound or the send fails; the envelope
// is dropped, not queued. State already reflects it, so a resuming
// client recovers it from the session.
func (r *Router) Emit(sessionID string, env *protocol.Envelope) bool {
	r.mu.Lock()
	sender := r.senders[sessionID]
	r.mu.Unlock()

	if sender == nil {
		r.logger.WithSession(sessionID).Debug("no channel bound, dropping envelope", "type", env.Type)
		return false
	}
	if err := sender.Send(env); err != nil {
		r.logger.WithSession(sessionID).Warn("outbound send failed", "type", env.Type, "error", err)
		return false
	}
	return true
}

// Release drops the session's queue and binding. Called when a session
// is deleted or swept.
func (r *Router) Release(sessionID string) {
	r.mu.Lock()
	q := r.queues[sessionID]
	cancel := r.cancels[sessionID]
	delete(r.queues, sessionID)
	delete(r.senders, sessionID)
	delete(r.cancels, sessionID)
	delete(r.pending, sessionID)
	r.mu.Unlock()

	if cancel != nil {
		cancel(nil)
	}
	if q != nil {
		q.close()
	}
}

func (r *Router) enqueue(sessionID string, j job) {
	r.mu.Lock()
	q, ok := r.queues[sessionID]
	if !ok {
		q = newQueue()
		r.queues[sessionID] = q
		go r.consume(sessionID, q)
	}
	ctx := r.baseCtx
	r.mu.Unlock()

	// drop when shutting down
	if ctx.Err() != nil {
		return
	}
	q.push(j)
}

// consume is the session's single consumer. Jobs run one at a time in
// arrival order. Each job gets its own cancelable context so a client
// cancel can cut an in-flight pipeline short instead of waiting for it.
func (r *Router) consume(sessionID string, q *queue) {
	for {
		j, ok := q.pop()
		if !ok {
			return
		}

		r.mu.Lock()
		ctx := r.baseCtx
		proc := r.proc
		r.mu.Unlock()

		if proc == nil || ctx.Err() != nil {
			continue
		}

		if j.kind == jobCancel {
			r.mu.Lock()
			delete(r.pending, sessionID)
			r.mu.Unlock()
			proc.ProcessCancel(ctx, sessionID)
			continue
		}

		jobCtx, cancel := context.WithCancelCause(ctx)
		r.mu.Lock()
		r.cancels[sessionID] = cancel
		if r.pending[sessionID] {
			cancel(errors.ErrCanceled)
		}
		r.mu.Unlock()

		switch j.kind {
		case jobStart:
			proc.ProcessStart(jobCtx, sessionID)
		case jobResume:
			proc.ProcessResume(jobCtx, sessionID)
		case jobInput:
			proc.ProcessInput(jobCtx, sessionID, j.input)
		}

		r.mu.Lock()
		delete(r.cancels, sessionID)
		r.mu.Unlock()
		cancel(nil)
	}
}

// interrupt aborts the session's in-flight job, if any, and marks the
// cancel pending so a job dequeued before the cancel job still sees it.
func (r *Router) interrupt(sessionID string) {
	r.mu.Lock()
	r.pending[sessionID] = true
	cancel := r.cancels[sessionID]
	r.mu.Unlock()

	if cancel != nil {
		cancel(errors.ErrCanceled)
	}
}

func (r *Router) closeAll() {
	r.mu.Lock()
	queues := r.queues
	cancels := r.cancels
	r.queues = make(map[string]*queue)
	r.senders = make(map[string]Sender)
	r.cancels = make(map[string]context.CancelCauseFunc)
	r.pending = make(map[string]bool)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel(nil)
	}
	for _, q := range queues {
		q.close()
	}
}

func (r *Router) reply(sender Sender, sessionID string, env *protocol.Envelope) {
	if err := sender.Send(env); err != nil {
		r.logger.WithSession(sessionID).Debug("error reply not delivered", "error", err)
	}
}

func (r *Router) touch(sessionID string) {
	if sessionID == "" {
		return
	}
	_ = r.store.WithLock(sessionID, func(s *session.Session) error {
		s.Touch()
		return nil
	})
}

func protocolError(sessionID string, err error) *protocol.Envelope {
	return protocol.New(protocol.TypeError, sessionID, protocol.ErrorPayload{
		Code:        errors.Code(err),
		Message:     err.Error(),
		Recoverable: true,
	})
}

func pongEnvelope(sessionID string) *protocol.Envelope {
	return protocol.New(protocol.TypeControl, sessionID, protocol.ControlPayload{
		Action: protocol.ActionPong,
	})
}
