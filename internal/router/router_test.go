package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slidewire/slidewire/internal/errors"
	"github.com/slidewire/slidewire/internal/gateway"
	"github.com/slidewire/slidewire/internal/protocol"
	"github.com/slidewire/slidewire/internal/session"
	"github.com/slidewire/slidewire/internal/testutil"
	"github.com/slidewire/slidewire/internal/workflow"
)

// recordingProcessor records every call in arrival order.
type recordingProcessor struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingProcessor) record(s string) {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	p.mu.Unlock()
}

func (p *recordingProcessor) ProcessStart(_ context.Context, sessionID string) {
	p.record("start:" + sessionID)
}

func (p *recordingProcessor) ProcessResume(_ context.Context, sessionID string) {
	p.record("resume:" + sessionID)
}

func (p *recordingProcessor) ProcessInput(_ context.Context, sessionID string, input *protocol.InputPayload) {
	p.record("input:" + sessionID + ":" + input.Text)
}

func (p *recordingProcessor) ProcessCancel(_ context.Context, sessionID string) {
	p.record("cancel:" + sessionID)
}

func (p *recordingProcessor) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestRouter(t *testing.T) (*Router, *session.Store, *recordingProcessor) {
	t.Helper()
	store := session.NewStore(time.Hour, time.Hour)
	rt := New(store, nil)
	proc := &recordingProcessor{}
	rt.SetProcessor(proc)
	return rt, store, proc
}

func encode(t *testing.T, env *protocol.Envelope) []byte {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return raw
}

func controlFrame(t *testing.T, sessionID string, action protocol.Action) []byte {
	t.Helper()
	return encode(t, protocol.New(protocol.TypeControl, sessionID, protocol.ControlPayload{Action: action}))
}

func inputFrame(t *testing.T, sessionID, text string) []byte {
	t.Helper()
	return encode(t, protocol.New(protocol.TypeInput, sessionID, protocol.InputPayload{Text: text}))
}

func TestDispatch_MalformedFrame(t *testing.T) {
	rt, _, proc := newTestRouter(t)
	sender := testutil.NewCaptureSender()

	rt.Dispatch("user-1", sender, []byte("{not json"))

	errs := sender.ByType(protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("got %d error envelopes, want 1", len(errs))
	}
	var payload protocol.ErrorPayload
	testutil.DecodePayload(t, errs[0], &payload)
	if payload.Code != "protocol_error" {
		t.Errorf("Code = %q, want protocol_error", payload.Code)
	}
	if !payload.Recoverable {
		t.Error("a protocol error reply should leave the channel usable")
	}
	if proc.count() != 0 {
		t.Errorf("malformed frames must not reach the processor, got %v", proc.snapshot())
	}
}

func TestDispatch_InvalidEnvelope(t *testing.T) {
	rt, _, proc := newTestRouter(t)
	sender := testutil.NewCaptureSender()

	// outbound type on an inbound frame
	rt.Dispatch("user-1", sender, encode(t, protocol.New(protocol.TypeProgress, "session_1", protocol.ProgressPayload{Phase: "intake"})))

	if got := sender.ByType(protocol.TypeError); len(got) != 1 {
		t.Fatalf("got %d error envelopes, want 1", len(got))
	}
	if proc.count() != 0 {
		t.Errorf("invalid envelopes must not reach the processor, got %v", proc.snapshot())
	}
}

func TestDispatch_PingAnsweredInline(t *testing.T) {
	rt, store, proc := newTestRouter(t)
	sess := store.Create("user-1")
	sender := testutil.NewCaptureSender()

	before, _ := store.Get(sess.ID)
	idleBefore := before.LastActivityAt

	rt.Dispatch("user-1", sender, controlFrame(t, sess.ID, protocol.ActionPing))

	replies := sender.ByType(protocol.TypeControl)
	if len(replies) != 1 {
		t.Fatalf("got %d control replies, want 1", len(replies))
	}
	var payload protocol.ControlPayload
	testutil.DecodePayload(t, replies[0], &payload)
	if payload.Action != protocol.ActionPong {
		t.Errorf("Action = %q, want pong", payload.Action)
	}
	if proc.count() != 0 {
		t.Errorf("pings must not be queued, got %v", proc.snapshot())
	}

	after, _ := store.Get(sess.ID)
	if after.LastActivityAt.Before(idleBefore) {
		t.Error("ping should refresh session activity")
	}
}

func TestDispatch_StartCreatesSession(t *testing.T) {
	rt, store, proc := newTestRouter(t)
	sender := testutil.NewCaptureSender()

	rt.Dispatch("user-1", sender, controlFrame(t, "", protocol.ActionStart))

	testutil.RequireEventually(t, time.Second, func() bool { return proc.count() == 1 }, "start never reached the processor")

	calls := proc.snapshot()
	if store.Len() != 1 {
		t.Fatalf("store has %d sessions, want 1", store.Len())
	}
	sessions := store.CountByPhase()
	if sessions[session.PhaseIntake] != 1 {
		t.Errorf("phases = %v, want one intake session", sessions)
	}
	if len(calls) != 1 || calls[0][:6] != "start:" {
		t.Fatalf("calls = %v, want a single start", calls)
	}

	// the new session is bound to the sender
	sessionID := calls[0][6:]
	if !rt.Emit(sessionID, protocol.New(protocol.TypeProgress, sessionID, protocol.ProgressPayload{Phase: "intake"})) {
		t.Error("Emit() = false, the starting channel should be bound")
	}
}

func TestDispatch_StartWithUnknownSession(t *testing.T) {
	rt, _, proc := newTestRouter(t)
	sender := testutil.NewCaptureSender()

	rt.Dispatch("user-1", sender, controlFrame(t, "session_missing", protocol.ActionStart))

	if got := sender.ByType(protocol.TypeError); len(got) != 1 {
		t.Fatalf("got %d error envelopes, want 1", len(got))
	}
	if proc.count() != 0 {
		t.Errorf("a failed resume must not reach the processor, got %v", proc.snapshot())
	}
}

func TestDispatch_StartResumesExistingSession(t *testing.T) {
	rt, store, proc := newTestRouter(t)
	sess := store.Create("user-1")
	if err := store.Suspend(sess.ID); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	sender := testutil.NewCaptureSender()

	rt.Dispatch("user-1", sender, controlFrame(t, sess.ID, protocol.ActionStart))

	testutil.RequireEventually(t, time.Second, func() bool { return proc.count() == 1 }, "resume never reached the processor")
	if calls := proc.snapshot(); calls[0] != "resume:"+sess.ID {
		t.Errorf("calls = %v, want resume for %s", calls, sess.ID)
	}
	if !rt.Emit(sess.ID, protocol.New(protocol.TypeProgress, sess.ID, protocol.ProgressPayload{Phase: "intake"})) {
		t.Error("Emit() = false, the resuming channel should be bound")
	}
}

func TestDispatch_InputAndCancelNeedSession(t *testing.T) {
	rt, _, proc := newTestRouter(t)

	tests := []struct {
		name string
		raw  func(t *testing.T) []byte
	}{
		{"input", func(t *testing.T) []byte { return inputFrame(t, "session_missing", "hello") }},
		{"cancel", func(t *testing.T) []byte { return controlFrame(t, "session_missing", protocol.ActionCancel) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := testutil.NewCaptureSender()
			rt.Dispatch("user-1", sender, tt.raw(t))
			errs := sender.ByType(protocol.TypeError)
			if len(errs) != 1 {
				t.Fatalf("got %d error envelopes, want 1", len(errs))
			}
			var payload protocol.ErrorPayload
			testutil.DecodePayload(t, errs[0], &payload)
			if payload.Code != errors.CodeProtocolError {
				t.Errorf("Code = %q, want protocol_error", payload.Code)
			}
		})
	}
	if proc.count() != 0 {
		t.Errorf("unknown sessions must not reach the processor, got %v", proc.snapshot())
	}
}

func TestDispatch_CancelDuringCollaboratorCall(t *testing.T) {
	store := session.NewStore(time.Hour, time.Hour)
	rt := New(store, nil)
	analyst := gateway.NewMockCollaborator("mock-analyst")
	analyst.Delay = 2 * time.Second
	gw := gateway.New(map[gateway.Task]gateway.Collaborator{
		gateway.TaskAnalyze:  analyst,
		gateway.TaskGenerate: gateway.NewMockCollaborator("mock-author"),
		gateway.TaskAssemble: gateway.NewMockCollaborator("mock-assembler"),
	}, 10*time.Second, nil)
	orch := workflow.New(store, gw, rt, nil, nil, workflow.Config{
		MaxClarificationRounds: 3,
		CompletenessThreshold:  0.8,
		Retry:                  workflow.Policy{MaxRetries: 3, Base: time.Millisecond, Max: time.Millisecond},
	})
	rt.SetProcessor(orch)

	sess := store.Create("user-1")
	sender := testutil.NewCaptureSender()
	rt.Bind(sess.ID, sender)

	rt.Dispatch("user-1", sender, inputFrame(t, sess.ID, "A formal pitch for executives, about 10 slides, goal is to persuade"))

	phaseOf := func() session.Phase {
		var phase session.Phase
		_ = store.WithLock(sess.ID, func(s *session.Session) error {
			phase = s.Phase
			return nil
		})
		return phase
	}
	testutil.RequireEventually(t, time.Second, func() bool {
		return phaseOf() == session.PhaseAnalyzing
	}, "pipeline never reached the analyst")

	// the cancel must cut the in-flight call short, well before the
	// analyst's delay expires
	rt.Dispatch("user-1", sender, controlFrame(t, sess.ID, protocol.ActionCancel))
	testutil.RequireEventually(t, time.Second, func() bool {
		return len(sender.ByType(protocol.TypeError)) == 1
	}, "cancel did not interrupt the in-flight call")

	if got := phaseOf(); got != session.PhaseFailed {
		t.Fatalf("phase = %s, want failed", got)
	}
	var p protocol.ErrorPayload
	testutil.DecodePayload(t, sender.ByType(protocol.TypeError)[0], &p)
	if p.Code != errors.CodeCanceled {
		t.Errorf("Code = %q, want canceled", p.Code)
	}
	if got := len(sender.ByType(protocol.TypeResult)); got != 0 {
		t.Errorf("got %d result envelopes after cancel, want none", got)
	}
}

func TestDispatch_PerSessionOrdering(t *testing.T) {
	rt, store, proc := newTestRouter(t)
	sess := store.Create("user-1")
	sender := testutil.NewCaptureSender()
	rt.Bind(sess.ID, sender)

	const n = 50
	for i := 0; i < n; i++ {
		rt.Dispatch("user-1", sender, inputFrame(t, sess.ID, fmt.Sprintf("msg-%03d", i)))
	}

	testutil.RequireEventually(t, 2*time.Second, func() bool { return proc.count() == n }, "inputs never all arrived")

	for i, call := range proc.snapshot() {
		want := fmt.Sprintf("input:%s:msg-%03d", sess.ID, i)
		if call != want {
			t.Fatalf("call %d = %q, want %q", i, call, want)
		}
	}
}

func TestDispatch_SessionsProcessIndependently(t *testing.T) {
	rt, store, proc := newTestRouter(t)
	a := store.Create("user-1")
	b := store.Create("user-2")
	sender := testutil.NewCaptureSender()

	const n = 20
	for i := 0; i < n; i++ {
		rt.Dispatch("user-1", sender, inputFrame(t, a.ID, fmt.Sprintf("a-%02d", i)))
		rt.Dispatch("user-2", sender, inputFrame(t, b.ID, fmt.Sprintf("b-%02d", i)))
	}

	testutil.RequireEventually(t, 2*time.Second, func() bool { return proc.count() == 2*n }, "inputs never all arrived")

	// arrival order holds within each session regardless of interleaving
	var gotA, gotB []string
	prefixA := "input:" + a.ID + ":"
	prefixB := "input:" + b.ID + ":"
	for _, call := range proc.snapshot() {
		switch {
		case strings.HasPrefix(call, prefixA):
			gotA = append(gotA, strings.TrimPrefix(call, prefixA))
		case strings.HasPrefix(call, prefixB):
			gotB = append(gotB, strings.TrimPrefix(call, prefixB))
		}
	}
	if len(gotA) != n || len(gotB) != n {
		t.Fatalf("got %d/%d calls per session, want %d each", len(gotA), len(gotB), n)
	}
	for i := 0; i < n; i++ {
		if gotA[i] != fmt.Sprintf("a-%02d", i) {
			t.Fatalf("session a call %d = %q", i, gotA[i])
		}
		if gotB[i] != fmt.Sprintf("b-%02d", i) {
			t.Fatalf("session b call %d = %q", i, gotB[i])
		}
	}
}

func TestEmit(t *testing.T) {
	rt, store, _ := newTestRouter(t)
	sess := store.Create("user-1")
	env := protocol.New(protocol.TypeProgress, sess.ID, protocol.ProgressPayload{Phase: "intake"})

	if rt.Emit(sess.ID, env) {
		t.Error("Emit() = true with no binding, want false")
	}

	sender := testutil.NewCaptureSender()
	rt.Bind(sess.ID, sender)
	if !rt.Emit(sess.ID, env) {
		t.Error("Emit() = false with a live binding, want true")
	}
	if sender.Len() != 1 {
		t.Errorf("sender captured %d envelopes, want 1", sender.Len())
	}

	sender.Err = fmt.Errorf("channel closed")
	if rt.Emit(sess.ID, env) {
		t.Error("Emit() = true on a failing sender, want false")
	}
}

func TestUnbind_OnlyRemovesMatchingSender(t *testing.T) {
	rt, store, _ := newTestRouter(t)
	sess := store.Create("user-1")
	old := testutil.NewCaptureSender()
	fresh := testutil.NewCaptureSender()

	rt.Bind(sess.ID, fresh)

	// the old channel's teardown races the reconnect and must lose
	rt.Unbind(sess.ID, old)
	env := protocol.New(protocol.TypeProgress, sess.ID, protocol.ProgressPayload{Phase: "intake"})
	if !rt.Emit(sess.ID, env) {
		t.Error("Unbind() by a stale sender stripped the fresh binding")
	}

	rt.Unbind(sess.ID, fresh)
	if rt.Emit(sess.ID, env) {
		t.Error("Emit() = true after the bound sender unbound, want false")
	}
}

func TestUnbindAll(t *testing.T) {
	rt, store, _ := newTestRouter(t)
	a := store.Create("user-1")
	b := store.Create("user-1")
	other := store.Create("user-2")

	mine := testutil.NewCaptureSender()
	theirs := testutil.NewCaptureSender()
	rt.Bind(a.ID, mine)
	rt.Bind(b.ID, mine)
	rt.Bind(other.ID, theirs)

	ids := rt.UnbindAll(mine)
	if len(ids) != 2 {
		t.Fatalf("UnbindAll() = %v, want both of this channel's sessions", ids)
	}
	for _, id := range ids {
		if id != a.ID && id != b.ID {
			t.Errorf("UnbindAll() returned foreign session %s", id)
		}
	}
	if !rt.Emit(other.ID, protocol.New(protocol.TypeProgress, other.ID, protocol.ProgressPayload{Phase: "intake"})) {
		t.Error("UnbindAll() stripped another channel's binding")
	}
}

func TestRelease(t *testing.T) {
	rt, store, proc := newTestRouter(t)
	sess := store.Create("user-1")
	sender := testutil.NewCaptureSender()
	rt.Bind(sess.ID, sender)

	rt.Dispatch("user-1", sender, inputFrame(t, sess.ID, "first"))
	testutil.RequireEventually(t, time.Second, func() bool { return proc.count() == 1 }, "input never processed")

	rt.Release(sess.ID)

	if rt.Emit(sess.ID, protocol.New(protocol.TypeProgress, sess.ID, protocol.ProgressPayload{Phase: "intake"})) {
		t.Error("Emit() = true after Release, want false")
	}
}

func TestStart_ShutdownClosesQueues(t *testing.T) {
	rt, store, proc := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	sess := store.Create("user-1")
	sender := testutil.NewCaptureSender()
	rt.Dispatch("user-1", sender, inputFrame(t, sess.ID, "before"))
	testutil.RequireEventually(t, time.Second, func() bool { return proc.count() == 1 }, "input never processed")

	cancel()

	// the canceled base context drops new work before it is queued
	rt.Dispatch("user-1", sender, inputFrame(t, sess.ID, "after"))
	if proc.count() != 1 {
		t.Errorf("calls = %v, dispatch after shutdown should be dropped", proc.snapshot())
	}
}
