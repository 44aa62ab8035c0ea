package session

import (
	"sync"
	"testing"
	"time"

	"github.com/slidewire/slidewire/internal/errors"
)

func TestStoreCreateGet(t *testing.T) {
	st := NewStore(time.Hour, time.Minute)

	s := st.Create("user-1")
	got, err := st.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("ID = %q, want %q", got.ID, s.ID)
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}
}

func TestStoreGet_Unknown(t *testing.T) {
	st := NewStore(time.Hour, time.Minute)
	if _, err := st.Get("session_nope"); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestWithLock_Mutation(t *testing.T) {
	st := NewStore(time.Hour, time.Minute)
	s := st.Create("user-1")

	err := st.WithLock(s.ID, func(sess *Session) error {
		sess.Phase = PhaseAnalyzing
		sess.RetryCount = 2
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}

	got, _ := st.Get(s.ID)
	if got.Phase != PhaseAnalyzing || got.RetryCount != 2 {
		t.Errorf("session = phase %q retries %d, want analyzing/2", got.Phase, got.RetryCount)
	}
}

func TestWithLock_SerializesWriters(t *testing.T) {
	st := NewStore(time.Hour, time.Minute)
	s := st.Create("user-1")

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.WithLock(s.ID, func(sess *Session) error {
				sess.RetryCount++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := st.Get(s.ID)
	if got.RetryCount != writers {
		t.Errorf("RetryCount = %d, want %d", got.RetryCount, writers)
	}
}

func TestSuspendResume(t *testing.T) {
	st := NewStore(time.Hour, time.Minute)
	s := st.Create("user-1")

	if err := st.Suspend(s.ID); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	got, _ := st.Get(s.ID)
	if !got.Suspended {
		t.Error("session should be suspended")
	}
	if got.Generation != 1 {
		t.Errorf("Generation = %d, want 1 after suspend", got.Generation)
	}

	resumed, err := st.Resume(s.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Suspended {
		t.Error("session should no longer be suspended")
	}
	if resumed.Generation != 1 {
		t.Errorf("Generation = %d, resume should not bump it", resumed.Generation)
	}

	// a second disconnect bumps the generation again
	_ = st.Suspend(s.ID)
	got, _ = st.Get(s.ID)
	if got.Generation != 2 {
		t.Errorf("Generation = %d, want 2 after second suspend", got.Generation)
	}
}

func TestDelete_FiresCallback(t *testing.T) {
	st := NewStore(time.Hour, time.Minute)

	var deleted []string
	st.OnDelete(func(id string) { deleted = append(deleted, id) })

	s := st.Create("user-1")
	st.Delete(s.ID)

	if st.Len() != 0 {
		t.Errorf("Len() = %d, want 0", st.Len())
	}
	if len(deleted) != 1 || deleted[0] != s.ID {
		t.Errorf("deleted = %v, want [%s]", deleted, s.ID)
	}
}

func TestSweepIdle(t *testing.T) {
	st := NewStore(time.Minute, time.Minute)

	stale := st.Create("user-1")
	fresh := st.Create("user-2")

	_ = st.WithLock(stale.ID, func(s *Session) error {
		s.LastActivityAt = time.Now().UTC().Add(-2 * time.Minute)
		return nil
	})

	removed := st.sweepIdle(time.Now().UTC())
	if len(removed) != 1 || removed[0] != stale.ID {
		t.Errorf("removed = %v, want [%s]", removed, stale.ID)
	}
	if _, err := st.Get(stale.ID); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Error("stale session should be gone")
	}
	if _, err := st.Get(fresh.ID); err != nil {
		t.Errorf("fresh session should survive, got %v", err)
	}
}

func TestSweepIdle_FiresCallback(t *testing.T) {
	st := NewStore(time.Minute, time.Minute)

	var deleted []string
	st.OnDelete(func(id string) { deleted = append(deleted, id) })

	s := st.Create("user-1")
	_ = st.WithLock(s.ID, func(sess *Session) error {
		sess.LastActivityAt = time.Now().UTC().Add(-time.Hour)
		return nil
	})

	st.sweepIdle(time.Now().UTC())
	if len(deleted) != 1 || deleted[0] != s.ID {
		t.Errorf("deleted = %v, want [%s]", deleted, s.ID)
	}
}

func TestStore_ReadersDoNotRaceWriters(t *testing.T) {
	st := NewStore(time.Minute, time.Minute)
	s := st.Create("user-1")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	// a phase-transitioning writer against the health and sweeper readers;
	// run under the race detector this flushes unguarded field access
	go func() {
		defer wg.Done()
		phases := []Phase{PhaseAnalyzing, PhaseGenerating, PhaseDelivering}
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			_ = st.WithLock(s.ID, func(sess *Session) error {
				sess.Phase = phases[i%len(phases)]
				sess.Touch()
				return nil
			})
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			st.CountByPhase()
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			st.sweepIdle(time.Now().UTC())
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(done)
	wg.Wait()

	if _, err := st.Get(s.ID); err != nil {
		t.Errorf("an active session must survive the sweeper, got %v", err)
	}
}

func TestCountByPhase(t *testing.T) {
	st := NewStore(time.Hour, time.Minute)

	a := st.Create("user-1")
	b := st.Create("user-2")
	st.Create("user-3")

	_ = st.WithLock(a.ID, func(s *Session) error { s.Phase = PhaseGenerating; return nil })
	_ = st.WithLock(b.ID, func(s *Session) error { s.Phase = PhaseGenerating; return nil })

	counts := st.CountByPhase()
	if counts[PhaseGenerating] != 2 {
		t.Errorf("generating = %d, want 2", counts[PhaseGenerating])
	}
	if counts[PhaseIntake] != 1 {
		t.Errorf("intake = %d, want 1", counts[PhaseIntake])
	}
}
