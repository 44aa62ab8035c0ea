package session

import (
	"context"
	"sync"
	"time"

	"github.com/slidewire/slidewire/internal/errors"
)

// Store owns every live session. It is safe for concurrent use; all
// mutation of a session's state goes through WithLock, which serializes
// writers per session id without any global lock being held during work.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl   time.Duration
	sweep time.Duration

	onDelete func(id string)
}

type entry struct {
	mu   sync.Mutex
	sess *Session
}

// NewStore creates a Store. Sessions idle longer than ttl are destroyed by
// the sweeper (see Start); a zero ttl disables sweeping.
func NewStore(ttl, sweepInterval time.Duration) *Store {
	return &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		sweep:   sweepInterval,
	}
}

// Create registers a new session for the given user and returns it.
func (st *Store) Create(userID string) *Session {
	sess := NewSession(userID)
	st.mu.Lock()
	st.entries[sess.ID] = &entry{sess: sess}
	st.mu.Unlock()
	return sess
}

// Get returns the session for id, or ErrSessionNotFound.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	e, ok := st.entries[id]
	st.mu.RUnlock()
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return e.sess, nil
}

// WithLock runs fn with exclusive ownership of the session's state. This is
// the only sanctioned way to mutate a session. The per-session mutex is
// held for the duration of fn; other sessions are unaffected.
func (st *Store) WithLock(id string, fn func(*Session) error) error {
	st.mu.RLock()
	e, ok := st.entries[id]
	st.mu.RUnlock()
	if !ok {
		return errors.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.sess)
}

// Suspend marks the session as having no live channel and bumps its
// generation so outstanding collaborator call results are applied without
// emission. The session is not deleted; a reconnect resumes it.
func (st *Store) Suspend(id string) error {
	return st.WithLock(id, func(s *Session) error {
		s.Suspended = true
		s.Generation++
		s.Touch()
		return nil
	})
}

// Resume clears the suspended flag and returns the session. Terminal
// sessions resume too: the client is owed the terminal envelope it may have
// missed.
func (st *Store) Resume(id string) (*Session, error) {
	var resumed *Session
	err := st.WithLock(id, func(s *Session) error {
		s.Suspended = false
		s.Touch()
		resumed = s
		return nil
	})
	return resumed, err
}

// OnDelete registers a callback invoked after a session is deleted or
// swept. Set once at wire-up, before the store is in use.
func (st *Store) OnDelete(fn func(id string)) {
	st.onDelete = fn
}

// Delete removes a session outright. Used on explicit close and on fatal
// terminal errors acknowledged by the client.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	delete(st.entries, id)
	st.mu.Unlock()
	if st.onDelete != nil {
		st.onDelete(id)
	}
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// CountByPhase returns the number of sessions per phase. Used by the
// health endpoint.
func (st *Store) CountByPhase() map[Phase]int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	counts := make(map[Phase]int)
	for _, e := range st.entries {
		e.mu.Lock()
		phase := e.sess.Phase
		e.mu.Unlock()
		counts[phase]++
	}
	return counts
}

// Start runs the idle sweeper until ctx is canceled. Sessions idle longer
// than the configured ttl are destroyed regardless of phase.
func (st *Store) Start(ctx context.Context) {
	if st.ttl <= 0 || st.sweep <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(st.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.sweepIdle(time.Now().UTC())
			}
		}
	}()
}

// sweepIdle removes sessions whose last activity is older than the ttl.
func (st *Store) sweepIdle(now time.Time) []string {
	st.mu.Lock()
	var removed []string
	for id, e := range st.entries {
		e.mu.Lock()
		last := e.sess.LastActivityAt
		e.mu.Unlock()
		if now.Sub(last) > st.ttl {
			delete(st.entries, id)
			removed = append(removed, id)
		}
	}
	st.mu.Unlock()

	if st.onDelete != nil {
		for _, id := range removed {
			st.onDelete(id)
		}
	}
	return removed
}
