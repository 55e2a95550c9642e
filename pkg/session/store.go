package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatstream-dev/chatstream/pkg/msgtree"
)

// Common errors for store operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBusy is returned when a submission arrives while the session is
	// not in the input state. The caller surfaces a "please wait" notice
	// instead of queueing or interrupting the prior stream.
	ErrBusy = errors.New("session already has a message in flight")
	// ErrInvalidTransition is returned for illegal chat state moves.
	ErrInvalidTransition = errors.New("invalid chat state transition")
)

// DefaultMaxSessions caps how many sessions the store keeps resident
// before evicting the least recently accessed one.
const DefaultMaxSessions = 16

// Options configures a Store.
type Options struct {
	// MaxSessions caps resident sessions (default DefaultMaxSessions).
	MaxSessions int
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Store is the keyed-by-session-id state container. All methods are safe
// to call from any interleaved streaming continuation; no caller-side
// locking is needed.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*record
	current     string
	maxSessions int
	clock       func() time.Time
}

// NewStore creates an empty session store.
func NewStore(opts Options) *Store {
	maxSessions := opts.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		sessions:    make(map[string]*record),
		maxSessions: maxSessions,
		clock:       clock,
	}
}

// Create instantiates a session with an empty message tree in the input
// state. An empty id generates a fresh one. Creating an id that already
// exists returns it untouched. Exceeding the session cap evicts the least
// recently accessed background session, aborting its stream first.
func (s *Store) Create(id string) string {
	if id == "" {
		id = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return id
	}

	s.evictLocked()

	s.sessions[id] = &record{
		Session: Session{
			ID:           id,
			Tree:         msgtree.New(),
			State:        StateInput,
			LastAccessed: s.clock(),
		},
	}
	return id
}

// evictLocked prunes least-recently-accessed sessions beyond the cap.
// The current session is never evicted.
func (s *Store) evictLocked() {
	for len(s.sessions) >= s.maxSessions {
		var oldest *record
		for id, rec := range s.sessions {
			if id == s.current {
				continue
			}
			if oldest == nil || rec.LastAccessed.Before(oldest.LastAccessed) {
				oldest = rec
			}
		}
		if oldest == nil {
			return
		}
		if oldest.abort != nil {
			oldest.abort.Abort()
		}
		delete(s.sessions, oldest.ID)
	}
}

// Get returns a snapshot of the session's state.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// Current returns the session the UI is rendering, if any.
func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	id := s.current
	s.mu.RUnlock()
	if id == "" {
		return Session{}, false
	}
	return s.Get(id)
}

// CurrentID returns the id of the viewed session ("" when none).
func (s *Store) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetCurrent switches which session the UI renders. Background sessions
// keep streaming: switching never cancels anything.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		rec, ok := s.sessions[id]
		if !ok {
			return ErrSessionNotFound
		}
		rec.LastAccessed = s.clock()
	}
	s.current = id
	return nil
}

// SetState performs a chat state transition, validating it against the
// state machine.
func (s *Store) SetState(id string, to ChatState) error {
	return s.update(id, func(rec *record) error {
		if !CanTransition(rec.State, to) {
			return ErrInvalidTransition
		}
		rec.State = to
		return nil
	})
}

// Tree returns the session's current message tree.
func (s *Store) Tree(id string) (*msgtree.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec.Tree, nil
}

// UpdateTree swaps the session's message tree for fn's result. The tree
// is copy-on-write, so fn receives the current tree and returns the next
// one; the swap is atomic under the store lock.
func (s *Store) UpdateTree(id string, fn func(*msgtree.Tree) *msgtree.Tree) error {
	return s.update(id, func(rec *record) error {
		rec.Tree = fn(rec.Tree)
		return nil
	})
}

// BeginStream reserves the session for one outbound request: it rejects
// with ErrBusy unless the session is in the input state, moves it to
// loading, and installs a fresh abort handle. The returned handle is the
// only way to cancel the stream.
func (s *Store) BeginStream(id string, parent context.Context) (*AbortHandle, error) {
	var handle *AbortHandle
	err := s.update(id, func(rec *record) error {
		if rec.State != StateInput {
			return ErrBusy
		}
		handle = NewAbortHandle(parent)
		rec.abort = handle
		rec.State = StateLoading
		rec.LoadingError = ""
		rec.UncaughtError = ""
		return nil
	})
	return handle, err
}

// FinishStream returns the session to input and releases the abort
// handle, but only when handle still owns the session — a stale pump
// finishing after a newer stream started must not disturb it.
func (s *Store) FinishStream(id string, handle *AbortHandle) {
	_ = s.update(id, func(rec *record) error {
		if rec.abort != handle {
			return nil
		}
		rec.abort.Abort() // release the derived context
		rec.abort = nil
		rec.State = StateInput
		return nil
	})
}

// Abort cancels the session's in-flight stream, if any, and returns the
// session to input. Already-applied state stays intact. Idempotent, and
// strictly per-session: other sessions' handles and trees are untouched.
func (s *Store) Abort(id string) {
	_ = s.update(id, func(rec *record) error {
		if rec.abort != nil {
			rec.abort.Abort()
			rec.abort = nil
		}
		rec.State = StateInput
		return nil
	})
}

// Delete aborts and removes a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return
	}
	if rec.abort != nil {
		rec.abort.Abort()
	}
	delete(s.sessions, id)
	if s.current == id {
		s.current = ""
	}
}

// Len returns the number of resident sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetSubmittedMessage records the text of the in-flight submission.
func (s *Store) SetSubmittedMessage(id, text string) error {
	return s.update(id, func(rec *record) error {
		rec.SubmittedMessage = text
		return nil
	})
}

// SetCanContinue flags whether the last answer was truncated and can be
// continued.
func (s *Store) SetCanContinue(id string, v bool) error {
	return s.update(id, func(rec *record) error {
		rec.CanContinue = v
		return nil
	})
}

// SetRegeneration installs or clears the pending-regeneration marker.
func (s *Store) SetRegeneration(id string, reg *RegenerationState) error {
	return s.update(id, func(rec *record) error {
		rec.Regeneration = reg
		return nil
	})
}

// SelectMessageForDocDisplay picks which message's documents the sidebar
// shows (nil hides it).
func (s *Store) SelectMessageForDocDisplay(id string, msgID *msgtree.MessageID) error {
	return s.update(id, func(rec *record) error {
		rec.SelectedMessageForDocDisplay = msgID
		return nil
	})
}

// MarkInitialScroll records whether the first-paint scroll has fired for
// this session.
func (s *Store) MarkInitialScroll(id string, done bool) error {
	return s.update(id, func(rec *record) error {
		rec.HasPerformedInitialScroll = done
		return nil
	})
}

// SetLoaded marks history as fetched for this session.
func (s *Store) SetLoaded(id string, loaded bool) error {
	return s.update(id, func(rec *record) error {
		rec.IsLoaded = loaded
		return nil
	})
}

// SetLoadingError records a transport-level failure.
func (s *Store) SetLoadingError(id, msg string) error {
	return s.update(id, func(rec *record) error {
		rec.LoadingError = msg
		return nil
	})
}

// SetUncaughtError records a mid-stream failure that superseded the turn.
func (s *Store) SetUncaughtError(id, msg string) error {
	return s.update(id, func(rec *record) error {
		rec.UncaughtError = msg
		return nil
	})
}

func (s *Store) update(id string, fn func(*record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	return fn(rec)
}
