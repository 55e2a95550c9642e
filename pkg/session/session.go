// Package session holds the client-side state of every open chat
// conversation: its message tree, lifecycle state, abort handle and
// UI-adjacent flags. The store is keyed by session id and safe for use
// from any number of interleaved streaming pumps; aborting one session
// never disturbs another.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/chatstream-dev/chatstream/pkg/msgtree"
)

// AbortHandle is the single source of truth for cancelling one session's
// in-flight stream. Abort is idempotent: aborting twice, or aborting an
// already-finished stream, is a no-op.
type AbortHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewAbortHandle derives a cancelable context for one streaming request.
func NewAbortHandle(parent context.Context) *AbortHandle {
	ctx, cancel := context.WithCancel(parent)
	return &AbortHandle{ctx: ctx, cancel: cancel}
}

// Context returns the context governed by this handle.
func (h *AbortHandle) Context() context.Context { return h.ctx }

// Abort cancels the stream. Safe to call multiple times.
func (h *AbortHandle) Abort() {
	h.once.Do(h.cancel)
}

// Aborted reports whether the handle has been cancelled.
func (h *AbortHandle) Aborted() bool {
	select {
	case <-h.ctx.Done():
		return true
	default:
		return false
	}
}

// RegenerationState marks an in-flight regeneration of an existing
// assistant message.
type RegenerationState struct {
	// TargetID is the assistant message being regenerated. The new
	// response replaces it under the same parent; the target's sibling
	// branches stay switchable.
	TargetID msgtree.MessageID
}

// Session is a read snapshot of one conversation's state.
type Session struct {
	ID               string
	Tree             *msgtree.Tree
	State            ChatState
	Regeneration     *RegenerationState
	CanContinue      bool
	SubmittedMessage string

	// SelectedMessageForDocDisplay is the message whose retrieved
	// documents the sidebar shows, if any.
	SelectedMessageForDocDisplay *msgtree.MessageID

	// HasPerformedInitialScroll is per-session viewport memory: the
	// first-paint scroll must fire once per session, not once per visit.
	HasPerformedInitialScroll bool

	LastAccessed time.Time
	IsLoaded     bool

	// LoadingError is a transport-level failure before any packet
	// arrived. UncaughtError is a mid-stream failure that superseded the
	// whole turn.
	LoadingError  string
	UncaughtError string
}

// record is the store's mutable per-session state. Snapshots leave the
// abort handle behind; handles are reachable only through the store's own
// methods so cancellation stays per-session.
type record struct {
	Session
	abort *AbortHandle
}

func (r *record) snapshot() Session {
	s := r.Session
	if r.Regeneration != nil {
		reg := *r.Regeneration
		s.Regeneration = &reg
	}
	if r.SelectedMessageForDocDisplay != nil {
		id := *r.SelectedMessageForDocDisplay
		s.SelectedMessageForDocDisplay = &id
	}
	return s
}
