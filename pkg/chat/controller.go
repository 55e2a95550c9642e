// Package chat orchestrates one end-to-end message submission: it
// resolves the parent message, opens the streaming request, pumps
// packets through the protocol model and the sub-question aggregator,
// incrementally upserts the resulting messages into the session's tree,
// and drives the session state machine. All stream-pump failures are
// converted to state updates; they never escape to the caller.
package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatstream-dev/chatstream/internal/observability"
	"github.com/chatstream-dev/chatstream/pkg/history"
	"github.com/chatstream-dev/chatstream/pkg/msgtree"
	"github.com/chatstream-dev/chatstream/pkg/packet"
	"github.com/chatstream-dev/chatstream/pkg/session"
	"github.com/chatstream-dev/chatstream/pkg/subq"
	"github.com/chatstream-dev/chatstream/pkg/transport"
)

// ErrTargetNotFound is returned when a regeneration target is missing
// from the session's tree, typically because history changed under the
// user. The operation aborts without mutating state.
var ErrTargetNotFound = errors.New("regeneration target not found in history")

// Options wires a Controller.
type Options struct {
	Store     *session.Store
	Transport transport.Transport
	// History is optional; without it conversations are in-memory only.
	History history.Store
	// Notify surfaces user-visible notices ("please wait…"). Defaults
	// to the log.
	Notify func(msg string)
	// Navigate is called with the session id after the first turn of a
	// brand-new session completes, unless the user already switched
	// away. Optional.
	Navigate func(sessionID string)
}

// Controller drives submissions for all sessions.
type Controller struct {
	store     *session.Store
	transport transport.Transport
	history   history.Store
	notify    func(string)
	navigate  func(string)

	wg sync.WaitGroup
}

// New creates a controller.
func New(opts Options) *Controller {
	notify := opts.Notify
	if notify == nil {
		notify = func(msg string) { log.Printf("[Chat] %s", msg) }
	}
	return &Controller{
		store:     opts.Store,
		transport: opts.Transport,
		history:   opts.History,
		notify:    notify,
		navigate:  opts.Navigate,
	}
}

// SubmitParams describes one submission.
type SubmitParams struct {
	// SessionID targets a session; empty targets the current one, and a
	// brand-new session is created when there is none.
	SessionID string
	Message   string

	// ParentOverride anchors the new turn somewhere other than the tail
	// of the latest chain (resend from an earlier point).
	ParentOverride *msgtree.MessageID
	// RegenerationTarget is the assistant message to regenerate; the new
	// response replaces it while its siblings survive for branch
	// switching.
	RegenerationTarget *msgtree.MessageID

	Attachments   []msgtree.FileDescriptor
	SearchFilters map[string]string

	// Per-turn overrides, typically from the seeding surface.
	Persona      string
	Model        string
	SystemPrompt string
}

// Submit starts one submission. Progress is observable through the
// session store; Submit itself only fails on precondition violations
// (busy session, missing regeneration target). The pump runs in the
// background and never raises out of it.
func (c *Controller) Submit(ctx context.Context, p SubmitParams) error {
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = c.store.CurrentID()
	}
	// Lazy creation: the id is captured by value here, so every later
	// update targets this session even if the user navigates away.
	newSession := false
	if sessionID == "" {
		sessionID = c.store.Create("")
		newSession = true
		_ = c.store.SetCurrent(sessionID)
		if c.history != nil {
			if _, err := c.history.CreateSession(ctx, sessionID, ""); err != nil {
				log.Printf("[Chat] create session in history: %v", err)
				observability.RecordHistoryOp("create", "error")
			} else {
				observability.RecordHistoryOp("create", "ok")
			}
		}
	} else {
		sessionID = c.store.Create(sessionID)
	}

	handle, err := c.store.BeginStream(sessionID, ctx)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			c.notify("Please wait for the current response to finish.")
		}
		return err
	}

	tree, err := c.store.Tree(sessionID)
	if err != nil {
		c.store.FinishStream(sessionID, handle)
		return err
	}

	if p.RegenerationTarget != nil {
		if _, ok := tree.Get(*p.RegenerationTarget); !ok {
			c.store.FinishStream(sessionID, handle)
			c.notify("This conversation changed elsewhere. Please refresh and try again.")
			return ErrTargetNotFound
		}
		_ = c.store.SetRegeneration(sessionID, &session.RegenerationState{TargetID: *p.RegenerationTarget})
	} else {
		// A fresh submission after a failed turn silently drops the
		// trailing error message and its failed user parent, so dead
		// branches do not pollute history.
		tree = c.pruneTrailingError(sessionID, tree)
	}

	parentID := c.resolveParent(tree, p)

	_ = c.store.SetSubmittedMessage(sessionID, p.Message)
	observability.StreamStarted()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(sessionID, handle, p, parentID, newSession)
	}()
	return nil
}

// Wait blocks until every in-flight submission pump has finished. Used
// on shutdown and in tests.
func (c *Controller) Wait() { c.wg.Wait() }

// Abort stops the session's in-flight stream. Already-applied state
// stays visible.
func (c *Controller) Abort(sessionID string) {
	observability.RecordAbort()
	c.store.Abort(sessionID)
}

// resolveParent picks the parent for the new user turn: explicit
// override, else the regeneration target's own parent, else the last
// successful message on the latest chain, else the root.
func (c *Controller) resolveParent(tree *msgtree.Tree, p SubmitParams) *msgtree.MessageID {
	if p.ParentOverride != nil {
		return p.ParentOverride
	}
	if p.RegenerationTarget != nil {
		if target, ok := tree.Get(*p.RegenerationTarget); ok {
			return target.ParentID
		}
	}
	if id, ok := tree.LastSuccessfulMessageID(); ok {
		return &id
	}
	return nil
}

func (c *Controller) pruneTrailingError(sessionID string, tree *msgtree.Tree) *msgtree.Tree {
	chain := tree.LatestChain()
	if len(chain) == 0 || chain[len(chain)-1].Role != msgtree.RoleError {
		return tree
	}

	errMsg := chain[len(chain)-1]
	next := tree.Remove(errMsg.ID)
	if errMsg.ParentID != nil && *errMsg.ParentID != msgtree.SystemMessageID {
		// The failed user message goes too; Remove re-links the
		// grandparent's active branch to its last remaining child.
		next = next.Remove(*errMsg.ParentID)
	}
	_ = c.store.UpdateTree(sessionID, func(*msgtree.Tree) *msgtree.Tree { return next })
	return next
}

// turnState carries the accumulators for one submission. The assistant
// snapshot is rebuilt from scratch from these on every packet, so a
// missed or reordered packet can never leave a permanently stale field.
type turnState struct {
	params   SubmitParams
	parentID *msgtree.MessageID

	userID      msgtree.MessageID
	assistantID msgtree.MessageID
	idsAssigned bool
	userPlaced  bool

	chatPackets  []packet.Packet
	subQuestions []subq.Detail
	toolCall     *msgtree.ToolCall
	citations    map[int]string
	documents    []packet.Document

	streamErr  *packet.Obj
	stopped    bool
	stopReason string

	regenReplaced bool
}

func newTurnState(p SubmitParams, parentID *msgtree.MessageID) *turnState {
	return &turnState{
		params:      p,
		parentID:    parentID,
		userID:      msgtree.PendingUserMessageID,
		assistantID: msgtree.PendingAssistantMessageID,
		citations:   make(map[int]string),
	}
}

func (c *Controller) run(sessionID string, handle *session.AbortHandle, p SubmitParams, parentID *msgtree.MessageID, newSession bool) {
	start := time.Now()
	status := "ok"
	defer func() {
		observability.RecordSubmission(status, time.Since(start))
		observability.StreamFinished()
		_ = c.store.SetRegeneration(sessionID, nil)
		c.store.FinishStream(sessionID, handle)
	}()

	ctx, span := observability.StartSpan(handle.Context(), "chat.submit", map[string]any{
		"session_id":   sessionID,
		"new_session":  newSession,
		"regeneration": p.RegenerationTarget != nil,
	})
	defer span.End()

	stream, err := c.transport.SendMessage(ctx, transport.Params{
		SessionID:       sessionID,
		Message:         p.Message,
		ParentMessageID: parentID,
		Files:           p.Attachments,
		Filters:         p.SearchFilters,
		Persona:         p.Persona,
		Model:           p.Model,
		SystemPrompt:    p.SystemPrompt,
	})
	if err != nil {
		// Transport-level failure before any packet: no provisional
		// message exists yet, so only the loading error is surfaced.
		status = "transport_error"
		span.SetError(err)
		log.Printf("[Chat] open stream for session %s: %v", sessionID, err)
		_ = c.store.SetLoadingError(sessionID, err.Error())
		return
	}
	defer func() { _ = stream.Close() }()

	st := newTurnState(p, parentID)

	// The apply queue decouples the transport reader from state
	// application: packets are applied strictly in arrival order, and a
	// slow applier backpressures the reader instead of reordering.
	apply := make(chan packet.Packet, 64)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(apply)
		for {
			pkt, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			select {
			case apply <- pkt:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for pkt := range apply {
			observability.RecordPacket(string(pkt.Obj.Type))
			c.apply(sessionID, st, pkt)
		}
		return nil
	})

	pumpErr := g.Wait()

	switch {
	case pumpErr != nil && (errors.Is(pumpErr, context.Canceled) || handle.Aborted()):
		// User-initiated abort: never an error. Partial progress stays
		// visible; an unresolved tool call is cleared so the UI does
		// not show a permanently-spinning tool.
		status = "aborted"
		c.finalizeAbort(sessionID, st)

	case pumpErr != nil:
		status = "error"
		span.SetError(pumpErr)
		log.Printf("[Chat] stream pump for session %s: %v", sessionID, pumpErr)
		c.finalizeException(sessionID, st, pumpErr)

	case st.streamErr != nil:
		status = "stream_error"
		c.finalizeStreamError(sessionID, st)

	default:
		c.finalizeSuccess(ctx, sessionID, st, newSession)
	}
}

// apply folds one packet into the turn state and re-upserts the
// assistant snapshot.
func (c *Controller) apply(sessionID string, st *turnState, pkt packet.Packet) {
	obj := pkt.Obj
	switch obj.Type {
	case packet.KindMessageIDInfo:
		if st.idsAssigned {
			return
		}
		if obj.UserMessageID != nil {
			st.userID = msgtree.MessageID(*obj.UserMessageID)
		}
		if obj.ReservedAssistantMessageID != nil {
			st.assistantID = msgtree.MessageID(*obj.ReservedAssistantMessageID)
		}
		st.idsAssigned = true
		c.placeUserMessage(sessionID, st)
		return

	case packet.KindError:
		errCopy := obj
		st.streamErr = &errCopy
		return

	case packet.KindStop:
		st.stopped = true
		if obj.StopReason != "" {
			st.stopReason = obj.StopReason
		}
		return

	case packet.KindStreamFinish:
		if obj.StopReason != "" {
			st.stopReason = obj.StopReason
		}
		// Sub-question streams finish per (level, question); the fold
		// records the stop.
		st.subQuestions = subq.Fold(st.subQuestions, pkt)

	case packet.KindSubQuestion, packet.KindSubQuery, packet.KindSubAnswer, packet.KindSubDocuments:
		st.subQuestions = subq.Fold(st.subQuestions, pkt)

	case packet.KindMessageStart, packet.KindMessageDelta, packet.KindMessageEnd:
		st.chatPackets = append(st.chatPackets, pkt)
		c.setState(sessionID, session.StateStreaming)

	case packet.KindCitationDelta:
		st.citations[obj.CitationNum] = obj.DocumentID

	case packet.KindToolStart, packet.KindSearchToolStart, packet.KindImageToolStart, packet.KindCustomToolStart:
		st.toolCall = &msgtree.ToolCall{Name: obj.ToolName, Args: obj.ToolArgs}
		c.setState(sessionID, session.StateToolBuilding)

	case packet.KindToolDelta, packet.KindSearchToolDelta, packet.KindImageToolDelta, packet.KindCustomToolDelta:
		if st.toolCall == nil {
			st.toolCall = &msgtree.ToolCall{Name: obj.ToolName}
		}
		if obj.ToolArgs != nil {
			st.toolCall.Args = obj.ToolArgs
		}
		if len(obj.TopDocuments) > 0 {
			st.documents = append(st.documents, obj.TopDocuments...)
		}

	case packet.KindToolEnd, packet.KindSearchToolEnd, packet.KindImageToolEnd, packet.KindCustomToolEnd:
		if st.toolCall == nil {
			st.toolCall = &msgtree.ToolCall{Name: obj.ToolName}
		}
		st.toolCall.Result = obj.ToolResult
		if len(obj.TopDocuments) > 0 {
			st.documents = append(st.documents, obj.TopDocuments...)
		}
		c.setState(sessionID, session.StateStreaming)

	case packet.KindReasoningStart, packet.KindReasoningDelta, packet.KindSectionEnd:
		// Rendered live from the packet log; no tree state.

	default:
		// Unknown kinds degrade to a diagnostic, never a failure.
		log.Printf("[Chat] ignoring packet of unknown kind %q", obj.Type)
		return
	}

	c.upsertAssistant(sessionID, st, false)
}

// placeUserMessage inserts the provisional user node exactly once per
// submission. Regenerations reuse the existing user message and skip
// this.
func (c *Controller) placeUserMessage(sessionID string, st *turnState) {
	if st.userPlaced || st.params.RegenerationTarget != nil {
		st.userPlaced = true
		return
	}
	st.userPlaced = true

	user := &msgtree.Message{
		ID:       st.userID,
		Role:     msgtree.RoleUser,
		Text:     st.params.Message,
		Files:    st.params.Attachments,
		ParentID: st.parentID,
	}
	_ = c.store.UpdateTree(sessionID, func(tree *msgtree.Tree) *msgtree.Tree {
		return tree.Upsert([]*msgtree.Message{user}, msgtree.UpsertOptions{MakeLatestChild: true})
	})
}

// assistantSnapshot builds the full assistant message from the
// accumulators. Full replace per packet, never an incremental merge.
func (st *turnState) assistantSnapshot() *msgtree.Message {
	msg := &msgtree.Message{
		ID:   st.assistantID,
		Role: msgtree.RoleAssistant,
		Text: packet.ExtractText(st.chatPackets),
	}

	if st.params.RegenerationTarget != nil {
		// Regeneration links to the original parent, not the tail of
		// history, so sibling branches stay switchable.
		msg.ParentID = st.parentID
	} else if st.userPlaced {
		parent := st.userID
		msg.ParentID = &parent
	}
	if st.toolCall != nil {
		tc := *st.toolCall
		msg.ToolCall = &tc
	}
	if len(st.citations) > 0 {
		citations := make(map[int]string, len(st.citations))
		for k, v := range st.citations {
			citations[k] = v
		}
		msg.Citations = citations
	}
	if len(st.documents) > 0 {
		docs := make([]packet.Document, len(st.documents))
		copy(docs, st.documents)
		msg.Retrieval = &msgtree.RetrievalInfo{Documents: docs}
	}
	if len(st.subQuestions) > 0 {
		msg.SubQuestions = st.subQuestions
	}
	return msg
}

// upsertAssistant writes the current assistant snapshot into the tree.
// The first write of a regeneration replaces the target so its id slot
// frees up while sibling branches survive.
func (c *Controller) upsertAssistant(sessionID string, st *turnState, force bool) {
	if !st.idsAssigned && !force {
		return
	}

	msg := st.assistantSnapshot()
	opts := msgtree.UpsertOptions{MakeLatestChild: true}
	if st.params.RegenerationTarget != nil && !st.regenReplaced {
		opts.ReplaceIDs = []msgtree.MessageID{*st.params.RegenerationTarget}
		st.regenReplaced = true
	}

	_ = c.store.UpdateTree(sessionID, func(tree *msgtree.Tree) *msgtree.Tree {
		return tree.Upsert([]*msgtree.Message{msg}, opts)
	})
}

func (c *Controller) setState(sessionID string, to session.ChatState) {
	if err := c.store.SetState(sessionID, to); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		log.Printf("[Chat] set state %s for session %s: %v", to, sessionID, err)
	}
}

// finalizeAbort clears an unresolved tool call from the partial
// assistant message. Everything else already applied stays.
func (c *Controller) finalizeAbort(sessionID string, st *turnState) {
	if st.toolCall != nil && st.toolCall.Result == nil {
		st.toolCall = nil
		if st.idsAssigned {
			c.upsertAssistant(sessionID, st, false)
		}
	}
}

// finalizeException inserts a terminal error-role message under the
// (possibly placeholder) user message.
func (c *Controller) finalizeException(sessionID string, st *turnState, pumpErr error) {
	if !st.userPlaced {
		// Real ids never arrived; fall back to the negative sentinels.
		st.idsAssigned = true
		c.placeUserMessage(sessionID, st)
	}

	parent := st.userID
	errMsg := &msgtree.Message{
		ID:        st.assistantID,
		Role:      msgtree.RoleError,
		ErrorText: pumpErr.Error(),
		ParentID:  &parent,
	}
	_ = c.store.UpdateTree(sessionID, func(tree *msgtree.Tree) *msgtree.Tree {
		return tree.Upsert([]*msgtree.Message{errMsg}, msgtree.UpsertOptions{MakeLatestChild: true})
	})
	_ = c.store.SetUncaughtError(sessionID, pumpErr.Error())
}

// finalizeStreamError applies the mid-stream error policy: while any
// top-level sub-question is still unstopped the partial answer is worth
// keeping, so the error attaches to the assistant message; otherwise
// the error supersedes the whole turn.
func (c *Controller) finalizeStreamError(sessionID string, st *turnState) {
	attach := len(st.subQuestions) > 0 && !subq.AllTopLevelStopped(st.subQuestions)

	if attach {
		msg := st.assistantSnapshot()
		msg.ErrorText = st.streamErr.ErrorMsg
		msg.StackTrace = st.streamErr.StackTrace
		_ = c.store.UpdateTree(sessionID, func(tree *msgtree.Tree) *msgtree.Tree {
			return tree.Upsert([]*msgtree.Message{msg}, msgtree.UpsertOptions{MakeLatestChild: true})
		})
		return
	}

	parent := st.userID
	errMsg := &msgtree.Message{
		ID:         st.assistantID,
		Role:       msgtree.RoleError,
		ErrorText:  st.streamErr.ErrorMsg,
		StackTrace: st.streamErr.StackTrace,
		ParentID:   &parent,
	}
	_ = c.store.UpdateTree(sessionID, func(tree *msgtree.Tree) *msgtree.Tree {
		return tree.Upsert([]*msgtree.Message{errMsg}, msgtree.UpsertOptions{MakeLatestChild: true})
	})
	_ = c.store.SetUncaughtError(sessionID, st.streamErr.ErrorMsg)
}

// finalizeSuccess persists the finished turn and handles first-turn
// bookkeeping for brand-new sessions.
func (c *Controller) finalizeSuccess(ctx context.Context, sessionID string, st *turnState, newSession bool) {
	if truncated(st.stopReason) {
		_ = c.store.SetCanContinue(sessionID, true)
	}

	if c.history != nil && st.idsAssigned {
		if st.userPlaced && st.params.RegenerationTarget == nil {
			user := &msgtree.Message{
				ID:       st.userID,
				Role:     msgtree.RoleUser,
				Text:     st.params.Message,
				Files:    st.params.Attachments,
				ParentID: st.parentID,
			}
			c.persist(ctx, sessionID, user)
		}
		c.persist(ctx, sessionID, st.assistantSnapshot())

		if err := c.history.SetLatestMessage(ctx, sessionID, st.assistantID); err != nil {
			log.Printf("[Chat] set latest message for session %s: %v", sessionID, err)
		}
	}

	if newSession {
		if c.history != nil {
			if _, err := history.AutoName(ctx, c.history, sessionID); err != nil {
				log.Printf("[Chat] auto-name session %s: %v", sessionID, err)
			}
		}
		// Navigate only if the user has not already moved on.
		if c.navigate != nil && c.store.CurrentID() == sessionID {
			c.navigate(sessionID)
		}
	}
}

func (c *Controller) persist(ctx context.Context, sessionID string, msg *msgtree.Message) {
	if err := c.history.AppendMessage(ctx, sessionID, msg); err != nil {
		log.Printf("[Chat] persist message %d for session %s: %v", msg.ID, sessionID, err)
		observability.RecordHistoryOp("append", "error")
		return
	}
	observability.RecordHistoryOp("append", "ok")
}

func truncated(stopReason string) bool {
	switch stopReason {
	case "length", "max_tokens":
		return true
	}
	return false
}
