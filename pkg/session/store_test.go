package session

import (
	"context"
	"testing"
	"time"

	"github.com/chatstream-dev/chatstream/pkg/msgtree"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ChatState
		want     bool
	}{
		{StateInput, StateLoading, true},
		{StateInput, StateUploading, true},
		{StateLoading, StateStreaming, true},
		{StateLoading, StateToolBuilding, true},
		{StateLoading, StateInput, true},
		{StateStreaming, StateToolBuilding, true},
		{StateStreaming, StateInput, true},
		{StateToolBuilding, StateStreaming, true},
		{StateToolBuilding, StateInput, true},
		{StateUploading, StateInput, true},
		{StateInput, StateStreaming, false},
		{StateInput, StateToolBuilding, false},
		{StateUploading, StateStreaming, false},
		{StateStreaming, StateLoading, false},
		{StateStreaming, StateStreaming, true}, // self-transition
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	store := NewStore(Options{})

	id := store.Create("")
	if id == "" {
		t.Fatal("Create() returned empty id")
	}

	sess, ok := store.Get(id)
	if !ok {
		t.Fatal("Get() did not find created session")
	}
	if sess.State != StateInput {
		t.Errorf("new session state = %s, want input", sess.State)
	}
	if sess.Tree == nil || sess.Tree.Len() != 1 {
		t.Errorf("new session should hold an empty tree with the root")
	}

	// Creating an existing id is a no-op.
	if again := store.Create(id); again != id {
		t.Errorf("Create(existing) = %s, want %s", again, id)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestStoreSetCurrent(t *testing.T) {
	store := NewStore(Options{})
	id := store.Create("")

	if err := store.SetCurrent("missing"); err != ErrSessionNotFound {
		t.Errorf("SetCurrent(missing) error = %v, want ErrSessionNotFound", err)
	}
	if err := store.SetCurrent(id); err != nil {
		t.Fatalf("SetCurrent() error = %v", err)
	}
	if store.CurrentID() != id {
		t.Errorf("CurrentID() = %s, want %s", store.CurrentID(), id)
	}
}

func TestBeginStreamGuard(t *testing.T) {
	store := NewStore(Options{})
	id := store.Create("")

	handle, err := store.BeginStream(id, context.Background())
	if err != nil {
		t.Fatalf("BeginStream() error = %v", err)
	}
	if handle == nil {
		t.Fatal("BeginStream() returned nil handle")
	}

	sess, _ := store.Get(id)
	if sess.State != StateLoading {
		t.Errorf("state after BeginStream = %s, want loading", sess.State)
	}

	// A second submission while not in input is rejected, not queued.
	if _, err := store.BeginStream(id, context.Background()); err != ErrBusy {
		t.Errorf("second BeginStream() error = %v, want ErrBusy", err)
	}

	store.FinishStream(id, handle)
	sess, _ = store.Get(id)
	if sess.State != StateInput {
		t.Errorf("state after FinishStream = %s, want input", sess.State)
	}
	if _, err := store.BeginStream(id, context.Background()); err != nil {
		t.Errorf("BeginStream() after finish error = %v", err)
	}
}

func TestFinishStreamStaleHandle(t *testing.T) {
	store := NewStore(Options{})
	id := store.Create("")

	first, _ := store.BeginStream(id, context.Background())
	store.FinishStream(id, first)

	second, _ := store.BeginStream(id, context.Background())

	// The stale pump's finish must not clobber the newer stream.
	store.FinishStream(id, first)
	sess, _ := store.Get(id)
	if sess.State != StateLoading {
		t.Errorf("state = %s, want loading (owned by second stream)", sess.State)
	}
	if second.Aborted() {
		t.Error("second stream's handle should not be aborted")
	}
}

func TestAbortIsolation(t *testing.T) {
	// Aborting session A must not change session B's state, tree, or
	// abort handle while both are streaming.
	store := NewStore(Options{})
	a := store.Create("session-a")
	b := store.Create("session-b")

	ha, _ := store.BeginStream(a, context.Background())
	hb, _ := store.BeginStream(b, context.Background())
	if err := store.SetState(a, StateStreaming); err != nil {
		t.Fatalf("SetState(a) error = %v", err)
	}
	if err := store.SetState(b, StateStreaming); err != nil {
		t.Fatalf("SetState(b) error = %v", err)
	}
	if err := store.UpdateTree(b, func(tr *msgtree.Tree) *msgtree.Tree {
		return tr.Upsert([]*msgtree.Message{{ID: 1, Role: msgtree.RoleUser, Text: "b"}}, msgtree.UpsertOptions{MakeLatestChild: true})
	}); err != nil {
		t.Fatalf("UpdateTree(b) error = %v", err)
	}
	treeBefore, _ := store.Tree(b)

	store.Abort(a)

	if !ha.Aborted() {
		t.Error("session A's handle should be aborted")
	}
	sessA, _ := store.Get(a)
	if sessA.State != StateInput {
		t.Errorf("A state = %s, want input", sessA.State)
	}

	if hb.Aborted() {
		t.Error("session B's handle must not be aborted")
	}
	sessB, _ := store.Get(b)
	if sessB.State != StateStreaming {
		t.Errorf("B state = %s, want streaming", sessB.State)
	}
	treeAfter, _ := store.Tree(b)
	if treeAfter != treeBefore {
		t.Error("B's message tree identity changed")
	}
}

func TestAbortIdempotent(t *testing.T) {
	store := NewStore(Options{})
	id := store.Create("")
	_, _ = store.BeginStream(id, context.Background())

	store.Abort(id)
	store.Abort(id) // second abort is a no-op

	sess, _ := store.Get(id)
	if sess.State != StateInput {
		t.Errorf("state = %s, want input", sess.State)
	}

	// Aborting a session with no stream in flight is also a no-op.
	store.Abort(id)
}

func TestEviction(t *testing.T) {
	now := time.Unix(1000, 0)
	store := NewStore(Options{MaxSessions: 3, Clock: func() time.Time {
		now = now.Add(time.Second)
		return now
	}})

	first := store.Create("first")
	handle, _ := store.BeginStream(first, context.Background())

	store.Create("second")
	third := store.Create("third")
	_ = store.SetCurrent(third)

	// Cap reached: creating a fourth evicts the oldest ("first"),
	// aborting its in-flight stream on the way out.
	store.Create("fourth")

	if store.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", store.Len())
	}
	if _, ok := store.Get(first); ok {
		t.Error("oldest session should have been evicted")
	}
	if !handle.Aborted() {
		t.Error("evicted session's stream should be aborted")
	}
	if _, ok := store.Get(third); !ok {
		t.Error("current session must never be evicted")
	}
}

func TestUpdateTreeSwapsAtomically(t *testing.T) {
	store := NewStore(Options{})
	id := store.Create("")

	err := store.UpdateTree(id, func(tr *msgtree.Tree) *msgtree.Tree {
		return tr.Upsert([]*msgtree.Message{{ID: 1, Role: msgtree.RoleUser, Text: "hi"}}, msgtree.UpsertOptions{MakeLatestChild: true})
	})
	if err != nil {
		t.Fatalf("UpdateTree() error = %v", err)
	}

	tree, err := store.Tree(id)
	if err != nil {
		t.Fatalf("Tree() error = %v", err)
	}
	if chain := tree.LatestChain(); len(chain) != 1 || chain[0].Text != "hi" {
		t.Errorf("chain = %+v, want the upserted message", chain)
	}
}

func TestSessionFlags(t *testing.T) {
	store := NewStore(Options{})
	id := store.Create("")

	if err := store.MarkInitialScroll(id, true); err != nil {
		t.Fatalf("MarkInitialScroll() error = %v", err)
	}
	if err := store.SetSubmittedMessage(id, "hello"); err != nil {
		t.Fatalf("SetSubmittedMessage() error = %v", err)
	}
	if err := store.SetCanContinue(id, true); err != nil {
		t.Fatalf("SetCanContinue() error = %v", err)
	}
	target := msgtree.MessageID(7)
	if err := store.SetRegeneration(id, &RegenerationState{TargetID: target}); err != nil {
		t.Fatalf("SetRegeneration() error = %v", err)
	}

	sess, _ := store.Get(id)
	if !sess.HasPerformedInitialScroll || sess.SubmittedMessage != "hello" || !sess.CanContinue {
		t.Errorf("flags not recorded: %+v", sess)
	}
	if sess.Regeneration == nil || sess.Regeneration.TargetID != target {
		t.Errorf("Regeneration = %+v, want target 7", sess.Regeneration)
	}

	if err := store.MarkInitialScroll("missing", true); err != ErrSessionNotFound {
		t.Errorf("MarkInitialScroll(missing) error = %v, want ErrSessionNotFound", err)
	}
}
