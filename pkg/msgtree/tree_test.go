package msgtree

import (
	"testing"
)

func idPtr(id MessageID) *MessageID { return &id }

// linearTree builds root -> user(1) -> assistant(2).
func linearTree(t *testing.T) *Tree {
	t.Helper()
	tree := New()
	tree = tree.Upsert([]*Message{
		{ID: 1, Role: RoleUser, Text: "hi"},
	}, UpsertOptions{MakeLatestChild: true})
	tree = tree.Upsert([]*Message{
		{ID: 2, Role: RoleAssistant, Text: "hello", ParentID: idPtr(1)},
	}, UpsertOptions{MakeLatestChild: true})
	return tree
}

func TestNewTree(t *testing.T) {
	tree := New()
	if tree.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (synthetic root)", tree.Len())
	}
	root, ok := tree.Get(SystemMessageID)
	if !ok || root.Role != RoleSystem {
		t.Fatalf("Get(SystemMessageID) = %+v, %v", root, ok)
	}
	if len(tree.LatestChain()) != 0 {
		t.Error("empty tree should have an empty latest chain")
	}
}

func TestUpsertLinksAndChains(t *testing.T) {
	tree := linearTree(t)

	chain := tree.LatestChain()
	if len(chain) != 2 {
		t.Fatalf("LatestChain() length = %d, want 2", len(chain))
	}
	if chain[0].ID != 1 || chain[1].ID != 2 {
		t.Errorf("chain ids = [%d %d], want [1 2]", chain[0].ID, chain[1].ID)
	}

	// A message with no parent hangs off the synthetic root.
	user, _ := tree.Get(1)
	if user.ParentID == nil || *user.ParentID != SystemMessageID {
		t.Errorf("user ParentID = %v, want system root", user.ParentID)
	}
}

func TestUpsertIsCopyOnWrite(t *testing.T) {
	tree := linearTree(t)
	before := tree.LatestChain()

	_ = tree.Upsert([]*Message{
		{ID: 2, Role: RoleAssistant, Text: "revised", ParentID: idPtr(1)},
	}, UpsertOptions{})

	after := tree.LatestChain()
	if after[1].Text != before[1].Text {
		t.Errorf("original tree mutated: text = %q", after[1].Text)
	}
}

func TestUpsertReplaceKeepsLinks(t *testing.T) {
	tree := linearTree(t)

	// Refining the assistant message (streaming snapshot) must not lose
	// its place in the tree.
	tree = tree.Upsert([]*Message{
		{ID: 2, Role: RoleAssistant, Text: "hello, more text", ParentID: idPtr(1)},
	}, UpsertOptions{})

	chain := tree.LatestChain()
	if len(chain) != 2 || chain[1].Text != "hello, more text" {
		t.Fatalf("chain after replace = %+v", chain)
	}

	parent, _ := tree.Get(1)
	if len(parent.ChildrenIDs) != 1 {
		t.Errorf("parent children = %v, want exactly [2]", parent.ChildrenIDs)
	}
}

func TestUpsertReplaceIDs(t *testing.T) {
	tree := linearTree(t)

	// Regeneration: replace assistant 2 with sibling 3 under the same
	// parent in a single operation.
	tree = tree.Upsert([]*Message{
		{ID: 3, Role: RoleAssistant, Text: "take two", ParentID: idPtr(1)},
	}, UpsertOptions{ReplaceIDs: []MessageID{2}, MakeLatestChild: true})

	if _, ok := tree.Get(2); ok {
		t.Error("replaced message 2 should be gone")
	}
	chain := tree.LatestChain()
	if len(chain) != 2 || chain[1].ID != 3 {
		t.Fatalf("chain = %+v, want [1 3]", chain)
	}
}

func TestSetAsLatestSwitchesBranch(t *testing.T) {
	tree := linearTree(t)

	// Add a sibling regeneration of message 2.
	tree = tree.Upsert([]*Message{
		{ID: 3, Role: RoleAssistant, Text: "alternative", ParentID: idPtr(1)},
	}, UpsertOptions{MakeLatestChild: true})

	chain := tree.LatestChain()
	if chain[len(chain)-1].ID != 3 {
		t.Fatalf("active branch should be 3, got %d", chain[len(chain)-1].ID)
	}

	// Switch back to the original branch.
	tree, err := tree.SetAsLatest(2)
	if err != nil {
		t.Fatalf("SetAsLatest() error = %v", err)
	}
	chain = tree.LatestChain()
	if chain[len(chain)-1].ID != 2 {
		t.Fatalf("active branch should be 2, got %d", chain[len(chain)-1].ID)
	}

	// Branch preservation: the sibling subtree is still present.
	if _, ok := tree.Get(3); !ok {
		t.Error("sibling branch 3 should remain in the tree")
	}
	parent, _ := tree.Get(1)
	if len(parent.ChildrenIDs) != 2 {
		t.Errorf("parent children = %v, want both siblings", parent.ChildrenIDs)
	}
}

func TestSetAsLatestDeep(t *testing.T) {
	tree := linearTree(t)
	tree = tree.Upsert([]*Message{
		{ID: 4, Role: RoleUser, Text: "follow-up", ParentID: idPtr(2)},
		{ID: 5, Role: RoleAssistant, Text: "answer", ParentID: idPtr(4)},
	}, UpsertOptions{MakeLatestChild: true})
	tree = tree.Upsert([]*Message{
		{ID: 6, Role: RoleAssistant, Text: "regen", ParentID: idPtr(1)},
	}, UpsertOptions{MakeLatestChild: true})

	// Active chain is now [1 6]; re-rooting at the deep leaf restores
	// every ancestor pointer along the way.
	tree, err := tree.SetAsLatest(5)
	if err != nil {
		t.Fatalf("SetAsLatest() error = %v", err)
	}
	chain := tree.LatestChain()
	want := []MessageID{1, 2, 4, 5}
	if len(chain) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(chain), len(want))
	}
	for i, id := range want {
		if chain[i].ID != id {
			t.Errorf("chain[%d] = %d, want %d", i, chain[i].ID, id)
		}
	}
}

func TestSetAsLatestNotFound(t *testing.T) {
	tree := New()
	if _, err := tree.SetAsLatest(99); err != ErrNotFound {
		t.Errorf("SetAsLatest(99) error = %v, want ErrNotFound", err)
	}
}

func TestLatestChainCycleGuard(t *testing.T) {
	// A malformed tree with a latest-child cycle must still terminate.
	tree := New()
	tree = tree.Upsert([]*Message{
		{ID: 1, Role: RoleUser},
		{ID: 2, Role: RoleAssistant, ParentID: idPtr(1), LatestChildID: idPtr(1)},
	}, UpsertOptions{MakeLatestChild: true})

	chain := tree.LatestChain()
	if len(chain) > tree.Len() {
		t.Fatalf("chain length %d exceeds node count %d", len(chain), tree.Len())
	}
}

func TestChainUniquenessProperty(t *testing.T) {
	// P1: arbitrary upsert/set-as-latest sequences keep the chain finite
	// with no repeated ids.
	tree := New()
	tree = tree.Upsert([]*Message{{ID: 1, Role: RoleUser}}, UpsertOptions{MakeLatestChild: true})
	parent := MessageID(1)
	for id := MessageID(2); id <= 20; id++ {
		tree = tree.Upsert([]*Message{
			{ID: id, Role: RoleAssistant, ParentID: idPtr(parent)},
		}, UpsertOptions{MakeLatestChild: true})
		if id%3 == 0 {
			parent = id
		}
	}
	var err error
	tree, err = tree.SetAsLatest(7)
	if err != nil {
		t.Fatalf("SetAsLatest() error = %v", err)
	}

	chain := tree.LatestChain()
	if len(chain) > tree.Len() {
		t.Fatalf("chain length %d exceeds node count %d", len(chain), tree.Len())
	}
	seen := make(map[MessageID]bool, len(chain))
	for _, m := range chain {
		if seen[m.ID] {
			t.Fatalf("chain repeats id %d", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestRemoveUnlinks(t *testing.T) {
	tree := linearTree(t)
	tree = tree.Remove(2)

	if _, ok := tree.Get(2); ok {
		t.Fatal("removed message still present")
	}
	parent, _ := tree.Get(1)
	if len(parent.ChildrenIDs) != 0 {
		t.Errorf("parent children = %v, want empty", parent.ChildrenIDs)
	}
	if parent.LatestChildID != nil {
		t.Errorf("parent LatestChildID = %v, want nil", parent.LatestChildID)
	}
}

func TestLastSuccessfulMessageID(t *testing.T) {
	tree := linearTree(t)
	id, ok := tree.LastSuccessfulMessageID()
	if !ok || id != 2 {
		t.Fatalf("LastSuccessfulMessageID() = %d, %v, want 2", id, ok)
	}

	tree = tree.Upsert([]*Message{
		{ID: 3, Role: RoleError, Text: "boom", ParentID: idPtr(2)},
	}, UpsertOptions{MakeLatestChild: true})

	// The trailing error is skipped.
	id, ok = tree.LastSuccessfulMessageID()
	if !ok || id != 2 {
		t.Fatalf("LastSuccessfulMessageID() = %d, %v, want 2", id, ok)
	}
}

func TestBuildFromFlat(t *testing.T) {
	tree := BuildFromFlat([]*Message{
		{ID: 1, Role: RoleUser, Text: "q1"},
		{ID: 2, Role: RoleAssistant, Text: "a1", ParentID: idPtr(1)},
		{ID: 3, Role: RoleAssistant, Text: "a1-regen", ParentID: idPtr(1)},
		{ID: 4, Role: RoleUser, Text: "q2", ParentID: idPtr(3)},
	})

	chain := tree.LatestChain()
	want := []MessageID{1, 3, 4}
	if len(chain) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(chain), len(want))
	}
	for i, id := range want {
		if chain[i].ID != id {
			t.Errorf("chain[%d] = %d, want %d", i, chain[i].ID, id)
		}
	}

	parent, _ := tree.Get(1)
	if len(parent.ChildrenIDs) != 2 {
		t.Errorf("children of 1 = %v, want both regenerations", parent.ChildrenIDs)
	}
}

func TestBuildFromFlatExplicitLatest(t *testing.T) {
	// The server-persisted branch choice wins over creation order.
	tree := BuildFromFlat([]*Message{
		{ID: 1, Role: RoleUser, Text: "q1", LatestChildID: idPtr(2)},
		{ID: 2, Role: RoleAssistant, Text: "a1", ParentID: idPtr(1)},
		{ID: 3, Role: RoleAssistant, Text: "a1-regen", ParentID: idPtr(1)},
	})

	chain := tree.LatestChain()
	if len(chain) != 2 || chain[1].ID != 2 {
		t.Fatalf("chain = %v, want [1 2]", chain)
	}
}
