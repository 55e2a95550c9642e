// Package msgtree implements the branching conversation history for one
// chat session. Messages form a tree: regenerating or editing a turn adds
// a sibling branch instead of overwriting, and the "latest chain" — the
// single linear path followed by each node's latest-child pointer — is
// what the conversation view renders.
//
// The tree is copy-on-write: every mutating operation returns a new *Tree
// and leaves the receiver intact. Callers must treat returned messages as
// read-only snapshots.
package msgtree

import (
	"encoding/json"
	"errors"

	"github.com/chatstream-dev/chatstream/pkg/packet"
	"github.com/chatstream-dev/chatstream/pkg/subq"
)

// MessageID is a server-assigned numeric message identifier. Negative
// values are client-side sentinels for nodes the server has not
// acknowledged yet.
type MessageID int64

const (
	// PendingUserMessageID is the placeholder id for a user message whose
	// real id has not arrived yet.
	PendingUserMessageID MessageID = -1
	// PendingAssistantMessageID is the placeholder id for an assistant
	// message whose reserved id has not arrived yet.
	PendingAssistantMessageID MessageID = -2
	// SystemMessageID is the synthetic root every conversation hangs off.
	SystemMessageID MessageID = -3
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// ErrNotFound is returned when an operation targets a message id that is
// not present in the tree.
var ErrNotFound = errors.New("message not found in tree")

// ToolCall records a tool invocation attached to an assistant message.
type ToolCall struct {
	Name   string          `json:"tool_name"`
	Args   json.RawMessage `json:"tool_args,omitempty"`
	Result json.RawMessage `json:"tool_result,omitempty"`
}

// FileDescriptor references an uploaded attachment.
type FileDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// RetrievalInfo captures the retrieval metadata for a turn.
type RetrievalInfo struct {
	Query     string            `json:"query,omitempty"`
	Documents []packet.Document `json:"documents,omitempty"`
	Type      string            `json:"retrieval_type,omitempty"`
}

// Message is one node of the conversation tree.
type Message struct {
	ID           MessageID
	Role         Role
	Text         string
	Files        []FileDescriptor
	ToolCall     *ToolCall
	Citations    map[int]string // citation number -> document id
	Retrieval    *RetrievalInfo
	SubQuestions []subq.Detail
	ErrorText    string
	StackTrace   string

	// ParentID is nil only for the synthetic root.
	ParentID *MessageID
	// ChildrenIDs are ordered by creation.
	ChildrenIDs []MessageID
	// LatestChildID selects which child is on the active branch.
	LatestChildID *MessageID
}

func (m *Message) clone() *Message {
	c := *m
	if m.ChildrenIDs != nil {
		c.ChildrenIDs = make([]MessageID, len(m.ChildrenIDs))
		copy(c.ChildrenIDs, m.ChildrenIDs)
	}
	if m.LatestChildID != nil {
		id := *m.LatestChildID
		c.LatestChildID = &id
	}
	return &c
}

// Tree is the persistent message map for one session.
type Tree struct {
	nodes map[MessageID]*Message
}

// New returns a tree containing only the synthetic system root.
func New() *Tree {
	t := &Tree{nodes: make(map[MessageID]*Message, 8)}
	t.nodes[SystemMessageID] = &Message{ID: SystemMessageID, Role: RoleSystem}
	return t
}

func (t *Tree) cloneMap() map[MessageID]*Message {
	nodes := make(map[MessageID]*Message, len(t.nodes)+1)
	for id, m := range t.nodes {
		nodes[id] = m
	}
	return nodes
}

// Len returns the number of messages, including the synthetic root.
func (t *Tree) Len() int { return len(t.nodes) }

// Get returns the message with the given id.
func (t *Tree) Get(id MessageID) (*Message, bool) {
	m, ok := t.nodes[id]
	return m, ok
}

// UpsertOptions adjusts how Upsert links the inserted messages.
type UpsertOptions struct {
	// ReplaceIDs are deleted (and unlinked from their parents) before the
	// new messages are inserted. Used to discard a stale placeholder or a
	// superseded regeneration target.
	ReplaceIDs []MessageID
	// MakeLatestChild points each inserted message's parent at it, moving
	// the active branch.
	MakeLatestChild bool
}

// Upsert returns a new tree where each input message either creates a node
// or wholly replaces the node with the same id. Replacement preserves the
// existing node's child links unless the input provides its own; parent
// links are resolved against the (possibly transiently incomplete) map, so
// a child arriving before its parent is tolerated during streaming.
func (t *Tree) Upsert(msgs []*Message, opts UpsertOptions) *Tree {
	nodes := t.cloneMap()

	for _, id := range opts.ReplaceIDs {
		unlink(nodes, id)
		delete(nodes, id)
	}

	for _, in := range msgs {
		m := in.clone()
		if m.ParentID == nil && m.ID != SystemMessageID {
			root := SystemMessageID
			m.ParentID = &root
		}

		if existing, ok := nodes[m.ID]; ok {
			// Refinement of a known node: keep its place in the tree.
			if m.ChildrenIDs == nil {
				m.ChildrenIDs = existing.ChildrenIDs
			}
			if m.LatestChildID == nil {
				m.LatestChildID = existing.LatestChildID
			}
			nodes[m.ID] = m
		} else {
			nodes[m.ID] = m
			if m.ParentID != nil {
				if parent, ok := nodes[*m.ParentID]; ok {
					p := parent.clone()
					p.ChildrenIDs = append(p.ChildrenIDs, m.ID)
					nodes[p.ID] = p
				}
			}
		}

		if opts.MakeLatestChild && m.ParentID != nil {
			if parent, ok := nodes[*m.ParentID]; ok {
				p := parent.clone()
				id := m.ID
				p.LatestChildID = &id
				nodes[p.ID] = p
			}
		}
	}

	return &Tree{nodes: nodes}
}

// LatestChain walks from the root following latest-child pointers and
// returns the active linear conversation, root excluded. The walk is
// bounded by the tree size so it terminates even on a malformed tree.
func (t *Tree) LatestChain() []*Message {
	chain := make([]*Message, 0, len(t.nodes))

	current, ok := t.nodes[SystemMessageID]
	if !ok {
		return chain
	}

	for steps := 0; steps < len(t.nodes); steps++ {
		if current.LatestChildID == nil {
			break
		}
		next, ok := t.nodes[*current.LatestChildID]
		if !ok {
			break
		}
		chain = append(chain, next)
		current = next
	}

	return chain
}

// SetAsLatest re-roots the active branch so the latest chain runs through
// messageID: the target and each ancestor up to the root become their
// parent's latest child. Sibling subtrees are left in place, only
// reachability changes.
func (t *Tree) SetAsLatest(messageID MessageID) (*Tree, error) {
	if _, ok := t.nodes[messageID]; !ok {
		return t, ErrNotFound
	}

	nodes := t.cloneMap()

	current := messageID
	for steps := 0; steps <= len(nodes); steps++ {
		node := nodes[current]
		if node.ParentID == nil {
			break
		}
		parent, ok := nodes[*node.ParentID]
		if !ok {
			break
		}
		p := parent.clone()
		child := current
		p.LatestChildID = &child
		nodes[p.ID] = p
		current = p.ID
	}

	return &Tree{nodes: nodes}, nil
}

// Remove deletes a node and unlinks it from its parent. Descendants are
// not cascade-deleted; the caller re-links them as needed.
func (t *Tree) Remove(messageID MessageID) *Tree {
	if _, ok := t.nodes[messageID]; !ok {
		return t
	}
	nodes := t.cloneMap()
	unlink(nodes, messageID)
	delete(nodes, messageID)
	return &Tree{nodes: nodes}
}

// LastSuccessfulMessageID returns the id of the last non-error message on
// the latest chain, used as the parent for the next user turn. The second
// return is false when the chain holds no successful message.
func (t *Tree) LastSuccessfulMessageID() (MessageID, bool) {
	chain := t.LatestChain()
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Role != RoleError {
			return chain[i].ID, true
		}
	}
	return 0, false
}

// unlink removes id from its parent's child list and clears the parent's
// latest-child pointer when it referenced id.
func unlink(nodes map[MessageID]*Message, id MessageID) {
	node, ok := nodes[id]
	if !ok || node.ParentID == nil {
		return
	}
	parent, ok := nodes[*node.ParentID]
	if !ok {
		return
	}

	p := parent.clone()
	children := p.ChildrenIDs[:0:0]
	for _, c := range p.ChildrenIDs {
		if c != id {
			children = append(children, c)
		}
	}
	p.ChildrenIDs = children
	if p.LatestChildID != nil && *p.LatestChildID == id {
		p.LatestChildID = nil
		if len(children) > 0 {
			last := children[len(children)-1]
			p.LatestChildID = &last
		}
	}
	nodes[p.ID] = p
}

// BuildFromFlat converts an ordered flat message list (as returned by the
// history API) into a tree via parent-id links. Child order follows input
// order; a parent's latest child defaults to its last-created child unless
// the input already carries a latest-child pointer.
func BuildFromFlat(msgs []*Message) *Tree {
	t := New()
	nodes := t.nodes

	// Parents carrying a latest-child pointer from the server (the branch
	// the user selected before reload) keep it; the rest default to their
	// last-created child.
	explicit := make(map[MessageID]bool, len(msgs))

	for _, in := range msgs {
		m := in.clone()
		m.ChildrenIDs = nil
		if m.ParentID == nil && m.ID != SystemMessageID {
			root := SystemMessageID
			m.ParentID = &root
		}
		if m.LatestChildID != nil {
			explicit[m.ID] = true
		}
		nodes[m.ID] = m
	}

	// Second pass links children in input order, so parents that appear
	// after their children in the flat list still resolve.
	for _, in := range msgs {
		m := nodes[in.ID]
		if m.ParentID == nil {
			continue
		}
		parent, ok := nodes[*m.ParentID]
		if !ok {
			continue
		}
		parent.ChildrenIDs = append(parent.ChildrenIDs, m.ID)
		if !explicit[parent.ID] {
			id := m.ID
			parent.LatestChildID = &id
		}
	}

	return t
}
