// Package history persists conversations across runs. A store keeps a
// metadata record per session plus an append-only message log; on load
// the flat log is rebuilt into the branching message tree with the
// session's saved branch selection applied.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatstream-dev/chatstream/pkg/msgtree"
	"github.com/chatstream-dev/chatstream/pkg/subq"
)

var (
	// ErrNotFound is returned when a session id is unknown to the store.
	ErrNotFound = errors.New("session not found in history")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("history store is closed")
)

// Meta is the per-session metadata record.
type Meta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LatestMessageID is the tip of the branch the user last selected,
	// restored on load so a reload lands on the same branch.
	LatestMessageID *msgtree.MessageID `json:"latest_message_id,omitempty"`
}

// Store is a conversation persistence backend.
type Store interface {
	// CreateSession registers a session. An existing id is returned
	// untouched.
	CreateSession(ctx context.Context, id, name string) (*Meta, error)
	// LoadSession retrieves a session's metadata.
	LoadSession(ctx context.Context, id string) (*Meta, error)
	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]*Meta, error)
	// Rename sets the session's display name.
	Rename(ctx context.Context, id, name string) error
	// Delete removes the session and its messages.
	Delete(ctx context.Context, id string) error

	// AppendMessage adds one message to the session's log.
	AppendMessage(ctx context.Context, id string, msg *msgtree.Message) error
	// LoadMessages returns the session's messages in append order.
	LoadMessages(ctx context.Context, id string) ([]*msgtree.Message, error)
	// SetLatestMessage records the tip of the selected branch.
	SetLatestMessage(ctx context.Context, id string, msgID msgtree.MessageID) error

	Close() error
}

// LoadTree rebuilds the session's message tree from its persisted log
// and re-roots the active branch onto the saved selection.
func LoadTree(ctx context.Context, s Store, id string) (*msgtree.Tree, error) {
	meta, err := s.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.LoadMessages(ctx, id)
	if err != nil {
		return nil, err
	}

	tree := msgtree.BuildFromFlat(msgs)
	if meta.LatestMessageID != nil {
		if t, err := tree.SetAsLatest(*meta.LatestMessageID); err == nil {
			tree = t
		}
	}
	return tree, nil
}

// AutoName derives a display name from the session's first user message
// and saves it. Sessions with no user message yet keep their name.
func AutoName(ctx context.Context, s Store, id string) (string, error) {
	msgs, err := s.LoadMessages(ctx, id)
	if err != nil {
		return "", err
	}
	for _, m := range msgs {
		if m.Role == msgtree.RoleUser && strings.TrimSpace(m.Text) != "" {
			name := deriveName(m.Text)
			if err := s.Rename(ctx, id, name); err != nil {
				return "", err
			}
			return name, nil
		}
	}
	return "", nil
}

// maxNameLen caps auto-derived session names.
const maxNameLen = 48

func deriveName(text string) string {
	name := strings.Join(strings.Fields(text), " ")
	runes := []rune(name)
	if len(runes) <= maxNameLen {
		return name
	}
	return strings.TrimSpace(string(runes[:maxNameLen])) + "..."
}

// storedMessage is the wire shape of one persisted message. The tree
// node type carries no JSON tags of its own, so persistence owns the
// format and keeps it stable.
type storedMessage struct {
	ID           msgtree.MessageID        `json:"id"`
	Role         msgtree.Role             `json:"role"`
	Text         string                   `json:"text,omitempty"`
	Files        []msgtree.FileDescriptor `json:"files,omitempty"`
	ToolCall     *msgtree.ToolCall        `json:"tool_call,omitempty"`
	Citations    map[int]string           `json:"citations,omitempty"`
	Retrieval    *msgtree.RetrievalInfo   `json:"retrieval,omitempty"`
	SubQuestions []subq.Detail            `json:"sub_questions,omitempty"`
	ErrorText    string                   `json:"error_text,omitempty"`
	StackTrace   string                   `json:"stack_trace,omitempty"`
	ParentID     *msgtree.MessageID       `json:"parent_id,omitempty"`
}

func encodeMessage(m *msgtree.Message) ([]byte, error) {
	data, err := json.Marshal(storedMessage{
		ID:           m.ID,
		Role:         m.Role,
		Text:         m.Text,
		Files:        m.Files,
		ToolCall:     m.ToolCall,
		Citations:    m.Citations,
		Retrieval:    m.Retrieval,
		SubQuestions: m.SubQuestions,
		ErrorText:    m.ErrorText,
		StackTrace:   m.StackTrace,
		ParentID:     m.ParentID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*msgtree.Message, error) {
	var sm storedMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msgtree.Message{
		ID:           sm.ID,
		Role:         sm.Role,
		Text:         sm.Text,
		Files:        sm.Files,
		ToolCall:     sm.ToolCall,
		Citations:    sm.Citations,
		Retrieval:    sm.Retrieval,
		SubQuestions: sm.SubQuestions,
		ErrorText:    sm.ErrorText,
		StackTrace:   sm.StackTrace,
		ParentID:     sm.ParentID,
	}, nil
}
