package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatstream-dev/chatstream/pkg/msgtree"
)

// ErrInvalidPathComponent is returned when a session id contains unsafe
// characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent rejects empty strings, path separators, and
// traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore implements Store using JSONL files.
// Storage layout:
//
//	~/.chatstream/history/
//	  ├── sessions.json      # Session index
//	  └── <session-id>.jsonl # Message log
type FileStore struct {
	baseDir string
	clock   func() time.Time
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-based history store. An empty baseDir
// defaults to ~/.chatstream/history.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".chatstream", "history")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{baseDir: baseDir, clock: time.Now}, nil
}

func (f *FileStore) indexPath() string {
	return filepath.Join(f.baseDir, "sessions.json")
}

func (f *FileStore) logPath(id string) string {
	return filepath.Join(f.baseDir, id+".jsonl")
}

// loadIndex reads the session index. A missing file is an empty index.
func (f *FileStore) loadIndex() (map[string]*Meta, error) {
	index := make(map[string]*Meta)
	data, err := os.ReadFile(f.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return index, nil
}

func (f *FileStore) saveIndex(index map[string]*Meta) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}
	if err := os.WriteFile(f.indexPath(), data, 0600); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	return nil
}

// CreateSession registers a session in the index.
func (f *FileStore) CreateSession(ctx context.Context, id, name string) (*Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	if err := validatePathComponent(id); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return nil, err
	}
	if meta, ok := index[id]; ok {
		return meta, nil
	}

	now := f.clock()
	meta := &Meta{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
	index[id] = meta
	if err := f.saveIndex(index); err != nil {
		return nil, err
	}
	return meta, nil
}

// LoadSession retrieves session metadata by id.
func (f *FileStore) LoadSession(ctx context.Context, id string) (*Meta, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	index, err := f.loadIndex()
	if err != nil {
		return nil, err
	}
	meta, ok := index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return meta, nil
}

// ListSessions returns all sessions, most recently updated first.
func (f *FileStore) ListSessions(ctx context.Context) ([]*Meta, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	index, err := f.loadIndex()
	if err != nil {
		return nil, err
	}

	sessions := make([]*Meta, 0, len(index))
	for _, meta := range index {
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Rename sets the session's display name.
func (f *FileStore) Rename(ctx context.Context, id, name string) error {
	return f.updateMeta(id, func(meta *Meta) {
		meta.Name = name
	})
}

// SetLatestMessage records the tip of the selected branch.
func (f *FileStore) SetLatestMessage(ctx context.Context, id string, msgID msgtree.MessageID) error {
	return f.updateMeta(id, func(meta *Meta) {
		meta.LatestMessageID = &msgID
	})
}

func (f *FileStore) updateMeta(id string, fn func(*Meta)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	index, err := f.loadIndex()
	if err != nil {
		return err
	}
	meta, ok := index[id]
	if !ok {
		return ErrNotFound
	}
	fn(meta)
	meta.UpdatedAt = f.clock()
	return f.saveIndex(index)
}

// Delete removes a session and its message log.
func (f *FileStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validatePathComponent(id); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[id]; !ok {
		return ErrNotFound
	}
	delete(index, id)
	if err := f.saveIndex(index); err != nil {
		return err
	}
	_ = os.Remove(f.logPath(id)) // missing log is fine
	return nil
}

// AppendMessage adds one message to the session's log.
func (f *FileStore) AppendMessage(ctx context.Context, id string, msg *msgtree.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validatePathComponent(id); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return err
	}
	meta, ok := index[id]
	if !ok {
		return ErrNotFound
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(f.logPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	meta.UpdatedAt = f.clock()
	return f.saveIndex(index)
}

// LoadMessages returns the session's messages in append order.
func (f *FileStore) LoadMessages(ctx context.Context, id string) ([]*msgtree.Message, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	if err := validatePathComponent(id); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return nil, err
	}
	if _, ok := index[id]; !ok {
		return nil, ErrNotFound
	}

	file, err := os.Open(f.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []*msgtree.Message{}, nil
		}
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var msgs []*msgtree.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		msg, err := decodeMessage(scanner.Bytes())
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan message log: %w", err)
	}
	return msgs, nil
}

// Close marks the store closed.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
