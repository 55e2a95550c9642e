package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatstream-dev/chatstream/pkg/msgtree"
)

// RedisStore implements Store on Redis, suitable for sharing history
// across machines.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  func() time.Time
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all history keys (default
	// "chatstream:history:").
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default 10).
	PoolSize int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedisStore(client, cfg.Prefix, cfg.SessionTTL), nil
}

// NewRedisStoreFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return newRedisStore(client, prefix, ttl)
}

func newRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "chatstream:history:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		clock:  time.Now,
	}
}

func (s *RedisStore) metaKey(id string) string     { return s.prefix + "meta:" + id }
func (s *RedisStore) messagesKey(id string) string { return s.prefix + "messages:" + id }
func (s *RedisStore) indexKey() string             { return s.prefix + "sessions" }

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *RedisStore) saveMeta(ctx context.Context, meta *Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.metaKey(meta.ID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), meta.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// CreateSession registers a session. An existing id is returned
// untouched.
func (s *RedisStore) CreateSession(ctx context.Context, id, name string) (*Meta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if meta, err := s.LoadSession(ctx, id); err == nil {
		return meta, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.clock()
	meta := &Meta{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
	if err := s.saveMeta(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// LoadSession retrieves session metadata by id.
func (s *RedisStore) LoadSession(ctx context.Context, id string) (*Meta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.metaKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *RedisStore) ListSessions(ctx context.Context) ([]*Meta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*Meta, 0, len(ids))
	for _, id := range ids {
		meta, err := s.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Expired or deleted out of band, clean up the index.
				s.client.SRem(ctx, s.indexKey(), id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, meta)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func (s *RedisStore) updateMeta(ctx context.Context, id string, fn func(*Meta)) error {
	meta, err := s.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	fn(meta)
	meta.UpdatedAt = s.clock()
	return s.saveMeta(ctx, meta)
}

// Rename sets the session's display name.
func (s *RedisStore) Rename(ctx context.Context, id, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.updateMeta(ctx, id, func(meta *Meta) {
		meta.Name = name
	})
}

// SetLatestMessage records the tip of the selected branch.
func (s *RedisStore) SetLatestMessage(ctx context.Context, id string, msgID msgtree.MessageID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.updateMeta(ctx, id, func(meta *Meta) {
		meta.LatestMessageID = &msgID
	})
}

// Delete removes a session and its messages.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.metaKey(id))
	pipe.Del(ctx, s.messagesKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendMessage adds one message to the session's log.
func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg *msgtree.Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.LoadSession(ctx, id); err != nil {
		return err
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	if err := s.client.RPush(ctx, s.messagesKey(id), data).Err(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if s.ttl > 0 {
		// A failed Expire is non-fatal; the next append reapplies it.
		_ = s.client.Expire(ctx, s.messagesKey(id), s.ttl).Err()
	}
	return s.updateMeta(ctx, id, func(*Meta) {})
}

// LoadMessages returns the session's messages in append order.
func (s *RedisStore) LoadMessages(ctx context.Context, id string) ([]*msgtree.Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if _, err := s.LoadSession(ctx, id); err != nil {
		return nil, err
	}

	data, err := s.client.LRange(ctx, s.messagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	msgs := make([]*msgtree.Message, 0, len(data))
	for _, d := range data {
		msg, err := decodeMessage([]byte(d))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Ping checks that the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
