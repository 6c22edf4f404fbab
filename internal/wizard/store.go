package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SessionStore persists wizard sessions keyed by conversation.
// Get returns ErrNoSession when the conversation has none; Delete of a
// missing session is not an error.
type SessionStore interface {
	Get(ctx context.Context, key Key) (*Session, error)
	Put(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, key Key) error
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[Key]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[Key]Session)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNoSession
	}
	return &sess, nil
}

func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key] = *sess
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// RedisStore keeps sessions as JSON strings with a sliding TTL, so several
// bot replicas can share conversations.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a RedisStore. A zero ttl defaults to one day.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func sessionKey(key Key) string {
	return fmt.Sprintf("wizard:session:%d:%d", key.UserID, key.ChatID)
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(sess.Key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.rdb.Del(ctx, sessionKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}
