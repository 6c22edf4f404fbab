// Package profile stores per-user preferences outside the balance.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/kelpejol/klingbot/internal/i18n"
)

// Store keeps each user's interface language. Language returns i18n.Default
// for users without a stored preference.
type Store interface {
	Language(ctx context.Context, userID int64) (string, error)
	SetLanguage(ctx context.Context, userID int64, code string) (string, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	langs map[int64]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{langs: make(map[int64]string)}
}

func (s *MemoryStore) Language(_ context.Context, userID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lang, ok := s.langs[userID]; ok {
		return lang, nil
	}
	return i18n.Default, nil
}

func (s *MemoryStore) SetLanguage(_ context.Context, userID int64, code string) (string, error) {
	lang := i18n.Normalize(code)
	s.mu.Lock()
	s.langs[userID] = lang
	s.mu.Unlock()
	return lang, nil
}

// PostgresStore reads and writes users.language_code.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Language(ctx context.Context, userID int64) (string, error) {
	var lang string
	err := s.db.QueryRowContext(ctx, `SELECT language_code FROM users WHERE user_id = $1`, userID).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return i18n.Default, nil
	}
	if err != nil {
		return "", fmt.Errorf("read language: %w", err)
	}
	return i18n.Normalize(lang), nil
}

func (s *PostgresStore) SetLanguage(ctx context.Context, userID int64, code string) (string, error) {
	lang := i18n.Normalize(code)
	query := `
UPDATE users
SET language_code = $1, updated_at = NOW()
WHERE user_id = $2;`
	res, err := s.db.ExecContext(ctx, query, lang, userID)
	if err != nil {
		return "", fmt.Errorf("update language: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("update language: user %d not found", userID)
	}
	return lang, nil
}

// RedisStore keeps languages in one hash.
type RedisStore struct {
	rdb *redis.Client
}

const languageHash = "user:language"

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Language(ctx context.Context, userID int64) (string, error) {
	lang, err := s.rdb.HGet(ctx, languageHash, strconv.FormatInt(userID, 10)).Result()
	if err == redis.Nil {
		return i18n.Default, nil
	}
	if err != nil {
		return "", fmt.Errorf("read language: %w", err)
	}
	return lang, nil
}

func (s *RedisStore) SetLanguage(ctx context.Context, userID int64, code string) (string, error) {
	lang := i18n.Normalize(code)
	if err := s.rdb.HSet(ctx, languageHash, strconv.FormatInt(userID, 10), lang).Err(); err != nil {
		return "", fmt.Errorf("store language: %w", err)
	}
	return lang, nil
}
