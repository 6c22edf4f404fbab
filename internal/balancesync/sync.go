// Package balancesync copies user balances from PostgreSQL into the Redis
// keys read by the Redis ledger.
//
// PostgreSQL holds the durable balance. Redis holds the hot copy that the
// ledger's Lua scripts debit and credit. The syncer:
//
//  1. On startup, loads every balance into Redis (cold cache).
//  2. Periodically, restores keys that are missing in Redis, for example
//     after an eviction. Existing keys are never overwritten by the
//     periodic pass because the journal may still be catching up.
//  3. On demand, compares a sample of users and reports or repairs drift.
package balancesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/kelpejol/klingbot/internal/ledger"
)

// Syncer handles PostgreSQL to Redis balance synchronization.
type Syncer struct {
	redis *redis.Client
	db    *sql.DB
	log   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Discrepancy is one user whose Redis balance disagrees with PostgreSQL.
type Discrepancy struct {
	UserID          int64 `json:"user_id"`
	PostgresBalance int64 `json:"postgres_balance"`
	RedisBalance    int64 `json:"redis_balance"`
	MissingInRedis  bool  `json:"missing_in_redis"`
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		db:     db,
		log:    logger.With().Str("component", "balance_syncer").Logger(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// InitializeRedis overwrites the Redis balance of every user with the
// PostgreSQL value. Call it before serving traffic, while no journal writes
// are pending.
func (s *Syncer) InitializeRedis(ctx context.Context) (int, error) {
	return s.copyBalances(ctx, false)
}

// FillMissing restores balances that are absent from Redis and leaves every
// present key alone.
func (s *Syncer) FillMissing(ctx context.Context) (int, error) {
	return s.copyBalances(ctx, true)
}

func (s *Syncer) copyBalances(ctx context.Context, onlyMissing bool) (int, error) {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, balance
		FROM users
		ORDER BY user_id
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		var userID, balance int64
		if err := rows.Scan(&userID, &balance); err != nil {
			s.log.Error().Err(err).Msg("failed to scan user row")
			continue
		}

		if onlyMissing {
			pipe.SetNX(ctx, ledger.BalanceKey(userID), balance, 0)
		} else {
			pipe.Set(ctx, ledger.BalanceKey(userID), balance, 0)
		}
		count++

		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return count, fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
			pipe = s.redis.Pipeline()
		}
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("row iteration error: %w", err)
	}

	if count%1000 != 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("final pipeline exec failed: %w", err)
		}
	}

	s.log.Info().
		Int("user_count", count).
		Bool("only_missing", onlyMissing).
		Dur("duration", time.Since(start)).
		Msg("balance copy complete")

	return count, nil
}

// StartPeriodicSync runs FillMissing every interval until Stop is called.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.log.Info().Dur("interval", interval).Msg("starting periodic sync")

	ticker := time.NewTicker(interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if _, err := s.FillMissing(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				}
				cancel()
			case <-s.stopCh:
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

// SyncUser overwrites one user's Redis balance with the PostgreSQL value.
func (s *Syncer) SyncUser(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}

	if err := s.redis.Set(ctx, ledger.BalanceKey(userID), balance, 0).Err(); err != nil {
		return 0, fmt.Errorf("redis set failed: %w", err)
	}

	s.log.Info().
		Int64("user_id", userID).
		Int64("balance", balance).
		Msg("user balance synced")
	return balance, nil
}

// VerifyIntegrity compares a random sample of users. With repair set, each
// mismatching user is re-synced from PostgreSQL.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int, repair bool) ([]Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, balance
		FROM users
		ORDER BY RANDOM()
		LIMIT $1
	`, sampleSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var found []Discrepancy
	for rows.Next() {
		var userID, pgBalance int64
		if err := rows.Scan(&userID, &pgBalance); err != nil {
			continue
		}

		redisBalance, err := s.redis.Get(ctx, ledger.BalanceKey(userID)).Int64()
		switch {
		case errors.Is(err, redis.Nil):
			s.log.Warn().Int64("user_id", userID).Msg("user missing in redis")
			found = append(found, Discrepancy{UserID: userID, PostgresBalance: pgBalance, MissingInRedis: true})
		case err != nil:
			continue
		case redisBalance != pgBalance:
			s.log.Warn().
				Int64("user_id", userID).
				Int64("redis_balance", redisBalance).
				Int64("postgres_balance", pgBalance).
				Int64("difference", redisBalance-pgBalance).
				Msg("balance mismatch detected")
			found = append(found, Discrepancy{UserID: userID, PostgresBalance: pgBalance, RedisBalance: redisBalance})
		default:
			continue
		}

		if repair {
			if _, err := s.SyncUser(ctx, userID); err != nil {
				s.log.Error().Err(err).Int64("user_id", userID).Msg("failed to sync user")
			}
		}
	}
	return found, rows.Err()
}

// Stop stops the periodic sync goroutine. It is safe to call more than once.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed when the periodic sync goroutine has exited.
func (s *Syncer) Done() <-chan struct{} {
	return s.done
}
