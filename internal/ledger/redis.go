package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RedisLedger keeps the hot copy of every balance in Redis and mirrors each
// applied movement into PostgreSQL through a background journal.
//
// Redis is authoritative for admission (a debit the script rejects never
// happens) and PostgreSQL is the durable record. The journal retries with
// exponential backoff; a write that exhausts its retries is logged and the
// balance syncer's integrity check will report the drift.
//
// Lifecycle: create once with NewRedisLedger and call Close during shutdown
// so queued journal writes are drained.
type RedisLedger struct {
	redis *redis.Client
	db    *sql.DB
	log   zerolog.Logger

	debitScript  *redis.Script
	creditScript *redis.Script

	// nil when no database is attached
	writeQueue chan journalOp
	wg         sync.WaitGroup
}

type journalOp struct {
	opType  string // "open", "movement"
	userID  int64
	delta   int64
	ref     Reference
	initial int64
}

// Both scripts return {ok, balance, code}. A reference key that already
// exists short-circuits with code DUPLICATE and the current balance.
const debitLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then
    return {0, 0, 'USER_NOT_FOUND'}
end
local balance = tonumber(raw)
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {1, balance, 'DUPLICATE'}
end
local amount = tonumber(ARGV[1])
if balance < amount then
    return {0, balance, 'INSUFFICIENT_BALANCE'}
end
local new_balance = redis.call('DECRBY', KEYS[1], amount)
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
return {1, new_balance, ''}
`

const creditLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then
    return {0, 0, 'USER_NOT_FOUND'}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {1, tonumber(raw), 'DUPLICATE'}
end
local new_balance = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
return {1, new_balance, ''}
`

// How long a reference is remembered for idempotency.
const referenceTTL = 7 * 24 * time.Hour

const journalWorkers = 4

// NewRedisLedger creates a RedisLedger. db may be nil, in which case no
// journal is kept.
func NewRedisLedger(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *RedisLedger {
	l := &RedisLedger{
		redis:        rdb,
		db:           db,
		log:          logger.With().Str("component", "redis_ledger").Logger(),
		debitScript:  redis.NewScript(debitLua),
		creditScript: redis.NewScript(creditLua),
	}

	if db != nil {
		l.writeQueue = make(chan journalOp, 10000)
		l.wg.Add(journalWorkers)
		for i := 0; i < journalWorkers; i++ {
			go l.journalWorker(i)
		}
		l.log.Info().Int("num_workers", journalWorkers).Msg("journal workers started")
	}
	return l
}

// BalanceKey is the Redis key holding a user's balance.
func BalanceKey(userID int64) string {
	return fmt.Sprintf("user:balance:%d", userID)
}

func referenceKey(userID int64, ref Reference) string {
	return fmt.Sprintf("ledger:ref:%d:%s:%s", userID, ref.Kind, ref.ID)
}

func (l *RedisLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	balance, err := l.redis.Get(ctx, BalanceKey(userID)).Int64()
	if err == redis.Nil {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis get balance failed: %w", err)
	}
	return balance, nil
}

func (l *RedisLedger) Debit(ctx context.Context, userID int64, amount int64, ref Reference) (int64, error) {
	return l.run(ctx, l.debitScript, "debit", userID, amount, -amount, ref)
}

func (l *RedisLedger) Credit(ctx context.Context, userID int64, amount int64, ref Reference) (int64, error) {
	return l.run(ctx, l.creditScript, "credit", userID, amount, amount, ref)
}

func (l *RedisLedger) run(ctx context.Context, script *redis.Script, name string, userID, amount, delta int64, ref Reference) (int64, error) {
	start := time.Now()
	if ref.ID == "" {
		ref.ID = uuid.New().String()
	}

	keys := []string{BalanceKey(userID), referenceKey(userID, ref)}
	args := []interface{}{amount, time.Now().Unix(), int64(referenceTTL / time.Second)}

	result, err := script.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		l.log.Error().Err(err).
			Int64("user_id", userID).
			Str("reference_id", ref.ID).
			Msgf("%s lua script failed", name)
		return 0, fmt.Errorf("lua script execution failed: %w", err)
	}

	resultArray, ok := result.([]interface{})
	if !ok || len(resultArray) != 3 {
		return 0, fmt.Errorf("unexpected %s script result %v", name, result)
	}
	applied := resultArray[0].(int64) == 1
	balance := resultArray[1].(int64)
	code := resultArray[2].(string)

	l.log.Debug().
		Int64("user_id", userID).
		Int64("amount", amount).
		Str("kind", string(ref.Kind)).
		Str("reference_id", ref.ID).
		Bool("applied", applied).
		Str("code", code).
		Dur("duration_ms", time.Since(start)).
		Msgf("%s completed", name)

	switch code {
	case "USER_NOT_FOUND":
		return 0, ErrUserNotFound
	case "INSUFFICIENT_BALANCE":
		return balance, ErrInsufficientBalance
	case "DUPLICATE":
		return balance, nil
	}

	l.enqueue(journalOp{opType: "movement", userID: userID, delta: delta, ref: ref})
	return balance, nil
}

func (l *RedisLedger) EnsureAccount(ctx context.Context, userID int64, initial int64) error {
	created, err := l.redis.SetNX(ctx, BalanceKey(userID), initial, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx balance failed: %w", err)
	}
	if created {
		l.enqueue(journalOp{opType: "open", userID: userID, initial: initial})
	}
	return nil
}

func (l *RedisLedger) enqueue(op journalOp) {
	if l.writeQueue == nil {
		return
	}
	select {
	case l.writeQueue <- op:
	default:
		l.log.Warn().
			Str("op_type", op.opType).
			Int64("user_id", op.userID).
			Msg("journal queue full, skipping write")
	}
}

// journalWorker mirrors applied movements into PostgreSQL.
func (l *RedisLedger) journalWorker(workerID int) {
	defer l.wg.Done()

	logger := l.log.With().Int("worker_id", workerID).Logger()

	for op := range l.writeQueue {
		maxRetries := 5
		backoff := 100 * time.Millisecond

		for attempt := 1; attempt <= maxRetries; attempt++ {
			var err error
			switch op.opType {
			case "open":
				err = l.writeOpenToDB(op)
			case "movement":
				err = l.writeMovementToDB(op)
			}
			if err == nil {
				break
			}

			if attempt < maxRetries {
				logger.Warn().Err(err).
					Int("attempt", attempt).
					Str("op_type", op.opType).
					Msg("journal write failed, retrying")
				time.Sleep(backoff)
				backoff *= 2
			} else {
				logger.Error().Err(err).
					Str("op_type", op.opType).
					Int64("user_id", op.userID).
					Str("reference_id", op.ref.ID).
					Msg("journal write failed after all retries")
			}
		}
	}
}

func (l *RedisLedger) writeOpenToDB(op journalOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO users (user_id, balance, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, op.userID, op.initial)
	return err
}

func (l *RedisLedger) writeMovementToDB(op journalOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (
			transaction_id, user_id, amount, kind, reference_id, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, kind, reference_id) DO NOTHING
	`, uuid.New().String(), op.userID, op.delta, string(op.ref.Kind), op.ref.ID, op.ref.Description)
	if err != nil {
		return fmt.Errorf("insert transaction failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance + $1, updated_at = NOW()
		WHERE user_id = $2
	`, op.delta, op.userID); err != nil {
		return fmt.Errorf("update balance failed: %w", err)
	}

	return tx.Commit()
}

// Close drains the journal. The Redis client and database handle belong to
// the caller.
func (l *RedisLedger) Close() error {
	if l.writeQueue == nil {
		return nil
	}
	l.log.Info().Msg("draining ledger journal")
	close(l.writeQueue)
	l.wg.Wait()
	l.log.Info().Msg("ledger journal drained")
	return nil
}
