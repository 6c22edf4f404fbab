package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// OpenPostgres opens a pooled database/sql handle and verifies it.
func OpenPostgres(ctx context.Context, postgresURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

// PostgresLedger keeps balances in the users table. Each movement is a
// conditional UPDATE and an audit row committed together; the unique
// (user_id, kind, reference_id) index makes a repeated reference a no-op.
type PostgresLedger struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewPostgresLedger(db *sql.DB, logger zerolog.Logger) *PostgresLedger {
	return &PostgresLedger{
		db:  db,
		log: logger.With().Str("component", "pg_ledger").Logger(),
	}
}

// DB exposes the handle for admin tooling and the balance syncer.
func (l *PostgresLedger) DB() *sql.DB {
	return l.db
}

func (l *PostgresLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) Debit(ctx context.Context, userID int64, amount int64, ref Reference) (int64, error) {
	return l.move(ctx, userID, -amount, ref, `
		UPDATE users SET balance = balance - $1, updated_at = NOW()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance
	`, amount)
}

func (l *PostgresLedger) Credit(ctx context.Context, userID int64, amount int64, ref Reference) (int64, error) {
	return l.move(ctx, userID, amount, ref, `
		UPDATE users SET balance = balance + $1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING balance
	`, amount)
}

func (l *PostgresLedger) move(ctx context.Context, userID, delta int64, ref Reference, update string, amount int64) (int64, error) {
	start := time.Now()
	if ref.ID == "" {
		ref.ID = uuid.New().String()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, update, amount, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("user lookup failed: %w", err)
		}
		if !exists {
			return 0, ErrUserNotFound
		}
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("balance update failed: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (
			transaction_id, user_id, amount, kind, reference_id, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, kind, reference_id) DO NOTHING
	`, uuid.New().String(), userID, delta, string(ref.Kind), ref.ID, ref.Description)
	if err != nil {
		return 0, fmt.Errorf("insert transaction failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already applied: undo this update and report the settled balance.
		tx.Rollback()
		l.log.Debug().
			Int64("user_id", userID).
			Str("kind", string(ref.Kind)).
			Str("reference_id", ref.ID).
			Msg("movement already applied")
		return l.Balance(ctx, userID)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit failed: %w", err)
	}

	l.log.Debug().
		Int64("user_id", userID).
		Int64("delta", delta).
		Int64("balance", balance).
		Str("kind", string(ref.Kind)).
		Str("reference_id", ref.ID).
		Dur("duration_ms", time.Since(start)).
		Msg("balance moved")

	return balance, nil
}

func (l *PostgresLedger) EnsureAccount(ctx context.Context, userID int64, initial int64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO users (user_id, balance, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, initial)
	if err != nil {
		return fmt.Errorf("ensure account failed: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
