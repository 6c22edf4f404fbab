package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kelpejol/klingbot/internal/video"
)

// NewPool opens a pgx pool for the generation store.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// PostgresStore implements Store and ExceptionStore on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const recordColumns = `id, user_id, chat_id, language_code, mode, model, params, cost, task_id,
       status, result_url, error_message, created_at, updated_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	query := `
INSERT INTO generations (id, user_id, chat_id, language_code, mode, model, params, cost, task_id, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at, updated_at;
`
	err = s.pool.QueryRow(ctx, query,
		rec.ID,
		rec.UserID,
		rec.ChatID,
		rec.Language,
		string(rec.Mode),
		rec.Model,
		params,
		rec.Cost,
		rec.TaskID,
		string(rec.Status),
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM generations WHERE id = $1;`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) AttachTask(ctx context.Context, id, taskID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE generations SET task_id = $2, updated_at = NOW() WHERE id = $1;
`, id, taskID)
	if err != nil {
		return fmt.Errorf("attach task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSet relies on the row lock taken by UPDATE: concurrent callers
// with the same expected status serialize on the row and only the first sees
// a match.
func (s *PostgresStore) CompareAndSet(ctx context.Context, id string, from, to Status, patch Patch) (bool, error) {
	query := `
UPDATE generations
SET status = $3::text,
    result_url = COALESCE(NULLIF($4, ''), result_url),
    error_message = COALESCE(NULLIF($5, ''), error_message),
    completed_at = CASE WHEN $3::text IN ('success', 'completed') THEN NOW() ELSE completed_at END,
    updated_at = NOW()
WHERE id = $1 AND status = $2;
`
	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to), patch.ResultURL, patch.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("transition generation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM generations WHERE id = $1);`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup generation: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + `
FROM generations
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + `
FROM generations
WHERE status = 'pending' AND task_id <> ''
ORDER BY created_at ASC
LIMIT $1;`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending generations: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec    Record
		mode   string
		status string
		params []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.ChatID,
		&rec.Language,
		&mode,
		&rec.Model,
		&params,
		&rec.Cost,
		&rec.TaskID,
		&status,
		&rec.ResultURL,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.CompletedAt,
	); err != nil {
		return nil, err
	}
	rec.Mode = video.Mode(mode)
	rec.Status = Status(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &rec.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return &rec, nil
}

func (s *PostgresStore) RecordException(ctx context.Context, exc AccountingException) error {
	if exc.ID == "" {
		exc.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO accounting_exceptions (id, generation_id, user_id, amount, reason)
VALUES ($1, $2, $3, $4, $5);
`, exc.ID, exc.GenerationID, exc.UserID, exc.Amount, exc.Reason)
	if err != nil {
		return fmt.Errorf("insert accounting exception: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExceptions(ctx context.Context, limit int) ([]AccountingException, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, generation_id, user_id, amount, reason, created_at
FROM accounting_exceptions
ORDER BY created_at DESC
LIMIT $1;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list accounting exceptions: %w", err)
	}
	defer rows.Close()

	var out []AccountingException
	for rows.Next() {
		var exc AccountingException
		if err := rows.Scan(&exc.ID, &exc.GenerationID, &exc.UserID, &exc.Amount, &exc.Reason, &exc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, exc)
	}
	return out, rows.Err()
}
