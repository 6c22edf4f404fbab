package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/kelpejol/klingbot/internal/video"
)

// SupabaseStore implements Store and ExceptionStore over the Supabase REST
// API. The compare-and-set is a PATCH filtered on both id and status that
// returns the updated rows; an empty result means another writer won.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates a client for the given project.
func NewSupabaseStore(url, key string) (*SupabaseStore, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

type supabaseRecord struct {
	ID           string          `json:"id"`
	UserID       int64           `json:"user_id"`
	ChatID       int64           `json:"chat_id"`
	Language     string          `json:"language_code"`
	Mode         string          `json:"mode"`
	Model        string          `json:"model"`
	Params       json.RawMessage `json:"params"`
	Cost         int64           `json:"cost"`
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	ResultURL    string          `json:"result_url"`
	ErrorMessage string          `json:"error_message"`
	CreatedAt    string          `json:"created_at,omitempty"`
	UpdatedAt    string          `json:"updated_at,omitempty"`
	CompletedAt  *string         `json:"completed_at,omitempty"`
}

func (r supabaseRecord) toRecord() (*Record, error) {
	rec := &Record{
		ID:           r.ID,
		UserID:       r.UserID,
		ChatID:       r.ChatID,
		Language:     r.Language,
		Mode:         video.Mode(r.Mode),
		Model:        r.Model,
		Cost:         r.Cost,
		TaskID:       r.TaskID,
		Status:       Status(r.Status),
		ResultURL:    r.ResultURL,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    parseTimestamp(r.CreatedAt),
		UpdatedAt:    parseTimestamp(r.UpdatedAt),
	}
	if r.CompletedAt != nil {
		ts := parseTimestamp(*r.CompletedAt)
		rec.CompletedAt = &ts
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &rec.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return rec, nil
}

// parseTimestamp accepts the timestamp formats PostgREST emits.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s *SupabaseStore) Create(ctx context.Context, rec *Record) error {
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

	row := supabaseRecord{
		ID:       rec.ID,
		UserID:   rec.UserID,
		ChatID:   rec.ChatID,
		Language: rec.Language,
		Mode:     string(rec.Mode),
		Model:    rec.Model,
		Params:   params,
		Cost:     rec.Cost,
		TaskID:   rec.TaskID,
		Status:   string(rec.Status),
	}
	var result []supabaseRecord
	if _, err := s.client.From("generations").
		Insert(row, false, "", "representation", "").
		ExecuteTo(&result); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	if len(result) == 1 {
		rec.CreatedAt = parseTimestamp(result[0].CreatedAt)
		rec.UpdatedAt = parseTimestamp(result[0].UpdatedAt)
	}
	return nil
}

func (s *SupabaseStore) Get(ctx context.Context, id string) (*Record, error) {
	var rows []supabaseRecord
	if _, err := s.client.From("generations").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].toRecord()
}

func (s *SupabaseStore) AttachTask(ctx context.Context, id, taskID string) error {
	var rows []supabaseRecord
	if _, err := s.client.From("generations").
		Update(map[string]interface{}{
			"task_id":    taskID,
			"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
		}, "representation", "").
		Eq("id", id).
		ExecuteTo(&rows); err != nil {
		return fmt.Errorf("attach task: %w", err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SupabaseStore) CompareAndSet(ctx context.Context, id string, from, to Status, patch Patch) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	update := map[string]interface{}{
		"status":     string(to),
		"updated_at": now,
	}
	if patch.ResultURL != "" {
		update["result_url"] = patch.ResultURL
	}
	if patch.ErrorMessage != "" {
		update["error_message"] = patch.ErrorMessage
	}
	if stampCompletion(to, time.Now()) != nil {
		update["completed_at"] = now
	}

	var rows []supabaseRecord
	if _, err := s.client.From("generations").
		Update(update, "representation", "").
		Eq("id", id).
		Eq("status", string(from)).
		ExecuteTo(&rows); err != nil {
		return false, fmt.Errorf("transition generation: %w", err)
	}
	if len(rows) == 1 {
		return true, nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SupabaseStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Record, error) {
	var rows []supabaseRecord
	if _, err := s.client.From("generations").
		Select("*", "", false).
		Eq("user_id", strconv.FormatInt(userID, 10)).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	out := make([]*Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SupabaseStore) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	var rows []supabaseRecord
	if _, err := s.client.From("generations").
		Select("*", "", false).
		Eq("status", string(StatusPending)).
		Neq("task_id", "").
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Limit(limit, "").
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("list pending generations: %w", err)
	}

	out := make([]*Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type supabaseException struct {
	ID           string `json:"id"`
	GenerationID string `json:"generation_id"`
	UserID       int64  `json:"user_id"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
	CreatedAt    string `json:"created_at,omitempty"`
}

func (s *SupabaseStore) RecordException(ctx context.Context, exc AccountingException) error {
	if exc.ID == "" {
		exc.ID = uuid.New().String()
	}
	var result []supabaseException
	_, err := s.client.From("accounting_exceptions").
		Insert(supabaseException{
			ID:           exc.ID,
			GenerationID: exc.GenerationID,
			UserID:       exc.UserID,
			Amount:       exc.Amount,
			Reason:       exc.Reason,
		}, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("insert accounting exception: %w", err)
	}
	return nil
}

func (s *SupabaseStore) ListExceptions(ctx context.Context, limit int) ([]AccountingException, error) {
	var rows []supabaseException
	if _, err := s.client.From("accounting_exceptions").
		Select("*", "", false).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("list accounting exceptions: %w", err)
	}

	out := make([]AccountingException, 0, len(rows))
	for _, r := range rows {
		out = append(out, AccountingException{
			ID:           r.ID,
			GenerationID: r.GenerationID,
			UserID:       r.UserID,
			Amount:       r.Amount,
			Reason:       r.Reason,
			CreatedAt:    parseTimestamp(r.CreatedAt),
		})
	}
	return out, nil
}
