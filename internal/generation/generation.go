// Package generation stores one record per paid generation request and
// provides the compare-and-set status write the reconciler is built on.
package generation

import (
	"context"
	"errors"
	"time"

	"github.com/kelpejol/klingbot/internal/video"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("generation not found")

// Status is the lifecycle state of a generation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFail      Status = "fail"
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusCompleted
}

// Record is a generation request. Cost is fixed at creation.
type Record struct {
	ID           string       `json:"id"`
	UserID       int64        `json:"user_id"`
	ChatID       int64        `json:"chat_id"`
	Language     string       `json:"language"`
	Mode         video.Mode   `json:"mode"`
	Model        string       `json:"model"`
	Params       video.Params `json:"params"`
	Cost         int64        `json:"cost"`
	TaskID       string       `json:"task_id,omitempty"`
	Status       Status       `json:"status"`
	ResultURL    string       `json:"result_url,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// Patch carries the fields written together with a status change. Empty
// fields leave the stored value unchanged.
type Patch struct {
	ResultURL    string
	ErrorMessage string
}

// Store persists generation records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)

	// AttachTask stores the provider task id once submission succeeded.
	AttachTask(ctx context.Context, id, taskID string) error

	// CompareAndSet moves the record from one status to another only if it
	// is currently in from, and reports whether this call made the change.
	// Exactly one of any number of concurrent callers with the same from
	// status wins.
	CompareAndSet(ctx context.Context, id string, from, to Status, patch Patch) (bool, error)

	ListByUser(ctx context.Context, userID int64, limit int) ([]*Record, error)

	// ListPending returns pending records that already carry a task id,
	// oldest first, so tracking can resume after a restart.
	ListPending(ctx context.Context, limit int) ([]*Record, error)
}

// AccountingException records a late recovery that could not be charged:
// the user received the artifact but the re-debit failed.
type AccountingException struct {
	ID           string    `json:"id"`
	GenerationID string    `json:"generation_id"`
	UserID       int64     `json:"user_id"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExceptionStore persists accounting exceptions. There is no retry policy;
// the records are for operators.
type ExceptionStore interface {
	RecordException(ctx context.Context, exc AccountingException) error
	ListExceptions(ctx context.Context, limit int) ([]AccountingException, error)
}

func stampCompletion(to Status, now time.Time) *time.Time {
	if to == StatusSuccess || to == StatusCompleted {
		return &now
	}
	return nil
}
