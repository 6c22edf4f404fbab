package generation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and ExceptionStore.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]Record
	exceptions []AccountingException
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("generation %s already exists", rec.ID)
	}
	now := s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	s.records[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) AttachTask(_ context.Context, id, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.TaskID = taskID
	rec.UpdatedAt = s.now()
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, id string, from, to Status, patch Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != from {
		return false, nil
	}
	now := s.now()
	rec.Status = to
	rec.UpdatedAt = now
	if patch.ResultURL != "" {
		rec.ResultURL = patch.ResultURL
	}
	if patch.ErrorMessage != "" {
		rec.ErrorMessage = patch.ErrorMessage
	}
	if ts := stampCompletion(to, now); ts != nil {
		rec.CompletedAt = ts
	}
	s.records[id] = rec
	return true, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID int64, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.UserID == userID {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.Status == StatusPending && rec.TaskID != "" {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordException(_ context.Context, exc AccountingException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exc.ID == "" {
		exc.ID = uuid.New().String()
	}
	if exc.CreatedAt.IsZero() {
		exc.CreatedAt = s.now()
	}
	s.exceptions = append(s.exceptions, exc)
	return nil
}

func (s *MemoryStore) ListExceptions(_ context.Context, limit int) ([]AccountingException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AccountingException, 0, len(s.exceptions))
	for i := len(s.exceptions) - 1; i >= 0; i-- {
		out = append(out, s.exceptions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
