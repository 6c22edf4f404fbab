package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger is a goroutine-safe in-process ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[int64]int64
	applied  map[string]int64
	history  []Movement
}

// Movement is one applied balance change, kept for inspection.
type Movement struct {
	UserID int64
	Amount int64
	Ref    Reference
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[int64]int64),
		applied:  make(map[string]int64),
	}
}

func refKey(userID int64, ref Reference) string {
	return fmt.Sprintf("%d:%s:%s", userID, ref.Kind, ref.ID)
}

func (l *MemoryLedger) Balance(_ context.Context, userID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return b, nil
}

func (l *MemoryLedger) Debit(_ context.Context, userID int64, amount int64, ref Reference) (int64, error) {
	return l.apply(userID, -amount, ref)
}

func (l *MemoryLedger) Credit(_ context.Context, userID int64, amount int64, ref Reference) (int64, error) {
	return l.apply(userID, amount, ref)
}

func (l *MemoryLedger) apply(userID int64, delta int64, ref Reference) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	key := refKey(userID, ref)
	if ref.ID != "" {
		if _, done := l.applied[key]; done {
			return b, nil
		}
	}
	if b+delta < 0 {
		return b, ErrInsufficientBalance
	}
	b += delta
	l.balances[userID] = b
	if ref.ID != "" {
		l.applied[key] = delta
	}
	l.history = append(l.history, Movement{UserID: userID, Amount: delta, Ref: ref})
	return b, nil
}

func (l *MemoryLedger) EnsureAccount(_ context.Context, userID int64, initial int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[userID]; !ok {
		l.balances[userID] = initial
	}
	return nil
}

// History returns a copy of the applied movements for a user.
func (l *MemoryLedger) History(userID int64) []Movement {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Movement
	for _, m := range l.history {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}
