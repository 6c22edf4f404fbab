// Package ledger owns every change to a user's token balance.
//
// A balance only moves through Debit and Credit. Both are atomic
// conditional updates: Debit never takes a balance below zero, and neither
// operation is ever implemented as a separate read followed by a write.
// Concurrent debits for the same user therefore cannot collectively
// overspend, which is the check-then-act race every backend here has to
// rule out.
//
// Every movement carries a Reference (kind + id). A reference is applied at
// most once per backend, so retrying the same refund after a timeout cannot
// credit twice. Callers still decide whether a movement should happen at
// all; the reconciler guarantees it only asks once per state transition.
//
// Three backends are provided:
//
//  1. PostgresLedger - conditional UPDATE plus an audit row in one transaction.
//  2. RedisLedger - Lua scripts on the hot path, with PostgreSQL kept in step
//     by an asynchronous journal.
//  3. MemoryLedger - in-process, for tests and local development.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientBalance is returned by Debit when the balance is lower
	// than the amount. Nothing is changed.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrUserNotFound is returned when the user has no account.
	ErrUserNotFound = errors.New("user not found")
)

// DefaultStartingBalance is credited to every new account.
const DefaultStartingBalance int64 = 6

// Kind classifies a balance movement in the audit trail.
type Kind string

const (
	KindCharge     Kind = "generation_charge"
	KindRefund     Kind = "generation_refund"
	KindRecharge   Kind = "late_recovery_charge"
	KindTopUp      Kind = "topup"
	KindAdjustment Kind = "adjustment"
)

// Reference ties a movement to the thing that caused it. The (Kind, ID)
// pair is the idempotency key.
type Reference struct {
	Kind        Kind
	ID          string
	Description string
}

// Ledger is implemented by every balance backend.
type Ledger interface {
	// Balance returns the current balance.
	Balance(ctx context.Context, userID int64) (int64, error)

	// Debit subtracts amount if and only if the balance covers it, and
	// returns the resulting balance.
	Debit(ctx context.Context, userID int64, amount int64, ref Reference) (int64, error)

	// Credit adds amount and returns the resulting balance.
	Credit(ctx context.Context, userID int64, amount int64, ref Reference) (int64, error)

	// EnsureAccount opens an account with the initial balance if the user
	// has none. Existing accounts are left untouched.
	EnsureAccount(ctx context.Context, userID int64, initial int64) error
}
