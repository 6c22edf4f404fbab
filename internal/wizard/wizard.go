// Package wizard runs the per-conversation parameter collection dialogue.
//
// Each conversation holds at most one Session. A session walks the fixed step
// sequence of its mode; invalid input re-asks the same step without storing
// anything, and Confirm ends the session either with a ready-to-submit
// parameter set or with an insufficient balance result. Selecting a mode
// always discards whatever session the conversation had before.
//
// Turns for the same conversation are serialized inside the Machine; turns
// for different conversations run independently.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/klingbot/internal/pricing"
	"github.com/kelpejol/klingbot/internal/video"
)

var (
	// ErrNoSession is returned when a turn arrives for a conversation
	// without an active wizard.
	ErrNoSession = errors.New("no active wizard session")

	// ErrUnexpectedInput is returned for input that does not belong to the
	// current step, such as a stale button from an earlier message.
	ErrUnexpectedInput = errors.New("input does not match the current step")
)

// ValidationError rejects a value for the current step. The step is asked
// again and nothing is stored.
type ValidationError struct {
	Step   Step
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Step, e.Reason)
}

func invalid(step Step, reason string) error {
	return &ValidationError{Step: step, Reason: reason}
}

// Key identifies a conversation.
type Key struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.UserID, k.ChatID)
}

// Session is the persisted wizard state of one conversation.
type Session struct {
	Key       Key          `json:"key"`
	Mode      video.Mode   `json:"mode"`
	Step      Step         `json:"step"`
	Params    video.Params `json:"params"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Prompt tells the chat layer what to ask next.
type Prompt struct {
	Mode      video.Mode   `json:"mode"`
	Step      Step         `json:"step"`
	Options   []string     `json:"options,omitempty"`
	Skippable bool         `json:"skippable,omitempty"`
	Params    video.Params `json:"params"`
	Cost      int64        `json:"cost,omitempty"`
}

// Result is the outcome of Confirm.
type Result interface {
	isResult()
}

// InsufficientBalance ends the wizard without charging anything.
type InsufficientBalance struct {
	Cost    int64 `json:"cost"`
	Balance int64 `json:"balance"`
}

// Ready carries the final parameters and their price to the submitter.
type Ready struct {
	Key    Key          `json:"key"`
	Mode   video.Mode   `json:"mode"`
	Params video.Params `json:"params"`
	Cost   int64        `json:"cost"`
}

func (InsufficientBalance) isResult() {}
func (Ready) isResult()               {}

// BalanceReader is the read side of the ledger used at confirmation.
type BalanceReader interface {
	Balance(ctx context.Context, userID int64) (int64, error)
}

// Machine drives wizard sessions stored in a SessionStore.
type Machine struct {
	store    SessionStore
	balances BalanceReader
	log      zerolog.Logger
	now      func() time.Time

	locks [lockShards]sync.Mutex
}

// lockShards is the number of mutexes conversations are spread over. Two
// conversations sharing a shard only serialize their turns.
const lockShards = 64

// NewMachine creates a Machine.
func NewMachine(store SessionStore, balances BalanceReader, logger zerolog.Logger) *Machine {
	return &Machine{
		store:    store,
		balances: balances,
		log:      logger.With().Str("component", "wizard").Logger(),
		now:      time.Now,
	}
}

func (m *Machine) lock(key Key) func() {
	mu := &m.locks[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

// shardOf maps a key to a lock shard. Group chat ids are negative.
func shardOf(key Key) int {
	h := uint64(key.UserID)*0x9E3779B97F4A7C15 ^ uint64(key.ChatID)
	h ^= h >> 29
	return int(h % lockShards)
}

// Start opens a new session for mode, replacing any existing one.
func (m *Machine) Start(ctx context.Context, key Key, mode video.Mode) (*Prompt, error) {
	if _, ok := flows[mode]; !ok {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	defer m.lock(key)()

	sess := &Session{
		Key:       key,
		Mode:      mode,
		Step:      firstStep(mode),
		UpdatedAt: m.now(),
	}
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.log.Debug().
		Str("conversation", key.String()).
		Str("mode", string(mode)).
		Msg("wizard started")

	return promptFor(sess), nil
}

// Submit feeds one input to the current step. On a validation failure the
// returned prompt repeats the current step alongside a *ValidationError.
func (m *Machine) Submit(ctx context.Context, key Key, in Input) (*Prompt, error) {
	defer m.lock(key)()

	sess, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	params := sess.Params
	if err := apply(sess.Mode, sess.Step, in, &params); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			m.log.Debug().
				Str("conversation", key.String()).
				Str("step", string(sess.Step)).
				Str("reason", verr.Reason).
				Msg("wizard input rejected")
		}
		return promptFor(sess), err
	}

	sess.Params = params
	sess.Step = nextStep(sess.Mode, sess.Step)
	sess.UpdatedAt = m.now()
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	p := promptFor(sess)
	if sess.Step == StepConfirm {
		cost, err := pricing.Quote(sess.Mode, sess.Params)
		if err != nil {
			return nil, err
		}
		p.Cost = cost
	}
	return p, nil
}

// SubmitFor is Submit guarded by the mode a button was rendered for, so a
// button from an abandoned wizard cannot drive a newer one.
func (m *Machine) SubmitFor(ctx context.Context, key Key, mode video.Mode, in Input) (*Prompt, error) {
	sess, err := m.Current(ctx, key)
	if err != nil {
		return nil, err
	}
	if sess.Mode != mode {
		return promptFor(sess), ErrUnexpectedInput
	}
	return m.Submit(ctx, key, in)
}

// Confirm prices the collected parameters and ends the session. The caller
// owns debiting and submission when the result is Ready.
func (m *Machine) Confirm(ctx context.Context, key Key) (Result, error) {
	defer m.lock(key)()

	sess, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if sess.Step != StepConfirm {
		return nil, ErrUnexpectedInput
	}

	cost, err := pricing.Quote(sess.Mode, sess.Params)
	if err != nil {
		return nil, err
	}
	balance, err := m.balances.Balance(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	if err := m.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}

	if balance < cost {
		m.log.Info().
			Int64("user_id", key.UserID).
			Int64("cost", cost).
			Int64("balance", balance).
			Msg("wizard confirm rejected: insufficient balance")
		return InsufficientBalance{Cost: cost, Balance: balance}, nil
	}

	return Ready{Key: key, Mode: sess.Mode, Params: sess.Params, Cost: cost}, nil
}

// Cancel drops the conversation's session. It succeeds whether or not a
// session exists.
func (m *Machine) Cancel(ctx context.Context, key Key) error {
	defer m.lock(key)()
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	return nil
}

// Current returns the conversation's session without changing it.
func (m *Machine) Current(ctx context.Context, key Key) (*Session, error) {
	return m.store.Get(ctx, key)
}

func promptFor(sess *Session) *Prompt {
	return &Prompt{
		Mode:      sess.Mode,
		Step:      sess.Step,
		Options:   Options(sess.Step),
		Skippable: skippable(sess.Mode, sess.Step),
		Params:    sess.Params,
	}
}
