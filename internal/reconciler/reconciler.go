// Package reconciler resolves the two unordered completion signals for a
// generation (status polling and the provider callback) into one
// authoritative status and keeps the user's balance consistent with it.
//
// Every status write is a compare-and-set on the generation store. Only the
// caller whose write wins pending -> fail credits the refund, and only the
// caller whose write wins fail -> completed re-debits the cost, so any number
// of concurrent signals settle the balance exactly once.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/ledger"
	"github.com/kelpejol/klingbot/internal/metrics"
)

// Outcome is a terminal result reported for a generation: Success or Fail.
type Outcome interface {
	outcome()
}

// Success carries the reference to the finished artifact.
type Success struct {
	ResultURL string
}

// Fail carries the provider's failure reason, or "timeout".
type Fail struct {
	Reason string
}

func (Success) outcome() {}
func (Fail) outcome()    {}

// TimeoutReason is the failure reason written when polling runs out of attempts.
const TimeoutReason = "timeout"

// EffectKind describes what a transition did.
type EffectKind string

const (
	// Recorded: pending -> success. The debit taken at confirm is kept.
	Recorded EffectKind = "recorded"
	// Refunded: pending -> fail, cost credited back.
	Refunded EffectKind = "refunded"
	// Recovered: fail -> completed, cost re-debited.
	Recovered EffectKind = "recovered"
	// RecoveredUnpaid: fail -> completed, re-debit failed and an accounting
	// exception was recorded.
	RecoveredUnpaid EffectKind = "recovered_unpaid"
	// Duplicate: the record already holds a matching terminal state.
	Duplicate EffectKind = "duplicate"
	// Ignored: a Fail arrived after success was recorded.
	Ignored EffectKind = "ignored"
	// Waiting: the provider reported the task still running.
	Waiting EffectKind = "waiting"
)

// Notifies reports whether the effect changed something the user should hear about.
func (k EffectKind) Notifies() bool {
	switch k {
	case Recorded, Refunded, Recovered, RecoveredUnpaid:
		return true
	}
	return false
}

// Effect is the result of one Transition call.
type Effect struct {
	Kind   EffectKind
	From   generation.Status
	To     generation.Status
	Record *generation.Record
	Source Source
}

// Source labels where a signal came from.
type Source string

const (
	SourcePoller  Source = "poller"
	SourceWebhook Source = "webhook"
	SourceSubmit  Source = "submit"
	SourceAdmin   Source = "admin"
)

type sourceKey struct{}

// WithSource tags ctx with the signal source used in logs and metrics.
func WithSource(ctx context.Context, src Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

// SourceFrom returns the source ctx was tagged with. Untagged contexts are
// treated as operator actions.
func SourceFrom(ctx context.Context) Source {
	if src, ok := ctx.Value(sourceKey{}).(Source); ok {
		return src
	}
	return SourceAdmin
}

// Notifier is told about transitions that change user visible state.
type Notifier interface {
	GenerationSucceeded(ctx context.Context, rec *generation.Record, late bool) error
	GenerationFailed(ctx context.Context, rec *generation.Record, refunded bool) error
}

// ExceptionRecorder receives accounting exceptions. There is no retry
// policy behind it.
type ExceptionRecorder interface {
	RecordException(ctx context.Context, exc generation.AccountingException) error
}

// Config tunes the reconciler.
type Config struct {
	// RefundAttempts bounds retries of the refund credit. Ledger references
	// make repeated credits for the same generation a no-op.
	RefundAttempts int
	RefundBackoff  time.Duration

	// NotifyTimeout bounds a single notification.
	NotifyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RefundAttempts: 5,
		RefundBackoff:  100 * time.Millisecond,
		NotifyTimeout:  2 * time.Minute,
	}
}

// Reconciler owns generation status transitions.
type Reconciler struct {
	store      generation.Store
	ledger     ledger.Ledger
	exceptions ExceptionRecorder
	notifier   Notifier
	metrics    *metrics.Metrics
	cfg        Config
	logger     zerolog.Logger

	notifications sync.WaitGroup
}

// New creates a reconciler. notifier and exceptions may be nil.
func New(store generation.Store, l ledger.Ledger, exceptions ExceptionRecorder, notifier Notifier, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Reconciler {
	if cfg.RefundAttempts <= 0 {
		cfg.RefundAttempts = 1
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultConfig().NotifyTimeout
	}
	return &Reconciler{
		store:      store,
		ledger:     l,
		exceptions: exceptions,
		notifier:   notifier,
		metrics:    m,
		cfg:        cfg,
		logger:     logger.With().Str("component", "reconciler").Logger(),
	}
}

// maxRaces bounds how often a lost compare-and-set is re-evaluated. Each
// loss means the status moved forward, and the graph has at most two edges
// on any path, so three rounds always reach a decision.
const maxRaces = 3

// Transition applies outcome to the generation. It is safe to call
// concurrently from any number of goroutines for the same id.
func (r *Reconciler) Transition(ctx context.Context, generationID string, outcome Outcome) (Effect, error) {
	src := SourceFrom(ctx)
	log := r.logger.With().
		Str("generation_id", generationID).
		Str("source", string(src)).
		Logger()

	var (
		effect Effect
		err    error
	)
	switch o := outcome.(type) {
	case Success:
		effect, err = r.applySuccess(ctx, generationID, o, log)
	case Fail:
		effect, err = r.applyFail(ctx, generationID, o, log)
	default:
		return Effect{}, fmt.Errorf("unknown outcome %T", outcome)
	}
	if err != nil {
		return effect, err
	}
	effect.Source = src

	if r.metrics != nil {
		r.metrics.Transitions.WithLabelValues(string(src), string(effect.Kind)).Inc()
	}
	log.Info().
		Str("effect", string(effect.Kind)).
		Str("from", string(effect.From)).
		Str("to", string(effect.To)).
		Msg("Transition applied")

	if effect.Kind.Notifies() {
		r.notify(effect)
	}
	return effect, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, id string, o Success, log zerolog.Logger) (Effect, error) {
	patch := generation.Patch{ResultURL: o.ResultURL}
	for round := 0; round < maxRaces; round++ {
		rec, err := r.store.Get(ctx, id)
		if err != nil {
			return Effect{}, fmt.Errorf("load generation: %w", err)
		}

		if rec.Status.Terminal() {
			return Effect{Kind: Duplicate, From: rec.Status, To: rec.Status, Record: rec}, nil
		}

		switch rec.Status {
		case generation.StatusPending:
			won, err := r.store.CompareAndSet(ctx, id, generation.StatusPending, generation.StatusSuccess, patch)
			if err != nil {
				return Effect{}, fmt.Errorf("record success: %w", err)
			}
			if !won {
				continue
			}
			return r.settled(ctx, id, Recorded, generation.StatusPending, generation.StatusSuccess, rec)

		case generation.StatusFail:
			won, err := r.store.CompareAndSet(ctx, id, generation.StatusFail, generation.StatusCompleted, patch)
			if err != nil {
				return Effect{}, fmt.Errorf("record late recovery: %w", err)
			}
			if !won {
				continue
			}
			kind := Recovered
			if r.refundSettled(ctx, rec, log) {
				kind = r.recharge(ctx, rec, log)
			}
			return r.settled(ctx, id, kind, generation.StatusFail, generation.StatusCompleted, rec)

		default:
			return Effect{}, fmt.Errorf("generation %s has unknown status %q", id, rec.Status)
		}
	}
	return Effect{}, fmt.Errorf("generation %s: status kept changing under transition", id)
}

func (r *Reconciler) applyFail(ctx context.Context, id string, o Fail, log zerolog.Logger) (Effect, error) {
	reason := o.Reason
	if reason == "" {
		reason = "generation failed"
	}
	for round := 0; round < maxRaces; round++ {
		rec, err := r.store.Get(ctx, id)
		if err != nil {
			return Effect{}, fmt.Errorf("load generation: %w", err)
		}

		if rec.Status.Terminal() {
			log.Warn().Str("reason", reason).Str("status", string(rec.Status)).Msg("Fail signal after success ignored")
			return Effect{Kind: Ignored, From: rec.Status, To: rec.Status, Record: rec}, nil
		}

		switch rec.Status {
		case generation.StatusFail:
			return Effect{Kind: Duplicate, From: rec.Status, To: rec.Status, Record: rec}, nil

		case generation.StatusPending:
			won, err := r.store.CompareAndSet(ctx, id, generation.StatusPending, generation.StatusFail, generation.Patch{ErrorMessage: reason})
			if err != nil {
				return Effect{}, fmt.Errorf("record failure: %w", err)
			}
			if !won {
				continue
			}
			if err := r.refund(ctx, rec, log); err != nil {
				return Effect{}, err
			}
			return r.settled(ctx, id, Refunded, generation.StatusPending, generation.StatusFail, rec)

		default:
			return Effect{}, fmt.Errorf("generation %s has unknown status %q", id, rec.Status)
		}
	}
	return Effect{}, fmt.Errorf("generation %s: status kept changing under transition", id)
}

// settled re-reads the record after a winning write so notifications see
// the stored result. The pre-write copy is used if the read fails.
func (r *Reconciler) settled(ctx context.Context, id string, kind EffectKind, from, to generation.Status, before *generation.Record) (Effect, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("generation_id", id).Msg("Failed to reload generation after transition")
		cp := *before
		cp.Status = to
		rec = &cp
	}
	return Effect{Kind: kind, From: from, To: to, Record: rec}, nil
}

// refund credits the cost back. The caller has won pending -> fail, so no
// other goroutine will attempt this refund; retries reuse the same ledger
// reference and cannot double-credit.
func (r *Reconciler) refund(ctx context.Context, rec *generation.Record, log zerolog.Logger) error {
	balance, lastErr := r.creditRefund(ctx, rec, log)
	if lastErr == nil {
		if r.metrics != nil {
			r.metrics.Refunds.Inc()
			r.metrics.RefundedTokens.Add(float64(rec.Cost))
		}
		log.Info().
			Int64("user_id", rec.UserID).
			Int64("amount", rec.Cost).
			Int64("balance", balance).
			Msg("Refund credited")
		return nil
	}

	// The status is already fail. Leave an operator-visible record so the
	// missing credit is not lost.
	log.Error().Err(lastErr).Int64("user_id", rec.UserID).Int64("amount", rec.Cost).Msg("Refund could not be credited")
	r.recordException(ctx, generation.AccountingException{
		GenerationID: rec.ID,
		UserID:       rec.UserID,
		Amount:       -rec.Cost,
		Reason:       fmt.Sprintf("refund not credited: %v", lastErr),
	}, log)
	return fmt.Errorf("refund generation %s: %w", rec.ID, lastErr)
}

// creditRefund credits the refund with bounded retries. The ledger reference
// is the generation id, so a refund that already landed is not applied again.
func (r *Reconciler) creditRefund(ctx context.Context, rec *generation.Record, log zerolog.Logger) (int64, error) {
	ref := ledger.Reference{
		Kind:        ledger.KindRefund,
		ID:          rec.ID,
		Description: "refund for failed generation",
	}

	var lastErr error
	backoff := r.cfg.RefundBackoff
	for attempt := 1; attempt <= r.cfg.RefundAttempts; attempt++ {
		balance, err := r.ledger.Credit(ctx, rec.UserID, rec.Cost, ref)
		if err == nil {
			return balance, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Refund credit failed, retrying")

		if attempt < r.cfg.RefundAttempts && backoff > 0 {
			select {
			case <-ctx.Done():
				attempt = r.cfg.RefundAttempts
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return 0, lastErr
}

// refundSettled makes sure the refund of a failed generation is in the
// ledger before a late recovery charges for it again. When the refund still
// cannot be credited the user has paid exactly once, so the recovery is not
// charged and the open refund exception is offset.
func (r *Reconciler) refundSettled(ctx context.Context, rec *generation.Record, log zerolog.Logger) bool {
	_, err := r.creditRefund(ctx, rec, log)
	if err == nil {
		return true
	}
	log.Warn().Err(err).Int64("user_id", rec.UserID).Msg("Refund never credited, late recovery not charged")
	if r.metrics != nil {
		r.metrics.Recharges.WithLabelValues("refund_unsettled").Inc()
	}
	r.recordException(ctx, generation.AccountingException{
		GenerationID: rec.ID,
		UserID:       rec.UserID,
		Amount:       rec.Cost,
		Reason:       "late recovery of a generation whose refund was never credited; refund no longer owed",
	}, log)
	return false
}

// recharge re-debits the cost after a late recovery. It never fails the
// transition; a failed debit becomes an accounting exception.
func (r *Reconciler) recharge(ctx context.Context, rec *generation.Record, log zerolog.Logger) EffectKind {
	ref := ledger.Reference{
		Kind:        ledger.KindRecharge,
		ID:          rec.ID,
		Description: "charge for late recovered generation",
	}
	balance, err := r.ledger.Debit(ctx, rec.UserID, rec.Cost, ref)
	if err == nil {
		if r.metrics != nil {
			r.metrics.Recharges.WithLabelValues("charged").Inc()
		}
		log.Info().
			Int64("user_id", rec.UserID).
			Int64("amount", rec.Cost).
			Int64("balance", balance).
			Msg("Late recovery re-debited")
		return Recovered
	}

	if r.metrics != nil {
		r.metrics.Recharges.WithLabelValues("unpaid").Inc()
	}
	reason := err.Error()
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		reason = "insufficient balance for late recovery charge"
	}
	log.Warn().Err(err).Int64("user_id", rec.UserID).Int64("amount", rec.Cost).Msg("Late recovery delivered unpaid")
	r.recordException(ctx, generation.AccountingException{
		GenerationID: rec.ID,
		UserID:       rec.UserID,
		Amount:       rec.Cost,
		Reason:       reason,
	}, log)
	return RecoveredUnpaid
}

func (r *Reconciler) recordException(ctx context.Context, exc generation.AccountingException, log zerolog.Logger) {
	if r.metrics != nil {
		r.metrics.AccountingExceptions.Inc()
	}
	if r.exceptions == nil {
		return
	}
	if err := r.exceptions.RecordException(ctx, exc); err != nil {
		log.Error().Err(err).
			Str("generation_id", exc.GenerationID).
			Int64("amount", exc.Amount).
			Str("reason", exc.Reason).
			Msg("Failed to store accounting exception")
	}
}

// notify runs the notifier off the caller's goroutine so a slow delivery
// never holds up a webhook response or a poller exit.
func (r *Reconciler) notify(effect Effect) {
	if r.notifier == nil || effect.Record == nil {
		return
	}
	r.notifications.Add(1)
	go func() {
		defer r.notifications.Done()
		ctx, cancel := context.WithTimeout(WithSource(context.Background(), effect.Source), r.cfg.NotifyTimeout)
		defer cancel()

		var err error
		switch effect.Kind {
		case Recorded:
			err = r.notifier.GenerationSucceeded(ctx, effect.Record, false)
		case Recovered, RecoveredUnpaid:
			err = r.notifier.GenerationSucceeded(ctx, effect.Record, true)
		case Refunded:
			err = r.notifier.GenerationFailed(ctx, effect.Record, true)
		}
		if err != nil {
			r.logger.Warn().Err(err).
				Str("generation_id", effect.Record.ID).
				Str("effect", string(effect.Kind)).
				Msg("Notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (r *Reconciler) Wait() {
	r.notifications.Wait()
}
