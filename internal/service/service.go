// Package service drives one chat turn end to end: it feeds the wizard,
// charges confirmed requests, submits them to the provider and hands the
// task to the reconciler.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/kling"
	"github.com/kelpejol/klingbot/internal/ledger"
	"github.com/kelpejol/klingbot/internal/metrics"
	"github.com/kelpejol/klingbot/internal/profile"
	"github.com/kelpejol/klingbot/internal/reconciler"
	"github.com/kelpejol/klingbot/internal/video"
	"github.com/kelpejol/klingbot/internal/wizard"
)

var (
	// ErrBadRequest wraps turns that cannot be interpreted.
	ErrBadRequest = errors.New("bad request")

	// ErrSubmissionFailed is returned when the provider rejected a charged
	// request. The charge has been refunded by then.
	ErrSubmissionFailed = errors.New("submission failed")
)

// Gateway submits a generation to the provider.
type Gateway interface {
	Submit(ctx context.Context, mode video.Mode, p video.Params, callbackURL string, meta map[string]interface{}) (string, error)
}

// Tracker starts polling a submitted task.
type Tracker interface {
	Track(generationID, taskID string) bool
}

// Config holds service settings.
type Config struct {
	// CallbackBaseURL is the public base of this server. Empty disables
	// provider callbacks and leaves completion to polling.
	CallbackBaseURL string

	StartingBalance int64
}

// Deps are the collaborators of a Service.
type Deps struct {
	Wizard      *wizard.Machine
	Ledger      ledger.Ledger
	Generations generation.Store
	Profiles    profile.Store
	Gateway     Gateway
	Reconciler  *reconciler.Reconciler
	Tracker     Tracker
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

type Service struct {
	wizard     *wizard.Machine
	ledger     ledger.Ledger
	store      generation.Store
	profiles   profile.Store
	gateway    Gateway
	reconciler *reconciler.Reconciler
	tracker    Tracker
	metrics    *metrics.Metrics
	cfg        Config
	logger     zerolog.Logger
}

func New(cfg Config, deps Deps) *Service {
	if cfg.StartingBalance < 0 {
		cfg.StartingBalance = 0
	}
	return &Service{
		wizard:     deps.Wizard,
		ledger:     deps.Ledger,
		store:      deps.Generations,
		profiles:   deps.Profiles,
		gateway:    deps.Gateway,
		reconciler: deps.Reconciler,
		tracker:    deps.Tracker,
		metrics:    deps.Metrics,
		cfg:        cfg,
		logger:     deps.Logger.With().Str("component", "service").Logger(),
	}
}

// Turn is one message or button press from the chat layer. Tag, when set,
// takes precedence over the free-form fields.
type Turn struct {
	Key           wizard.Key `json:"-"`
	Tag           string     `json:"tag,omitempty"`
	Text          string     `json:"text,omitempty"`
	PhotoURL      string     `json:"photo_url,omitempty"`
	VideoURL      string     `json:"video_url,omitempty"`
	VideoDuration int        `json:"video_duration,omitempty"`
}

func (t Turn) input() (wizard.Input, error) {
	switch {
	case t.VideoURL != "":
		return wizard.Video{URL: t.VideoURL, DurationSeconds: t.VideoDuration}, nil
	case t.PhotoURL != "":
		return wizard.Photo{URL: t.PhotoURL}, nil
	case strings.TrimSpace(t.Text) != "":
		return wizard.Text{Value: t.Text}, nil
	}
	return nil, fmt.Errorf("%w: empty turn", ErrBadRequest)
}

// Reply is what the chat layer renders after a turn.
type Reply struct {
	Language            string                      `json:"language"`
	Prompt              *wizard.Prompt              `json:"prompt,omitempty"`
	Invalid             string                      `json:"invalid,omitempty"`
	InsufficientBalance *wizard.InsufficientBalance `json:"insufficient_balance,omitempty"`
	Generation          *generation.Record          `json:"generation,omitempty"`
	SubmitError         string                      `json:"submit_error,omitempty"`
	Cancelled           bool                        `json:"cancelled,omitempty"`
}

// Handle processes one turn.
func (s *Service) Handle(ctx context.Context, turn Turn) (*Reply, error) {
	if err := s.ledger.EnsureAccount(ctx, turn.Key.UserID, s.cfg.StartingBalance); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	lang, err := s.profiles.Language(ctx, turn.Key.UserID)
	if err != nil {
		return nil, err
	}
	reply := &Reply{Language: lang}

	if turn.Tag == "" {
		in, err := turn.input()
		if err != nil {
			return nil, err
		}
		return s.step(reply, func() (*wizard.Prompt, error) {
			return s.wizard.Submit(ctx, turn.Key, in)
		})
	}

	action, err := wizard.ParseTag(turn.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	switch a := action.(type) {
	case wizard.SelectMode:
		return s.step(reply, func() (*wizard.Prompt, error) {
			return s.wizard.Start(ctx, turn.Key, a.Mode)
		})

	case wizard.StepInput:
		return s.step(reply, func() (*wizard.Prompt, error) {
			return s.wizard.SubmitFor(ctx, turn.Key, a.Mode, a.Input)
		})

	case wizard.ConfirmAction:
		return s.confirm(ctx, turn.Key, a.Mode, reply)

	case wizard.CancelAction:
		if err := s.wizard.Cancel(ctx, turn.Key); err != nil {
			return nil, err
		}
		reply.Cancelled = true
		return reply, nil

	case wizard.SetLanguage:
		lang, err := s.profiles.SetLanguage(ctx, turn.Key.UserID, a.Code)
		if err != nil {
			return nil, err
		}
		reply.Language = lang
		return reply, nil
	}
	return nil, fmt.Errorf("%w: unhandled action %T", ErrBadRequest, action)
}

// step runs a wizard call and folds rejected input into the reply.
func (s *Service) step(reply *Reply, call func() (*wizard.Prompt, error)) (*Reply, error) {
	prompt, err := call()
	reply.Prompt = prompt

	var verr *wizard.ValidationError
	switch {
	case err == nil:
		return reply, nil
	case errors.As(err, &verr):
		reply.Invalid = verr.Reason
		return reply, nil
	case errors.Is(err, wizard.ErrUnexpectedInput) && prompt != nil:
		reply.Invalid = err.Error()
		return reply, nil
	}
	return nil, err
}

func (s *Service) confirm(ctx context.Context, key wizard.Key, mode video.Mode, reply *Reply) (*Reply, error) {
	sess, err := s.wizard.Current(ctx, key)
	if err != nil {
		return nil, err
	}
	if sess.Mode != mode {
		return nil, wizard.ErrUnexpectedInput
	}

	result, err := s.wizard.Confirm(ctx, key)
	if err != nil {
		return nil, err
	}

	switch r := result.(type) {
	case wizard.InsufficientBalance:
		s.countConfirm(mode, "insufficient_balance")
		reply.InsufficientBalance = &r
		return reply, nil

	case wizard.Ready:
		s.countConfirm(mode, "ready")
		rec, err := s.Launch(ctx, r, reply.Language)
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			// Spent elsewhere between the balance check and the debit.
			balance, err := s.ledger.Balance(ctx, key.UserID)
			if err != nil {
				return nil, fmt.Errorf("read balance after declined debit: %w", err)
			}
			reply.InsufficientBalance = &wizard.InsufficientBalance{Cost: r.Cost, Balance: balance}
			return reply, nil
		}
		if errors.Is(err, ErrSubmissionFailed) {
			reply.Generation = rec
			reply.SubmitError = err.Error()
			return reply, nil
		}
		if err != nil {
			return nil, err
		}
		reply.Generation = rec
		return reply, nil
	}
	return nil, fmt.Errorf("unexpected confirm result %T", result)
}

func (s *Service) countConfirm(mode video.Mode, result string) {
	if s.metrics != nil {
		s.metrics.Confirmations.WithLabelValues(string(mode), result).Inc()
	}
}

// Launch charges and submits a confirmed request. The record is created
// before submission because the callback URL carries its id. A provider
// error refunds through the reconciler, so the refund follows the same
// exactly-once path as any other failure.
func (s *Service) Launch(ctx context.Context, ready wizard.Ready, lang string) (*generation.Record, error) {
	id := uuid.New().String()
	userID := ready.Key.UserID
	log := s.logger.With().
		Str("generation_id", id).
		Int64("user_id", userID).
		Str("mode", string(ready.Mode)).
		Logger()

	balance, err := s.ledger.Debit(ctx, userID, ready.Cost, ledger.Reference{
		Kind:        ledger.KindCharge,
		ID:          id,
		Description: fmt.Sprintf("%s generation", ready.Mode),
	})
	if err != nil {
		return nil, fmt.Errorf("debit: %w", err)
	}
	log.Info().Int64("cost", ready.Cost).Int64("balance", balance).Msg("Generation charged")

	rec := &generation.Record{
		ID:       id,
		UserID:   userID,
		ChatID:   ready.Key.ChatID,
		Language: lang,
		Mode:     ready.Mode,
		Model:    ready.Mode.Model(),
		Params:   ready.Params,
		Cost:     ready.Cost,
		Status:   generation.StatusPending,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		// Nothing else knows about this charge yet, so refund it here.
		if _, cerr := s.ledger.Credit(ctx, userID, ready.Cost, ledger.Reference{
			Kind:        ledger.KindRefund,
			ID:          id,
			Description: "generation record not created",
		}); cerr != nil {
			log.Error().Err(cerr).Msg("Refund after record failure failed")
		}
		return nil, fmt.Errorf("create generation: %w", err)
	}

	meta := map[string]interface{}{
		"generationId": id,
		"userId":       userID,
		"tokens":       ready.Cost,
	}
	taskID, err := s.gateway.Submit(ctx, ready.Mode, ready.Params, s.callbackURL(id, userID), meta)
	if err != nil {
		s.countSubmission(ready.Mode, "error")
		reason := err.Error()
		var gerr *kling.GatewayError
		if errors.As(err, &gerr) {
			if s.metrics != nil {
				s.metrics.GatewayErrors.WithLabelValues(strconv.Itoa(gerr.Code)).Inc()
			}
			reason = fmt.Sprintf("submission rejected (%d): %s", gerr.Code, gerr.Message)
		}
		log.Error().Err(err).Msg("Submission failed, refunding")

		effect, terr := s.reconciler.Transition(reconciler.WithSource(ctx, reconciler.SourceSubmit), id, reconciler.Fail{Reason: reason})
		if terr != nil {
			log.Error().Err(terr).Msg("Refund transition failed")
		}
		if effect.Record != nil {
			rec = effect.Record
		}
		return rec, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	s.countSubmission(ready.Mode, "ok")

	if err := s.store.AttachTask(ctx, id, taskID); err != nil {
		// The poller still has the task id.
		log.Error().Err(err).Str("task_id", taskID).Msg("Failed to attach task id")
	}
	rec.TaskID = taskID
	s.tracker.Track(id, taskID)

	log.Info().Str("task_id", taskID).Msg("Generation submitted")
	return rec, nil
}

func (s *Service) countSubmission(mode video.Mode, result string) {
	if s.metrics != nil {
		s.metrics.Submissions.WithLabelValues(string(mode), result).Inc()
	}
}

func (s *Service) callbackURL(generationID string, userID int64) string {
	if s.cfg.CallbackBaseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("generationId", generationID)
	q.Set("userId", strconv.FormatInt(userID, 10))
	return strings.TrimRight(s.cfg.CallbackBaseURL, "/") + "/callback/kling?" + q.Encode()
}
