package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/kling"
)

var (
	// ErrMalformedCallback is returned for callbacks that cannot be
	// correlated or read. Nothing is changed when it is returned.
	ErrMalformedCallback = errors.New("malformed callback")

	// ErrCallbackMismatch is returned when the callback's task or user does
	// not match the stored generation.
	ErrCallbackMismatch = errors.New("callback does not match generation")
)

// Callback is a parsed provider completion notification.
type Callback struct {
	GenerationID string
	UserID       int64
	Task         kling.TaskInfo
}

// ParseCallback reads a callback body together with the generationId and
// userId query parameters registered at submission. A callback missing
// taskId, state or generationId is rejected.
func ParseCallback(body []byte, query url.Values) (*Callback, error) {
	var payload kling.CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	cb := &Callback{
		GenerationID: query.Get("generationId"),
		Task:         payload.Data,
	}
	if cb.GenerationID == "" {
		return nil, fmt.Errorf("%w: missing generationId", ErrMalformedCallback)
	}
	if cb.Task.TaskID == "" {
		return nil, fmt.Errorf("%w: missing taskId", ErrMalformedCallback)
	}
	switch cb.Task.State {
	case kling.StateWaiting, kling.StateSuccess, kling.StateFail:
	case "":
		return nil, fmt.Errorf("%w: missing state", ErrMalformedCallback)
	default:
		return nil, fmt.Errorf("%w: unknown state %q", ErrMalformedCallback, cb.Task.State)
	}

	if raw := query.Get("userId"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid userId %q", ErrMalformedCallback, raw)
		}
		cb.UserID = userID
	}
	return cb, nil
}

// HandleCallback applies a parsed callback. A waiting callback changes
// nothing. The callback may arrive before the task id was attached, so an
// empty stored task id is accepted.
func (r *Reconciler) HandleCallback(ctx context.Context, cb *Callback) (Effect, error) {
	rec, err := r.store.Get(ctx, cb.GenerationID)
	if err != nil {
		return Effect{}, err
	}
	if rec.TaskID != "" && rec.TaskID != cb.Task.TaskID {
		return Effect{}, fmt.Errorf("%w: task %s", ErrCallbackMismatch, cb.Task.TaskID)
	}
	if cb.UserID != 0 && rec.UserID != cb.UserID {
		return Effect{}, fmt.Errorf("%w: user %d", ErrCallbackMismatch, cb.UserID)
	}

	outcome, terminal := OutcomeFromTask(cb.Task)
	if !terminal {
		return Effect{Kind: Waiting, From: rec.Status, To: rec.Status, Record: rec}, nil
	}
	return r.Transition(WithSource(ctx, SourceWebhook), cb.GenerationID, outcome)
}

// IsRejection reports whether err from ParseCallback or HandleCallback
// means the caller sent something unusable, as opposed to a server fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMalformedCallback) ||
		errors.Is(err, ErrCallbackMismatch) ||
		errors.Is(err, generation.ErrNotFound)
}
