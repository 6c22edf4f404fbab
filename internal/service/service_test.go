package service

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/kling"
	"github.com/kelpejol/klingbot/internal/ledger"
	"github.com/kelpejol/klingbot/internal/metrics"
	"github.com/kelpejol/klingbot/internal/profile"
	"github.com/kelpejol/klingbot/internal/reconciler"
	"github.com/kelpejol/klingbot/internal/video"
	"github.com/kelpejol/klingbot/internal/wizard"
)

type submission struct {
	mode     video.Mode
	params   video.Params
	callback string
	meta     map[string]interface{}
}

type fakeGateway struct {
	mu     sync.Mutex
	err    error
	taskID string
	calls  []submission
}

func (g *fakeGateway) Submit(_ context.Context, mode video.Mode, p video.Params, callbackURL string, meta map[string]interface{}) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, submission{mode: mode, params: p, callback: callbackURL, meta: meta})
	if g.err != nil {
		return "", g.err
	}
	return g.taskID, nil
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked map[string]string
}

func (t *fakeTracker) Track(generationID, taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracked == nil {
		t.tracked = make(map[string]string)
	}
	t.tracked[generationID] = taskID
	return true
}

type failureNotices struct {
	mu  sync.Mutex
	ids []string
}

func (n *failureNotices) GenerationSucceeded(context.Context, *generation.Record, bool) error {
	return nil
}

func (n *failureNotices) GenerationFailed(_ context.Context, rec *generation.Record, _ bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, rec.ID)
	return nil
}

type harness struct {
	svc      *Service
	ledger   *ledger.MemoryLedger
	store    *generation.MemoryStore
	gateway  *fakeGateway
	tracker  *fakeTracker
	notices  *failureNotices
	rec      *reconciler.Reconciler
	metrics  *metrics.Metrics
	key      wizard.Key
	profiles *profile.MemoryStore
}

func newHarness(t *testing.T, balance int64) *harness {
	t.Helper()
	h := &harness{
		ledger:   ledger.NewMemoryLedger(),
		store:    generation.NewMemoryStore(),
		gateway:  &fakeGateway{taskID: "task-123"},
		tracker:  &fakeTracker{},
		notices:  &failureNotices{},
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		key:      wizard.Key{UserID: 500, ChatID: 500},
		profiles: profile.NewMemoryStore(),
	}
	if balance >= 0 {
		require.NoError(t, h.ledger.EnsureAccount(context.Background(), h.key.UserID, balance))
	}
	cfg := reconciler.DefaultConfig()
	cfg.RefundBackoff = 0
	h.rec = reconciler.New(h.store, h.ledger, h.store, h.notices, h.metrics, cfg, zerolog.Nop())

	h.svc = New(Config{
		CallbackBaseURL: "https://bot.example.com/",
		StartingBalance: ledger.DefaultStartingBalance,
	}, Deps{
		Wizard:      wizard.NewMachine(wizard.NewMemoryStore(), h.ledger, zerolog.Nop()),
		Ledger:      h.ledger,
		Generations: h.store,
		Profiles:    h.profiles,
		Gateway:     h.gateway,
		Reconciler:  h.rec,
		Tracker:     h.tracker,
		Metrics:     h.metrics,
		Logger:      zerolog.Nop(),
	})
	return h
}

func (h *harness) tag(t *testing.T, tag string) *Reply {
	t.Helper()
	reply, err := h.svc.Handle(context.Background(), Turn{Key: h.key, Tag: tag})
	require.NoError(t, err, tag)
	return reply
}

func (h *harness) text(t *testing.T, text string) *Reply {
	t.Helper()
	reply, err := h.svc.Handle(context.Background(), Turn{Key: h.key, Text: text})
	require.NoError(t, err)
	return reply
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), h.key.UserID)
	require.NoError(t, err)
	return b
}

// textToVideo walks the T2V wizard up to confirmation: 5s, no audio.
func (h *harness) textToVideo(t *testing.T) {
	t.Helper()
	reply := h.tag(t, "gen_mode_t2v")
	require.Equal(t, wizard.StepPrompt, reply.Prompt.Step)
	h.text(t, "a fox running through snow")
	h.tag(t, "t2v_aspect_16:9")
	h.tag(t, "t2v_duration_5")
	reply = h.tag(t, "t2v_audio_no")
	require.Equal(t, wizard.StepConfirm, reply.Prompt.Step)
	require.Equal(t, int64(55), reply.Prompt.Cost)
}

func TestEndToEnd_SubmissionFailureRefunds(t *testing.T) {
	h := newHarness(t, 100)
	h.gateway.err = &kling.GatewayError{Code: 500, Message: "internal error"}

	h.textToVideo(t)
	reply := h.tag(t, "t2v_confirm")
	h.rec.Wait()

	require.NotNil(t, reply.Generation)
	assert.NotEmpty(t, reply.SubmitError)
	assert.Equal(t, generation.StatusFail, reply.Generation.Status)
	assert.Equal(t, int64(100), h.balance(t), "100 -> 45 -> refunded to 100")

	rec, err := h.store.Get(context.Background(), reply.Generation.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusFail, rec.Status)
	assert.Equal(t, int64(55), rec.Cost)
	assert.Contains(t, rec.ErrorMessage, "500")

	history := h.ledger.History(h.key.UserID)
	require.Len(t, history, 2)
	assert.Equal(t, int64(-55), history[0].Amount)
	assert.Equal(t, ledger.KindCharge, history[0].Ref.Kind)
	assert.Equal(t, int64(55), history[1].Amount)
	assert.Equal(t, ledger.KindRefund, history[1].Ref.Kind)

	assert.Equal(t, []string{rec.ID}, h.notices.ids)
	assert.Empty(t, h.tracker.tracked)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.GatewayErrors.WithLabelValues("500")))
}

func TestEndToEnd_SubmissionSucceeds(t *testing.T) {
	h := newHarness(t, 100)

	h.textToVideo(t)
	reply := h.tag(t, "t2v_confirm")

	require.NotNil(t, reply.Generation)
	assert.Empty(t, reply.SubmitError)
	assert.Equal(t, int64(45), h.balance(t))

	rec, err := h.store.Get(context.Background(), reply.Generation.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusPending, rec.Status)
	assert.Equal(t, "task-123", rec.TaskID)
	assert.Equal(t, video.ModelTextToVideo, rec.Model)
	assert.Equal(t, "ru", rec.Language)
	assert.Equal(t, map[string]string{rec.ID: "task-123"}, h.tracker.tracked)

	require.Len(t, h.gateway.calls, 1)
	call := h.gateway.calls[0]
	assert.Equal(t, "a fox running through snow", call.params.Prompt)
	assert.Equal(t, rec.ID, call.meta["generationId"])
	assert.Equal(t, int64(55), call.meta["tokens"])

	u, err := url.Parse(call.callback)
	require.NoError(t, err)
	assert.Equal(t, "/callback/kling", u.Path)
	assert.Equal(t, "bot.example.com", u.Host)
	assert.Equal(t, rec.ID, u.Query().Get("generationId"))
	assert.Equal(t, "500", u.Query().Get("userId"))
}

func TestConfirm_InsufficientBalance(t *testing.T) {
	h := newHarness(t, -1) // new user gets the starting balance

	h.textToVideo(t)
	reply := h.tag(t, "t2v_confirm")

	require.NotNil(t, reply.InsufficientBalance)
	assert.Equal(t, int64(55), reply.InsufficientBalance.Cost)
	assert.Equal(t, ledger.DefaultStartingBalance, reply.InsufficientBalance.Balance)
	assert.Nil(t, reply.Generation)
	assert.Empty(t, h.gateway.calls)
	assert.Equal(t, ledger.DefaultStartingBalance, h.balance(t))

	_, err := h.svc.Handle(context.Background(), Turn{Key: h.key, Tag: "t2v_confirm"})
	assert.ErrorIs(t, err, wizard.ErrNoSession, "session ended")
}

func TestConfirm_BalanceSpentBeforeDebit(t *testing.T) {
	h := newHarness(t, 100)
	h.textToVideo(t)

	ready := wizard.Ready{Key: h.key, Mode: video.TextToVideo, Params: video.Params{Prompt: "x", Duration: 10}, Cost: 110}
	_, err := h.svc.Launch(context.Background(), ready, "en")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, int64(100), h.balance(t))
	assert.Empty(t, h.gateway.calls)
}

// racedLedger declines every debit as if the tokens were spent elsewhere,
// and can fail balance reads.
type racedLedger struct {
	*ledger.MemoryLedger
	balanceErr error
}

func (l *racedLedger) Debit(context.Context, int64, int64, ledger.Reference) (int64, error) {
	return 0, ledger.ErrInsufficientBalance
}

func (l *racedLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	if l.balanceErr != nil {
		return 0, l.balanceErr
	}
	return l.MemoryLedger.Balance(ctx, userID)
}

func TestConfirm_DeclinedDebitReportsBalance(t *testing.T) {
	h := newHarness(t, 100)
	raced := &racedLedger{MemoryLedger: h.ledger}
	h.svc.ledger = raced
	h.textToVideo(t)

	reply := h.tag(t, "t2v_confirm")
	require.NotNil(t, reply.InsufficientBalance)
	assert.Equal(t, int64(55), reply.InsufficientBalance.Cost)
	assert.Equal(t, int64(100), reply.InsufficientBalance.Balance)

	h.textToVideo(t)
	raced.balanceErr = errors.New("ledger unavailable")
	_, err := h.svc.Handle(context.Background(), Turn{Key: h.key, Tag: "t2v_confirm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger unavailable")
	assert.Empty(t, h.gateway.calls)
}

func TestHandle_MotionControlValidation(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	h.tag(t, "gen_mode_mc")
	_, err := h.svc.Handle(ctx, Turn{Key: h.key, PhotoURL: "https://img/1.jpg"})
	require.NoError(t, err)

	reply, err := h.svc.Handle(ctx, Turn{Key: h.key, VideoURL: "https://vid/1.mp4", VideoDuration: 31})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Invalid)
	assert.Equal(t, wizard.StepVideo, reply.Prompt.Step, "same step asked again")

	reply, err = h.svc.Handle(ctx, Turn{Key: h.key, VideoURL: "https://vid/1.mp4", VideoDuration: 8})
	require.NoError(t, err)
	assert.Empty(t, reply.Invalid)
	assert.Equal(t, wizard.StepPrompt, reply.Prompt.Step)

	h.tag(t, "mc_prompt_skip")
	h.tag(t, "mc_orient_video")
	reply = h.tag(t, "mc_mode_1080p")
	assert.Equal(t, int64(72), reply.Prompt.Cost)
}

func TestHandle_StaleButtonAndCancel(t *testing.T) {
	h := newHarness(t, 100)
	h.tag(t, "gen_mode_t2v")

	reply := h.tag(t, "i2v_duration_5")
	assert.NotEmpty(t, reply.Invalid)
	assert.Equal(t, video.TextToVideo, reply.Prompt.Mode)

	reply = h.tag(t, "gen_cancel")
	assert.True(t, reply.Cancelled)

	_, err := h.svc.Handle(context.Background(), Turn{Key: h.key, Text: "hello"})
	assert.ErrorIs(t, err, wizard.ErrNoSession)
}

func TestHandle_LanguageAndBadInput(t *testing.T) {
	h := newHarness(t, 100)

	reply := h.tag(t, "lang_en")
	assert.Equal(t, "en", reply.Language)
	reply = h.tag(t, "gen_mode_i2v")
	assert.Equal(t, "en", reply.Language)

	_, err := h.svc.Handle(context.Background(), Turn{Key: h.key, Tag: "nonsense"})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = h.svc.Handle(context.Background(), Turn{Key: h.key})
	assert.ErrorIs(t, err, ErrBadRequest)
}
