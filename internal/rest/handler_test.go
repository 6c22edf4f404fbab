package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/ledger"
	"github.com/kelpejol/klingbot/internal/metrics"
	"github.com/kelpejol/klingbot/internal/reconciler"
	"github.com/kelpejol/klingbot/internal/service"
	"github.com/kelpejol/klingbot/internal/video"
	"github.com/kelpejol/klingbot/internal/wizard"
)

type stubTurns struct {
	reply *service.Reply
	err   error
	got   service.Turn
}

func (s *stubTurns) Handle(_ context.Context, turn service.Turn) (*service.Reply, error) {
	s.got = turn
	return s.reply, s.err
}

type fixture struct {
	server  *httptest.Server
	ledger  *ledger.MemoryLedger
	store   *generation.MemoryStore
	turns   *stubTurns
	metrics *metrics.Metrics
	checks  map[string]Check
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	f := &fixture{
		ledger:  ledger.NewMemoryLedger(),
		store:   generation.NewMemoryStore(),
		turns:   &stubTurns{reply: &service.Reply{Language: "ru"}},
		metrics: metrics.NewMetrics(reg),
		checks:  map[string]Check{},
	}
	cfg := reconciler.DefaultConfig()
	cfg.RefundBackoff = 0
	rec := reconciler.New(f.store, f.ledger, f.store, nil, f.metrics, cfg, zerolog.Nop())

	h := NewHandler(Deps{
		Turns:       f.turns,
		Callbacks:   rec,
		Ledger:      f.ledger,
		Generations: f.store,
		Metrics:     f.metrics,
		Gatherer:    reg,
		Checks:      f.checks,
		Logger:      zerolog.Nop(),
	})
	f.server = httptest.NewServer(h.Router())
	t.Cleanup(f.server.Close)
	return f
}

// pending stores a charged, submitted generation for user 7.
func (f *fixture) pending(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ledger.EnsureAccount(ctx, 7, 100))
	_, err := f.ledger.Debit(ctx, 7, 55, ledger.Reference{Kind: ledger.KindCharge, ID: id})
	require.NoError(t, err)
	require.NoError(t, f.store.Create(ctx, &generation.Record{
		ID:     id,
		UserID: 7,
		ChatID: 7,
		Mode:   video.TextToVideo,
		Cost:   55,
		Status: generation.StatusPending,
	}))
	require.NoError(t, f.store.AttachTask(ctx, id, "task-1"))
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCallback_SuccessKeepsCharge(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "gen-1")

	body := `{"code":200,"msg":"ok","data":{"taskId":"task-1","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/v.mp4\"]}"}}`
	resp := f.post(t, "/callback/kling?generationId=gen-1&userId=7", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, string(reconciler.Recorded), out["effect"])

	rec, err := f.store.Get(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, generation.StatusSuccess, rec.Status)
	assert.Equal(t, "https://cdn/v.mp4", rec.ResultURL)

	balance, _ := f.ledger.Balance(context.Background(), 7)
	assert.Equal(t, int64(45), balance)
}

func TestCallback_FailRefundsOnceAcrossRetries(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "gen-1")

	body := `{"code":501,"msg":"failed","data":{"taskId":"task-1","state":"fail","failMsg":"content policy"}}`
	for i := 0; i < 3; i++ {
		resp := f.post(t, "/callback/kling?generationId=gen-1&userId=7", body)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	balance, _ := f.ledger.Balance(context.Background(), 7)
	assert.Equal(t, int64(100), balance)
	assert.Len(t, f.ledger.History(7), 2, "one charge, one refund")
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Callbacks.WithLabelValues(string(reconciler.Duplicate))))
}

func TestCallback_Rejections(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "gen-1")

	tests := []struct {
		name  string
		query string
		body  string
	}{
		{"not json", "?generationId=gen-1", `{`},
		{"no generation id", "", `{"data":{"taskId":"task-1","state":"success"}}`},
		{"no task id", "?generationId=gen-1", `{"data":{"state":"success"}}`},
		{"no state", "?generationId=gen-1", `{"data":{"taskId":"task-1"}}`},
		{"unknown generation", "?generationId=nope", `{"data":{"taskId":"task-1","state":"fail"}}`},
		{"other task", "?generationId=gen-1", `{"data":{"taskId":"task-2","state":"fail"}}`},
		{"other user", "?generationId=gen-1&userId=8", `{"data":{"taskId":"task-1","state":"fail"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/callback/kling"+tt.query, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	rec, err := f.store.Get(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, generation.StatusPending, rec.Status, "nothing changed")
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(f.metrics.Callbacks.WithLabelValues("rejected")))
}

func TestTurn(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/v1/conversations/7/9/turns", `{"tag":"gen_mode_t2v"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, wizard.Key{UserID: 7, ChatID: 9}, f.turns.got.Key)
	assert.Equal(t, "gen_mode_t2v", f.turns.got.Tag)
	assert.Equal(t, "ru", decode(t, resp)["language"])
}

func TestTurn_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{service.ErrBadRequest, http.StatusBadRequest},
		{wizard.ErrNoSession, http.StatusConflict},
		{wizard.ErrUnexpectedInput, http.StatusConflict},
		{errors.New("redis down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture(t)
			f.turns.err = tt.err
			resp := f.post(t, "/v1/conversations/7/7/turns", `{"text":"hi"}`)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/conversations/x/7/turns", `{}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/conversations/7/7/turns", `nope`).StatusCode)
}

func TestBalanceAndGenerations(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "gen-1")

	resp := f.get(t, "/v1/users/7/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(45), decode(t, resp)["balance"])

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/users/8/balance").StatusCode)

	resp = f.get(t, "/v1/generations/gen-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, "task-1", out["task_id"])

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/generations/nope").StatusCode)

	resp = f.get(t, "/v1/users/7/generations?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, resp)["generations"], 1)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/users/7/generations?limit=0").StatusCode)
}

func TestHealthReadyMetrics(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.get(t, "/health").StatusCode)
	assert.Equal(t, http.StatusOK, f.get(t, "/ready").StatusCode)

	f.checks["postgres"] = func(context.Context) error { return errors.New("connection refused") }
	resp := f.get(t, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.metrics.Refunds.Inc()
	resp = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "klingbot_refunds_total")
}
