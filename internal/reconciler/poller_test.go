package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/kling"
)

// scriptedFetcher replays responses in order, repeating the last one.
type scriptedFetcher struct {
	mu    sync.Mutex
	steps []fetchStep
	calls int
}

type fetchStep struct {
	info *kling.TaskInfo
	err  error
}

func (f *scriptedFetcher) RecordInfo(_ context.Context, taskID string) (*kling.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	f.calls++
	step := f.steps[i]
	if step.info != nil {
		cp := *step.info
		cp.TaskID = taskID
		return &cp, step.err
	}
	return nil, step.err
}

func (f *scriptedFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waiting() fetchStep {
	return fetchStep{info: &kling.TaskInfo{State: kling.StateWaiting}}
}

func succeeded(url string) fetchStep {
	raw, _ := json.Marshal(`{"resultUrls":["` + url + `"]}`)
	return fetchStep{info: &kling.TaskInfo{State: kling.StateSuccess, ResultJSON: raw}}
}

func fastPoller(f *fixture, fetcher StatusFetcher, attempts int) *Poller {
	return NewPoller(fetcher, f.rec, PollerConfig{
		MaxAttempts:    attempts,
		Interval:       time.Millisecond,
		AttemptTimeout: time.Second,
	}, f.metrics, zerolog.Nop())
}

func TestPoller_SuccessAfterErrorsAndWaiting(t *testing.T) {
	f := newFixture(t, 100)
	rec := f.submitted(t, 55)
	fetcher := &scriptedFetcher{steps: []fetchStep{
		waiting(),
		{err: errors.New("dial tcp: i/o timeout")},
		waiting(),
		succeeded("https://cdn/done.mp4"),
	}}

	p := fastPoller(f, fetcher, 10)
	require.True(t, p.Track(rec.ID, rec.TaskID))
	p.Wait()
	f.rec.Wait()

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusSuccess, got.Status)
	assert.Equal(t, "https://cdn/done.mp4", got.ResultURL)
	assert.Equal(t, 4, fetcher.count())
	assert.Equal(t, int64(45), f.balance(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PollAttempts.WithLabelValues("error")))
	assert.Equal(t, 0, p.Active())
}

func TestPoller_ProviderFailureRefunds(t *testing.T) {
	f := newFixture(t, 100)
	rec := f.submitted(t, 55)
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{info: &kling.TaskInfo{State: kling.StateFail, FailMsg: "nsfw content"}},
	}}

	p := fastPoller(f, fetcher, 10)
	p.Track(rec.ID, rec.TaskID)
	p.Wait()

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusFail, got.Status)
	assert.Equal(t, "nsfw content", got.ErrorMessage)
	assert.Equal(t, int64(100), f.balance(t))
}

func TestPoller_TimeoutFailsAndRefunds(t *testing.T) {
	f := newFixture(t, 100)
	rec := f.submitted(t, 55)
	fetcher := &scriptedFetcher{steps: []fetchStep{waiting()}}

	p := fastPoller(f, fetcher, 5)
	p.Track(rec.ID, rec.TaskID)
	p.Wait()

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusFail, got.Status)
	assert.Equal(t, TimeoutReason, got.ErrorMessage)
	assert.Equal(t, 5, fetcher.count(), "attempt budget is exact")
	assert.Equal(t, int64(100), f.balance(t))

	// The provider finishes after the timeout and the callback arrives.
	body := []byte(`{"code":200,"data":{"taskId":"` + rec.TaskID + `","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/late.mp4\"]}"}}`)
	cb, err := ParseCallback(body, map[string][]string{"generationId": {rec.ID}})
	require.NoError(t, err)
	effect, err := f.rec.HandleCallback(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, Recovered, effect.Kind)
	assert.Equal(t, int64(45), f.balance(t))
}

func TestPoller_SuccessWithoutResultCountsAsFailure(t *testing.T) {
	f := newFixture(t, 100)
	rec := f.submitted(t, 55)
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{info: &kling.TaskInfo{State: kling.StateSuccess, ResultJSON: json.RawMessage(`"{\"resultUrls\":[]}"`)}},
	}}

	p := fastPoller(f, fetcher, 3)
	p.Track(rec.ID, rec.TaskID)
	p.Wait()

	assert.Equal(t, generation.StatusFail, f.status(t, rec.ID))
	assert.Equal(t, int64(100), f.balance(t))
}

func TestPoller_StopLeavesPendingAndResumeRetracks(t *testing.T) {
	f := newFixture(t, 100)
	rec := f.submitted(t, 55)

	slow := NewPoller(&scriptedFetcher{steps: []fetchStep{waiting()}}, f.rec, PollerConfig{
		MaxAttempts: 60,
		Interval:    time.Hour,
	}, f.metrics, zerolog.Nop())
	require.True(t, slow.Track(rec.ID, rec.TaskID))
	assert.False(t, slow.Track(rec.ID, rec.TaskID), "already tracked")
	assert.Equal(t, 1, slow.Active())

	slow.Stop()
	slow.Wait()
	assert.Equal(t, generation.StatusPending, f.status(t, rec.ID))
	assert.Equal(t, int64(45), f.balance(t), "no refund on shutdown")
	assert.False(t, slow.Track(rec.ID, rec.TaskID), "stopped poller accepts no work")

	fresh := fastPoller(f, &scriptedFetcher{steps: []fetchStep{succeeded("https://cdn/r.mp4")}}, 3)
	n, err := fresh.Resume(context.Background(), f.store, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	fresh.Wait()
	assert.Equal(t, generation.StatusSuccess, f.status(t, rec.ID))
}

func TestOutcomeFromTask(t *testing.T) {
	_, terminal := OutcomeFromTask(kling.TaskInfo{State: kling.StateWaiting})
	assert.False(t, terminal)

	out, terminal := OutcomeFromTask(kling.TaskInfo{State: kling.StateFail})
	assert.True(t, terminal)
	assert.Equal(t, Fail{Reason: "generation failed"}, out)

	out, _ = OutcomeFromTask(kling.TaskInfo{
		State:      kling.StateSuccess,
		ResultJSON: json.RawMessage(`{"resultUrls":["https://a","https://b"]}`),
	})
	assert.Equal(t, Success{ResultURL: "https://a"}, out)
}
