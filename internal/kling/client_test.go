package kling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/klingbot/internal/video"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{APIKey: "secret", BaseURL: srv.URL + "/", Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Options{APIKey: "  "})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestSubmitTextToVideo(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs/createTask", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"task-123"}}`))
	})

	params := video.Params{Prompt: strings.Repeat("я", 3000), AspectRatio: video.Square, Duration: 10, Audio: true}
	taskID, err := c.Submit(context.Background(), video.TextToVideo, params,
		"https://bot.example/callback/kling?generationId=g1&userId=42",
		map[string]interface{}{"generationId": "g1"})
	require.NoError(t, err)
	assert.Equal(t, "task-123", taskID)

	assert.Equal(t, "kling-2.6/text-to-video", got["model"])
	assert.Equal(t, "https://bot.example/callback/kling?generationId=g1&userId=42", got["callBackUrl"])
	input := got["input"].(map[string]interface{})
	assert.Equal(t, "10", input["duration"])
	assert.Equal(t, "1:1", input["aspect_ratio"])
	assert.Equal(t, true, input["sound"])
	assert.Len(t, []rune(input["prompt"].(string)), 2500)
	assert.NotContains(t, input, "image_urls")
}

func TestNewCreateTaskRequestMotionControl(t *testing.T) {
	req, err := NewCreateTaskRequest(video.MotionControl, video.Params{
		ImageURL:    "https://cdn/me.png",
		VideoURL:    "https://cdn/dance.mp4",
		Orientation: video.OrientVideo,
		Quality:     video.Quality1080p,
	})
	require.NoError(t, err)
	assert.Equal(t, "kling-2.6/motion-control", req.Model)
	assert.Equal(t, []string{"https://cdn/me.png"}, req.Input.InputURLs)
	assert.Equal(t, []string{"https://cdn/dance.mp4"}, req.Input.VideoURLs)
	assert.Equal(t, "video", req.Input.CharacterOrientation)
	assert.Equal(t, "1080p", req.Input.Mode)
	assert.Nil(t, req.Input.Sound)

	req, err = NewCreateTaskRequest(video.ImageToVideo, video.Params{ImageURL: "https://cdn/cat.jpg", Duration: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/cat.jpg"}, req.Input.ImageURLs)
	assert.Equal(t, "", req.Input.Prompt)
	assert.Equal(t, "5", req.Input.Duration)
}

func TestGatewayErrorCodes(t *testing.T) {
	for _, code := range []int{401, 402, 404, 422, 429, 455, 500, 501, 505} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":` + jsonInt(code) + `,"msg":"rejected"}`))
		})
		_, err := c.Submit(context.Background(), video.TextToVideo, video.Params{Prompt: "x", Duration: 5}, "", nil)
		var gerr *GatewayError
		require.True(t, errors.As(err, &gerr), "code %d", code)
		assert.Equal(t, code, gerr.Code)
		assert.Equal(t, "rejected", gerr.Message)
	}
}

func TestHTTPErrorWithoutEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	_, err := c.RecordInfo(context.Background(), "task-1")
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusBadGateway, gerr.Code)
}

func TestRecordInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/recordInfo", r.URL.Path)
		assert.Equal(t, "task-9", r.URL.Query().Get("taskId"))
		w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"task-9","state":"success",` +
			`"resultJson":"{\"resultUrls\":[\"https://r/out.mp4\"]}"}}`))
	})
	info, err := c.RecordInfo(context.Background(), "task-9")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, info.State)
	urls, err := info.ResultURLs()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://r/out.mp4"}, urls)
}

func TestParseResultURLs(t *testing.T) {
	urls, err := ParseResultURLs(json.RawMessage(`{"resultUrls":["a","b"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, urls)

	urls, err = ParseResultURLs(json.RawMessage(`""`))
	require.NoError(t, err)
	assert.Empty(t, urls)

	urls, err = ParseResultURLs(nil)
	require.NoError(t, err)
	assert.Empty(t, urls)

	_, err = ParseResultURLs(json.RawMessage(`"{not json"`))
	assert.Error(t, err)
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
