package kling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/kelpejol/klingbot/internal/video"
)

// State is the provider-side task state.
type State string

const (
	StateWaiting State = "waiting"
	StateSuccess State = "success"
	StateFail    State = "fail"
)

// maxPromptRunes is the provider's prompt length limit.
const maxPromptRunes = 2500

// CreateTaskRequest is the body of POST /jobs/createTask.
type CreateTaskRequest struct {
	Model       string                 `json:"model"`
	Input       TaskInput              `json:"input"`
	CallBackURL string                 `json:"callBackUrl,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

// TaskInput holds the union of per-model input fields; each model reads
// only its own.
type TaskInput struct {
	Prompt               string   `json:"prompt"`
	Duration             string   `json:"duration,omitempty"`
	AspectRatio          string   `json:"aspect_ratio,omitempty"`
	Sound                *bool    `json:"sound,omitempty"`
	ImageURLs            []string `json:"image_urls,omitempty"`
	InputURLs            []string `json:"input_urls,omitempty"`
	VideoURLs            []string `json:"video_urls,omitempty"`
	CharacterOrientation string   `json:"character_orientation,omitempty"`
	Mode                 string   `json:"mode,omitempty"`
}

// NewCreateTaskRequest maps wizard parameters onto the provider payload.
func NewCreateTaskRequest(mode video.Mode, p video.Params) (CreateTaskRequest, error) {
	req := CreateTaskRequest{Model: mode.Model()}
	prompt := truncate(p.Prompt, maxPromptRunes)

	switch mode {
	case video.TextToVideo:
		sound := p.Audio
		req.Input = TaskInput{
			Prompt:      prompt,
			Duration:    strconv.Itoa(p.Duration),
			AspectRatio: string(p.AspectRatio),
			Sound:       &sound,
		}
	case video.ImageToVideo:
		sound := p.Audio
		req.Input = TaskInput{
			Prompt:    prompt,
			ImageURLs: []string{p.ImageURL},
			Duration:  strconv.Itoa(p.Duration),
			Sound:     &sound,
		}
	case video.MotionControl:
		req.Input = TaskInput{
			Prompt:               prompt,
			InputURLs:            []string{p.ImageURL},
			VideoURLs:            []string{p.VideoURL},
			CharacterOrientation: string(p.Orientation),
			Mode:                 string(p.Quality),
		}
	default:
		return CreateTaskRequest{}, fmt.Errorf("unsupported mode %q", mode)
	}
	return req, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// envelope wraps every provider response.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createTaskData struct {
	TaskID string `json:"taskId"`
}

// TaskInfo is the task record returned by recordInfo and pushed to the
// callback URL.
type TaskInfo struct {
	TaskID     string          `json:"taskId"`
	Model      string          `json:"model,omitempty"`
	State      State           `json:"state"`
	ResultJSON json.RawMessage `json:"resultJson,omitempty"`
	FailCode   json.RawMessage `json:"failCode,omitempty"`
	FailMsg    string          `json:"failMsg,omitempty"`
}

// ResultURLs decodes the result URLs. The provider sends resultJson as a
// JSON-encoded string, but a plain object is accepted too.
func (t TaskInfo) ResultURLs() ([]string, error) {
	return ParseResultURLs(t.ResultJSON)
}

// ParseResultURLs extracts resultUrls from a resultJson value.
func ParseResultURLs(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode resultJson string: %w", err)
		}
		if inner == "" {
			return nil, nil
		}
		raw = json.RawMessage(inner)
	}
	var result struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode resultJson: %w", err)
	}
	return result.ResultURLs, nil
}

// CallbackPayload is the body the provider POSTs on completion.
type CallbackPayload struct {
	Code int      `json:"code"`
	Msg  string   `json:"msg"`
	Data TaskInfo `json:"data"`
}
