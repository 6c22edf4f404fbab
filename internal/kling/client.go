// Package kling is the HTTP client for the kie.ai job API serving the
// Kling 2.6 video models.
package kling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kelpejol/klingbot/internal/video"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.kie.ai/api/v1"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("kling: api key is required")

// GatewayError is a provider rejection. Code carries the provider's own
// code (401, 402, 404, 422, 429, 455, 500, 501, 505) or, when the body had
// none, the HTTP status.
type GatewayError struct {
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("kling: gateway error %d (%s)", e.Code, CodeDescription(e.Code))
	}
	return fmt.Sprintf("kling: gateway error %d: %s", e.Code, e.Message)
}

// CodeDescription names the documented provider codes.
func CodeDescription(code int) string {
	switch code {
	case 401:
		return "unauthorized"
	case 402:
		return "insufficient provider credits"
	case 404:
		return "not found"
	case 422:
		return "validation error"
	case 429:
		return "rate limited"
	case 455:
		return "service unavailable"
	case 500:
		return "server error"
	case 501:
		return "generation failed"
	case 505:
		return "feature disabled"
	}
	return "unknown"
}

// Options configures the client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Client performs calls to the job API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewClient constructs a client. A nil limiter defaults to 5 requests per
// second with a burst of 10.
func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(5, 10)
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    limiter,
		log:        opts.Logger.With().Str("component", "kling_client").Logger(),
	}, nil
}

// CreateTask submits a task and returns the provider task id.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode create task: %w", err)
	}

	var data createTaskData
	if err := c.do(ctx, http.MethodPost, "/jobs/createTask", nil, body, &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", &GatewayError{Code: http.StatusBadGateway, Message: "response carried no taskId"}
	}

	c.log.Info().
		Str("model", req.Model).
		Str("task_id", data.TaskID).
		Msg("task created")
	return data.TaskID, nil
}

// Submit builds the payload for mode and submits it.
func (c *Client) Submit(ctx context.Context, mode video.Mode, p video.Params, callbackURL string, meta map[string]interface{}) (string, error) {
	req, err := NewCreateTaskRequest(mode, p)
	if err != nil {
		return "", err
	}
	req.CallBackURL = callbackURL
	req.Meta = meta
	return c.CreateTask(ctx, req)
}

// RecordInfo fetches the current task record.
func (c *Client) RecordInfo(ctx context.Context, taskID string) (*TaskInfo, error) {
	q := url.Values{}
	q.Set("taskId", taskID)

	var info TaskInfo
	if err := c.do(ctx, http.MethodGet, "/jobs/recordInfo", q, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("kling: rate limiter: %w", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("kling: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kling: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("kling: read response: %w", err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration_ms", time.Since(start)).
		Msg("kling request completed")

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && env.Code != 0 {
			return &GatewayError{Code: env.Code, Message: env.Msg}
		}
		return &GatewayError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if decodeErr != nil {
		return fmt.Errorf("kling: decode response: %w", decodeErr)
	}
	if env.Code != http.StatusOK {
		return &GatewayError{Code: env.Code, Message: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("kling: decode data: %w", err)
		}
	}
	return nil
}
