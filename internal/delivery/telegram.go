package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API endpoint.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramError is a Bot API error response.
type TelegramError struct {
	Code        int
	Description string
}

func (e *TelegramError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Description)
}

// Telegram is a Messenger over the Telegram Bot API.
type Telegram struct {
	baseURL string
	client  *http.Client
}

// NewTelegram creates a Bot API messenger. apiBase defaults to
// DefaultTelegramAPI.
func NewTelegram(apiBase, token string, client *http.Client) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token must be set")
	}
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Telegram{
		baseURL: strings.TrimRight(apiBase, "/") + "/bot" + token,
		client:  client,
	}, nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

type inlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) error {
	return t.callJSON(ctx, "sendMessage", map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
}

func (t *Telegram) SendLink(ctx context.Context, chatID int64, text, buttonText, link string) error {
	return t.callJSON(ctx, "sendMessage", map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
		"reply_markup": inlineKeyboard{
			InlineKeyboard: [][]inlineButton{{{Text: buttonText, URL: link}}},
		},
	})
}

func (t *Telegram) SendDocumentURL(ctx context.Context, chatID int64, fileURL, caption string) error {
	body := map[string]interface{}{
		"chat_id":                        chatID,
		"document":                       fileURL,
		"disable_content_type_detection": true,
	}
	if caption != "" {
		body["caption"] = caption
	}
	return t.callJSON(ctx, "sendDocument", body)
}

func (t *Telegram) SendDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) error {
	return t.upload(ctx, "sendDocument", "document", chatID, filename, data, caption, map[string]string{
		"disable_content_type_detection": "true",
	})
}

func (t *Telegram) SendVideo(ctx context.Context, chatID int64, filename string, data []byte, caption string) error {
	return t.upload(ctx, "sendVideo", "video", chatID, filename, data, caption, nil)
}

func (t *Telegram) callJSON(ctx context.Context, method string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, method)
}

func (t *Telegram) upload(ctx context.Context, method, field string, chatID int64, filename string, data []byte, caption string, extra map[string]string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{"chat_id": strconv.FormatInt(chatID, 10)}
	if caption != "" {
		fields["caption"] = caption
	}
	for k, v := range extra {
		fields[k] = v
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}

	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.do(req, method)
}

func (t *Telegram) do(req *http.Request, method string) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%s: %s", method, resp.Status)
	}
	if !out.OK {
		code := out.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &TelegramError{Code: code, Description: out.Description}
	}
	return nil
}
