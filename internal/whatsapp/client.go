// Package whatsapp is a minimal WhatsApp Cloud API client for outbound
// messages.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Config for NewClient. BaseURL includes the Graph API version, e.g.
// https://graph.facebook.com/v20.0.
type Config struct {
	BaseURL  string
	RetryMax int
	Timeout  time.Duration
}

type Client struct {
	http *retryablehttp.Client
	base string
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = 4 * time.Second
	hc.Logger = logger
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Timeout > 0 {
		hc.HTTPClient.Timeout = cfg.Timeout
	} else {
		hc.HTTPClient.Timeout = 20 * time.Second
	}
	return &Client{http: hc, base: cfg.BaseURL}
}

// Message to one recipient. A non-empty MediaURL sends MediaType ("image",
// "document", "audio", "video") with Body as caption.
type Message struct {
	PhoneNumberID string
	AccessToken   string
	To            string
	Body          string
	MediaURL      string
	MediaType     string
}

var ErrEmptyMessage = errors.New("whatsapp: message has neither body nor media")

type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp: status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Permanent reports a rejection that a retry will not fix.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type mediaBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

func buildPayload(m Message) (map[string]any, error) {
	p := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                m.To,
	}
	switch {
	case m.MediaURL != "":
		kind := m.MediaType
		if kind == "" {
			kind = "document"
		}
		p["type"] = kind
		media := mediaBody{Link: m.MediaURL}
		// audio messages cannot carry a caption
		if kind != "audio" {
			media.Caption = m.Body
		}
		p[kind] = media
	case m.Body != "":
		p["type"] = "text"
		p["text"] = textBody{Body: m.Body}
	default:
		return nil, ErrEmptyMessage
	}
	return p, nil
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send returns the provider message id (wamid).
func (c *Client) Send(ctx context.Context, m Message) (string, error) {
	payload, err := buildPayload(m)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.base, m.PhoneNumberID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil && resp == nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if out.Error != nil {
			apiErr.Code = out.Error.Code
			apiErr.Message = out.Error.Message
		}
		return "", apiErr
	}
	if len(out.Messages) == 0 {
		return "", errors.New("whatsapp: response carries no message id")
	}
	return out.Messages[0].ID, nil
}
