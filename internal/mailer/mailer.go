// Package mailer delivers transactional email through an HTTP email API
// (Resend-compatible: POST {base}/emails).
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/config"
)

type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) (id string, err error)
}

// New returns an API client, or a Sender that only logs when no API key is
// configured.
func New(cfg config.EmailConfig, logger *slog.Logger) Sender {
	if cfg.APIKey == "" {
		return NewLogSender(logger)
	}
	return NewClient(cfg, logger)
}

type Client struct {
	http   *retryablehttp.Client
	base   string
	apiKey string
	from   string
}

func NewClient(cfg config.EmailConfig, logger *slog.Logger) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = 15 * time.Second
	hc.Logger = logger
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{http: hc, base: cfg.APIURL, apiKey: cfg.APIKey, from: cfg.FromAddress}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("email api: status %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying cannot help.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(sendRequest{
		From:    c.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("encoding email: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil && resp == nil {
		return "", fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	var out sendResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message == "" {
			out.Message = http.StatusText(resp.StatusCode)
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: out.Message}
	}
	return out.ID, nil
}

// LogSender writes messages to the log instead of sending them.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) (string, error) {
	s.logger.Info("email not sent, no provider configured", "to", msg.To, "subject", msg.Subject, "text", msg.Text)
	return "", nil
}
