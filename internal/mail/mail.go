// Package mail is the outbound transport behind the notifier.
//
// Rendering is not done here. A Message carries the template key and its
// parameters to a mailer webhook, which owns markup and localization.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	logx "rbs/pkg/logx"
)

// Message is the webhook payload.
type Message struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(_ context.Context, to, templateKey string, params map[string]string) error {
	// Codes are capabilities; keep them out of logs.
	s.Log.Info("mail",
		logx.String("to", to),
		logx.String("template", templateKey),
		logx.Int("params", len(params)),
	)
	return nil
}

type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPSender posts each message as JSON to a mailer webhook.
type HTTPSender struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPSender(cfg HTTPConfig) (*HTTPSender, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("mail: webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSender{url: cfg.URL, token: cfg.Token, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (s *HTTPSender) Send(ctx context.Context, to, templateKey string, params map[string]string) error {
	body, err := json.Marshal(Message{To: to, Template: templateKey, Params: params, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode mail: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
