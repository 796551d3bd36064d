package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultMailGoatBaseURL = "https://api.mailgoat.ai/v1"

// MailGoatSender delivers messages through the MailGoat send API.
type MailGoatSender struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewMailGoatSender creates a MailGoat sender. baseURL falls back to the
// public API endpoint when empty; a zero timeout falls back to 60s.
func NewMailGoatSender(apiKey, baseURL string, timeout time.Duration, log zerolog.Logger) *MailGoatSender {
	if baseURL == "" {
		baseURL = defaultMailGoatBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &MailGoatSender{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "mailgoat").Logger(),
	}
}

type mailgoatResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
}

type mailgoatError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send delivers a single message. Provider rejections come back as
// *ProviderError; transport failures are returned as-is so the
// classifier can inspect the network error kind.
func (s *MailGoatSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("mailgoat: API key not configured")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mailgoat: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("mailgoat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mailgoat: send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		var apiErr mailgoatError
		_ = json.Unmarshal(body, &apiErr)
		code := apiErr.Error.Code
		message := apiErr.Error.Message
		if code == "" {
			code = apiErr.Code
		}
		if message == "" {
			message = apiErr.Message
		}
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		return nil, &ProviderError{StatusCode: resp.StatusCode, Code: code, Message: message}
	}

	var out mailgoatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("mailgoat: decode response: %w", err)
	}
	messageID := out.MessageID
	if messageID == "" {
		messageID = out.ID
	}

	s.log.Debug().Str("message_id", messageID).Msg("sent")

	return &Result{MessageID: messageID, SentAt: time.Now()}, nil
}
