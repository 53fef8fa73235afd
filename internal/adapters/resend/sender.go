// Package resend sends transactional email through the Resend API.
package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/membermail/membermail/config"
	"github.com/membermail/membermail/internal/core"
	"github.com/membermail/membermail/internal/domain/model"
)

// emailsPath is the Resend send endpoint, relative to BaseURL.
const emailsPath = "/emails"

// Sender delivers email broadcasts through Resend. It implements
// core.ExternalSender and classifies every failure into a *model.SendError.
type Sender struct {
	apiKey      string
	baseURL     string
	fromAddress string
	client      *http.Client
}

// SenderOptions configures a Sender. Client is optional and intended for
// tests; when nil an http.Client with the configured timeout is used.
type SenderOptions struct {
	Config config.ResendConfig
	Client *http.Client
}

// NewSender constructs a Resend email sender. The API key and from address
// are required.
func NewSender(opts SenderOptions) (*Sender, error) {
	cfg := opts.Config
	cfg.Sanitize()

	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("resend api key is required")
	}
	if strings.TrimSpace(cfg.FromAddress) == "" {
		return nil, errors.New("resend from address is required")
	}

	hc := opts.Client
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Sender{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		fromAddress: cfg.FromAddress,
		client:      hc,
	}, nil
}

// emailPayload is the portion of a job payload an email broadcast carries.
type emailPayload struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type emailResponse struct {
	ID string `json:"id"`
}

// Send delivers one email to the recipient's address.
func (s *Sender) Send(ctx context.Context, recipient model.RecipientTarget, payload json.RawMessage) (*core.SendResult, error) {
	var email emailPayload
	if err := json.Unmarshal(payload, &email); err != nil {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: fmt.Errorf("decode email payload: %w", err)}
	}
	if strings.TrimSpace(email.Subject) == "" {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: errors.New("email payload has no subject")}
	}
	if email.HTML == "" && email.Text == "" {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: errors.New("email payload has no body")}
	}

	to := recipient.Fields["email"]
	if to == "" {
		to = recipient.Key
	}
	if !strings.Contains(to, "@") {
		return nil, &model.SendError{Kind: model.SendErrorInvalidRecipient, Cause: fmt.Errorf("recipient %q is not an email address", to)}
	}

	body, err := json.Marshal(emailRequest{
		From:    s.fromAddress,
		To:      []string{to},
		Subject: email.Subject,
		HTML:    email.HTML,
		Text:    email.Text,
	})
	if err != nil {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: fmt.Errorf("encode email request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+emailsPath, bytes.NewReader(body))
	if err != nil {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: fmt.Errorf("create email request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &model.SendError{Kind: model.SendErrorTransient, Cause: fmt.Errorf("resend request failed: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyResponse(resp)
	}

	var out emailResponse
	if err := decodeBody(resp, &out); err != nil {
		return nil, &model.SendError{Kind: model.SendErrorTransient, Cause: err}
	}
	return &core.SendResult{ExternalID: out.ID}, nil
}

// classifyResponse maps a non-2xx provider response to a *model.SendError.
func classifyResponse(resp *http.Response) *model.SendError {
	cause := fmt.Errorf("resend api %s: %s", resp.Status, readErrorBody(resp))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &model.SendError{
			Kind:       model.SendErrorRateLimited,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      cause,
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &model.SendError{Kind: model.SendErrorFatal, Cause: cause}
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return &model.SendError{Kind: model.SendErrorInvalidRecipient, Cause: cause}
	default:
		return &model.SendError{Kind: model.SendErrorTransient, Cause: cause}
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "(unreadable body)"
	}
	return strings.TrimSpace(string(body))
}

func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}
