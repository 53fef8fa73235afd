// Package whop sends platform direct messages through the Whop API.
package whop

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

// messagesPath is the Whop v5 direct-message endpoint, relative to BaseURL.
const messagesPath = "/api/v5/app/messages"

// Sender delivers broadcast messages as Whop DMs. It implements
// core.ExternalSender and classifies every failure into a *model.SendError.
type Sender struct {
	apiKey      string
	baseURL     string
	agentUserID string
	client      *http.Client
}

// SenderOptions configures a Sender. Client is optional and intended for
// tests; when nil an http.Client with the configured timeout is used.
type SenderOptions struct {
	Config config.WhopConfig
	Client *http.Client
}

// NewSender constructs a Whop DM sender. The API key is required.
func NewSender(opts SenderOptions) (*Sender, error) {
	cfg := opts.Config
	cfg.Sanitize()

	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("whop api key is required")
	}

	hc := opts.Client
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Sender{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		agentUserID: strings.TrimSpace(cfg.AgentUserID),
		client:      hc,
	}, nil
}

// messagePayload is the portion of a job payload a DM broadcast carries.
type messagePayload struct {
	Message string `json:"message"`
}

type messageRequest struct {
	ToUserID    string `json:"to_user_id"`
	Message     string `json:"message"`
	AgentUserID string `json:"agent_user_id,omitempty"`
}

type messageResponse struct {
	ID string `json:"id"`
}

// Send delivers one DM to the recipient's platform user id.
func (s *Sender) Send(ctx context.Context, recipient model.RecipientTarget, payload json.RawMessage) (*core.SendResult, error) {
	var msg messagePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: fmt.Errorf("decode message payload: %w", err)}
	}
	if strings.TrimSpace(msg.Message) == "" {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: errors.New("message payload is empty")}
	}

	userID := recipient.Fields["user_id"]
	if userID == "" {
		userID = recipient.Key
	}
	if strings.TrimSpace(userID) == "" {
		return nil, &model.SendError{Kind: model.SendErrorInvalidRecipient, Cause: errors.New("recipient has no user id")}
	}

	body, err := json.Marshal(messageRequest{
		ToUserID:    userID,
		Message:     msg.Message,
		AgentUserID: s.agentUserID,
	})
	if err != nil {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: fmt.Errorf("encode message request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: fmt.Errorf("create message request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &model.SendError{Kind: model.SendErrorTransient, Cause: fmt.Errorf("whop request failed: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyResponse(resp)
	}

	var out messageResponse
	if err := decodeBody(resp, &out); err != nil {
		return nil, &model.SendError{Kind: model.SendErrorTransient, Cause: err}
	}
	return &core.SendResult{ExternalID: out.ID}, nil
}

// classifyResponse maps a non-2xx provider response to a *model.SendError.
func classifyResponse(resp *http.Response) *model.SendError {
	cause := fmt.Errorf("whop api %s: %s", resp.Status, readErrorBody(resp))

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
