package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/membermail/membermail/internal/core"
	"github.com/membermail/membermail/internal/domain/model"
)

// ContactSender pushes membership records into a Resend audience, one contact
// per recipient. It implements core.ExternalSender for batch-sync jobs.
type ContactSender struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewContactSender constructs a Resend audience contact sender.
func NewContactSender(opts SenderOptions) (*ContactSender, error) {
	cfg := opts.Config
	cfg.Sanitize()

	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("resend api key is required")
	}

	hc := opts.Client
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &ContactSender{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  hc,
	}, nil
}

// contactPayload is the portion of a job payload a batch-sync carries.
type contactPayload struct {
	AudienceID string `json:"audience_id"`
}

type contactRequest struct {
	Email        string `json:"email"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Unsubscribed bool   `json:"unsubscribed"`
}

type contactResponse struct {
	ID string `json:"id"`
}

// Send upserts one contact into the audience named by the job payload.
func (s *ContactSender) Send(ctx context.Context, recipient model.RecipientTarget, payload json.RawMessage) (*core.SendResult, error) {
	var sync contactPayload
	if err := json.Unmarshal(payload, &sync); err != nil {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: fmt.Errorf("decode sync payload: %w", err)}
	}
	if strings.TrimSpace(sync.AudienceID) == "" {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: errors.New("sync payload has no audience id")}
	}

	email := recipient.Fields["email"]
	if email == "" {
		email = recipient.Key
	}
	if !strings.Contains(email, "@") {
		return nil, &model.SendError{Kind: model.SendErrorInvalidRecipient, Cause: fmt.Errorf("recipient %q is not an email address", email)}
	}

	first, last := splitName(recipient.Fields["name"])
	body, err := json.Marshal(contactRequest{
		Email:     email,
		FirstName: first,
		LastName:  last,
	})
	if err != nil {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: fmt.Errorf("encode contact request: %w", err)}
	}

	endpoint := s.baseURL + "/audiences/" + sync.AudienceID + "/contacts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &model.SendError{Kind: model.SendErrorFatal, Cause: fmt.Errorf("create contact request: %w", err)}
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

	var out contactResponse
	if err := decodeBody(resp, &out); err != nil {
		return nil, &model.SendError{Kind: model.SendErrorTransient, Cause: err}
	}
	return &core.SendResult{ExternalID: out.ID}, nil
}

// splitName splits a display name into first and last on the first space.
func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	parts := strings.SplitN(name, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}
