package resend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membermail/membermail/config"
	"github.com/membermail/membermail/internal/domain/model"
)

func newTestSender(t *testing.T, baseURL string) *Sender {
	t.Helper()
	s, err := NewSender(SenderOptions{
		Config: config.ResendConfig{
			APIKey:      "test-key",
			BaseURL:     baseURL,
			FromAddress: "news@membermail.dev",
		},
	})
	require.NoError(t, err)
	return s
}

func campaignPayload(t *testing.T) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{"subject":"March update","html":"<p>hi</p>"}`)
}

func TestNewSender_Validation(t *testing.T) {
	_, err := NewSender(SenderOptions{Config: config.ResendConfig{FromAddress: "a@b.c"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")

	_, err = NewSender(SenderOptions{Config: config.ResendConfig{APIKey: "k"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from address")
}

func TestSend_Success(t *testing.T) {
	var gotReq emailRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, emailsPath, r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(emailResponse{ID: "email_42"})
	}))
	defer server.Close()

	sender := newTestSender(t, server.URL)
	res, err := sender.Send(context.Background(), model.RecipientTarget{
		Key:    "member@example.com",
		Fields: map[string]string{"email": "member@example.com"},
	}, campaignPayload(t))

	require.NoError(t, err)
	assert.Equal(t, "email_42", res.ExternalID)
	assert.Equal(t, "news@membermail.dev", gotReq.From)
	assert.Equal(t, []string{"member@example.com"}, gotReq.To)
	assert.Equal(t, "March update", gotReq.Subject)
	assert.Equal(t, "<p>hi</p>", gotReq.HTML)
}

func TestSend_FallsBackToRecipientKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req emailRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"key@example.com"}, req.To)
		_ = json.NewEncoder(w).Encode(emailResponse{ID: "email_1"})
	}))
	defer server.Close()

	sender := newTestSender(t, server.URL)
	_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "key@example.com"}, campaignPayload(t))
	require.NoError(t, err)
}

func TestSend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		headers   map[string]string
		wantKind  model.SendErrorKind
		wantRetry time.Duration
	}{
		{
			name:      "429 is rate limited with retry-after",
			status:    http.StatusTooManyRequests,
			headers:   map[string]string{"Retry-After": "12"},
			wantKind:  model.SendErrorRateLimited,
			wantRetry: 12 * time.Second,
		},
		{
			name:     "401 is fatal",
			status:   http.StatusUnauthorized,
			wantKind: model.SendErrorFatal,
		},
		{
			name:     "400 is invalid recipient",
			status:   http.StatusBadRequest,
			wantKind: model.SendErrorInvalidRecipient,
		},
		{
			name:     "422 is invalid recipient",
			status:   http.StatusUnprocessableEntity,
			wantKind: model.SendErrorInvalidRecipient,
		},
		{
			name:     "502 is transient",
			status:   http.StatusBadGateway,
			wantKind: model.SendErrorTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer server.Close()

			sender := newTestSender(t, server.URL)
			_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "member@example.com"}, campaignPayload(t))

			require.Error(t, err)
			se := model.AsSendError(err)
			require.NotNil(t, se, "expected a classified send error, got %v", err)
			assert.Equal(t, tt.wantKind, se.Kind)
			assert.Equal(t, tt.wantRetry, se.RetryAfter)
		})
	}
}

func TestSend_PayloadValidation(t *testing.T) {
	sender := newTestSender(t, "http://unused.invalid")

	tests := []struct {
		name     string
		payload  json.RawMessage
		wantKind model.SendErrorKind
	}{
		{name: "not json", payload: json.RawMessage(`nope`), wantKind: model.SendErrorFatal},
		{name: "missing subject", payload: json.RawMessage(`{"html":"<p>x</p>"}`), wantKind: model.SendErrorFatal},
		{name: "missing body", payload: json.RawMessage(`{"subject":"x"}`), wantKind: model.SendErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "member@example.com"}, tt.payload)
			se := model.AsSendError(err)
			require.NotNil(t, se)
			assert.Equal(t, tt.wantKind, se.Kind)
		})
	}
}

func TestSend_NonEmailRecipientIsInvalid(t *testing.T) {
	sender := newTestSender(t, "http://unused.invalid")

	_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "user_123"}, campaignPayload(t))
	se := model.AsSendError(err)
	require.NotNil(t, se)
	assert.Equal(t, model.SendErrorInvalidRecipient, se.Kind)
}
