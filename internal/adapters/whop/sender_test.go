package whop

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
		Config: config.WhopConfig{
			APIKey:      "test-key",
			BaseURL:     baseURL,
			AgentUserID: "agent_123",
		},
	})
	require.NoError(t, err)
	return s
}

func dmPayload(t *testing.T) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{"message":"hello there"}`)
}

func TestNewSender_RequiresAPIKey(t *testing.T) {
	_, err := NewSender(SenderOptions{Config: config.WhopConfig{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestSend_Success(t *testing.T) {
	var gotAuth string
	var gotReq messageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, messagesPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(messageResponse{ID: "msg_789"})
	}))
	defer server.Close()

	sender := newTestSender(t, server.URL)
	res, err := sender.Send(context.Background(), model.RecipientTarget{
		Key:    "user_456",
		Fields: map[string]string{"user_id": "user_456", "name": "Sam"},
	}, dmPayload(t))

	require.NoError(t, err)
	assert.Equal(t, "msg_789", res.ExternalID)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "user_456", gotReq.ToUserID)
	assert.Equal(t, "hello there", gotReq.Message)
	assert.Equal(t, "agent_123", gotReq.AgentUserID)
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
			headers:   map[string]string{"Retry-After": "30"},
			wantKind:  model.SendErrorRateLimited,
			wantRetry: 30 * time.Second,
		},
		{
			name:     "429 without retry-after",
			status:   http.StatusTooManyRequests,
			wantKind: model.SendErrorRateLimited,
		},
		{
			name:     "401 is fatal",
			status:   http.StatusUnauthorized,
			wantKind: model.SendErrorFatal,
		},
		{
			name:     "403 is fatal",
			status:   http.StatusForbidden,
			wantKind: model.SendErrorFatal,
		},
		{
			name:     "404 is invalid recipient",
			status:   http.StatusNotFound,
			wantKind: model.SendErrorInvalidRecipient,
		},
		{
			name:     "422 is invalid recipient",
			status:   http.StatusUnprocessableEntity,
			wantKind: model.SendErrorInvalidRecipient,
		},
		{
			name:     "500 is transient",
			status:   http.StatusInternalServerError,
			wantKind: model.SendErrorTransient,
		},
		{
			name:     "503 is transient",
			status:   http.StatusServiceUnavailable,
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
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			sender := newTestSender(t, server.URL)
			_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "user_1"}, dmPayload(t))

			require.Error(t, err)
			se := model.AsSendError(err)
			require.NotNil(t, se, "expected a classified send error, got %v", err)
			assert.Equal(t, tt.wantKind, se.Kind)
			assert.Equal(t, tt.wantRetry, se.RetryAfter)
		})
	}
}

func TestSend_NetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	sender := newTestSender(t, server.URL)
	_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "user_1"}, dmPayload(t))

	require.Error(t, err)
	se := model.AsSendError(err)
	require.NotNil(t, se)
	assert.Equal(t, model.SendErrorTransient, se.Kind)
}

func TestSend_BadPayloadIsFatal(t *testing.T) {
	sender := newTestSender(t, "http://unused.invalid")

	tests := []struct {
		name    string
		payload json.RawMessage
	}{
		{name: "not json", payload: json.RawMessage(`{{`)},
		{name: "empty message", payload: json.RawMessage(`{"message":"  "}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "user_1"}, tt.payload)
			se := model.AsSendError(err)
			require.NotNil(t, se)
			assert.Equal(t, model.SendErrorFatal, se.Kind)
		})
	}
}

func TestSend_MissingUserIDIsInvalidRecipient(t *testing.T) {
	sender := newTestSender(t, "http://unused.invalid")

	_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "  "}, dmPayload(t))
	se := model.AsSendError(err)
	require.NotNil(t, se)
	assert.Equal(t, model.SendErrorInvalidRecipient, se.Kind)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 45*time.Second, parseRetryAfter("45"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 80*time.Second)
	assert.LessOrEqual(t, got, 90*time.Second)
}
