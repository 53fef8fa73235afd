package resend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membermail/membermail/config"
	"github.com/membermail/membermail/internal/domain/model"
)

func newTestContactSender(t *testing.T, baseURL string) *ContactSender {
	t.Helper()
	s, err := NewContactSender(SenderOptions{
		Config: config.ResendConfig{APIKey: "test-key", BaseURL: baseURL},
	})
	require.NoError(t, err)
	return s
}

func TestContactSend_Success(t *testing.T) {
	var gotPath string
	var gotReq contactRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(contactResponse{ID: "contact_7"})
	}))
	defer server.Close()

	sender := newTestContactSender(t, server.URL)
	res, err := sender.Send(context.Background(), model.RecipientTarget{
		Key:    "ann@example.com",
		Fields: map[string]string{"email": "ann@example.com", "name": "Ann van Dam"},
	}, json.RawMessage(`{"audience_id":"aud_1"}`))

	require.NoError(t, err)
	assert.Equal(t, "contact_7", res.ExternalID)
	assert.Equal(t, "/audiences/aud_1/contacts", gotPath)
	assert.Equal(t, "ann@example.com", gotReq.Email)
	assert.Equal(t, "Ann", gotReq.FirstName)
	assert.Equal(t, "van Dam", gotReq.LastName)
}

func TestContactSend_MissingAudienceIsFatal(t *testing.T) {
	sender := newTestContactSender(t, "http://unused.invalid")

	_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "a@b.c"}, json.RawMessage(`{}`))
	se := model.AsSendError(err)
	require.NotNil(t, se)
	assert.Equal(t, model.SendErrorFatal, se.Kind)
}

func TestContactSend_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sender := newTestContactSender(t, server.URL)
	_, err := sender.Send(context.Background(), model.RecipientTarget{Key: "a@b.c"}, json.RawMessage(`{"audience_id":"aud_1"}`))

	se := model.AsSendError(err)
	require.NotNil(t, se)
	assert.Equal(t, model.SendErrorRateLimited, se.Kind)
	assert.Equal(t, int64(7), int64(se.RetryAfter.Seconds()))
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in    string
		first string
		last  string
	}{
		{in: "", first: "", last: ""},
		{in: "Ann", first: "Ann", last: ""},
		{in: "Ann van Dam", first: "Ann", last: "van Dam"},
		{in: "  Bo  ", first: "Bo", last: ""},
	}
	for _, tt := range tests {
		first, last := splitName(tt.in)
		assert.Equal(t, tt.first, first, tt.in)
		assert.Equal(t, tt.last, last, tt.in)
	}
}
