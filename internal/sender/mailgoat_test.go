package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailGoatSendSuccess(t *testing.T) {
	var gotAuth string
	var gotMsg Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/send", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotMsg))
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "mg-123"})
	}))
	defer srv.Close()

	s := NewMailGoatSender("key-abc", srv.URL, 0, zerolog.Nop())
	res, err := s.Send(context.Background(), &Message{
		To:      []string{"user@example.com"},
		Subject: "hi",
		Body:    "plain text",
	})
	require.NoError(t, err)
	assert.Equal(t, "mg-123", res.MessageID)
	assert.False(t, res.SentAt.IsZero())
	assert.Equal(t, "Bearer key-abc", gotAuth)
	assert.Equal(t, []string{"user@example.com"}, gotMsg.To)
	assert.Equal(t, "hi", gotMsg.Subject)
}

func TestMailGoatSendFallsBackToIDField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "mg-456"})
	}))
	defer srv.Close()

	s := NewMailGoatSender("key", srv.URL, 0, zerolog.Nop())
	res, err := s.Send(context.Background(), &Message{To: []string{"a@b.c"}, Subject: "s", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, "mg-456", res.MessageID)
}

func TestMailGoatSendProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "invalid_recipient", "message": "recipient domain does not exist"},
		})
	}))
	defer srv.Close()

	s := NewMailGoatSender("key", srv.URL, 0, zerolog.Nop())
	_, err := s.Send(context.Background(), &Message{To: []string{"a@b.c"}, Subject: "s", Body: "b"})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 422, perr.StatusCode)
	assert.Equal(t, "invalid_recipient", perr.Code)
	assert.Contains(t, perr.Message, "does not exist")
}

func TestMailGoatSendFlatErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "rate_limited", "message": "slow down"})
	}))
	defer srv.Close()

	s := NewMailGoatSender("key", srv.URL, 0, zerolog.Nop())
	_, err := s.Send(context.Background(), &Message{To: []string{"a@b.c"}, Subject: "s", Body: "b"})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 429, perr.StatusCode)
	assert.Equal(t, "rate_limited", perr.Code)
}

func TestMailGoatSendNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	s := NewMailGoatSender("key", srv.URL, 0, zerolog.Nop())
	_, err := s.Send(context.Background(), &Message{To: []string{"a@b.c"}, Subject: "s", Body: "b"})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 502, perr.StatusCode)
	assert.Equal(t, "upstream unavailable", perr.Message)
}

func TestMailGoatSendRequiresAPIKey(t *testing.T) {
	s := NewMailGoatSender("", "http://localhost:1", 0, zerolog.Nop())
	_, err := s.Send(context.Background(), &Message{To: []string{"a@b.c"}})
	assert.Error(t, err)
}

func TestProviderErrorString(t *testing.T) {
	err := &ProviderError{StatusCode: 503, Code: "overloaded", Message: "try later"}
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "try later")
}
