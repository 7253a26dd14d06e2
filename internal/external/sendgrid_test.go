package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megaphone/internal/types"
)

// newNoRetryClient builds a SendGridClient pointed at a test server with
// retries disabled and sleeps stubbed out.
func newNoRetryClient(serverURL string) *SendGridClient {
	base := NewBaseClient(
		http.DefaultClient,
		"sendgrid-test",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"Megaphone/test",
		WithSleepFunc(func(time.Duration) {}),
	)
	return NewSendGridClientWithBase(base, SendGridClientConfig{
		APIKey:  "test-key",
		BaseURL: serverURL,
	})
}

func sampleSendInput() types.SendInput {
	return types.SendInput{
		To:          "user@example.com",
		FromName:    "Acme",
		FromAddress: "no-reply@acme.test",
		Subject:     "Hello",
		Body:        "<p>Hi</p>",
		ReferenceID: "rcp_1",
	}
}

func TestSendGridClient_SendSuccess(t *testing.T) {
	var captured struct {
		method string
		path   string
		auth   string
		body   sendGridMailPayload
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &captured.body))
		w.Header().Set("X-Message-Id", "msg-789")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newNoRetryClient(server.URL)
	msgID, err := client.Send(context.Background(), sampleSendInput())
	require.NoError(t, err)
	assert.Equal(t, "msg-789", msgID)

	assert.Equal(t, http.MethodPost, captured.method)
	assert.Equal(t, "/v3/mail/send", captured.path)
	assert.Equal(t, "Bearer test-key", captured.auth)

	require.Len(t, captured.body.Personalizations, 1)
	require.Len(t, captured.body.Personalizations[0].To, 1)
	assert.Equal(t, "user@example.com", captured.body.Personalizations[0].To[0].Email)
	assert.Equal(t, "no-reply@acme.test", captured.body.From.Email)
	assert.Equal(t, "Hello", captured.body.Subject)
	require.Len(t, captured.body.Content, 1)
	assert.Equal(t, "text/html", captured.body.Content[0].Type)
	assert.Equal(t, "<p>Hi</p>", captured.body.Content[0].Value)
	assert.Equal(t, "rcp_1", captured.body.CustomArgs["reference_id"])
}

func TestSendGridClient_BadRequestMapsToUpstreamMail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(sendGridErrorResponse{
			Errors: []sendGridErrorDetail{{Message: "The from address does not match a verified Sender Identity"}},
		})
	}))
	defer server.Close()

	client := newNoRetryClient(server.URL)
	_, err := client.Send(context.Background(), sampleSendInput())
	require.Error(t, err)

	appErr, ok := err.(*types.AppError)
	require.True(t, ok, "expected AppError, got %T", err)
	assert.Equal(t, types.ErrCodeUpstreamMail, appErr.Code)
	assert.Contains(t, appErr.Message, "verified Sender Identity")
}

func TestSendGridClient_ServerErrorExhaustsRetries(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	base := NewBaseClient(
		http.DefaultClient,
		"sendgrid-test-retry",
		RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"Megaphone/test",
		WithSleepFunc(func(time.Duration) {}),
	)
	client := NewSendGridClientWithBase(base, SendGridClientConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
	})

	_, err := client.Send(context.Background(), sampleSendInput())
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	appErr, ok := err.(*types.AppError)
	require.True(t, ok, "expected AppError, got %T", err)
	assert.Equal(t, types.ErrCodeUpstreamMail, appErr.Code)
}

func TestSendGridClient_PropagatesTraceHeader(t *testing.T) {
	var trace string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace = r.Header.Get("X-B3-TraceId")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newNoRetryClient(server.URL)
	ctx := types.WithRequestID(context.Background(), "trace-123")
	_, err := client.Send(ctx, sampleSendInput())
	require.NoError(t, err)
	assert.Equal(t, "trace-123", trace)
}
