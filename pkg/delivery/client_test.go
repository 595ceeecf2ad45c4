package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestClient_Deliver_Success(t *testing.T) {
	var gotAuth, gotCustom, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(DefaultAuthApplier{}, newTestLogger(), nil)
	result, err := c.Deliver(context.Background(), Request{
		SubscriberID: "sub-1",
		EndpointURL:  srv.URL,
		Payload:      map[string]interface{}{"x": 1},
		Headers:      map[string]string{"X-Custom": "1"},
		Auth:         Auth{Kind: AuthBearer, Credentials: "tok"},
		VerifyTLS:    true,
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "1", gotCustom)
	assert.Equal(t, userAgent, gotUA)
}

func TestClient_Deliver_CustomHeaderNeverOverridesAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(DefaultAuthApplier{}, newTestLogger(), nil)
	_, err := c.Deliver(context.Background(), Request{
		SubscriberID: "sub-2",
		EndpointURL:  srv.URL,
		Payload:      map[string]interface{}{},
		Headers:      map[string]string{"Authorization": "Bearer attacker-supplied"},
		Auth:         Auth{Kind: AuthBearer, Credentials: "tok"},
		VerifyTLS:    true,
	})

	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestClient_Deliver_4xxIsRetryableByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(DefaultAuthApplier{}, newTestLogger(), nil)
	_, err := c.Deliver(context.Background(), Request{
		SubscriberID: "sub-3",
		EndpointURL:  srv.URL,
		Payload:      map[string]interface{}{},
		VerifyTLS:    true,
	})

	require.Error(t, err)
	var retryable *RetryableError
	require.True(t, errors.As(err, &retryable))
	assert.Equal(t, KindHTTP4xx, retryable.Kind)
}

func TestClient_Deliver_5xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(DefaultAuthApplier{}, newTestLogger(), nil)
	_, err := c.Deliver(context.Background(), Request{
		SubscriberID: "sub-4",
		EndpointURL:  srv.URL,
		Payload:      map[string]interface{}{},
		VerifyTLS:    true,
	})

	require.Error(t, err)
	var retryable *RetryableError
	require.True(t, errors.As(err, &retryable))
	assert.Equal(t, KindHTTP5xx, retryable.Kind)
}

func TestClient_Deliver_ConnectionRefused(t *testing.T) {
	c := NewClient(DefaultAuthApplier{}, newTestLogger(), nil)
	_, err := c.Deliver(context.Background(), Request{
		SubscriberID: "sub-5",
		EndpointURL:  "http://127.0.0.1:1",
		Payload:      map[string]interface{}{},
		VerifyTLS:    true,
	})

	require.Error(t, err)
	var retryable *RetryableError
	require.True(t, errors.As(err, &retryable))
}
