package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAccepted(t *testing.T) {
	var gotSecret, gotToken, gotIP string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotSecret = r.PostFormValue("secret")
		gotToken = r.PostFormValue("response")
		gotIP = r.PostFormValue("remoteip")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer ts.Close()

	v := New(ts.URL, "s3cret", time.Second)
	res, err := v.Verify(context.Background(), "token-ok", "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Reasons)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, "token-ok", gotToken)
	assert.Equal(t, "203.0.113.9", gotIP)
}

func TestVerifyRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": false, "error-codes": ["invalid-input-response"]}`))
	}))
	defer ts.Close()

	v := New(ts.URL, "s3cret", time.Second)
	res, err := v.Verify(context.Background(), "token-bad", "")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, []string{"invalid-input-response"}, res.Reasons)
}

func TestVerifyMissingTokenSkipsNetwork(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer ts.Close()

	v := New(ts.URL, "s3cret", time.Second)
	_, err := v.Verify(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.False(t, called, "missing token must not reach the service")
}

func TestVerifyServiceDownFailsClosed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // connection refused

	v := New(ts.URL, "s3cret", time.Second)
	_, err := v.Verify(context.Background(), "token", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotContains(t, err.Error(), "s3cret", "secret must never leak into errors")
}

func TestVerifyTimeoutFailsClosed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	v := New(ts.URL, "s3cret", 20*time.Millisecond)
	_, err := v.Verify(context.Background(), "token", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestVerifyNon200FailsClosed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	v := New(ts.URL, "s3cret", time.Second)
	_, err := v.Verify(context.Background(), "token", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}
