package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPVerifier_AcceptsValidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"user_id":"alice"}`))
	}))
	defer srv.Close()

	v := NewVerifier(config.AuthConfig{VerifyURL: srv.URL, Timeout: time.Second}, zap.NewNop())

	userID, err := v.Verify(context.Background(), "good-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	_, err = v.Verify(context.Background(), "bad-token")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestHTTPVerifier_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	v := NewVerifier(config.AuthConfig{VerifyURL: srv.URL, Timeout: time.Second}, zap.NewNop())

	_, err := v.Verify(context.Background(), "tok")
	assert.Equal(t, domain.KindAuthFailed, domain.KindOf(err))
}

func TestLocalVerifier(t *testing.T) {
	v := &LocalVerifier{}

	userID, err := v.Verify(context.Background(), "user-42")
	require.NoError(t, err)
	assert.Equal(t, "42", userID)

	userID, err = v.Verify(context.Background(), "opaque")
	require.NoError(t, err)
	assert.Equal(t, "opaque", userID)

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
