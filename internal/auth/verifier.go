// Package auth resolves bearer tokens to user identities.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/domain"
	"go.uber.org/zap"
)

// Verifier resolves a bearer token to a user ID.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// NewVerifier picks the verifier implied by the configuration: a remote
// verification service when a URL is set, otherwise local tokens.
func NewVerifier(cfg config.AuthConfig, logger *zap.Logger) Verifier {
	if cfg.VerifyURL != "" {
		return &HTTPVerifier{
			url:    cfg.VerifyURL,
			client: &http.Client{Timeout: cfg.Timeout},
			logger: logger,
		}
	}
	logger.Warn("auth.verify_url not set, using local token verification")
	return &LocalVerifier{}
}

// HTTPVerifier delegates verification to an external identity service.
// The service receives the token as a bearer header and answers with the
// user it belongs to.
type HTTPVerifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// Verify calls the verification endpoint and returns the user ID.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", domain.NewError(domain.KindAuthFailed, "token verification unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Debug("token rejected", zap.Int("status", resp.StatusCode))
		return "", domain.ErrUnauthorized
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", domain.NewError(domain.KindAuthFailed, "malformed verify response", err)
	}
	if body.UserID == "" {
		return "", domain.ErrUnauthorized
	}
	return body.UserID, nil
}

// LocalVerifier accepts tokens of the form "user-<id>" and maps them
// directly to the embedded user ID. Meant for development and tests.
type LocalVerifier struct{}

// Verify extracts the user ID from a local token.
func (v *LocalVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthorized
	}
	if id, ok := strings.CutPrefix(token, "user-"); ok && id != "" {
		return id, nil
	}
	return token, nil
}
