// Package auth resolves OAuth bearer tokens for connected mailboxes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crm_server/core/port/out"
	"crm_server/core/service/common"
	"crm_server/pkg/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// refreshWindow is how close to expiry a token is refreshed.
const refreshWindow = 5 * time.Minute

// RefreshFunc exchanges a stored token for a fresh one.
type RefreshFunc func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)

type TokenService struct {
	oauthRepo out.OAuthRepository
	refresh   RefreshFunc
	now       func() time.Time
}

// NewGoogleOAuthConfig builds the read-only Gmail client configuration.
func NewGoogleOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" || clientSecret == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Endpoint: google.Endpoint,
	}
}

// ConfigRefresher refreshes through the oauth2 token source of cfg.
func ConfigRefresher(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		if cfg == nil {
			return nil, fmt.Errorf("oauth config not initialized")
		}
		// Expiry forced into the past so the source always hits the endpoint.
		stale := *token
		stale.Expiry = time.Now().Add(-time.Minute)
		return cfg.TokenSource(ctx, &stale).Token()
	}
}

func NewTokenService(oauthRepo out.OAuthRepository, refresh RefreshFunc) *TokenService {
	return &TokenService{
		oauthRepo: oauthRepo,
		refresh:   refresh,
		now:       time.Now,
	}
}

// GetValidToken returns nil, nil when the account is unknown, disconnected,
// or cannot be refreshed. Only storage failures are returned as errors.
func (s *TokenService) GetValidToken(ctx context.Context, userID, accountEmail string) (*oauth2.Token, error) {
	account, err := s.oauthRepo.GetByEmail(ctx, userID, accountEmail)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			logger.Warn("[TokenService.GetValidToken] no connection for %s", accountEmail)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if account == nil || !account.IsConnected {
		return nil, nil
	}

	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.ExpiresAt,
		TokenType:    "Bearer",
	}
	if account.ExpiresAt.Sub(s.now()) >= refreshWindow {
		return token, nil
	}

	if token.RefreshToken == "" || s.refresh == nil {
		return nil, nil
	}

	newToken, err := s.refresh(ctx, token)
	if err != nil {
		if isTokenExpiredError(err) {
			logger.Warn("[TokenService.GetValidToken] token revoked for %s, marking as disconnected: %v", accountEmail, err)
			if markErr := s.oauthRepo.MarkDisconnected(ctx, account.ID, err.Error()); markErr != nil {
				logger.Error("[TokenService.GetValidToken] failed to update connection status: %v", markErr)
			}
		} else {
			logger.Warn("[TokenService.GetValidToken] refresh failed for %s: %v", accountEmail, err)
		}
		return nil, nil
	}

	if newToken.RefreshToken == "" {
		newToken.RefreshToken = token.RefreshToken
	}
	if err := s.oauthRepo.UpdateToken(ctx, account.ID, newToken.AccessToken, newToken.RefreshToken, newToken.Expiry.Unix()); err != nil {
		logger.Error("[TokenService.GetValidToken] failed to store refreshed token: %v", err)
	}

	logger.Debug("[TokenService.GetValidToken] token refreshed for %s", accountEmail)
	return newToken, nil
}

func (s *TokenService) Accounts(ctx context.Context, userID string) ([]string, error) {
	accounts, err := s.oauthRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	emails := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a.IsConnected && a.Provider == providerGoogle {
			emails = append(emails, a.Email)
		}
	}
	return emails, nil
}

const providerGoogle = "google"

func isTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "invalid_client") ||
		strings.Contains(errStr, "invalid_grant") ||
		strings.Contains(errStr, "Token has been expired or revoked") ||
		strings.Contains(errStr, "Token has been revoked")
}

var _ out.TokenProvider = (*TokenService)(nil)
