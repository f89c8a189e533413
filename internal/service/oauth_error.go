package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/smallbiznis/gridauth/internal/domain"
)

// TokenResponse is the RFC 6749 token endpoint body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// NewTokenResponse renders a token pair relative to now.
func NewTokenResponse(pair domain.TokenPair, expiresIn int) TokenResponse {
	return TokenResponse{
		AccessToken:  pair.Access.Raw,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		Scope:        pair.Scope,
	}
}

// OAuthError standardizes OAuth compliant errors.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, desc string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

// ToOAuthError maps the error taxonomy to an OAuth error body. Not-found,
// consumed, revoked and replayed credentials share one description.
func ToOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	switch {
	case errors.As(err, &oauthErr):
		return oauthErr
	case errors.Is(err, domain.ErrInvalidRequest):
		return newOAuthError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrExpiredOrConsumed), errors.Is(err, domain.ErrReplayDetected):
		return newOAuthError("invalid_grant", "The grant is invalid, expired or already used.", http.StatusBadRequest)
	case errors.Is(err, domain.ErrAuthorizationPending):
		return newOAuthError("authorization_pending", "The user has not completed authorization.", http.StatusBadRequest)
	case errors.Is(err, domain.ErrSlowDown):
		return newOAuthError("slow_down", "Polling too frequently.", http.StatusBadRequest)
	case errors.Is(err, domain.ErrAccessDenied):
		return newOAuthError("access_denied", "Authorization was denied.", http.StatusBadRequest)
	case errors.Is(err, domain.ErrFlowExpired):
		return newOAuthError("expired_token", "The device code has expired.", http.StatusBadRequest)
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return newOAuthError("temporarily_unavailable", "The identity provider is unavailable, retry the flow.", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrInvalidToken):
		return newOAuthError("invalid_token", "The access token is invalid.", http.StatusUnauthorized)
	case errors.Is(err, domain.ErrForbidden):
		return newOAuthError("insufficient_scope", "The token lacks a required property.", http.StatusForbidden)
	case errors.Is(err, domain.ErrNoMatch):
		return newOAuthError("no_match", "No job is waiting for this pilot.", http.StatusNotFound)
	case errors.Is(err, domain.ErrJobCredentialActive):
		return newOAuthError("job_credential_active", "The pilot already holds an active job credential.", http.StatusConflict)
	default:
		return newOAuthError("server_error", "Internal server error.", http.StatusInternalServerError)
	}
}
