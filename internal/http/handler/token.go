package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/http/middleware"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/flow"
)

type tokenRequest struct {
	GrantType    string `form:"grant_type" binding:"required"`
	ClientID     string `form:"client_id"`
	Code         string `form:"code"`
	DeviceCode   string `form:"device_code"`
	RedirectURI  string `form:"redirect_uri"`
	CodeVerifier string `form:"code_verifier"`
	RefreshToken string `form:"refresh_token"`
	Scope        string `form:"scope"`
}

// Token handles the authorization_code, device_code and refresh_token grants.
func (h *AuthHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "Invalid token request.")
		return
	}

	var (
		pair domain.TokenPair
		err  error
	)
	switch req.GrantType {
	case service.GrantAuthorizationCode, service.GrantDeviceCode:
		pair, err = h.Flows.ExchangeFlowForTokens(c.Request.Context(), flow.ExchangeInput{
			GrantType:    req.GrantType,
			ClientID:     strings.TrimSpace(req.ClientID),
			Code:         req.Code,
			DeviceCode:   req.DeviceCode,
			RedirectURI:  req.RedirectURI,
			CodeVerifier: req.CodeVerifier,
		})
	case service.GrantRefreshToken:
		pair, err = h.Refresh.Refresh(c.Request.Context(), req.RefreshToken, req.Scope)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type", "error_description": "Unsupported grant type."})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondTokens(c, pair)
}

// Revoke implements RFC 7009. Unknown tokens are not an error.
func (h *AuthHandler) Revoke(c *gin.Context) {
	var req struct {
		Token         string `form:"token" json:"token"`
		TokenTypeHint string `form:"token_type_hint" json:"token_type_hint"`
	}
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		badRequest(c, "token is required.")
		return
	}
	if hint := req.TokenTypeHint; hint != "" && hint != "refresh_token" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_token_type", "error_description": "Only refresh tokens can be revoked."})
		return
	}
	if err := h.Refresh.Revoke(c.Request.Context(), strings.TrimSpace(req.Token)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// LegacyExchange trades the legacy system's pre-shared key for user tokens.
func (h *AuthHandler) LegacyExchange(c *gin.Context) {
	credential, ok := middleware.BearerToken(c)
	if !ok {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}
	var req struct {
		PreferredUsername string `form:"preferred_username" json:"preferred_username" binding:"required"`
		Scope             string `form:"scope" json:"scope" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "preferred_username and scope are required.")
		return
	}
	pair, err := h.Legacy.ExchangeLegacyIdentity(c.Request.Context(), credential, req.PreferredUsername, req.Scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondTokens(c, pair)
}
