// Package handler maps the HTTP surface onto the flow, token and pilot services.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/flow"
	"github.com/smallbiznis/gridauth/internal/service/pilot"
)

// AuthHandler serves the OAuth, token management and pilot endpoints.
type AuthHandler struct {
	Flows     flow.Orchestrator
	Issuer    *service.TokenIssuer
	Refresh   *service.RefreshManager
	Legacy    *service.LegacyExchange
	Pilots    pilot.Pipeline
	Discovery *service.DiscoveryService
	Logger    *zap.Logger
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(
	flows flow.Orchestrator,
	issuer *service.TokenIssuer,
	refresh *service.RefreshManager,
	legacy *service.LegacyExchange,
	pilots pilot.Pipeline,
	discovery *service.DiscoveryService,
	logger *zap.Logger,
) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		Flows:     flows,
		Issuer:    issuer,
		Refresh:   refresh,
		Legacy:    legacy,
		Pilots:    pilots,
		Discovery: discovery,
		Logger:    logger.Named("http"),
	}
}

// respondError writes the OAuth error body for err.
func (h *AuthHandler) respondError(c *gin.Context, err error) {
	oauthErr := service.ToOAuthError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	if oauthErr.Status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
}

func badRequest(c *gin.Context, desc string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": desc})
}

func (h *AuthHandler) respondTokens(c *gin.Context, pair domain.TokenPair) {
	expiresIn := int(h.Issuer.AccessTTL(pair.Access.Class).Seconds())
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(http.StatusOK, service.NewTokenResponse(pair, expiresIn))
}
