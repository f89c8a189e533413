package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OpenIDConfig returns the discovery document.
func (h *AuthHandler) OpenIDConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.Discovery.OpenIDConfigurationResponse())
}

// JWKS exposes the active and retiring public keys.
func (h *AuthHandler) JWKS(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=60")
	c.JSON(http.StatusOK, h.Issuer.CurrentPublicKeys())
}
