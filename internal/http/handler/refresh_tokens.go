package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/http/middleware"
)

type refreshTokenView struct {
	JTI       uuid.UUID `json:"jti"`
	Kind      string    `json:"kind"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newRefreshTokenView(t domain.RefreshToken) refreshTokenView {
	return refreshTokenView{
		JTI:       t.JTI,
		Kind:      string(t.Kind),
		Scope:     t.Scope,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	}
}

// ListRefreshTokens returns the caller's live refresh tokens.
func (h *AuthHandler) ListRefreshTokens(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		h.respondError(c, domain.ErrInvalidToken)
		return
	}
	tokens, err := h.Refresh.ListRefreshTokens(c.Request.Context(), *claims)
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]refreshTokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, newRefreshTokenView(t))
	}
	c.JSON(http.StatusOK, gin.H{"refresh_tokens": views})
}

// DeleteRefreshToken revokes the chain containing :jti.
func (h *AuthHandler) DeleteRefreshToken(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		h.respondError(c, domain.ErrInvalidToken)
		return
	}
	jti, err := uuid.Parse(c.Param("jti"))
	if err != nil {
		badRequest(c, "jti must be a UUID.")
		return
	}
	if err := h.Refresh.RevokeByID(c.Request.Context(), *claims, jti); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RevokeSubject revokes every refresh token of a subject in the caller's VO.
func (h *AuthHandler) RevokeSubject(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		h.respondError(c, domain.ErrInvalidToken)
		return
	}
	var req struct {
		Subject string `json:"subject" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "subject is required.")
		return
	}
	n, err := h.Refresh.RevokeAllForSubject(c.Request.Context(), claims.Identity.VO, req.Subject)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}
