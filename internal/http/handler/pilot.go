package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/http/middleware"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/pilot"
)

type createSecretsRequest struct {
	Count         int                           `json:"count"`
	RemainingUses *int                          `json:"remaining_uses"`
	TTLSeconds    int64                         `json:"ttl_seconds"`
	Constraints   domain.PilotSecretConstraints `json:"constraints"`
}

// CreatePilotSecrets provisions a batch of pilot secrets.
func (h *AuthHandler) CreatePilotSecrets(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		h.respondError(c, domain.ErrInvalidToken)
		return
	}
	var req createSecretsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid pilot secret request.")
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	issued, err := h.Pilots.CreateSecrets(c.Request.Context(), *claims, pilot.CreateSecretsInput{
		Count:         req.Count,
		RemainingUses: req.RemainingUses,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
		Constraints:   req.Constraints,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{"secrets": issued})
}

// PilotLogin exchanges a pilot secret for pilot tokens.
func (h *AuthHandler) PilotLogin(c *gin.Context) {
	var req struct {
		Secret     string `json:"pilot_secret" binding:"required"`
		PilotStamp string `json:"pilot_stamp" binding:"required"`
		VO         string `json:"vo" binding:"required"`
		Site       string `json:"site"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "pilot_secret, pilot_stamp and vo are required.")
		return
	}
	pair, err := h.Pilots.ConsumePilotSecret(c.Request.Context(), domain.PilotLogin{
		Secret:     req.Secret,
		PilotStamp: req.PilotStamp,
		VO:         req.VO,
		Site:       req.Site,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondTokens(c, pair)
}

// MatchJob hands a waiting job and its credential to the calling pilot.
func (h *AuthHandler) MatchJob(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		h.respondError(c, domain.ErrInvalidToken)
		return
	}
	var req domain.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid match request.")
		return
	}
	cred, err := h.Pilots.MatchJob(c.Request.Context(), *claims, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"job":   cred.Job,
		"token": service.NewTokenResponse(cred.Pair, int(h.Issuer.AccessTTL(cred.Pair.Access.Class).Seconds())),
	})
}

// FinalizeJob records a job's outcome and revokes its credential.
func (h *AuthHandler) FinalizeJob(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		h.respondError(c, domain.ErrInvalidToken)
		return
	}
	var req struct {
		Outcome domain.JobOutcome `json:"outcome" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "outcome is required.")
		return
	}
	if err := h.Pilots.FinalizeJob(c.Request.Context(), *claims, c.Param("job_id"), req.Outcome); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// VerifyJobCredential checks that the bearer job token is live for :job_id.
func (h *AuthHandler) VerifyJobCredential(c *gin.Context) {
	raw, ok := middleware.BearerToken(c)
	if !ok {
		h.respondError(c, domain.ErrInvalidToken)
		return
	}
	claims, err := h.Pilots.VerifyJobCredential(c.Request.Context(), raw, c.Param("job_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":      claims.Identity.JobID,
		"pilot_stamp": claims.Identity.PilotStamp,
		"vo":          claims.Identity.VO,
		"scope":       claims.Grant.Scope(),
		"exp":         claims.ExpiresAt.Unix(),
	})
}
