package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/gridauth/internal/service/flow"
)

type deviceRequest struct {
	ClientID            string `form:"client_id" json:"client_id"`
	Scope               string `form:"scope" json:"scope"`
	CodeChallenge       string `form:"code_challenge" json:"code_challenge"`
	CodeChallengeMethod string `form:"code_challenge_method" json:"code_challenge_method"`
}

// DeviceAuthorize is the RFC 8628 device-authorization endpoint.
func (h *AuthHandler) DeviceAuthorize(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "Invalid device authorization request.")
		return
	}
	out, err := h.Flows.StartDeviceFlow(c.Request.Context(), flow.StartDeviceInput{
		ClientID:            strings.TrimSpace(req.ClientID),
		Scope:               req.Scope,
		CodeChallenge:       strings.TrimSpace(req.CodeChallenge),
		CodeChallengeMethod: strings.TrimSpace(req.CodeChallengeMethod),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, out)
}

// DeviceVerify is the verification URI: it sends the user to the IdP for the
// flow named by user_code.
func (h *AuthHandler) DeviceVerify(c *gin.Context) {
	userCode := strings.TrimSpace(c.Query("user_code"))
	if userCode == "" {
		badRequest(c, "user_code is required.")
		return
	}
	redirect, err := h.Flows.BeginDeviceVerification(c.Request.Context(), userCode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, redirect)
}

// DeviceComplete receives the IdP callback for a device flow.
func (h *AuthHandler) DeviceComplete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindQuery(&req); err != nil || req.State == "" {
		badRequest(c, "state is required.")
		return
	}
	out, err := h.Flows.CompleteFlow(c.Request.Context(), req.input())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if out.Kind != flow.KindDevice {
		badRequest(c, "state does not belong to a device flow.")
		return
	}
	if out.Denied {
		c.JSON(http.StatusForbidden, gin.H{"status": "denied", "message": "The login was not approved. You can close this window."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "authorized", "message": "Device authorized. You can close this window."})
}
