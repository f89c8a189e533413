package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/flow"
)

type authorizeRequest struct {
	ClientID            string `form:"client_id"`
	ResponseType        string `form:"response_type"`
	RedirectURI         string `form:"redirect_uri"`
	Scope               string `form:"scope"`
	CodeChallenge       string `form:"code_challenge"`
	CodeChallengeMethod string `form:"code_challenge_method"`
	State               string `form:"state"`
}

type completeRequest struct {
	Code             string `form:"code"`
	State            string `form:"state"`
	Error            string `form:"error"`
	ErrorDescription string `form:"error_description"`
}

func (r completeRequest) input() flow.CompleteInput {
	return flow.CompleteInput{State: r.State, Code: r.Code, Error: r.Error, ErrorDescription: r.ErrorDescription}
}

// Authorize starts an authorization-code flow and sends the browser to the VO's IdP.
// Errors are returned as JSON: the redirect URI is not trusted until the flow is created.
func (h *AuthHandler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "Invalid authorize request.")
		return
	}
	if rt := strings.TrimSpace(req.ResponseType); rt != "" && !strings.EqualFold(rt, "code") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_response_type", "error_description": "Only response_type=code is supported."})
		return
	}

	out, err := h.Flows.StartAuthorizationFlow(c.Request.Context(), flow.StartAuthorizationInput{
		ClientID:            strings.TrimSpace(req.ClientID),
		RedirectURI:         strings.TrimSpace(req.RedirectURI),
		Scope:               req.Scope,
		CodeChallenge:       strings.TrimSpace(req.CodeChallenge),
		CodeChallengeMethod: strings.TrimSpace(req.CodeChallengeMethod),
		State:               req.State,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, out.RedirectURL)
}

// AuthorizeComplete receives the IdP callback and redirects back to the client
// with either a code or error=access_denied.
func (h *AuthHandler) AuthorizeComplete(c *gin.Context) {
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
	if out.Kind != flow.KindAuthorization {
		badRequest(c, "state does not belong to an authorization flow.")
		return
	}

	target, err := url.Parse(out.RedirectURI)
	if err != nil {
		h.respondError(c, err)
		return
	}
	q := target.Query()
	if out.Denied {
		q.Set("error", "access_denied")
		q.Set("error_description", service.ToOAuthError(domain.ErrAccessDenied).Description)
	} else {
		q.Set("code", out.Code)
	}
	if out.ClientState != "" {
		q.Set("state", out.ClientState)
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}
