package handler_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/gridauth/internal/domain"
)

func TestPilotEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	operator := h.tokens(t, "sub-alice", "vo:gridvo group:gridvo_admin")
	user := h.tokens(t, "sub-bob", "vo:gridvo")

	w := h.do(t, request{method: http.MethodPost, path: "/api/pilots/secrets", json: map[string]any{"count": 1}, bearer: user.Access.Raw})
	requireOAuthError(t, w, http.StatusForbidden, "insufficient_scope")

	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/secrets",
		json: map[string]any{"count": 1, "constraints": map[string]any{"sites": []string{"site-a"}}}, bearer: operator.Access.Raw})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct {
		Secrets []struct {
			Secret string `json:"secret"`
		} `json:"secrets"`
	}](t, w)
	require.Len(t, created.Secrets, 1)
	pilotSecret := created.Secrets[0].Secret

	login := map[string]string{"pilot_secret": pilotSecret, "pilot_stamp": "stamp-1", "vo": "gridvo", "site": "site-b"}
	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/login", json: login})
	requireOAuthError(t, w, http.StatusBadRequest, "invalid_grant")

	login["site"] = "site-a"
	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/login", json: login})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pilotTokens := decode[tokenBody](t, w)
	assert.Equal(t, "vo:gridvo group:gridvo_pilot property:GenericPilot property:LimitedDelegation", pilotTokens.Scope)

	// Single use.
	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/login", json: login})
	requireOAuthError(t, w, http.StatusBadRequest, "invalid_grant")

	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/match", json: map[string]string{"site": "site-a"}, bearer: user.Access.Raw})
	requireOAuthError(t, w, http.StatusForbidden, "insufficient_scope")

	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/match", json: map[string]string{"site": "site-a"}, bearer: pilotTokens.AccessToken})
	requireOAuthError(t, w, http.StatusNotFound, "no_match")

	require.NoError(t, h.jobs.Enqueue(ctx, domain.JobDetails{JobID: "job-1", VO: "gridvo", Site: "site-a"}))
	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/match", json: map[string]string{"site": "site-a"}, bearer: pilotTokens.AccessToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	matched := decode[struct {
		Job   domain.JobDetails `json:"job"`
		Token tokenBody         `json:"token"`
	}](t, w)
	assert.Equal(t, "job-1", matched.Job.JobID)
	assert.Equal(t, 600, matched.Token.ExpiresIn)
	jobToken := matched.Token.AccessToken

	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/jobs/job-1/verify", bearer: jobToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "stamp-1", decode[map[string]any](t, w)["pilot_stamp"])

	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/jobs/job-2/verify", bearer: jobToken})
	requireOAuthError(t, w, http.StatusForbidden, "insufficient_scope")

	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/jobs/job-1/finalize", json: map[string]string{"outcome": "exploded"}, bearer: pilotTokens.AccessToken})
	requireOAuthError(t, w, http.StatusBadRequest, "invalid_request")

	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/jobs/job-1/finalize", json: map[string]string{"outcome": "success"}, bearer: pilotTokens.AccessToken})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = h.do(t, request{method: http.MethodPost, path: "/api/pilots/jobs/job-1/verify", bearer: jobToken})
	requireOAuthError(t, w, http.StatusUnauthorized, "invalid_token")
}
