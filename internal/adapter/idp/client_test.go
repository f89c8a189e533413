package idp_test

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/smallbiznis/gridauth/internal/adapter/idp"
	"github.com/smallbiznis/gridauth/internal/adapter/idp/idptest"
	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
)

const redirectURI = "https://gridauth.example.org/api/auth/authorize/complete"

func newRegistry(t *testing.T, issuer string) *registry.Registry {
	t.Helper()
	doc := fmt.Sprintf(`
available_properties: [NormalUser]
vos:
  gridvo:
    idp:
      url: %s
      client_id: %s
    default_group: gridvo_user
    groups:
      gridvo_user:
        properties: [NormalUser]
        users: [sub-alice]
`, issuer, idptest.ClientID)
	reg, err := registry.Parse([]byte(doc))
	require.NoError(t, err)
	return reg
}

func TestExchangeReturnsVerifiedClaims(t *testing.T) {
	server := idptest.NewServer(t)
	client := idp.NewOIDCClient(newRegistry(t, server.URL), nil, 2*time.Second, zap.NewNop())
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	authURL, err := client.AuthorizationURL(ctx, "gridvo", redirectURI, "state-1", verifier, "nonce-1")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	require.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))
	require.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), parsed.Query().Get("code_challenge"))
	require.Equal(t, "state-1", parsed.Query().Get("state"))

	callback := server.Approve(authURL, "sub-alice", "alice")
	claims, err := client.Exchange(ctx, "gridvo", callback.Get("code"), verifier, redirectURI, "nonce-1")
	require.NoError(t, err)
	require.Equal(t, "sub-alice", claims.Subject)
	require.Equal(t, "alice", claims.PreferredUsername)
	require.Equal(t, server.URL, claims.Issuer)
}

func TestExchangeWrongVerifierIsDenied(t *testing.T) {
	server := idptest.NewServer(t)
	client := idp.NewOIDCClient(newRegistry(t, server.URL), nil, 2*time.Second, zap.NewNop())
	ctx := context.Background()

	authURL, err := client.AuthorizationURL(ctx, "gridvo", redirectURI, "s", oauth2.GenerateVerifier(), "n")
	require.NoError(t, err)
	callback := server.Approve(authURL, "sub-alice", "alice")

	_, err = client.Exchange(ctx, "gridvo", callback.Get("code"), oauth2.GenerateVerifier(), redirectURI, "n")
	require.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestExchangeNonceMismatch(t *testing.T) {
	server := idptest.NewServer(t)
	client := idp.NewOIDCClient(newRegistry(t, server.URL), nil, 2*time.Second, zap.NewNop())
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	authURL, err := client.AuthorizationURL(ctx, "gridvo", redirectURI, "s", verifier, "expected")
	require.NoError(t, err)
	callback := server.Approve(authURL, "sub-alice", "alice")

	_, err = client.Exchange(ctx, "gridvo", callback.Get("code"), verifier, redirectURI, "other")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestExchangeTimeoutIsUpstreamUnavailable(t *testing.T) {
	server := idptest.NewServer(t)
	client := idp.NewOIDCClient(newRegistry(t, server.URL), nil, 200*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	authURL, err := client.AuthorizationURL(ctx, "gridvo", redirectURI, "s", verifier, "n")
	require.NoError(t, err)
	callback := server.Approve(authURL, "sub-alice", "alice")

	server.SetDelay(time.Second)
	start := time.Now()
	_, err = client.Exchange(ctx, "gridvo", callback.Get("code"), verifier, redirectURI, "n")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.Less(t, time.Since(start), time.Second)
}

func TestUnknownVOIsInvalidRequest(t *testing.T) {
	server := idptest.NewServer(t)
	client := idp.NewOIDCClient(newRegistry(t, server.URL), nil, time.Second, zap.NewNop())

	_, err := client.AuthorizationURL(context.Background(), "othervo", redirectURI, "s", oauth2.GenerateVerifier(), "n")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestUnreachableIdPIsUpstreamUnavailable(t *testing.T) {
	server := idptest.NewServer(t)
	reg := newRegistry(t, server.URL)
	server.Close()

	client := idp.NewOIDCClient(reg, nil, time.Second, zap.NewNop())
	_, err := client.AuthorizationURL(context.Background(), "gridvo", redirectURI, "s", oauth2.GenerateVerifier(), "n")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}
