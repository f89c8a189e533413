// Package idp is the client side of the inner authorization-code exchange
// against each VO's external identity provider.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
)

// Client performs the inner OAuth2 exchange with a VO's IdP.
type Client interface {
	// AuthorizationURL builds the IdP redirect for vo, binding verifier via S256.
	AuthorizationURL(ctx context.Context, vo, redirectURI, state, verifier, nonce string) (string, error)
	// Exchange redeems code at the IdP and returns the verified ID-token claims.
	Exchange(ctx context.Context, vo, code, verifier, redirectURI, nonce string) (domain.IDTokenClaims, error)
}

var defaultScopes = []string{oidc.ScopeOpenID, "profile", "email"}

type provider struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// OIDCClient discovers each VO's IdP once and caches the result.
type OIDCClient struct {
	registry   registry.Resolver
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger

	mu        sync.RWMutex
	providers map[string]*provider
	discover  singleflight.Group
}

var _ Client = (*OIDCClient)(nil)

// NewOIDCClient constructs an IdP client. Every outbound call is bounded by timeout.
func NewOIDCClient(resolver registry.Resolver, httpClient *http.Client, timeout time.Duration, logger *zap.Logger) *OIDCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &OIDCClient{
		registry:   resolver,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
		providers:  map[string]*provider{},
	}
}

func upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, op, err)
}

func (c *OIDCClient) provider(ctx context.Context, voName string) (*provider, error) {
	c.mu.RLock()
	p, ok := c.providers[voName]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	vo, err := c.registry.LookupVO(voName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	v, err, _ := c.discover.Do(voName, func() (any, error) {
		ctx, cancel := context.WithTimeout(oidc.ClientContext(context.WithoutCancel(ctx), c.httpClient), c.timeout)
		defer cancel()

		discovered, err := oidc.NewProvider(ctx, vo.IdP.URL)
		if err != nil {
			return nil, upstream("discover "+vo.IdP.URL, err)
		}
		scopes := vo.IdP.Scopes
		if len(scopes) == 0 {
			scopes = defaultScopes
		}
		endpoint := discovered.Endpoint()
		endpoint.AuthStyle = oauth2.AuthStyleInParams
		p := &provider{
			oauth: oauth2.Config{
				ClientID:     vo.IdP.ClientID,
				ClientSecret: vo.IdP.ClientSecret,
				Endpoint:     endpoint,
				Scopes:       scopes,
			},
			verifier: discovered.Verifier(&oidc.Config{ClientID: vo.IdP.ClientID}),
		}

		c.mu.Lock()
		c.providers[voName] = p
		c.mu.Unlock()
		c.logger.Info("identity provider discovered", zap.String("vo", voName), zap.String("issuer", vo.IdP.URL))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*provider), nil
}

func (c *OIDCClient) AuthorizationURL(ctx context.Context, vo, redirectURI, state, verifier, nonce string) (string, error) {
	p, err := c.provider(ctx, vo)
	if err != nil {
		return "", err
	}
	cfg := p.oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), oidc.Nonce(nonce)), nil
}

type profileClaims struct {
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	Name              string `json:"name"`
}

func (c *OIDCClient) Exchange(ctx context.Context, vo, code, verifier, redirectURI, nonce string) (domain.IDTokenClaims, error) {
	p, err := c.provider(ctx, vo)
	if err != nil {
		return domain.IDTokenClaims{}, err
	}

	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, c.httpClient), c.timeout)
	defer cancel()

	cfg := p.oauth
	cfg.RedirectURL = redirectURI
	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) && retrieve.ErrorCode == "invalid_grant" {
			return domain.IDTokenClaims{}, fmt.Errorf("%w: idp rejected the authorization code", domain.ErrAccessDenied)
		}
		return domain.IDTokenClaims{}, upstream("token exchange", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return domain.IDTokenClaims{}, upstream("token exchange", errors.New("response carried no id_token"))
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return domain.IDTokenClaims{}, upstream("verify id_token", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return domain.IDTokenClaims{}, upstream("verify id_token", errors.New("nonce mismatch"))
	}

	var profile profileClaims
	if err := idToken.Claims(&profile); err != nil {
		return domain.IDTokenClaims{}, upstream("decode id_token claims", err)
	}
	return domain.IDTokenClaims{
		Subject:           idToken.Subject,
		Issuer:            idToken.Issuer,
		PreferredUsername: profile.PreferredUsername,
		Email:             profile.Email,
		Name:              profile.Name,
	}, nil
}
