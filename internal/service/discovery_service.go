package service

import (
	"fmt"

	"github.com/smallbiznis/gridauth/internal/registry"
)

// Grant types accepted by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantRefreshToken      = "refresh_token"
)

// DiscoveryService builds responses for discovery endpoints.
type DiscoveryService struct {
	publicURL string
	issuer    string
	resolver  registry.Resolver
}

// NewDiscoveryService constructs a DiscoveryService.
func NewDiscoveryService(publicURL, issuer string, resolver registry.Resolver) *DiscoveryService {
	return &DiscoveryService{publicURL: publicURL, issuer: issuer, resolver: resolver}
}

// OpenIDConfiguration matches OIDC discovery document.
type OpenIDConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// OpenIDConfigurationResponse builds the OIDC document from the public URL.
func (s *DiscoveryService) OpenIDConfigurationResponse() OpenIDConfiguration {
	base := s.publicURL
	var scopes []string
	for _, vo := range s.resolver.VONames() {
		scopes = append(scopes, "vo:"+vo)
	}
	for _, p := range s.resolver.AvailableProperties() {
		scopes = append(scopes, "property:"+p)
	}
	return OpenIDConfiguration{
		Issuer:                            s.issuer,
		AuthorizationEndpoint:             fmt.Sprintf("%s/api/auth/authorize", base),
		DeviceAuthorizationEndpoint:       fmt.Sprintf("%s/api/auth/device", base),
		TokenEndpoint:                     fmt.Sprintf("%s/api/auth/token", base),
		RevocationEndpoint:                fmt.Sprintf("%s/api/auth/revoke", base),
		JWKSURI:                           fmt.Sprintf("%s/.well-known/jwks.json", base),
		GrantTypesSupported:               []string{GrantAuthorizationCode, GrantDeviceCode, GrantRefreshToken},
		ResponseTypesSupported:            []string{"code"},
		ScopesSupported:                   scopes,
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ClaimsSupported:                   []string{"sub", "vo", "group", "properties", "preferred_username", "token_class", "pilot_stamp", "job_id"},
	}
}
