package jwt

import (
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/smallbiznis/gridauth/internal/domain"
)

// leeway tolerates small clock skew between federated servers.
const leeway = 30 * time.Second

var allowedAlgorithms = []gojose.SignatureAlgorithm{gojose.ES256, gojose.ES384, gojose.RS256, gojose.EdDSA}

// Generator signs and verifies access tokens against the Key Store.
type Generator struct {
	keys     *KeyManager
	issuer   string
	audience string
	now      func() time.Time
}

// NewGenerator constructs a JWT generator.
func NewGenerator(keys *KeyManager, issuer, audience string) *Generator {
	return &Generator{keys: keys, issuer: issuer, audience: audience, now: time.Now}
}

// WithClock overrides the time source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// AccessTokenClaims are the installation-specific claims of an access token.
type AccessTokenClaims struct {
	VO                string   `json:"vo"`
	Group             string   `json:"group"`
	Properties        []string `json:"properties"`
	Scope             string   `json:"scope"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Class             string   `json:"token_class"`
	PilotStamp        string   `json:"pilot_stamp,omitempty"`
	JobID             string   `json:"job_id,omitempty"`
}

// Sign produces a signed access token with the active key.
func (g *Generator) Sign(identity domain.Identity, grant domain.Grant, class domain.TokenClass, ttl time.Duration) (domain.AccessToken, error) {
	key, err := g.keys.ActiveKey()
	if err != nil {
		return domain.AccessToken{}, err
	}

	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.SignatureAlgorithm(key.Algorithm), Key: key.Private},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID),
	)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("new signer: %w", err)
	}

	now := g.now().UTC()
	expires := now.Add(ttl)
	jti := uuid.NewString()
	std := gojwt.Claims{
		ID:        jti,
		Subject:   identity.QualifiedSubject(),
		Audience:  gojwt.Audience{g.audience},
		Issuer:    g.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(expires),
	}
	custom := AccessTokenClaims{
		VO:                grant.VO,
		Group:             grant.Group,
		Properties:        grant.Properties,
		Scope:             grant.Scope(),
		PreferredUsername: identity.PreferredUsername,
		Class:             string(class),
		PilotStamp:        identity.PilotStamp,
		JobID:             identity.JobID,
	}
	if custom.Properties == nil {
		custom.Properties = []string{}
	}

	raw, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("serialize jwt: %w", err)
	}
	return domain.AccessToken{Raw: raw, JTI: jti, ExpiresAt: expires, Class: class}, nil
}

// Verify checks the signature against the active and retiring keys and
// validates the standard claims. It never touches storage.
func (g *Generator) Verify(raw string) (*domain.AccessClaims, error) {
	parsed, err := gojwt.ParseSigned(raw, allowedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", domain.ErrInvalidToken, err)
	}
	if len(parsed.Headers) != 1 || parsed.Headers[0].KeyID == "" {
		return nil, fmt.Errorf("%w: missing kid", domain.ErrInvalidToken)
	}
	header := parsed.Headers[0]
	key, ok := g.keys.Snapshot().Lookup(header.KeyID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown or revoked key %s", domain.ErrInvalidToken, header.KeyID)
	}
	if header.Algorithm != key.Algorithm {
		return nil, fmt.Errorf("%w: algorithm mismatch", domain.ErrInvalidToken)
	}

	var std gojwt.Claims
	var custom AccessTokenClaims
	if err := parsed.Claims(key.Public, &std, &custom); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", domain.ErrInvalidToken, err)
	}
	expected := gojwt.Expected{
		Issuer:      g.issuer,
		AnyAudience: gojwt.Audience{g.audience},
		Time:        g.now(),
	}
	if err := std.ValidateWithLeeway(expected, leeway); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", domain.ErrInvalidToken, err)
	}

	vo, subject, ok := domain.SplitQualifiedSubject(std.Subject)
	if !ok || vo != custom.VO {
		return nil, fmt.Errorf("%w: malformed subject", domain.ErrInvalidToken)
	}
	claims := &domain.AccessClaims{
		Identity: domain.Identity{
			Subject:           subject,
			VO:                vo,
			Group:             custom.Group,
			PreferredUsername: custom.PreferredUsername,
			PilotStamp:        custom.PilotStamp,
			JobID:             custom.JobID,
		},
		Grant: domain.Grant{
			VO:         custom.VO,
			Group:      custom.Group,
			Properties: custom.Properties,
		},
		Class: domain.TokenClass(custom.Class),
		JTI:   std.ID,
		KeyID: header.KeyID,
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		claims.ExpiresAt = std.Expiry.Time()
	}
	return claims, nil
}
