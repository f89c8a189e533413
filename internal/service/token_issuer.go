package service

import (
	"context"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/jwt"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/scope"
	"github.com/smallbiznis/gridauth/internal/secret"
	"github.com/smallbiznis/gridauth/internal/telemetry"
)

// TokenIssuer mints access tokens and persisted refresh tokens, and owns the
// signing key lifecycle.
type TokenIssuer struct {
	observer
	keys    *jwt.KeyManager
	jwt     *jwt.Generator
	refresh repository.RefreshTokenRepository
	cfg     config.Config
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewTokenIssuer wires dependencies.
func NewTokenIssuer(keys *jwt.KeyManager, generator *jwt.Generator, refresh repository.RefreshTokenRepository, cfg config.Config, metrics *telemetry.Metrics, logger *zap.Logger) *TokenIssuer {
	return &TokenIssuer{
		observer: newObserver(logger),
		keys:     keys,
		jwt:      generator,
		refresh:  refresh,
		cfg:      cfg,
		metrics:  metrics,
		now:      time.Now,
	}
}

// WithClock overrides the time source used for refresh token lifetimes.
func (s *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	s.now = now
	return s
}

// AccessTTL is the lifetime of an access token of class.
func (s *TokenIssuer) AccessTTL(class domain.TokenClass) time.Duration {
	switch class {
	case domain.TokenClassPilot:
		return s.cfg.PilotAccessTokenTTL
	case domain.TokenClassJob:
		return s.cfg.JobAccessTokenTTL
	default:
		return s.cfg.AccessTokenTTL
	}
}

func (s *TokenIssuer) refreshTTL(kind domain.RefreshTokenKind) time.Duration {
	if kind == domain.RefreshKindPilot {
		return s.cfg.PilotRefreshTokenTTL
	}
	return s.cfg.RefreshTokenTTL
}

// ClassForKind is the access token class minted alongside a refresh token kind.
func ClassForKind(kind domain.RefreshTokenKind) domain.TokenClass {
	switch kind {
	case domain.RefreshKindPilot:
		return domain.TokenClassPilot
	case domain.RefreshKindJob:
		return domain.TokenClassJob
	default:
		return domain.TokenClassUser
	}
}

// Mint signs an access token embedding grant.
func (s *TokenIssuer) Mint(ctx context.Context, identity domain.Identity, grant domain.Grant, class domain.TokenClass) (domain.AccessToken, error) {
	_, span := s.startSpan(ctx, "TokenIssuer.Mint")
	defer span.End()

	token, err := s.jwt.Sign(identity, grant, class, s.AccessTTL(class))
	if err != nil {
		span.RecordError(err)
		return domain.AccessToken{}, fmt.Errorf("mint access token: %w", err)
	}
	return token, nil
}

// newRefreshRecord builds a refresh token and its record. A nil parent starts
// a new rotation chain.
func (s *TokenIssuer) newRefreshRecord(identity domain.Identity, grant domain.Grant, kind domain.RefreshTokenKind, parent *domain.RefreshToken) (string, domain.RefreshToken, error) {
	raw, err := secret.Generate(s.cfg.RefreshTokenBytes)
	if err != nil {
		return "", domain.RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	now := s.now().UTC()
	record := domain.RefreshToken{
		JTI:               uuid.New(),
		TokenHash:         secret.Hash(raw),
		Kind:              kind,
		Subject:           identity.Subject,
		VO:                identity.VO,
		Group:             grant.Group,
		PreferredUsername: identity.PreferredUsername,
		Scope:             scope.Format(grant),
		PilotStamp:        identity.PilotStamp,
		JobID:             identity.JobID,
		Status:            domain.RefreshTokenActive,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.refreshTTL(kind)),
	}
	record.RootJTI = record.JTI
	if parent != nil {
		parentJTI := parent.JTI
		record.ParentJTI = &parentJTI
		record.RootJTI = parent.RootJTI
	}
	return raw, record, nil
}

// MintRefresh persists a new refresh token that roots its own chain.
func (s *TokenIssuer) MintRefresh(ctx context.Context, identity domain.Identity, grant domain.Grant, kind domain.RefreshTokenKind) (string, domain.RefreshToken, error) {
	ctx, span := s.startSpan(ctx, "TokenIssuer.MintRefresh")
	defer span.End()

	raw, record, err := s.newRefreshRecord(identity, grant, kind, nil)
	if err != nil {
		return "", domain.RefreshToken{}, err
	}
	if err := s.refresh.CreateRefreshToken(ctx, record); err != nil {
		span.RecordError(err)
		return "", domain.RefreshToken{}, fmt.Errorf("persist refresh token: %w", err)
	}
	return raw, record, nil
}

// IssuePair mints an access token and a new refresh chain for a grant type.
func (s *TokenIssuer) IssuePair(ctx context.Context, identity domain.Identity, grant domain.Grant, kind domain.RefreshTokenKind, grantType string) (domain.TokenPair, error) {
	identity.Group = grant.Group
	access, err := s.Mint(ctx, identity, grant, ClassForKind(kind))
	if err != nil {
		return domain.TokenPair{}, err
	}
	raw, record, err := s.MintRefresh(ctx, identity, grant, kind)
	if err != nil {
		return domain.TokenPair{}, err
	}
	s.metrics.TokenIssued(grantType)
	s.audit("tokens.issued", "grant", grantType, "sub", identity.QualifiedSubject(),
		"group", grant.Group, "access_jti", access.JTI, "refresh_jti", record.JTI.String())
	return domain.TokenPair{Access: access, RefreshToken: raw, RefreshJTI: record.JTI, Scope: grant.Scope()}, nil
}

// Verify validates an access token against the current key snapshot.
func (s *TokenIssuer) Verify(raw string) (*domain.AccessClaims, error) {
	return s.jwt.Verify(raw)
}

// CurrentPublicKeys is the JWKS of the active and retiring keys.
func (s *TokenIssuer) CurrentPublicKeys() jose.JSONWebKeySet {
	return s.keys.JWKS()
}

// RotateKeys activates key, or a freshly generated key when nil.
func (s *TokenIssuer) RotateKeys(ctx context.Context, key *domain.SigningKey) (*domain.SigningKey, error) {
	ctx, span := s.startSpan(ctx, "TokenIssuer.RotateKeys")
	defer span.End()

	rotated, err := s.keys.Rotate(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rotated, nil
}

// RetireExpiredKeys revokes retiring keys older than the longest access token lifetime.
func (s *TokenIssuer) RetireExpiredKeys(ctx context.Context) ([]string, error) {
	return s.keys.RetireExpired(ctx)
}
