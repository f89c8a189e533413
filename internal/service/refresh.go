package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/secret"
	"github.com/smallbiznis/gridauth/internal/telemetry"
)

// PropertyProxyManagement lets a caller manage other members' refresh tokens in its VO.
const PropertyProxyManagement = "ProxyManagement"

// RefreshManager validates refresh grants, rotates tokens and propagates revocation.
type RefreshManager struct {
	observer
	issuer   *TokenIssuer
	repo     repository.RefreshTokenRepository
	resolver registry.Resolver
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewRefreshManager wires dependencies.
func NewRefreshManager(issuer *TokenIssuer, repo repository.RefreshTokenRepository, resolver registry.Resolver, metrics *telemetry.Metrics, logger *zap.Logger) *RefreshManager {
	return &RefreshManager{
		observer: newObserver(logger),
		issuer:   issuer,
		repo:     repo,
		resolver: resolver,
		metrics:  metrics,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (m *RefreshManager) WithClock(now func() time.Time) *RefreshManager {
	m.now = now
	return m
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// rotated; re-presenting a rotated token revokes its whole chain.
// requestedScope may narrow the grant and is otherwise empty.
func (m *RefreshManager) Refresh(ctx context.Context, raw, requestedScope string) (domain.TokenPair, error) {
	ctx, span := m.startSpan(ctx, "RefreshManager.Refresh")
	defer span.End()

	current, err := m.lookup(ctx, raw)
	if err != nil {
		return domain.TokenPair{}, err
	}
	now := m.now().UTC()
	switch {
	case current.Status == domain.RefreshTokenRotated:
		return domain.TokenPair{}, m.replay(ctx, current)
	case !current.Usable(now):
		return domain.TokenPair{}, domain.ErrExpiredOrConsumed
	}

	grant, err := revalidate(m.resolver, current)
	if err != nil {
		m.log().Info("refresh grant no longer valid", zap.String("jti", current.JTI.String()), zap.Error(err))
		if _, revokeErr := m.repo.RevokeChain(ctx, current.RootJTI); revokeErr != nil {
			return domain.TokenPair{}, fmt.Errorf("revoke chain: %w", revokeErr)
		}
		return domain.TokenPair{}, domain.ErrExpiredOrConsumed
	}
	grant, err = narrow(grant, requestedScope)
	if err != nil {
		return domain.TokenPair{}, err
	}

	identity := current.Identity()
	access, err := m.issuer.Mint(ctx, identity, grant, ClassForKind(current.Kind))
	if err != nil {
		return domain.TokenPair{}, err
	}

	if current.Kind == domain.RefreshKindLegacy {
		m.metrics.TokenIssued("refresh_token")
		m.audit("tokens.refreshed", "sub", identity.QualifiedSubject(), "refresh_jti", current.JTI.String(), "rotated", false)
		return domain.TokenPair{Access: access, RefreshToken: raw, RefreshJTI: current.JTI, Scope: grant.Scope()}, nil
	}

	nextRaw, next, err := m.issuer.newRefreshRecord(identity, grant, current.Kind, &current)
	if err != nil {
		return domain.TokenPair{}, err
	}
	if err := m.repo.RotateRefreshToken(ctx, current.JTI, next, now); err != nil {
		if !errors.Is(err, domain.ErrExpiredOrConsumed) {
			span.RecordError(err)
			return domain.TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
		}
		// Another request rotated the token first.
		latest, getErr := m.repo.GetRefreshToken(ctx, current.JTI)
		if getErr == nil && latest.Status == domain.RefreshTokenRotated {
			return domain.TokenPair{}, m.replay(ctx, latest)
		}
		return domain.TokenPair{}, domain.ErrExpiredOrConsumed
	}

	m.metrics.TokenIssued("refresh_token")
	m.audit("tokens.refreshed", "sub", identity.QualifiedSubject(), "refresh_jti", next.JTI.String(),
		"parent_jti", current.JTI.String(), "rotated", true)
	return domain.TokenPair{Access: access, RefreshToken: nextRaw, RefreshJTI: next.JTI, Scope: grant.Scope()}, nil
}

// Revoke revokes the chain of a refresh token. Unknown tokens are ignored.
func (m *RefreshManager) Revoke(ctx context.Context, raw string) error {
	ctx, span := m.startSpan(ctx, "RefreshManager.Revoke")
	defer span.End()

	current, err := m.lookup(ctx, raw)
	if errors.Is(err, domain.ErrExpiredOrConsumed) {
		return nil
	}
	if err != nil {
		return err
	}
	n, err := m.repo.RevokeChain(ctx, current.RootJTI)
	if err != nil {
		return fmt.Errorf("revoke chain: %w", err)
	}
	m.audit("refresh.chain_revoked", "root_jti", current.RootJTI.String(), "tokens", n, "reason", "revoke")
	return nil
}

// RevokeAllForSubject invalidates every chain of a subject.
func (m *RefreshManager) RevokeAllForSubject(ctx context.Context, vo, subject string) (int64, error) {
	ctx, span := m.startSpan(ctx, "RefreshManager.RevokeAllForSubject")
	defer span.End()

	if vo == "" || subject == "" {
		return 0, fmt.Errorf("%w: vo and subject are required", domain.ErrInvalidRequest)
	}
	n, err := m.repo.RevokeAllForSubject(ctx, vo, subject)
	if err != nil {
		return 0, fmt.Errorf("revoke subject: %w", err)
	}
	m.audit("refresh.subject_revoked", "vo", vo, "subject", subject, "tokens", n)
	return n, nil
}

// RevokeByID revokes the chain containing jti. The caller must own the token
// or hold ProxyManagement in the token's VO.
func (m *RefreshManager) RevokeByID(ctx context.Context, caller domain.AccessClaims, jti uuid.UUID) error {
	ctx, span := m.startSpan(ctx, "RefreshManager.RevokeByID")
	defer span.End()

	if err := requireUserToken(caller); err != nil {
		return err
	}
	token, err := m.repo.GetRefreshToken(ctx, jti)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrExpiredOrConsumed
	}
	if err != nil {
		return fmt.Errorf("get refresh token: %w", err)
	}
	if token.VO != caller.Identity.VO {
		return domain.ErrExpiredOrConsumed
	}
	owner := token.Subject == caller.Identity.Subject
	if !owner && !caller.Grant.HasProperty(PropertyProxyManagement) {
		return domain.ErrForbidden
	}
	n, err := m.repo.RevokeChain(ctx, token.RootJTI)
	if err != nil {
		return fmt.Errorf("revoke chain: %w", err)
	}
	m.audit("refresh.chain_revoked", "root_jti", token.RootJTI.String(), "tokens", n,
		"reason", "revoke_by_id", "by", caller.Identity.QualifiedSubject())
	return nil
}

// ListRefreshTokens returns the caller's usable refresh tokens.
func (m *RefreshManager) ListRefreshTokens(ctx context.Context, caller domain.AccessClaims) ([]domain.RefreshToken, error) {
	if err := requireUserToken(caller); err != nil {
		return nil, err
	}
	tokens, err := m.repo.ListActiveForSubject(ctx, caller.Identity.VO, caller.Identity.Subject, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return tokens, nil
}

// requireUserToken keeps pilot and job credentials, whose subject is the pilot
// stamp, away from refresh token management.
func requireUserToken(caller domain.AccessClaims) error {
	if caller.Class != domain.TokenClassUser {
		return fmt.Errorf("%w: a user token is required", domain.ErrForbidden)
	}
	return nil
}

func (m *RefreshManager) lookup(ctx context.Context, raw string) (domain.RefreshToken, error) {
	if raw == "" {
		return domain.RefreshToken{}, fmt.Errorf("%w: refresh_token is required", domain.ErrInvalidRequest)
	}
	token, err := m.repo.GetRefreshTokenByHash(ctx, secret.Hash(raw))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.RefreshToken{}, domain.ErrExpiredOrConsumed
	}
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("get refresh token: %w", err)
	}
	return token, nil
}

func (m *RefreshManager) replay(ctx context.Context, token domain.RefreshToken) error {
	n, err := m.repo.RevokeChain(ctx, token.RootJTI)
	if err != nil {
		return fmt.Errorf("revoke chain after replay: %w", err)
	}
	m.metrics.RefreshReplay()
	m.log().Warn("refresh token replay detected",
		zap.String("jti", token.JTI.String()), zap.String("root_jti", token.RootJTI.String()))
	m.audit("refresh.replay_detected", "sub", token.Identity().QualifiedSubject(),
		"jti", token.JTI.String(), "root_jti", token.RootJTI.String(), "tokens", n)
	return domain.ErrReplayDetected
}
