package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/scope"
	"github.com/smallbiznis/gridauth/internal/secret"
)

// LegacyKeyPrefix marks the bearer credential of the legacy system.
const LegacyKeyPrefix = "diracx:legacy:"

// LegacyExchange issues tokens to the legacy system's service processes.
type LegacyExchange struct {
	observer
	issuer   *TokenIssuer
	resolver registry.Resolver
	keyHash  string
}

// NewLegacyExchange wires dependencies. An empty keyHash disables the exchange.
func NewLegacyExchange(issuer *TokenIssuer, resolver registry.Resolver, keyHash string, logger *zap.Logger) *LegacyExchange {
	return &LegacyExchange{observer: newObserver(logger), issuer: issuer, resolver: resolver, keyHash: keyHash}
}

// ExchangeLegacyIdentity trades the pre-shared key for tokens on behalf of a
// registered user of the VO named in rawScope.
func (e *LegacyExchange) ExchangeLegacyIdentity(ctx context.Context, credential, preferredUsername, rawScope string) (domain.TokenPair, error) {
	ctx, span := e.startSpan(ctx, "LegacyExchange.ExchangeLegacyIdentity")
	defer span.End()

	if err := e.authenticate(credential); err != nil {
		e.log().Warn("legacy exchange rejected", zap.Error(err))
		return domain.TokenPair{}, err
	}

	req, err := scope.Parse(rawScope)
	if err != nil {
		return domain.TokenPair{}, err
	}
	vo, err := e.resolver.LookupVO(req.VO)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	subject, ok := vo.SubjectByUsername(preferredUsername)
	if !ok {
		return domain.TokenPair{}, fmt.Errorf("%w: unknown user %q in vo %s", domain.ErrInvalidRequest, preferredUsername, vo.Name)
	}
	grant, err := scope.Resolve(e.resolver, req, subject)
	if err != nil {
		return domain.TokenPair{}, err
	}

	identity := domain.Identity{Subject: subject, VO: vo.Name, PreferredUsername: preferredUsername}
	return e.issuer.IssuePair(ctx, identity, grant, domain.RefreshKindLegacy, "legacy_exchange")
}

func (e *LegacyExchange) authenticate(credential string) error {
	if e.keyHash == "" {
		return fmt.Errorf("%w: legacy exchange is disabled", domain.ErrInvalidToken)
	}
	encoded, ok := strings.CutPrefix(credential, LegacyKeyPrefix)
	if !ok {
		return fmt.Errorf("%w: not a legacy credential", domain.ErrInvalidToken)
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return fmt.Errorf("%w: malformed legacy credential", domain.ErrInvalidToken)
	}
	match, err := secret.Matches(string(key), e.keyHash)
	if err != nil || !match {
		return fmt.Errorf("%w: legacy key mismatch", domain.ErrInvalidToken)
	}
	return nil
}
