package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/servicetest"
)

type refreshHarness struct {
	store   *repository.MemoryStore
	issuer  servicetest.Issuer
	manager *service.RefreshManager
	clock   *servicetest.Clock
}

func newRefreshHarness(t *testing.T, reg registry.Resolver) *refreshHarness {
	t.Helper()
	clock := servicetest.NewClock()
	store := repository.NewMemoryStore()
	issuer := servicetest.NewIssuer(t, store, servicetest.Config(), clock)
	if reg == nil {
		reg = servicetest.Registry(t)
	}
	manager := service.NewRefreshManager(issuer.TokenIssuer, store, reg, nil, zap.NewNop()).WithClock(clock.Now)
	return &refreshHarness{store: store, issuer: issuer, manager: manager, clock: clock}
}

func (h *refreshHarness) issue(t *testing.T, subject string, grant domain.Grant, kind domain.RefreshTokenKind) domain.TokenPair {
	t.Helper()
	pair, err := h.issuer.IssuePair(context.Background(), domain.Identity{Subject: subject, VO: "gridvo"}, grant, kind, "test")
	require.NoError(t, err)
	return pair
}

var adminGrant = domain.Grant{VO: "gridvo", Group: "gridvo_admin", Properties: []string{"NormalUser", "Operator", "ProxyManagement"}}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	first := h.issue(t, "sub-alice", adminGrant, domain.RefreshKindUser)

	second, err := h.manager.Refresh(ctx, first.RefreshToken, "")
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	rotated, err := h.store.GetRefreshToken(ctx, second.RefreshJTI)
	require.NoError(t, err)
	require.NotNil(t, rotated.ParentJTI)
	require.Equal(t, first.RefreshJTI, *rotated.ParentJTI)
	require.Equal(t, first.RefreshJTI, rotated.RootJTI)

	_, err = h.manager.Refresh(ctx, first.RefreshToken, "")
	require.ErrorIs(t, err, domain.ErrReplayDetected)

	_, err = h.manager.Refresh(ctx, second.RefreshToken, "")
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
}

func TestRefreshConcurrentUseHasOneWinner(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	pair := h.issue(t, "sub-alice", adminGrant, domain.RefreshKindUser)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []domain.TokenPair
		replays atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := h.manager.Refresh(ctx, pair.RefreshToken, "")
			if err == nil {
				mu.Lock()
				winners = append(winners, next)
				mu.Unlock()
				return
			}
			if errors.Is(err, domain.ErrReplayDetected) {
				replays.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
		}()
	}
	wg.Wait()
	require.Len(t, winners, 1)

	// Losing racers present an already rotated token, which is treated as
	// replay: the whole chain, including the winner's new token, is revoked.
	require.GreaterOrEqual(t, replays.Load(), int32(1))
	won, err := h.store.GetRefreshToken(ctx, winners[0].RefreshJTI)
	require.NoError(t, err)
	require.Equal(t, domain.RefreshTokenRevoked, won.Status)
	_, err = h.manager.Refresh(ctx, winners[0].RefreshToken, "")
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
}

func TestRefreshRevalidatesAgainstCurrentRegistry(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	pair := h.issue(t, "sub-alice", domain.Grant{VO: "gridvo", Group: "gridvo_admin", Properties: adminGrant.Properties}, domain.RefreshKindUser)

	shrunk, err := registry.Parse([]byte(replaceOnce(servicetest.RegistryYAML,
		"properties: [NormalUser, ProxyManagement, Operator]", "properties: [NormalUser, ProxyManagement]")))
	require.NoError(t, err)
	manager := service.NewRefreshManager(h.issuer.TokenIssuer, h.store, shrunk, nil, zap.NewNop()).WithClock(h.clock.Now)

	next, err := manager.Refresh(ctx, pair.RefreshToken, "")
	require.NoError(t, err)
	claims, err := h.issuer.Verify(next.Access.Raw)
	require.NoError(t, err)
	require.Equal(t, []string{"NormalUser", "ProxyManagement"}, claims.Grant.Properties)
}

func TestRefreshFailsWhenMembershipRemoved(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	pair := h.issue(t, "sub-bob", domain.Grant{VO: "gridvo", Group: "gridvo_user", Properties: []string{"NormalUser"}}, domain.RefreshKindUser)

	removed, err := registry.Parse([]byte(replaceOnce(servicetest.RegistryYAML,
		"users: [sub-alice, sub-bob]", "users: [sub-alice]")))
	require.NoError(t, err)
	manager := service.NewRefreshManager(h.issuer.TokenIssuer, h.store, removed, nil, zap.NewNop()).WithClock(h.clock.Now)

	_, err = manager.Refresh(ctx, pair.RefreshToken, "")
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
	_, err = h.manager.Refresh(ctx, pair.RefreshToken, "")
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
}

func TestRefreshNarrowsScope(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	pair := h.issue(t, "sub-alice", adminGrant, domain.RefreshKindUser)

	_, err := h.manager.Refresh(ctx, pair.RefreshToken, "vo:gridvo property:JobExecution")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	next, err := h.manager.Refresh(ctx, pair.RefreshToken, "vo:gridvo group:gridvo_admin property:NormalUser")
	require.NoError(t, err)
	require.Equal(t, "vo:gridvo group:gridvo_admin property:NormalUser", next.Scope)

	again, err := h.manager.Refresh(ctx, next.RefreshToken, "")
	require.NoError(t, err)
	require.Equal(t, next.Scope, again.Scope)
}

func TestRefreshExpires(t *testing.T) {
	h := newRefreshHarness(t, nil)
	pair := h.issue(t, "sub-alice", adminGrant, domain.RefreshKindUser)
	h.clock.Advance(2 * servicetest.Config().RefreshTokenTTL)

	_, err := h.manager.Refresh(context.Background(), pair.RefreshToken, "")
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
}

func TestLegacyRefreshIsNotRotated(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	pair := h.issue(t, "sub-alice", adminGrant, domain.RefreshKindLegacy)

	for i := 0; i < 3; i++ {
		next, err := h.manager.Refresh(ctx, pair.RefreshToken, "")
		require.NoError(t, err)
		require.Equal(t, pair.RefreshToken, next.RefreshToken)
	}
}

func TestRevoke(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	pair := h.issue(t, "sub-alice", adminGrant, domain.RefreshKindUser)
	next, err := h.manager.Refresh(ctx, pair.RefreshToken, "")
	require.NoError(t, err)

	require.NoError(t, h.manager.Revoke(ctx, next.RefreshToken))
	_, err = h.manager.Refresh(ctx, next.RefreshToken, "")
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)

	require.NoError(t, h.manager.Revoke(ctx, "never-issued"))
}

func TestRevokeAllForSubject(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	a := h.issue(t, "sub-alice", adminGrant, domain.RefreshKindUser)
	b := h.issue(t, "sub-alice", adminGrant, domain.RefreshKindUser)
	bob := h.issue(t, "sub-bob", domain.Grant{VO: "gridvo", Group: "gridvo_user", Properties: []string{"NormalUser"}}, domain.RefreshKindUser)

	n, err := h.manager.RevokeAllForSubject(ctx, "gridvo", "sub-alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	for _, raw := range []string{a.RefreshToken, b.RefreshToken} {
		_, err := h.manager.Refresh(ctx, raw, "")
		require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
	}
	_, err = h.manager.Refresh(ctx, bob.RefreshToken, "")
	require.NoError(t, err)

	_, err = h.manager.RevokeAllForSubject(ctx, "gridvo", "")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestRevokeByIDAndList(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	bobGrant := domain.Grant{VO: "gridvo", Group: "gridvo_user", Properties: []string{"NormalUser"}}
	bobPair := h.issue(t, "sub-bob", bobGrant, domain.RefreshKindUser)
	h.issue(t, "sub-alice", adminGrant, domain.RefreshKindUser)

	bob := domain.AccessClaims{Identity: domain.Identity{Subject: "sub-bob", VO: "gridvo"}, Grant: bobGrant, Class: domain.TokenClassUser}
	listed, err := h.manager.ListRefreshTokens(ctx, bob)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, bobPair.RefreshJTI, listed[0].JTI)

	alicePair := h.issue(t, "sub-alice", adminGrant, domain.RefreshKindUser)
	require.ErrorIs(t, h.manager.RevokeByID(ctx, bob, alicePair.RefreshJTI), domain.ErrForbidden)

	admin := domain.AccessClaims{Identity: domain.Identity{Subject: "sub-alice", VO: "gridvo"}, Grant: adminGrant, Class: domain.TokenClassUser}
	require.NoError(t, h.manager.RevokeByID(ctx, admin, bobPair.RefreshJTI))
	listed, err = h.manager.ListRefreshTokens(ctx, bob)
	require.NoError(t, err)
	require.Empty(t, listed)

	foreign := domain.AccessClaims{Identity: domain.Identity{Subject: "sub-alice", VO: "othervo"}, Grant: adminGrant, Class: domain.TokenClassUser}
	require.ErrorIs(t, h.manager.RevokeByID(ctx, foreign, alicePair.RefreshJTI), domain.ErrExpiredOrConsumed)
}

func TestRefreshManagementRejectsPilotAndJobTokens(t *testing.T) {
	h := newRefreshHarness(t, nil)
	ctx := context.Background()
	pilotGrant := domain.Grant{VO: "gridvo", Group: "gridvo_pilot", Properties: []string{"GenericPilot"}}
	pilotPair := h.issue(t, "stamp-1", pilotGrant, domain.RefreshKindPilot)

	for _, class := range []domain.TokenClass{domain.TokenClassPilot, domain.TokenClassJob} {
		caller := domain.AccessClaims{
			Identity: domain.Identity{Subject: "stamp-1", VO: "gridvo", PilotStamp: "stamp-1", JobID: "job-1"},
			Grant:    pilotGrant,
			Class:    class,
		}
		_, err := h.manager.ListRefreshTokens(ctx, caller)
		require.ErrorIs(t, err, domain.ErrForbidden, class)
		require.ErrorIs(t, h.manager.RevokeByID(ctx, caller, pilotPair.RefreshJTI), domain.ErrForbidden, class)
	}

	token, err := h.store.GetRefreshToken(ctx, pilotPair.RefreshJTI)
	require.NoError(t, err)
	require.Equal(t, domain.RefreshTokenActive, token.Status)
}
