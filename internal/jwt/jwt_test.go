package jwt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/domain"
	customjwt "github.com/smallbiznis/gridauth/internal/jwt"
	"github.com/smallbiznis/gridauth/internal/repository"
)

const (
	issuer   = "https://gridauth.test"
	audience = "gridauth"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newKeys(t *testing.T, c *clock) *customjwt.KeyManager {
	t.Helper()
	manager := customjwt.NewKeyManager(repository.NewMemoryStore(), 20*time.Minute, zap.NewNop()).WithClock(c.now)
	require.NoError(t, manager.EnsureSigningKey(context.Background(), true))
	return manager
}

func TestGeneratorRoundTrip(t *testing.T) {
	c := &clock{t: time.Now()}
	generator := customjwt.NewGenerator(newKeys(t, c), issuer, audience).WithClock(c.now)

	identity := domain.Identity{Subject: "sub-alice", VO: "gridvo", Group: "gridvo_user", PreferredUsername: "alice"}
	grant := domain.Grant{VO: "gridvo", Group: "gridvo_user", Properties: []string{"NormalUser"}}

	token, err := generator.Sign(identity, grant, domain.TokenClassUser, 20*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token.Raw)
	require.NotEmpty(t, token.JTI)

	claims, err := generator.Verify(token.Raw)
	require.NoError(t, err)
	require.Equal(t, identity, claims.Identity)
	require.Equal(t, []string{"NormalUser"}, claims.Grant.Properties)
	require.Equal(t, domain.TokenClassUser, claims.Class)
	require.Equal(t, token.JTI, claims.JTI)
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	c := &clock{t: time.Now()}
	keys := newKeys(t, c)
	generator := customjwt.NewGenerator(keys, issuer, audience).WithClock(c.now)

	token, err := generator.Sign(domain.Identity{Subject: "s", VO: "v"}, domain.Grant{VO: "v"}, domain.TokenClassUser, time.Minute)
	require.NoError(t, err)

	other := customjwt.NewGenerator(keys, issuer, "someone-else").WithClock(c.now)
	_, err = other.Verify(token.Raw)
	require.True(t, errors.Is(err, domain.ErrInvalidToken))

	c.advance(2 * time.Minute)
	_, err = generator.Verify(token.Raw)
	require.True(t, errors.Is(err, domain.ErrInvalidToken))
}

func TestRotationKeepsRetiringKeyVerifiable(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Now()}
	keys := newKeys(t, c)
	generator := customjwt.NewGenerator(keys, issuer, audience).WithClock(c.now)

	k1, err := keys.ActiveKey()
	require.NoError(t, err)
	before, err := generator.Sign(domain.Identity{Subject: "s", VO: "v"}, domain.Grant{VO: "v"}, domain.TokenClassUser, 20*time.Minute)
	require.NoError(t, err)

	k2, err := keys.Rotate(ctx, nil)
	require.NoError(t, err)
	require.NotEqual(t, k1.KID, k2.KID)

	active, err := keys.ActiveKey()
	require.NoError(t, err)
	require.Equal(t, k2.KID, active.KID)
	require.Len(t, keys.JWKS().Keys, 2)

	_, err = generator.Verify(before.Raw)
	require.NoError(t, err)

	after, err := generator.Sign(domain.Identity{Subject: "s", VO: "v"}, domain.Grant{VO: "v"}, domain.TokenClassUser, 20*time.Minute)
	require.NoError(t, err)
	claims, err := generator.Verify(after.Raw)
	require.NoError(t, err)
	require.Equal(t, k2.KID, claims.KeyID)

	revoked, err := keys.RetireExpired(ctx)
	require.NoError(t, err)
	require.Empty(t, revoked)

	c.advance(21 * time.Minute)
	revoked, err = keys.RetireExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{k1.KID}, revoked)
	require.Len(t, keys.JWKS().Keys, 1)

	_, err = generator.Verify(before.Raw)
	require.True(t, errors.Is(err, domain.ErrInvalidToken))
}

func TestEnsureSigningKeyWithoutAutoGenerate(t *testing.T) {
	manager := customjwt.NewKeyManager(repository.NewMemoryStore(), time.Minute, zap.NewNop())
	err := manager.EnsureSigningKey(context.Background(), false)
	require.True(t, errors.Is(err, domain.ErrSigningKeyUnavailable))

	_, err = manager.ActiveKey()
	require.True(t, errors.Is(err, domain.ErrSigningKeyUnavailable))
}

func TestSnapshotSwapIsVersioned(t *testing.T) {
	c := &clock{t: time.Now()}
	keys := newKeys(t, c)
	first := keys.Snapshot()

	_, err := keys.Rotate(context.Background(), nil)
	require.NoError(t, err)
	second := keys.Snapshot()

	require.Greater(t, second.Version, first.Version)
	require.Len(t, first.Keys(), 1)
	require.Len(t, second.Keys(), 2)
}

func TestRetiringKeyOutlivesPeerReload(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Now()}
	store := repository.NewMemoryStore()
	window := customjwt.RetirementWindow(20*time.Minute, time.Minute)

	a := customjwt.NewKeyManager(store, window, zap.NewNop()).WithClock(c.now)
	require.NoError(t, a.EnsureSigningKey(ctx, true))
	b := customjwt.NewKeyManager(store, window, zap.NewNop()).WithClock(c.now)
	require.NoError(t, b.Load(ctx))
	old, err := b.ActiveKey()
	require.NoError(t, err)

	_, err = a.Rotate(ctx, nil)
	require.NoError(t, err)

	// b has not reloaded yet and still signs with the old key.
	c.advance(50 * time.Second)
	signedByB, err := customjwt.NewGenerator(b, issuer, audience).WithClock(c.now).
		Sign(domain.Identity{Subject: "s", VO: "v"}, domain.Grant{VO: "v"}, domain.TokenClassUser, 20*time.Minute)
	require.NoError(t, err)
	verifier := customjwt.NewGenerator(a, issuer, audience).WithClock(c.now)

	c.advance(19*time.Minute + 11*time.Second)
	revoked, err := a.RetireExpired(ctx)
	require.NoError(t, err)
	require.Empty(t, revoked)
	require.NoError(t, b.Load(ctx))
	claims, err := verifier.Verify(signedByB.Raw)
	require.NoError(t, err)
	require.Equal(t, old.KID, claims.KeyID)

	c.advance(time.Minute + 31*time.Second)
	revoked, err = a.RetireExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{old.KID}, revoked)
}
