// Package servicetest builds token issuers, registries and clocks for service tests.
package servicetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/jwt"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/service"
)

// RegistryYAML describes one VO with user, admin and pilot groups.
const RegistryYAML = `
available_properties: [NormalUser, ProxyManagement, Operator, GenericPilot, LimitedDelegation, JobExecution]
vos:
  gridvo:
    idp:
      url: https://idp.example.org
      client_id: gridauth-client
    default_group: gridvo_user
    users:
      sub-alice: {preferred_username: alice}
      sub-bob: {preferred_username: bob}
    groups:
      gridvo_user:
        properties: [NormalUser]
        users: [sub-alice, sub-bob]
      gridvo_admin:
        properties: [NormalUser, ProxyManagement, Operator]
        users: [sub-alice]
      gridvo_pilot:
        properties: [GenericPilot, LimitedDelegation]
    pilot_group: gridvo_pilot
    job_properties: [JobExecution]
`

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock starts at the current wall time so signed tokens stay verifiable.
func NewClock() *Clock {
	return &Clock{t: time.Now().UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Config returns a configuration suitable for tests.
func Config() config.Config {
	return config.Config{
		Environment:          "test",
		StorageBackend:       config.StorageMemory,
		Issuer:               "https://auth.example.org",
		Audience:             "gridauth",
		ClientID:             "gridauth-cli",
		PublicURL:            "https://auth.example.org",
		AllowedRedirects:     []string{"https://client.example.org/callback"},
		AccessTokenTTL:       20 * time.Minute,
		PilotAccessTokenTTL:  20 * time.Minute,
		JobAccessTokenTTL:    10 * time.Minute,
		RefreshTokenTTL:      time.Hour,
		PilotRefreshTokenTTL: 24 * time.Hour,
		RefreshTokenBytes:    32,
		AuthorizationFlowTTL: 5 * time.Minute,
		DeviceFlowTTL:        10 * time.Minute,
		DevicePollInterval:   5 * time.Second,
		IdPTimeout:           time.Second,
		PilotSecretTTL:       time.Hour,
	}
}

// Registry parses RegistryYAML.
func Registry(t testing.TB) *registry.Registry {
	t.Helper()
	reg, err := registry.Parse([]byte(RegistryYAML))
	require.NoError(t, err)
	return reg
}

// Issuer is a token issuer backed by store with a freshly generated key.
type Issuer struct {
	*service.TokenIssuer
	Keys *jwt.KeyManager
}

// NewIssuer builds a TokenIssuer over store.
func NewIssuer(t testing.TB, store repository.Store, cfg config.Config, clock *Clock) Issuer {
	t.Helper()
	keys := jwt.NewKeyManager(store, jwt.RetirementWindow(cfg.MaxAccessTokenTTL(), cfg.KeyReloadInterval), zap.NewNop()).WithClock(clock.Now)
	require.NoError(t, keys.EnsureSigningKey(context.Background(), true))
	generator := jwt.NewGenerator(keys, cfg.Issuer, cfg.Audience).WithClock(clock.Now)
	issuer := service.NewTokenIssuer(keys, generator, store, cfg, nil, zap.NewNop()).WithClock(clock.Now)
	return Issuer{TokenIssuer: issuer, Keys: keys}
}
