package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/servicetest"
)

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	clock := servicetest.NewClock()
	store := repository.NewMemoryStore()
	issuer := servicetest.NewIssuer(t, store, servicetest.Config(), clock)
	maintenance := service.NewMaintenance(store, issuer.TokenIssuer, zap.NewNop())
	now := clock.Now()

	require.NoError(t, store.CreateAuthorizationFlow(ctx, domain.AuthorizationFlow{
		ID: uuid.New(), Status: domain.FlowPending, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))
	require.NoError(t, store.CreateDeviceFlow(ctx, domain.DeviceFlow{
		UserCode: "BCDFGHJK", DeviceCodeHash: "h", Status: domain.FlowPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.CreatePilotSecrets(ctx, []domain.PilotSecret{
		{ID: 1, SecretHash: "a", ExpiresAt: now.Add(time.Minute), CreatedAt: now},
		{ID: 2, SecretHash: "b", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	}))
	_, err := issuer.IssuePair(ctx, domain.Identity{Subject: "sub-alice", VO: "gridvo"},
		domain.Grant{VO: "gridvo", Group: "gridvo_user"}, domain.RefreshKindUser, "test")
	require.NoError(t, err)

	require.NoError(t, store.CreateJobCredential(ctx, domain.JobCredentialRecord{
		ID: 1, JobID: "job-1", PilotStamp: "stamp-1", VO: "gridvo", Status: domain.JobCredentialRevoked,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}, now))

	report, err := maintenance.CleanupExpired(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, service.CleanupReport{Flows: 1, PilotSecrets: 1, RefreshTokens: 0}, report)

	report, err = maintenance.CleanupExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, service.CleanupReport{Flows: 1, PilotSecrets: 1, RefreshTokens: 1, JobCredentials: 1}, report)
}
