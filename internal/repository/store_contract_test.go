package repository_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/jwt"
	"github.com/smallbiznis/gridauth/internal/repository"
)

// runStoreContract exercises the transition rules every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("AuthorizationFlowSingleUse", func(t *testing.T) { testAuthorizationFlowSingleUse(t, newStore(t)) })
	t.Run("AuthorizationFlowExpiry", func(t *testing.T) { testAuthorizationFlowExpiry(t, newStore(t)) })
	t.Run("DeviceFlowTransitions", func(t *testing.T) { testDeviceFlowTransitions(t, newStore(t)) })
	t.Run("ConcurrentConsumeHasOneWinner", func(t *testing.T) { testConcurrentConsume(t, newStore(t)) })
	t.Run("RefreshRotation", func(t *testing.T) { testRefreshRotation(t, newStore(t)) })
	t.Run("PilotSecretUses", func(t *testing.T) { testPilotSecretUses(t, newStore(t)) })
	t.Run("ConcurrentPilotSecretConsume", func(t *testing.T) { testConcurrentPilotSecretConsume(t, newStore(t)) })
	t.Run("JobCredentialPerPilot", func(t *testing.T) { testJobCredentialPerPilot(t, newStore(t)) })
	t.Run("JobRematchedAfterFinalize", func(t *testing.T) { testJobRematchedAfterFinalize(t, newStore(t)) })
	t.Run("KeyRotation", func(t *testing.T) { testKeyRotation(t, newStore(t)) })
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAuthFlow(now time.Time) domain.AuthorizationFlow {
	return domain.AuthorizationFlow{
		ID:            uuid.New(),
		ClientID:      "gridauth-client",
		Scope:         "vo:gridvo",
		RedirectURI:   "http://localhost:8000/callback",
		CodeChallenge: "challenge",
		Status:        domain.FlowPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(5 * time.Minute),
	}
}

func testAuthorizationFlowSingleUse(t *testing.T, store repository.Store) {
	ctx := context.Background()
	flow := newAuthFlow(baseTime)
	require.NoError(t, store.CreateAuthorizationFlow(ctx, flow))

	codeHash := "hash-" + flow.ID.String()
	claims := domain.IDTokenClaims{Subject: "sub-alice", PreferredUsername: "alice"}
	authorized, err := store.AuthorizeAuthorizationFlow(ctx, flow.ID, codeHash, claims, baseTime.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, domain.FlowAuthorized, authorized.Status)

	_, err = store.AuthorizeAuthorizationFlow(ctx, flow.ID, codeHash, claims, baseTime.Add(2*time.Second))
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)

	consumed, err := store.ConsumeAuthorizationFlow(ctx, codeHash, baseTime.Add(3*time.Second))
	require.NoError(t, err)
	require.Equal(t, domain.FlowCompleted, consumed.Status)
	require.NotNil(t, consumed.IDToken)
	require.Equal(t, "sub-alice", consumed.IDToken.Subject)

	_, err = store.ConsumeAuthorizationFlow(ctx, codeHash, baseTime.Add(4*time.Second))
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
}

func testAuthorizationFlowExpiry(t *testing.T, store repository.Store) {
	ctx := context.Background()
	flow := newAuthFlow(baseTime)
	require.NoError(t, store.CreateAuthorizationFlow(ctx, flow))

	_, err := store.AuthorizeAuthorizationFlow(ctx, flow.ID, "late", domain.IDTokenClaims{Subject: "s"}, flow.ExpiresAt)
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
	require.ErrorIs(t, store.DenyAuthorizationFlow(ctx, flow.ID, flow.ExpiresAt.Add(time.Second)), domain.ErrExpiredOrConsumed)

	_, err = store.GetAuthorizationFlow(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testDeviceFlowTransitions(t *testing.T, store repository.Store) {
	ctx := context.Background()
	flow := domain.DeviceFlow{
		UserCode:       "BCDFGHJK",
		DeviceCodeHash: "device-hash",
		ClientID:       "gridauth-client",
		Scope:          "vo:gridvo",
		CodeChallenge:  "challenge",
		PollInterval:   5 * time.Second,
		Status:         domain.FlowPending,
		CreatedAt:      baseTime,
		ExpiresAt:      baseTime.Add(10 * time.Minute),
	}
	require.NoError(t, store.CreateDeviceFlow(ctx, flow))

	dup := flow
	dup.DeviceCodeHash = "other-hash"
	require.ErrorIs(t, store.CreateDeviceFlow(ctx, dup), domain.ErrConflict)

	_, err := store.ConsumeDeviceFlow(ctx, "device-hash", baseTime.Add(time.Second))
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)

	claims := domain.IDTokenClaims{Subject: "sub-bob"}
	require.NoError(t, store.AuthorizeDeviceFlow(ctx, "BCDFGHJK", claims, baseTime.Add(time.Minute)))
	require.ErrorIs(t, store.DenyDeviceFlow(ctx, "BCDFGHJK", baseTime.Add(time.Minute)), domain.ErrExpiredOrConsumed)

	stored, err := store.GetDeviceFlow(ctx, "device-hash")
	require.NoError(t, err)
	require.Equal(t, domain.FlowAuthorized, stored.Status)
	require.Equal(t, 5*time.Second, stored.PollInterval)

	consumed, err := store.ConsumeDeviceFlow(ctx, "device-hash", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "sub-bob", consumed.IDToken.Subject)

	n, err := store.DeleteExpiredFlows(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func testConcurrentConsume(t *testing.T, store repository.Store) {
	ctx := context.Background()
	flow := newAuthFlow(baseTime)
	require.NoError(t, store.CreateAuthorizationFlow(ctx, flow))
	_, err := store.AuthorizeAuthorizationFlow(ctx, flow.ID, "race", domain.IDTokenClaims{Subject: "s"}, baseTime)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeAuthorizationFlow(ctx, "race", baseTime.Add(time.Second)); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, winners.Load())
}

func newRefresh(now time.Time, hash string, parent *domain.RefreshToken) domain.RefreshToken {
	token := domain.RefreshToken{
		JTI:       uuid.New(),
		TokenHash: hash,
		Kind:      domain.RefreshKindUser,
		Subject:   "sub-alice",
		VO:        "gridvo",
		Group:     "gridvo_user",
		Scope:     "vo:gridvo group:gridvo_user",
		Status:    domain.RefreshTokenActive,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	token.RootJTI = token.JTI
	if parent != nil {
		jti := parent.JTI
		token.ParentJTI = &jti
		token.RootJTI = parent.RootJTI
	}
	return token
}

func testRefreshRotation(t *testing.T, store repository.Store) {
	ctx := context.Background()
	first := newRefresh(baseTime, "h1", nil)
	require.NoError(t, store.CreateRefreshToken(ctx, first))

	second := newRefresh(baseTime, "h2", &first)
	require.NoError(t, store.RotateRefreshToken(ctx, first.JTI, second, baseTime.Add(time.Minute)))

	third := newRefresh(baseTime, "h3", &first)
	require.ErrorIs(t, store.RotateRefreshToken(ctx, first.JTI, third, baseTime.Add(2*time.Minute)), domain.ErrExpiredOrConsumed)

	old, err := store.GetRefreshTokenByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, domain.RefreshTokenRotated, old.Status)

	active, err := store.ListActiveForSubject(ctx, "gridvo", "sub-alice", baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, second.JTI, active[0].JTI)
	require.NotNil(t, active[0].ParentJTI)
	require.Equal(t, first.JTI, *active[0].ParentJTI)

	n, err := store.RevokeChain(ctx, first.JTI)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	latest, err := store.GetRefreshToken(ctx, second.JTI)
	require.NoError(t, err)
	require.Equal(t, domain.RefreshTokenRevoked, latest.Status)
}

func testPilotSecretUses(t *testing.T, store repository.Store) {
	ctx := context.Background()
	once := 1
	secrets := []domain.PilotSecret{
		{ID: 1, SecretHash: "single", RemainingUses: &once, ExpiresAt: baseTime.Add(time.Hour), CreatedAt: baseTime,
			Constraints: domain.PilotSecretConstraints{VOs: []string{"gridvo"}}},
		{ID: 2, SecretHash: "unlimited", ExpiresAt: baseTime.Add(time.Hour), CreatedAt: baseTime},
	}
	require.NoError(t, store.CreatePilotSecrets(ctx, secrets))

	consumed, err := store.ConsumePilotSecret(ctx, "single", baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, *consumed.RemainingUses)
	require.Equal(t, []string{"gridvo"}, consumed.Constraints.VOs)

	_, err = store.ConsumePilotSecret(ctx, "single", baseTime.Add(2*time.Minute))
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)

	for i := 0; i < 3; i++ {
		_, err = store.ConsumePilotSecret(ctx, "unlimited", baseTime.Add(time.Minute))
		require.NoError(t, err)
	}
	_, err = store.ConsumePilotSecret(ctx, "unlimited", baseTime.Add(2*time.Hour))
	require.ErrorIs(t, err, domain.ErrExpiredOrConsumed)
}

func testConcurrentPilotSecretConsume(t *testing.T, store repository.Store) {
	ctx := context.Background()
	once := 1
	require.NoError(t, store.CreatePilotSecrets(ctx, []domain.PilotSecret{
		{ID: 1, SecretHash: "raced", RemainingUses: &once, ExpiresAt: baseTime.Add(time.Hour), CreatedAt: baseTime},
	}))

	const racers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		losers  atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumePilotSecret(ctx, "raced", baseTime.Add(time.Minute))
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, domain.ErrExpiredOrConsumed):
				losers.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
	require.Equal(t, int32(racers-1), losers.Load())
}

func testJobCredentialPerPilot(t *testing.T, store repository.Store) {
	ctx := context.Background()
	record := func(id int64, jobID string, expires time.Time) domain.JobCredentialRecord {
		return domain.JobCredentialRecord{
			ID: id, JobID: jobID, PilotStamp: "stamp-1", VO: "gridvo",
			AccessJTI: "a-" + jobID, RefreshJTI: uuid.NewString(),
			Status: domain.JobCredentialActive, CreatedAt: baseTime, ExpiresAt: expires,
		}
	}
	require.NoError(t, store.CreateJobCredential(ctx, record(1, "job-1", baseTime.Add(10*time.Minute)), baseTime))
	require.ErrorIs(t, store.CreateJobCredential(ctx, record(2, "job-2", baseTime.Add(20*time.Minute)), baseTime.Add(time.Minute)),
		domain.ErrJobCredentialActive)

	finalized, err := store.FinalizeJobCredential(ctx, "job-1", domain.JobSucceeded, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, finalized)

	again, err := store.FinalizeJobCredential(ctx, "job-1", domain.JobSucceeded, baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	require.False(t, again)

	require.NoError(t, store.CreateJobCredential(ctx, record(3, "job-3", baseTime.Add(20*time.Minute)), baseTime.Add(3*time.Minute)))
	got, err := store.GetJobCredential(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobCredentialRevoked, got.Status)
	require.Equal(t, domain.JobSucceeded, got.Outcome)
}

func testKeyRotation(t *testing.T, store repository.Store) {
	ctx := context.Background()
	first, err := jwt.GenerateKey()
	require.NoError(t, err)
	first.ActivatedAt = baseTime
	require.NoError(t, store.ActivateKey(ctx, *first, baseTime))
	require.ErrorIs(t, store.ActivateKey(ctx, *first, baseTime), domain.ErrConflict)

	second, err := jwt.GenerateKey()
	require.NoError(t, err)
	second.ActivatedAt = baseTime.Add(time.Hour)
	require.NoError(t, store.ActivateKey(ctx, *second, baseTime.Add(time.Hour)))

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, domain.KeyRetiring, keys[0].Status)
	require.Equal(t, domain.KeyActive, keys[1].Status)
	require.NotNil(t, keys[1].Private)

	revoked, err := store.RevokeRetiredKeys(ctx, baseTime.Add(30*time.Minute), baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	require.Empty(t, revoked)

	revoked, err = store.RevokeRetiredKeys(ctx, baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{first.KID}, revoked)
}

func testJobRematchedAfterFinalize(t *testing.T, store repository.Store) {
	ctx := context.Background()
	record := func(id int64, stamp string, created time.Time) domain.JobCredentialRecord {
		return domain.JobCredentialRecord{
			ID: id, JobID: "job-1", PilotStamp: stamp, VO: "gridvo",
			AccessJTI: uuid.NewString(), RefreshJTI: uuid.NewString(),
			Status: domain.JobCredentialActive, CreatedAt: created, ExpiresAt: created.Add(10 * time.Minute),
		}
	}
	require.NoError(t, store.CreateJobCredential(ctx, record(1, "stamp-1", baseTime), baseTime))
	active, err := store.HasActiveJobCredential(ctx, "stamp-1", baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, active)

	// Another pilot cannot take the job while its credential is live.
	require.ErrorIs(t, store.CreateJobCredential(ctx, record(2, "stamp-2", baseTime.Add(time.Minute)), baseTime.Add(time.Minute)),
		domain.ErrConflict)

	finalized, err := store.FinalizeJobCredential(ctx, "job-1", domain.JobFailed, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, finalized)
	active, err = store.HasActiveJobCredential(ctx, "stamp-1", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, active)

	second := record(3, "stamp-2", baseTime.Add(3*time.Minute))
	require.NoError(t, store.CreateJobCredential(ctx, second, baseTime.Add(3*time.Minute)))
	got, err := store.GetJobCredential(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)
	require.Equal(t, domain.JobCredentialActive, got.Status)

	// An expired credential frees the job too.
	third := record(4, "stamp-3", baseTime.Add(20*time.Minute))
	require.NoError(t, store.CreateJobCredential(ctx, third, baseTime.Add(20*time.Minute)))
	got, err = store.GetJobCredential(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, third.ID, got.ID)

	deleted, err := store.DeleteExpiredJobCredentials(ctx, baseTime.Add(15*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)
	got, err = store.GetJobCredential(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, third.ID, got.ID)
}
