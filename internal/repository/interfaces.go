package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/smallbiznis/gridauth/internal/domain"
)

// KeyRepository persists signing keys.
type KeyRepository interface {
	ListKeys(ctx context.Context) ([]domain.SigningKey, error)
	// ActivateKey moves the current active key to retiring and stores key as
	// the new active key in one transaction.
	ActivateKey(ctx context.Context, key domain.SigningKey, now time.Time) error
	// RevokeRetiredKeys revokes retiring keys that started retiring at or before cutoff.
	RevokeRetiredKeys(ctx context.Context, cutoff, now time.Time) ([]string, error)
}

// FlowRepository persists authorization-code and device flows. Every
// status transition is a compare-and-swap: a losing caller gets
// domain.ErrExpiredOrConsumed.
type FlowRepository interface {
	CreateAuthorizationFlow(ctx context.Context, flow domain.AuthorizationFlow) error
	GetAuthorizationFlow(ctx context.Context, id uuid.UUID) (domain.AuthorizationFlow, error)
	GetAuthorizationFlowByCode(ctx context.Context, codeHash string) (domain.AuthorizationFlow, error)
	// AuthorizeAuthorizationFlow moves pending -> authorized, recording the code hash and ID token claims.
	AuthorizeAuthorizationFlow(ctx context.Context, id uuid.UUID, codeHash string, claims domain.IDTokenClaims, now time.Time) (domain.AuthorizationFlow, error)
	// DenyAuthorizationFlow moves pending -> denied.
	DenyAuthorizationFlow(ctx context.Context, id uuid.UUID, now time.Time) error
	// ConsumeAuthorizationFlow moves authorized -> completed.
	ConsumeAuthorizationFlow(ctx context.Context, codeHash string, now time.Time) (domain.AuthorizationFlow, error)

	// CreateDeviceFlow returns domain.ErrConflict when the user code is taken.
	CreateDeviceFlow(ctx context.Context, flow domain.DeviceFlow) error
	GetDeviceFlowByUserCode(ctx context.Context, userCode string) (domain.DeviceFlow, error)
	GetDeviceFlow(ctx context.Context, deviceCodeHash string) (domain.DeviceFlow, error)
	AuthorizeDeviceFlow(ctx context.Context, userCode string, claims domain.IDTokenClaims, now time.Time) error
	DenyDeviceFlow(ctx context.Context, userCode string, now time.Time) error
	ConsumeDeviceFlow(ctx context.Context, deviceCodeHash string, now time.Time) (domain.DeviceFlow, error)

	DeleteExpiredFlows(ctx context.Context, before time.Time) (int64, error)
}

// RefreshTokenRepository persists refresh tokens and their lineage.
type RefreshTokenRepository interface {
	CreateRefreshToken(ctx context.Context, token domain.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (domain.RefreshToken, error)
	GetRefreshToken(ctx context.Context, jti uuid.UUID) (domain.RefreshToken, error)
	// RotateRefreshToken marks old rotated and inserts next atomically.
	// It fails with domain.ErrExpiredOrConsumed when old is no longer active.
	RotateRefreshToken(ctx context.Context, oldJTI uuid.UUID, next domain.RefreshToken, now time.Time) error
	// RevokeChain revokes every token sharing root.
	RevokeChain(ctx context.Context, root uuid.UUID) (int64, error)
	RevokeAllForSubject(ctx context.Context, vo, subject string) (int64, error)
	RevokeJobTokens(ctx context.Context, jobID string) (int64, error)
	ListActiveForSubject(ctx context.Context, vo, subject string, now time.Time) ([]domain.RefreshToken, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// PilotSecretRepository persists hashed pilot secrets.
type PilotSecretRepository interface {
	CreatePilotSecrets(ctx context.Context, secrets []domain.PilotSecret) error
	GetPilotSecretByHash(ctx context.Context, secretHash string) (domain.PilotSecret, error)
	// ConsumePilotSecret decrements the remaining uses of an unexpired secret.
	ConsumePilotSecret(ctx context.Context, secretHash string, now time.Time) (domain.PilotSecret, error)
	DeleteExpiredPilotSecrets(ctx context.Context, before time.Time) (int64, error)
}

// JobCredentialRepository persists the backing records of job credentials.
// A job may be matched again once its previous credential is revoked or
// expired, so several records can exist per job; only one is active.
type JobCredentialRepository interface {
	// CreateJobCredential returns domain.ErrJobCredentialActive when the pilot
	// already holds an active, unexpired job credential, and domain.ErrConflict
	// when the job does.
	CreateJobCredential(ctx context.Context, record domain.JobCredentialRecord, now time.Time) error
	// GetJobCredential returns the most recent record for jobID.
	GetJobCredential(ctx context.Context, jobID string) (domain.JobCredentialRecord, error)
	// HasActiveJobCredential reports whether the pilot holds an active,
	// unexpired job credential.
	HasActiveJobCredential(ctx context.Context, pilotStamp string, now time.Time) (bool, error)
	// FinalizeJobCredential revokes the most recent record. The boolean is
	// false when it was already revoked or does not exist.
	FinalizeJobCredential(ctx context.Context, jobID string, outcome domain.JobOutcome, now time.Time) (bool, error)
	DeleteExpiredJobCredentials(ctx context.Context, before time.Time) (int64, error)
}

// Store groups every repository a backend provides.
type Store interface {
	KeyRepository
	FlowRepository
	RefreshTokenRepository
	PilotSecretRepository
	JobCredentialRepository
}
