package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/gridauth/internal/domain"
)

const pilotSecretColumns = `id, secret_hash, constraints, remaining_uses, expires_at, last_used_at, created_at`

func scanPilotSecret(row pgx.Row) (domain.PilotSecret, error) {
	var (
		secret domain.PilotSecret
		raw    []byte
	)
	if err := row.Scan(&secret.ID, &secret.SecretHash, &raw, &secret.RemainingUses, &secret.ExpiresAt,
		&secret.LastUsedAt, &secret.CreatedAt); err != nil {
		return domain.PilotSecret{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &secret.Constraints); err != nil {
			return domain.PilotSecret{}, fmt.Errorf("decode pilot secret constraints: %w", err)
		}
	}
	return secret, nil
}

const insertPilotSecretSQL = `INSERT INTO pilot_secrets (id, secret_hash, constraints, remaining_uses, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

func (s *PostgresStore) CreatePilotSecrets(ctx context.Context, secrets []domain.PilotSecret) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, secret := range secrets {
			constraints, err := json.Marshal(secret.Constraints)
			if err != nil {
				return fmt.Errorf("encode pilot secret constraints: %w", err)
			}
			batch.Queue(insertPilotSecretSQL, secret.ID, secret.SecretHash, constraints, secret.RemainingUses,
				secret.ExpiresAt, secret.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if _, ok := isUniqueViolation(err); ok {
				return domain.ErrConflict
			}
			return fmt.Errorf("insert pilot secrets: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetPilotSecretByHash(ctx context.Context, secretHash string) (domain.PilotSecret, error) {
	query := `SELECT ` + pilotSecretColumns + ` FROM pilot_secrets WHERE secret_hash = $1`
	secret, err := scanPilotSecret(s.db.QueryRow(ctx, query, secretHash))
	if err != nil {
		return domain.PilotSecret{}, notFound(err, "get pilot secret")
	}
	return secret, nil
}

func (s *PostgresStore) ConsumePilotSecret(ctx context.Context, secretHash string, now time.Time) (domain.PilotSecret, error) {
	query := `UPDATE pilot_secrets
SET remaining_uses = remaining_uses - 1, last_used_at = $2
WHERE secret_hash = $1 AND expires_at > $2 AND (remaining_uses IS NULL OR remaining_uses > 0)
RETURNING ` + pilotSecretColumns
	secret, err := scanPilotSecret(s.db.QueryRow(ctx, query, secretHash, now))
	if err != nil {
		return domain.PilotSecret{}, casFailed(err, "consume pilot secret")
	}
	return secret, nil
}

func (s *PostgresStore) DeleteExpiredPilotSecrets(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, "delete expired pilot secrets",
		`DELETE FROM pilot_secrets WHERE expires_at < $1`, before)
}

// ---- job credentials ----

const (
	jobCredentialColumns = `id, job_id, pilot_stamp, vo, access_jti, refresh_jti, status, outcome, created_at, expires_at, revoked_at`
	activePerPilotIndex  = "job_credentials_one_active_per_pilot"

	expireStaleJobsSQL = `UPDATE job_credentials SET status = 'expired'
WHERE (pilot_stamp = $1 OR job_id = $2) AND status = 'active' AND expires_at <= $3`
	latestJobCredentialSQL = `SELECT id FROM job_credentials WHERE job_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	insertJobCredentialSQL = `INSERT INTO job_credentials (` + jobCredentialColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
)

func scanJobCredential(row pgx.Row) (domain.JobCredentialRecord, error) {
	var (
		record          domain.JobCredentialRecord
		status, outcome string
	)
	if err := row.Scan(&record.ID, &record.JobID, &record.PilotStamp, &record.VO, &record.AccessJTI, &record.RefreshJTI,
		&status, &outcome, &record.CreatedAt, &record.ExpiresAt, &record.RevokedAt); err != nil {
		return domain.JobCredentialRecord{}, err
	}
	record.Status = domain.JobCredentialStatus(status)
	record.Outcome = domain.JobOutcome(outcome)
	return record, nil
}

func (s *PostgresStore) CreateJobCredential(ctx context.Context, record domain.JobCredentialRecord, now time.Time) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, expireStaleJobsSQL, record.PilotStamp, record.JobID, now); err != nil {
			return fmt.Errorf("expire stale job credentials: %w", err)
		}
		_, err := tx.Exec(ctx, insertJobCredentialSQL, record.ID, record.JobID, record.PilotStamp, record.VO,
			record.AccessJTI, record.RefreshJTI, string(record.Status), string(record.Outcome), record.CreatedAt,
			record.ExpiresAt, record.RevokedAt)
		if err != nil {
			if constraint, ok := isUniqueViolation(err); ok {
				if constraint == activePerPilotIndex {
					return domain.ErrJobCredentialActive
				}
				return domain.ErrConflict
			}
			return fmt.Errorf("insert job credential: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetJobCredential(ctx context.Context, jobID string) (domain.JobCredentialRecord, error) {
	query := `SELECT ` + jobCredentialColumns + ` FROM job_credentials WHERE job_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	record, err := scanJobCredential(s.db.QueryRow(ctx, query, jobID))
	if err != nil {
		return domain.JobCredentialRecord{}, notFound(err, "get job credential")
	}
	return record, nil
}

func (s *PostgresStore) HasActiveJobCredential(ctx context.Context, pilotStamp string, now time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_credentials
WHERE pilot_stamp = $1 AND status = 'active' AND expires_at > $2)`, pilotStamp, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active job credential: %w", err)
	}
	return exists, nil
}

const finalizeJobCredentialSQL = `UPDATE job_credentials
SET status = 'revoked', outcome = $2, revoked_at = $3
WHERE id = (` + latestJobCredentialSQL + `) AND status <> 'revoked'`

func (s *PostgresStore) FinalizeJobCredential(ctx context.Context, jobID string, outcome domain.JobOutcome, now time.Time) (bool, error) {
	n, err := s.execCount(ctx, "finalize job credential", finalizeJobCredentialSQL, jobID, string(outcome), now)
	return n > 0, err
}

func (s *PostgresStore) DeleteExpiredJobCredentials(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, "delete expired job credentials",
		`DELETE FROM job_credentials WHERE expires_at < $1`, before)
}
