package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/gridauth/internal/domain"
)

const refreshColumns = `jti, token_hash, kind, subject, vo, grp, preferred_username, scope, pilot_stamp, job_id, parent_jti, root_jti, status, created_at, expires_at`

func scanRefreshToken(row pgx.Row) (domain.RefreshToken, error) {
	var (
		token        domain.RefreshToken
		kind, status string
	)
	if err := row.Scan(&token.JTI, &token.TokenHash, &kind, &token.Subject, &token.VO, &token.Group,
		&token.PreferredUsername, &token.Scope, &token.PilotStamp, &token.JobID, &token.ParentJTI,
		&token.RootJTI, &status, &token.CreatedAt, &token.ExpiresAt); err != nil {
		return domain.RefreshToken{}, err
	}
	token.Kind = domain.RefreshTokenKind(kind)
	token.Status = domain.RefreshTokenStatus(status)
	return token, nil
}

const insertRefreshSQL = `INSERT INTO refresh_tokens (` + refreshColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

func (s *PostgresStore) CreateRefreshToken(ctx context.Context, token domain.RefreshToken) error {
	_, err := s.db.Exec(ctx, insertRefreshSQL, refreshArgs(token)...)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func refreshArgs(t domain.RefreshToken) []any {
	return []any{t.JTI, t.TokenHash, string(t.Kind), t.Subject, t.VO, t.Group, t.PreferredUsername, t.Scope,
		t.PilotStamp, t.JobID, t.ParentJTI, t.RootJTI, string(t.Status), t.CreatedAt, t.ExpiresAt}
}

func (s *PostgresStore) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (domain.RefreshToken, error) {
	query := `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE token_hash = $1`
	token, err := scanRefreshToken(s.db.QueryRow(ctx, query, tokenHash))
	if err != nil {
		return domain.RefreshToken{}, notFound(err, "get refresh token by hash")
	}
	return token, nil
}

func (s *PostgresStore) GetRefreshToken(ctx context.Context, jti uuid.UUID) (domain.RefreshToken, error) {
	query := `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE jti = $1`
	token, err := scanRefreshToken(s.db.QueryRow(ctx, query, jti))
	if err != nil {
		return domain.RefreshToken{}, notFound(err, "get refresh token")
	}
	return token, nil
}

const markRotatedSQL = `UPDATE refresh_tokens SET status = 'rotated'
WHERE jti = $1 AND status = 'active' AND expires_at > $2`

func (s *PostgresStore) RotateRefreshToken(ctx context.Context, oldJTI uuid.UUID, next domain.RefreshToken, now time.Time) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markRotatedSQL, oldJTI, now)
		if err != nil {
			return fmt.Errorf("mark refresh token rotated: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrExpiredOrConsumed
		}
		if _, err := tx.Exec(ctx, insertRefreshSQL, refreshArgs(next)...); err != nil {
			if _, ok := isUniqueViolation(err); ok {
				return domain.ErrConflict
			}
			return fmt.Errorf("insert rotated refresh token: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) execCount(ctx context.Context, what, query string, args ...any) (int64, error) {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RevokeChain(ctx context.Context, root uuid.UUID) (int64, error) {
	return s.execCount(ctx, "revoke refresh chain",
		`UPDATE refresh_tokens SET status = 'revoked' WHERE root_jti = $1 AND status <> 'revoked'`, root)
}

func (s *PostgresStore) RevokeAllForSubject(ctx context.Context, vo, subject string) (int64, error) {
	return s.execCount(ctx, "revoke subject refresh tokens",
		`UPDATE refresh_tokens SET status = 'revoked' WHERE vo = $1 AND subject = $2 AND status <> 'revoked'`, vo, subject)
}

func (s *PostgresStore) RevokeJobTokens(ctx context.Context, jobID string) (int64, error) {
	return s.execCount(ctx, "revoke job refresh tokens",
		`UPDATE refresh_tokens SET status = 'revoked' WHERE kind = 'job' AND job_id = $1 AND status <> 'revoked'`, jobID)
}

func (s *PostgresStore) ListActiveForSubject(ctx context.Context, vo, subject string, now time.Time) ([]domain.RefreshToken, error) {
	query := `SELECT ` + refreshColumns + ` FROM refresh_tokens
WHERE vo = $1 AND subject = $2 AND status = 'active' AND expires_at > $3
ORDER BY created_at`
	rows, err := s.db.Query(ctx, query, vo, subject, now)
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.RefreshToken
	for rows.Next() {
		token, err := scanRefreshToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, "delete expired refresh tokens",
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
}
