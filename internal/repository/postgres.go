package repository

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/gridauth/internal/domain"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on a pgx pool. Status transitions are
// single conditional UPDATE statements so concurrent callers race in the
// database rather than in process memory.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func isUniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func casFailed(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrExpiredOrConsumed
	}
	return fmt.Errorf("%s: %w", what, err)
}

// ---- keys ----

const listKeysSQL = `SELECT kid, algorithm, jwk, status, activated_at, retiring_at, revoked_at
FROM signing_keys
ORDER BY activated_at`

func (s *PostgresStore) ListKeys(ctx context.Context) ([]domain.SigningKey, error) {
	rows, err := s.db.Query(ctx, listKeysSQL)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.SigningKey
	for rows.Next() {
		var (
			key    domain.SigningKey
			status string
			raw    []byte
		)
		if err := rows.Scan(&key.KID, &key.Algorithm, &raw, &status, &key.ActivatedAt, &key.RetiringAt, &key.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		key.Status = domain.KeyStatus(status)
		if err := decodeKey(raw, &key); err != nil {
			return nil, fmt.Errorf("decode signing key %s: %w", key.KID, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

const (
	retireActiveKeySQL = `UPDATE signing_keys SET status = 'retiring', retiring_at = $1 WHERE status = 'active'`
	insertKeySQL       = `INSERT INTO signing_keys (kid, algorithm, jwk, status, activated_at)
VALUES ($1, $2, $3, 'active', $4)`
)

func (s *PostgresStore) ActivateKey(ctx context.Context, key domain.SigningKey, now time.Time) error {
	raw, err := encodeKey(key)
	if err != nil {
		return fmt.Errorf("encode signing key: %w", err)
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, retireActiveKeySQL, now); err != nil {
			return fmt.Errorf("retire active key: %w", err)
		}
		if _, err := tx.Exec(ctx, insertKeySQL, key.KID, key.Algorithm, raw, key.ActivatedAt); err != nil {
			if _, ok := isUniqueViolation(err); ok {
				return domain.ErrConflict
			}
			return fmt.Errorf("insert signing key: %w", err)
		}
		return nil
	})
}

const revokeRetiredKeysSQL = `UPDATE signing_keys
SET status = 'revoked', revoked_at = $2
WHERE status = 'retiring' AND retiring_at <= $1
RETURNING kid`

func (s *PostgresStore) RevokeRetiredKeys(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, revokeRetiredKeysSQL, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("revoke retired keys: %w", err)
	}
	kids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("revoke retired keys: %w", err)
	}
	return kids, nil
}

func encodeKey(key domain.SigningKey) ([]byte, error) {
	jwk := jose.JSONWebKey{Key: key.Private, KeyID: key.KID, Algorithm: key.Algorithm, Use: "sig"}
	return jwk.MarshalJSON()
}

func decodeKey(raw []byte, key *domain.SigningKey) error {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return err
	}
	signer, ok := jwk.Key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("stored key is not a private key")
	}
	key.Private = signer
	key.Public = signer.Public()
	return nil
}
