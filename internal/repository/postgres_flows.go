package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/gridauth/internal/domain"
)

const authFlowColumns = `id, client_id, scope, redirect_uri, code_challenge, COALESCE(code_hash, ''), status, id_token, created_at, expires_at`

func scanAuthorizationFlow(row pgx.Row) (domain.AuthorizationFlow, error) {
	var (
		flow   domain.AuthorizationFlow
		status string
		claims []byte
	)
	if err := row.Scan(&flow.ID, &flow.ClientID, &flow.Scope, &flow.RedirectURI, &flow.CodeChallenge,
		&flow.CodeHash, &status, &claims, &flow.CreatedAt, &flow.ExpiresAt); err != nil {
		return domain.AuthorizationFlow{}, err
	}
	flow.Status = domain.FlowStatus(status)
	idToken, err := decodeClaims(claims)
	if err != nil {
		return domain.AuthorizationFlow{}, err
	}
	flow.IDToken = idToken
	return flow, nil
}

func encodeClaims(claims *domain.IDTokenClaims) ([]byte, error) {
	if claims == nil {
		return nil, nil
	}
	return json.Marshal(claims)
}

func decodeClaims(raw []byte) (*domain.IDTokenClaims, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var claims domain.IDTokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	return &claims, nil
}

const insertAuthFlowSQL = `INSERT INTO authorization_flows (id, client_id, scope, redirect_uri, code_challenge, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (s *PostgresStore) CreateAuthorizationFlow(ctx context.Context, flow domain.AuthorizationFlow) error {
	_, err := s.db.Exec(ctx, insertAuthFlowSQL, flow.ID, flow.ClientID, flow.Scope, flow.RedirectURI,
		flow.CodeChallenge, string(flow.Status), flow.CreatedAt, flow.ExpiresAt)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert authorization flow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuthorizationFlow(ctx context.Context, id uuid.UUID) (domain.AuthorizationFlow, error) {
	query := `SELECT ` + authFlowColumns + ` FROM authorization_flows WHERE id = $1`
	flow, err := scanAuthorizationFlow(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.AuthorizationFlow{}, notFound(err, "get authorization flow")
	}
	return flow, nil
}

func (s *PostgresStore) GetAuthorizationFlowByCode(ctx context.Context, codeHash string) (domain.AuthorizationFlow, error) {
	query := `SELECT ` + authFlowColumns + ` FROM authorization_flows WHERE code_hash = $1`
	flow, err := scanAuthorizationFlow(s.db.QueryRow(ctx, query, codeHash))
	if err != nil {
		return domain.AuthorizationFlow{}, notFound(err, "get authorization flow by code")
	}
	return flow, nil
}

func (s *PostgresStore) AuthorizeAuthorizationFlow(ctx context.Context, id uuid.UUID, codeHash string, claims domain.IDTokenClaims, now time.Time) (domain.AuthorizationFlow, error) {
	raw, err := encodeClaims(&claims)
	if err != nil {
		return domain.AuthorizationFlow{}, err
	}
	query := `UPDATE authorization_flows
SET status = 'authorized', code_hash = $2, id_token = $3
WHERE id = $1 AND status = 'pending' AND expires_at > $4
RETURNING ` + authFlowColumns
	flow, err := scanAuthorizationFlow(s.db.QueryRow(ctx, query, id, codeHash, raw, now))
	if err != nil {
		return domain.AuthorizationFlow{}, casFailed(err, "authorize authorization flow")
	}
	return flow, nil
}

const denyAuthFlowSQL = `UPDATE authorization_flows SET status = 'denied'
WHERE id = $1 AND status = 'pending' AND expires_at > $2`

func (s *PostgresStore) DenyAuthorizationFlow(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := s.db.Exec(ctx, denyAuthFlowSQL, id, now)
	if err != nil {
		return fmt.Errorf("deny authorization flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrExpiredOrConsumed
	}
	return nil
}

func (s *PostgresStore) ConsumeAuthorizationFlow(ctx context.Context, codeHash string, now time.Time) (domain.AuthorizationFlow, error) {
	query := `UPDATE authorization_flows SET status = 'completed'
WHERE code_hash = $1 AND status = 'authorized' AND expires_at > $2
RETURNING ` + authFlowColumns
	flow, err := scanAuthorizationFlow(s.db.QueryRow(ctx, query, codeHash, now))
	if err != nil {
		return domain.AuthorizationFlow{}, casFailed(err, "consume authorization flow")
	}
	return flow, nil
}

// ---- device flows ----

const deviceFlowColumns = `user_code, device_code_hash, client_id, scope, code_challenge, poll_interval_ms, status, id_token, created_at, expires_at`

func scanDeviceFlow(row pgx.Row) (domain.DeviceFlow, error) {
	var (
		flow       domain.DeviceFlow
		intervalMS int64
		status     string
		claims     []byte
	)
	if err := row.Scan(&flow.UserCode, &flow.DeviceCodeHash, &flow.ClientID, &flow.Scope, &flow.CodeChallenge,
		&intervalMS, &status, &claims, &flow.CreatedAt, &flow.ExpiresAt); err != nil {
		return domain.DeviceFlow{}, err
	}
	flow.PollInterval = time.Duration(intervalMS) * time.Millisecond
	flow.Status = domain.FlowStatus(status)
	idToken, err := decodeClaims(claims)
	if err != nil {
		return domain.DeviceFlow{}, err
	}
	flow.IDToken = idToken
	return flow, nil
}

const insertDeviceFlowSQL = `INSERT INTO device_flows (user_code, device_code_hash, client_id, scope, code_challenge, poll_interval_ms, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (s *PostgresStore) CreateDeviceFlow(ctx context.Context, flow domain.DeviceFlow) error {
	_, err := s.db.Exec(ctx, insertDeviceFlowSQL, flow.UserCode, flow.DeviceCodeHash, flow.ClientID, flow.Scope,
		flow.CodeChallenge, flow.PollInterval.Milliseconds(), string(flow.Status), flow.CreatedAt, flow.ExpiresAt)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert device flow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeviceFlowByUserCode(ctx context.Context, userCode string) (domain.DeviceFlow, error) {
	query := `SELECT ` + deviceFlowColumns + ` FROM device_flows WHERE user_code = $1`
	flow, err := scanDeviceFlow(s.db.QueryRow(ctx, query, userCode))
	if err != nil {
		return domain.DeviceFlow{}, notFound(err, "get device flow by user code")
	}
	return flow, nil
}

func (s *PostgresStore) GetDeviceFlow(ctx context.Context, deviceCodeHash string) (domain.DeviceFlow, error) {
	query := `SELECT ` + deviceFlowColumns + ` FROM device_flows WHERE device_code_hash = $1`
	flow, err := scanDeviceFlow(s.db.QueryRow(ctx, query, deviceCodeHash))
	if err != nil {
		return domain.DeviceFlow{}, notFound(err, "get device flow")
	}
	return flow, nil
}

const authorizeDeviceFlowSQL = `UPDATE device_flows SET status = 'authorized', id_token = $2
WHERE user_code = $1 AND status = 'pending' AND expires_at > $3`

func (s *PostgresStore) AuthorizeDeviceFlow(ctx context.Context, userCode string, claims domain.IDTokenClaims, now time.Time) error {
	raw, err := encodeClaims(&claims)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, authorizeDeviceFlowSQL, userCode, raw, now)
	if err != nil {
		return fmt.Errorf("authorize device flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrExpiredOrConsumed
	}
	return nil
}

const denyDeviceFlowSQL = `UPDATE device_flows SET status = 'denied'
WHERE user_code = $1 AND status = 'pending' AND expires_at > $2`

func (s *PostgresStore) DenyDeviceFlow(ctx context.Context, userCode string, now time.Time) error {
	tag, err := s.db.Exec(ctx, denyDeviceFlowSQL, userCode, now)
	if err != nil {
		return fmt.Errorf("deny device flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrExpiredOrConsumed
	}
	return nil
}

func (s *PostgresStore) ConsumeDeviceFlow(ctx context.Context, deviceCodeHash string, now time.Time) (domain.DeviceFlow, error) {
	query := `UPDATE device_flows SET status = 'completed'
WHERE device_code_hash = $1 AND status = 'authorized' AND expires_at > $2
RETURNING ` + deviceFlowColumns
	flow, err := scanDeviceFlow(s.db.QueryRow(ctx, query, deviceCodeHash, now))
	if err != nil {
		return domain.DeviceFlow{}, casFailed(err, "consume device flow")
	}
	return flow, nil
}

func (s *PostgresStore) DeleteExpiredFlows(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		auth, err := tx.Exec(ctx, `DELETE FROM authorization_flows WHERE expires_at < $1`, before)
		if err != nil {
			return fmt.Errorf("delete authorization flows: %w", err)
		}
		device, err := tx.Exec(ctx, `DELETE FROM device_flows WHERE expires_at < $1`, before)
		if err != nil {
			return fmt.Errorf("delete device flows: %w", err)
		}
		total = auth.RowsAffected() + device.RowsAffected()
		return nil
	})
	return total, err
}
