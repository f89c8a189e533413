package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smallbiznis/gridauth/internal/domain"
)

// MemoryStore is an in-process Store. All transitions run under one mutex,
// which gives the same at-most-one-winner guarantee as the SQL backend.
type MemoryStore struct {
	mu sync.Mutex

	keys        map[string]domain.SigningKey
	authFlows   map[uuid.UUID]domain.AuthorizationFlow
	deviceFlows map[string]domain.DeviceFlow
	refresh     map[uuid.UUID]domain.RefreshToken
	secrets     map[string]domain.PilotSecret
	jobs        []domain.JobCredentialRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:        map[string]domain.SigningKey{},
		authFlows:   map[uuid.UUID]domain.AuthorizationFlow{},
		deviceFlows: map[string]domain.DeviceFlow{},
		refresh:     map[uuid.UUID]domain.RefreshToken{},
		secrets:     map[string]domain.PilotSecret{},
	}
}

// ---- keys ----

func (m *MemoryStore) ListKeys(_ context.Context) ([]domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SigningKey, 0, len(m.keys))
	for _, key := range m.keys {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.Before(out[j].ActivatedAt) })
	return out, nil
}

func (m *MemoryStore) ActivateKey(_ context.Context, key domain.SigningKey, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[key.KID]; exists {
		return domain.ErrConflict
	}
	for kid, existing := range m.keys {
		if existing.Status == domain.KeyActive {
			at := now
			existing.Status = domain.KeyRetiring
			existing.RetiringAt = &at
			m.keys[kid] = existing
		}
	}
	key.Status = domain.KeyActive
	m.keys[key.KID] = key
	return nil
}

func (m *MemoryStore) RevokeRetiredKeys(_ context.Context, cutoff, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []string
	for kid, key := range m.keys {
		if key.Status != domain.KeyRetiring || key.RetiringAt == nil || key.RetiringAt.After(cutoff) {
			continue
		}
		at := now
		key.Status = domain.KeyRevoked
		key.RevokedAt = &at
		m.keys[kid] = key
		revoked = append(revoked, kid)
	}
	sort.Strings(revoked)
	return revoked, nil
}

// ---- authorization flows ----

func (m *MemoryStore) CreateAuthorizationFlow(_ context.Context, flow domain.AuthorizationFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.authFlows[flow.ID]; exists {
		return domain.ErrConflict
	}
	m.authFlows[flow.ID] = flow
	return nil
}

func (m *MemoryStore) GetAuthorizationFlow(_ context.Context, id uuid.UUID) (domain.AuthorizationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.authFlows[id]
	if !ok {
		return domain.AuthorizationFlow{}, domain.ErrNotFound
	}
	return flow, nil
}

func (m *MemoryStore) GetAuthorizationFlowByCode(_ context.Context, codeHash string) (domain.AuthorizationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, flow := range m.authFlows {
		if flow.CodeHash != "" && flow.CodeHash == codeHash {
			return flow, nil
		}
	}
	return domain.AuthorizationFlow{}, domain.ErrNotFound
}

func (m *MemoryStore) AuthorizeAuthorizationFlow(_ context.Context, id uuid.UUID, codeHash string, claims domain.IDTokenClaims, now time.Time) (domain.AuthorizationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.authFlows[id]
	if !ok || flow.Status != domain.FlowPending || flow.Expired(now) {
		return domain.AuthorizationFlow{}, domain.ErrExpiredOrConsumed
	}
	flow.Status = domain.FlowAuthorized
	flow.CodeHash = codeHash
	flow.IDToken = &claims
	m.authFlows[id] = flow
	return flow, nil
}

func (m *MemoryStore) DenyAuthorizationFlow(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.authFlows[id]
	if !ok || flow.Status != domain.FlowPending || flow.Expired(now) {
		return domain.ErrExpiredOrConsumed
	}
	flow.Status = domain.FlowDenied
	m.authFlows[id] = flow
	return nil
}

func (m *MemoryStore) ConsumeAuthorizationFlow(_ context.Context, codeHash string, now time.Time) (domain.AuthorizationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, flow := range m.authFlows {
		if flow.CodeHash == "" || flow.CodeHash != codeHash {
			continue
		}
		if flow.Status != domain.FlowAuthorized || flow.Expired(now) {
			return domain.AuthorizationFlow{}, domain.ErrExpiredOrConsumed
		}
		flow.Status = domain.FlowCompleted
		m.authFlows[id] = flow
		return flow, nil
	}
	return domain.AuthorizationFlow{}, domain.ErrExpiredOrConsumed
}

// ---- device flows ----

func (m *MemoryStore) CreateDeviceFlow(_ context.Context, flow domain.DeviceFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deviceFlows[flow.UserCode]; exists {
		return domain.ErrConflict
	}
	m.deviceFlows[flow.UserCode] = flow
	return nil
}

func (m *MemoryStore) GetDeviceFlowByUserCode(_ context.Context, userCode string) (domain.DeviceFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.deviceFlows[userCode]
	if !ok {
		return domain.DeviceFlow{}, domain.ErrNotFound
	}
	return flow, nil
}

func (m *MemoryStore) GetDeviceFlow(_ context.Context, deviceCodeHash string) (domain.DeviceFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, flow := range m.deviceFlows {
		if flow.DeviceCodeHash == deviceCodeHash {
			return flow, nil
		}
	}
	return domain.DeviceFlow{}, domain.ErrNotFound
}

func (m *MemoryStore) AuthorizeDeviceFlow(_ context.Context, userCode string, claims domain.IDTokenClaims, now time.Time) error {
	return m.transitionDevice(userCode, now, func(flow *domain.DeviceFlow) {
		flow.Status = domain.FlowAuthorized
		flow.IDToken = &claims
	})
}

func (m *MemoryStore) DenyDeviceFlow(_ context.Context, userCode string, now time.Time) error {
	return m.transitionDevice(userCode, now, func(flow *domain.DeviceFlow) {
		flow.Status = domain.FlowDenied
	})
}

func (m *MemoryStore) transitionDevice(userCode string, now time.Time, apply func(*domain.DeviceFlow)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.deviceFlows[userCode]
	if !ok || flow.Status != domain.FlowPending || flow.Expired(now) {
		return domain.ErrExpiredOrConsumed
	}
	apply(&flow)
	m.deviceFlows[userCode] = flow
	return nil
}

func (m *MemoryStore) ConsumeDeviceFlow(_ context.Context, deviceCodeHash string, now time.Time) (domain.DeviceFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, flow := range m.deviceFlows {
		if flow.DeviceCodeHash != deviceCodeHash {
			continue
		}
		if flow.Status != domain.FlowAuthorized || flow.Expired(now) {
			return domain.DeviceFlow{}, domain.ErrExpiredOrConsumed
		}
		flow.Status = domain.FlowCompleted
		m.deviceFlows[code] = flow
		return flow, nil
	}
	return domain.DeviceFlow{}, domain.ErrExpiredOrConsumed
}

func (m *MemoryStore) DeleteExpiredFlows(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, flow := range m.authFlows {
		if flow.ExpiresAt.Before(before) {
			delete(m.authFlows, id)
			n++
		}
	}
	for code, flow := range m.deviceFlows {
		if flow.ExpiresAt.Before(before) {
			delete(m.deviceFlows, code)
			n++
		}
	}
	return n, nil
}

// ---- refresh tokens ----

func (m *MemoryStore) CreateRefreshToken(_ context.Context, token domain.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertRefreshLocked(token)
}

func (m *MemoryStore) insertRefreshLocked(token domain.RefreshToken) error {
	if _, exists := m.refresh[token.JTI]; exists {
		return domain.ErrConflict
	}
	for _, existing := range m.refresh {
		if existing.TokenHash == token.TokenHash {
			return domain.ErrConflict
		}
	}
	m.refresh[token.JTI] = token
	return nil
}

func (m *MemoryStore) GetRefreshTokenByHash(_ context.Context, tokenHash string) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.refresh {
		if token.TokenHash == tokenHash {
			return token, nil
		}
	}
	return domain.RefreshToken{}, domain.ErrNotFound
}

func (m *MemoryStore) GetRefreshToken(_ context.Context, jti uuid.UUID) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.refresh[jti]
	if !ok {
		return domain.RefreshToken{}, domain.ErrNotFound
	}
	return token, nil
}

func (m *MemoryStore) RotateRefreshToken(_ context.Context, oldJTI uuid.UUID, next domain.RefreshToken, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.refresh[oldJTI]
	if !ok || !old.Usable(now) {
		return domain.ErrExpiredOrConsumed
	}
	if err := m.insertRefreshLocked(next); err != nil {
		return err
	}
	old.Status = domain.RefreshTokenRotated
	m.refresh[oldJTI] = old
	return nil
}

func (m *MemoryStore) RevokeChain(_ context.Context, root uuid.UUID) (int64, error) {
	return m.revokeWhere(func(t domain.RefreshToken) bool { return t.RootJTI == root }), nil
}

func (m *MemoryStore) RevokeAllForSubject(_ context.Context, vo, subject string) (int64, error) {
	return m.revokeWhere(func(t domain.RefreshToken) bool { return t.VO == vo && t.Subject == subject }), nil
}

func (m *MemoryStore) RevokeJobTokens(_ context.Context, jobID string) (int64, error) {
	return m.revokeWhere(func(t domain.RefreshToken) bool { return t.Kind == domain.RefreshKindJob && t.JobID == jobID }), nil
}

func (m *MemoryStore) revokeWhere(match func(domain.RefreshToken) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, token := range m.refresh {
		if token.Status == domain.RefreshTokenRevoked || !match(token) {
			continue
		}
		token.Status = domain.RefreshTokenRevoked
		m.refresh[jti] = token
		n++
	}
	return n
}

func (m *MemoryStore) ListActiveForSubject(_ context.Context, vo, subject string, now time.Time) ([]domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RefreshToken
	for _, token := range m.refresh {
		if token.VO == vo && token.Subject == subject && token.Usable(now) {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteExpiredRefreshTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, token := range m.refresh {
		if token.ExpiresAt.Before(before) {
			delete(m.refresh, jti)
			n++
		}
	}
	return n, nil
}

// ---- pilot secrets ----

func (m *MemoryStore) CreatePilotSecrets(_ context.Context, secrets []domain.PilotSecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, secret := range secrets {
		if _, exists := m.secrets[secret.SecretHash]; exists {
			return domain.ErrConflict
		}
	}
	for _, secret := range secrets {
		m.secrets[secret.SecretHash] = secret
	}
	return nil
}

func (m *MemoryStore) GetPilotSecretByHash(_ context.Context, secretHash string) (domain.PilotSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[secretHash]
	if !ok {
		return domain.PilotSecret{}, domain.ErrNotFound
	}
	return secret, nil
}

func (m *MemoryStore) ConsumePilotSecret(_ context.Context, secretHash string, now time.Time) (domain.PilotSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[secretHash]
	if !ok || !now.Before(secret.ExpiresAt) {
		return domain.PilotSecret{}, domain.ErrExpiredOrConsumed
	}
	if secret.RemainingUses != nil {
		if *secret.RemainingUses <= 0 {
			return domain.PilotSecret{}, domain.ErrExpiredOrConsumed
		}
		remaining := *secret.RemainingUses - 1
		secret.RemainingUses = &remaining
	}
	used := now
	secret.LastUsedAt = &used
	m.secrets[secretHash] = secret
	return secret, nil
}

func (m *MemoryStore) DeleteExpiredPilotSecrets(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, secret := range m.secrets {
		if secret.ExpiresAt.Before(before) {
			delete(m.secrets, hash)
			n++
		}
	}
	return n, nil
}

// ---- job credentials ----

func (m *MemoryStore) CreateJobCredential(_ context.Context, record domain.JobCredentialRecord, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var conflict error
	for i, existing := range m.jobs {
		if existing.Status != domain.JobCredentialActive {
			continue
		}
		if existing.PilotStamp != record.PilotStamp && existing.JobID != record.JobID {
			continue
		}
		if !now.Before(existing.ExpiresAt) {
			m.jobs[i].Status = domain.JobCredentialExpired
			continue
		}
		if existing.PilotStamp == record.PilotStamp {
			return domain.ErrJobCredentialActive
		}
		conflict = domain.ErrConflict
	}
	if conflict != nil {
		return conflict
	}
	m.jobs = append(m.jobs, record)
	return nil
}

// latestJob returns the index of the most recent record for jobID, or -1.
func (m *MemoryStore) latestJob(jobID string) int {
	for i := len(m.jobs) - 1; i >= 0; i-- {
		if m.jobs[i].JobID == jobID {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) GetJobCredential(_ context.Context, jobID string) (domain.JobCredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.latestJob(jobID)
	if i < 0 {
		return domain.JobCredentialRecord{}, domain.ErrNotFound
	}
	return m.jobs[i], nil
}

func (m *MemoryStore) HasActiveJobCredential(_ context.Context, pilotStamp string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.jobs {
		if record.PilotStamp == pilotStamp && record.Status == domain.JobCredentialActive && now.Before(record.ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) FinalizeJobCredential(_ context.Context, jobID string, outcome domain.JobOutcome, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.latestJob(jobID)
	if i < 0 || m.jobs[i].Status == domain.JobCredentialRevoked {
		return false, nil
	}
	at := now
	m.jobs[i].Status = domain.JobCredentialRevoked
	m.jobs[i].Outcome = outcome
	m.jobs[i].RevokedAt = &at
	return true, nil
}

func (m *MemoryStore) DeleteExpiredJobCredentials(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.jobs[:0]
	var n int64
	for _, record := range m.jobs {
		if record.ExpiresAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, record)
	}
	m.jobs = kept
	return n, nil
}
