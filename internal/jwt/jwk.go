package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/repository"
)

// Snapshot is an immutable, versioned view of the key set. Readers always
// work on one snapshot; rotation publishes a new one.
type Snapshot struct {
	Version uint64
	Active  *domain.SigningKey
	// verifiable holds the active and retiring keys by kid.
	verifiable map[string]*domain.SigningKey
	keys       []domain.SigningKey
}

// Lookup returns a key usable for verification.
func (s *Snapshot) Lookup(kid string) (*domain.SigningKey, bool) {
	if s == nil {
		return nil, false
	}
	key, ok := s.verifiable[kid]
	return key, ok
}

// Keys returns every key known to the snapshot, including revoked ones.
func (s *Snapshot) Keys() []domain.SigningKey {
	if s == nil {
		return nil
	}
	out := make([]domain.SigningKey, len(s.keys))
	copy(out, s.keys)
	return out
}

func newSnapshot(version uint64, keys []domain.SigningKey) *Snapshot {
	snap := &Snapshot{
		Version:    version,
		verifiable: make(map[string]*domain.SigningKey, len(keys)),
		keys:       keys,
	}
	for i := range keys {
		key := &snap.keys[i]
		switch key.Status {
		case domain.KeyActive:
			if snap.Active == nil || key.ActivatedAt.After(snap.Active.ActivatedAt) {
				snap.Active = key
			}
			snap.verifiable[key.KID] = key
		case domain.KeyRetiring:
			snap.verifiable[key.KID] = key
		}
	}
	return snap
}

// KeyManager is the Key Store: it owns the current key snapshot and
// serializes rotation.
type KeyManager struct {
	repo             repository.KeyRepository
	retirementWindow time.Duration
	logger           *zap.Logger
	now              func() time.Time

	snapshot atomic.Pointer[Snapshot]
	version  atomic.Uint64
	mu       sync.Mutex
}

// RetirementWindow is how long a retiring key must stay verifiable. Peers keep
// signing with the old key until their next reload, and verification accepts
// tokens for leeway past exp.
func RetirementWindow(maxTokenLifetime, reloadInterval time.Duration) time.Duration {
	return maxTokenLifetime + reloadInterval + leeway
}

// NewKeyManager creates a KeyManager. Retiring keys are revoked once they have
// been retiring for longer than retirementWindow.
func NewKeyManager(repo repository.KeyRepository, retirementWindow time.Duration, logger *zap.Logger) *KeyManager {
	if logger == nil {
		logger = zap.L()
	}
	m := &KeyManager{
		repo:             repo,
		retirementWindow: retirementWindow,
		logger:           logger,
		now:              time.Now,
	}
	m.snapshot.Store(newSnapshot(0, nil))
	return m
}

// WithClock overrides the time source.
func (m *KeyManager) WithClock(now func() time.Time) *KeyManager {
	m.now = now
	return m
}

// Load replaces the snapshot with the persisted key set.
func (m *KeyManager) Load(ctx context.Context) error {
	keys, err := m.repo.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	m.publish(keys)
	return nil
}

// EnsureSigningKey loads the key set and, when allowed, generates a first key.
// It returns domain.ErrSigningKeyUnavailable when no active key exists.
func (m *KeyManager) EnsureSigningKey(ctx context.Context, autoGenerate bool) error {
	if err := m.Load(ctx); err != nil {
		return err
	}
	if m.Snapshot().Active != nil {
		return nil
	}
	if !autoGenerate {
		return domain.ErrSigningKeyUnavailable
	}
	key, err := GenerateKey()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSigningKeyUnavailable, err)
	}
	if _, err := m.Rotate(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSigningKeyUnavailable, err)
	}
	return nil
}

// Snapshot returns the current key snapshot.
func (m *KeyManager) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// ActiveKey returns the key used for new signatures.
func (m *KeyManager) ActiveKey() (*domain.SigningKey, error) {
	active := m.Snapshot().Active
	if active == nil {
		return nil, domain.ErrSigningKeyUnavailable
	}
	return active, nil
}

// Rotate persists key as the new active key and moves the previous active key
// to retiring. A nil key generates a fresh ES256 key.
func (m *KeyManager) Rotate(ctx context.Context, key *domain.SigningKey) (*domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key == nil {
		generated, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		key = generated
	}
	now := m.now().UTC()
	key.Status = domain.KeyActive
	key.ActivatedAt = now

	previous := m.Snapshot().Active
	if err := m.repo.ActivateKey(ctx, *key, now); err != nil {
		return nil, fmt.Errorf("activate signing key: %w", err)
	}
	if err := m.Load(ctx); err != nil {
		return nil, err
	}

	fields := []zap.Field{zap.String("event", "signing_key.rotated"), zap.String("kid", key.KID)}
	if previous != nil {
		fields = append(fields, zap.String("retiring_kid", previous.KID))
	}
	m.logger.Info("audit", fields...)
	return key, nil
}

// RetireExpired revokes retiring keys whose retirement window has elapsed.
func (m *KeyManager) RetireExpired(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	revoked, err := m.repo.RevokeRetiredKeys(ctx, now.Add(-m.retirementWindow), now)
	if err != nil {
		return nil, fmt.Errorf("revoke retired keys: %w", err)
	}
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	for _, kid := range revoked {
		m.logger.Info("audit", zap.String("event", "signing_key.revoked"), zap.String("kid", kid))
	}
	return revoked, nil
}

// JWKS returns the public keys of the active and retiring keys.
func (m *KeyManager) JWKS() jose.JSONWebKeySet {
	snap := m.Snapshot()
	keys := make([]jose.JSONWebKey, 0, len(snap.verifiable))
	for _, key := range snap.verifiable {
		keys = append(keys, PublicJWK(key))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *KeyManager) publish(keys []domain.SigningKey) {
	m.snapshot.Store(newSnapshot(m.version.Add(1), keys))
}

// PublicJWK converts a signing key to its public JWK form.
func PublicJWK(key *domain.SigningKey) jose.JSONWebKey {
	return jose.JSONWebKey{
		KeyID:     key.KID,
		Use:       "sig",
		Algorithm: key.Algorithm,
		Key:       key.Public,
	}
}

// GenerateKey creates an ES256 key whose kid is its RFC 7638 thumbprint.
func GenerateKey() (*domain.SigningKey, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ecdsa key: %w", err)
	}
	kid, err := KeyID(private.Public())
	if err != nil {
		return nil, err
	}
	return &domain.SigningKey{
		KID:       kid,
		Algorithm: string(jose.ES256),
		Private:   private,
		Public:    private.Public(),
		Status:    domain.KeyActive,
	}, nil
}

// KeyID derives the RFC 7638 thumbprint of a public key.
func KeyID(public crypto.PublicKey) (string, error) {
	thumb, err := (&jose.JSONWebKey{Key: public}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}
