// Package statecrypt seals the resumption state carried through the external
// IdP redirect. The ciphertext is a compact JWE (dir, A256GCM) under the
// installation state key; nothing inside is trusted unless it decrypts.
package statecrypt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// ErrInvalidState is returned for blobs that fail to decrypt or are too old.
var ErrInvalidState = errors.New("statecrypt: invalid state")

type envelope struct {
	IssuedAt int64           `json:"iat"`
	Data     json.RawMessage `json:"data"`
}

// Sealer encrypts and decrypts state blobs.
type Sealer struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

// New builds a Sealer from a 32-byte key. Blobs older than maxAge are rejected.
func New(key []byte, maxAge time.Duration) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("statecrypt: key must be 32 bytes, got %d", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Sealer{key: k, maxAge: maxAge, now: time.Now}, nil
}

// NewFromBase64 decodes a standard or url-safe base64 key.
func NewFromBase64(encoded string, maxAge time.Duration) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("statecrypt: decode key: %w", err)
	}
	return New(key, maxAge)
}

// WithClock overrides the time source.
func (s *Sealer) WithClock(now func() time.Time) *Sealer {
	s.now = now
	return s
}

// Seal serializes v and encrypts it.
func (s *Sealer) Seal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("statecrypt: marshal: %w", err)
	}
	payload, err := json.Marshal(envelope{IssuedAt: s.now().Unix(), Data: data})
	if err != nil {
		return "", fmt.Errorf("statecrypt: marshal envelope: %w", err)
	}
	encrypter, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: s.key}, nil)
	if err != nil {
		return "", fmt.Errorf("statecrypt: encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("statecrypt: encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

// Open decrypts a blob produced by Seal into v.
func (s *Sealer) Open(blob string, v any) error {
	obj, err := jose.ParseEncrypted(blob, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return ErrInvalidState
	}
	payload, err := obj.Decrypt(s.key)
	if err != nil {
		return ErrInvalidState
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ErrInvalidState
	}
	issued := time.Unix(env.IssuedAt, 0)
	if s.maxAge > 0 && s.now().Sub(issued) > s.maxAge {
		return ErrInvalidState
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return ErrInvalidState
	}
	return nil
}
