// Package secret generates and hashes the opaque secrets handed to clients:
// codes, refresh tokens, pilot secrets and the legacy exchange key.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Generate returns n random bytes, base64url encoded without padding.
func Generate(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateHex returns n random bytes, hex encoded.
func GenerateHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Hash is the lookup hash under which secrets are stored.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Equal compares two strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Matches verifies value against a configured hash, which is either an
// argon2id PHC string or a SHA-256 hex digest.
func Matches(value, stored string) (bool, error) {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return false, errors.New("secret: empty hash")
	}
	if strings.HasPrefix(stored, "$argon2id$") {
		return VerifyArgon2(value, stored)
	}
	return Equal(Hash(value), strings.ToLower(stored)), nil
}

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

var defaultArgon2 = argon2Params{memory: 64 * 1024, time: 3, threads: 2, keyLen: 32}

var errMalformedArgon2 = errors.New("secret: malformed argon2id hash")

// HashArgon2 encodes value as an argon2id PHC string.
func HashArgon2(value string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	p := defaultArgon2
	key := argon2.IDKey([]byte(value), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyArgon2 checks value against an argon2id PHC string.
func VerifyArgon2(value, encoded string) (bool, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return false, errMalformedArgon2
	}
	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errMalformedArgon2
	}
	var p argon2Params
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return false, errMalformedArgon2
	}
	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return false, errMalformedArgon2
	}
	want, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil || len(want) == 0 {
		return false, errMalformedArgon2
	}
	got := argon2.IDKey([]byte(value), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
