package flow

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/oauth2"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/secret"
)

const (
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength   = 8
	userCodeAttempts = 5

	minVerifierLength = 43
	maxVerifierLength = 128
	// s256ChallengeLength is the base64url length of a SHA-256 digest.
	s256ChallengeLength = 43
)

func checkChallenge(challenge, method string) error {
	if method != "S256" {
		return fmt.Errorf("%w: code_challenge_method must be S256", domain.ErrInvalidRequest)
	}
	if len(challenge) != s256ChallengeLength {
		return fmt.Errorf("%w: malformed code_challenge", domain.ErrInvalidRequest)
	}
	return nil
}

func verifyPKCE(challenge, verifier string) error {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return fmt.Errorf("%w: malformed code_verifier", domain.ErrInvalidRequest)
	}
	if !secret.Equal(oauth2.S256ChallengeFromVerifier(verifier), challenge) {
		return fmt.Errorf("%w: code_verifier does not match code_challenge", domain.ErrInvalidRequest)
	}
	return nil
}

func newUserCode() (string, error) {
	max := big.NewInt(int64(len(userCodeAlphabet)))
	code := make([]byte, userCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate user code: %w", err)
		}
		code[i] = userCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
