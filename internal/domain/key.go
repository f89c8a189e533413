package domain

import (
	"crypto"
	"time"
)

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyRetiring KeyStatus = "retiring"
	KeyRevoked  KeyStatus = "revoked"
)

// SigningKey is an asymmetric key used to sign access tokens.
type SigningKey struct {
	KID         string
	Algorithm   string
	Private     crypto.Signer
	Public      crypto.PublicKey
	Status      KeyStatus
	ActivatedAt time.Time
	RetiringAt  *time.Time
	RevokedAt   *time.Time
}
