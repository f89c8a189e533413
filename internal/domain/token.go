package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefreshTokenStatus tracks a refresh token through rotation.
type RefreshTokenStatus string

const (
	RefreshTokenActive  RefreshTokenStatus = "active"
	RefreshTokenRotated RefreshTokenStatus = "rotated"
	RefreshTokenRevoked RefreshTokenStatus = "revoked"
)

// RefreshTokenKind distinguishes user, legacy, pilot and job refresh material.
type RefreshTokenKind string

const (
	RefreshKindUser   RefreshTokenKind = "user"
	RefreshKindLegacy RefreshTokenKind = "legacy"
	RefreshKindPilot  RefreshTokenKind = "pilot"
	RefreshKindJob    RefreshTokenKind = "job"
)

// RefreshToken is the persisted record behind an opaque refresh token.
// Only the SHA-256 of the raw value is stored.
type RefreshToken struct {
	JTI               uuid.UUID
	TokenHash         string
	Kind              RefreshTokenKind
	Subject           string
	VO                string
	Group             string
	PreferredUsername string
	Scope             string
	PilotStamp        string
	JobID             string
	ParentJTI         *uuid.UUID
	RootJTI           uuid.UUID
	Status            RefreshTokenStatus
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

// Identity rebuilds the identity the token was issued to.
func (t RefreshToken) Identity() Identity {
	return Identity{
		Subject:           t.Subject,
		VO:                t.VO,
		Group:             t.Group,
		PreferredUsername: t.PreferredUsername,
		PilotStamp:        t.PilotStamp,
		JobID:             t.JobID,
	}
}

// Usable reports whether the token may be presented for a refresh grant.
func (t RefreshToken) Usable(now time.Time) bool {
	return t.Status == RefreshTokenActive && now.Before(t.ExpiresAt)
}

// AccessToken is a minted, signed access token.
type AccessToken struct {
	Raw       string
	JTI       string
	ExpiresAt time.Time
	Class     TokenClass
}

// TokenPair is what every successful grant returns.
type TokenPair struct {
	Access       AccessToken
	RefreshToken string
	RefreshJTI   uuid.UUID
	Scope        string
}

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	Identity  Identity
	Grant     Grant
	Class     TokenClass
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeyID     string
}
