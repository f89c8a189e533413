package domain

import (
	"time"

	"github.com/google/uuid"
)

// FlowStatus is the lifecycle state shared by both interactive flows.
type FlowStatus string

const (
	FlowPending    FlowStatus = "pending"
	FlowAuthorized FlowStatus = "authorized"
	FlowCompleted  FlowStatus = "completed"
	FlowDenied     FlowStatus = "denied"
)

// AuthorizationFlow is an in-progress authorization-code flow.
type AuthorizationFlow struct {
	ID            uuid.UUID
	ClientID      string
	Scope         string
	RedirectURI   string
	CodeChallenge string
	// CodeHash is the SHA-256 of the client-facing code, set once authorized.
	CodeHash  string
	Status    FlowStatus
	IDToken   *IDTokenClaims
	CreatedAt time.Time
	ExpiresAt time.Time
}

// DeviceFlow is an in-progress device-authorization flow.
type DeviceFlow struct {
	UserCode       string
	DeviceCodeHash string
	ClientID       string
	Scope          string
	CodeChallenge  string
	PollInterval   time.Duration
	Status         FlowStatus
	IDToken        *IDTokenClaims
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the flow is past its fixed lifetime.
func (f DeviceFlow) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// Expired reports whether the flow is past its fixed lifetime.
func (f AuthorizationFlow) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}
