package domain

import "errors"

var (
	// ErrInvalidRequest covers malformed input: bad PKCE, unknown scope, unknown VO.
	ErrInvalidRequest = errors.New("gridauth: invalid request")
	// ErrExpiredOrConsumed is returned for anything already used, past its TTL, unknown or revoked.
	ErrExpiredOrConsumed = errors.New("gridauth: expired or consumed")
	// ErrReplayDetected signals a rotated refresh token was presented again.
	ErrReplayDetected = errors.New("gridauth: refresh token replay detected")
	// ErrUpstreamUnavailable wraps IdP timeouts and failures during the inner exchange.
	ErrUpstreamUnavailable = errors.New("gridauth: upstream identity provider unavailable")
	// ErrSigningKeyUnavailable means no active signing key exists.
	ErrSigningKeyUnavailable = errors.New("gridauth: signing key unavailable")

	ErrAuthorizationPending = errors.New("gridauth: authorization pending")
	ErrSlowDown             = errors.New("gridauth: slow down")
	ErrAccessDenied         = errors.New("gridauth: access denied")
	ErrFlowExpired          = errors.New("gridauth: flow expired")

	// ErrNoMatch is returned when no job is available for a pilot.
	ErrNoMatch = errors.New("gridauth: no job matched")
	// ErrJobCredentialActive is returned when a pilot already holds a live job credential.
	ErrJobCredentialActive = errors.New("gridauth: pilot already holds an active job credential")
	// ErrInvalidToken is returned for access tokens that fail verification.
	ErrInvalidToken = errors.New("gridauth: invalid token")
	// ErrForbidden is returned when a verified caller lacks a required property.
	ErrForbidden = errors.New("gridauth: forbidden")

	// ErrNotFound is the storage-level miss. Services fold it into ErrExpiredOrConsumed.
	ErrNotFound = errors.New("gridauth: not found")
	// ErrConflict is the storage-level uniqueness violation.
	ErrConflict = errors.New("gridauth: conflict")
)
