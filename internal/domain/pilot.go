package domain

import "time"

// PilotSecretConstraints restricts where a pilot secret may be consumed.
// Empty lists place no restriction.
type PilotSecretConstraints struct {
	VOs         []string `json:"vos,omitempty"`
	PilotStamps []string `json:"pilot_stamps,omitempty"`
	Sites       []string `json:"sites,omitempty"`
}

// Allows reports whether a login attempt satisfies the constraints.
func (c PilotSecretConstraints) Allows(vo, stamp, site string) bool {
	return allowed(c.VOs, vo) && allowed(c.PilotStamps, stamp) && allowed(c.Sites, site)
}

func allowed(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// PilotSecret is a hashed, use-limited credential handed to a pilot at submission.
type PilotSecret struct {
	ID          int64
	SecretHash  string
	Constraints PilotSecretConstraints
	// RemainingUses is nil for unlimited secrets.
	RemainingUses *int
	ExpiresAt     time.Time
	LastUsedAt    *time.Time
	CreatedAt     time.Time
}

// PilotLogin is what a pilot presents to exchange its secret.
type PilotLogin struct {
	Secret     string
	PilotStamp string
	VO         string
	Site       string
}

// JobCredentialStatus tracks a job credential's backing record.
type JobCredentialStatus string

const (
	JobCredentialActive  JobCredentialStatus = "active"
	JobCredentialRevoked JobCredentialStatus = "revoked"
	JobCredentialExpired JobCredentialStatus = "expired"
)

// JobOutcome is reported by the pilot when a job ends.
type JobOutcome string

const (
	JobSucceeded JobOutcome = "success"
	JobFailed    JobOutcome = "failure"
)

// JobCredentialRecord is the persisted state of a job credential.
type JobCredentialRecord struct {
	ID         int64
	JobID      string
	PilotStamp string
	VO         string
	AccessJTI  string
	RefreshJTI string
	Status     JobCredentialStatus
	Outcome    JobOutcome
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// JobDetails is returned by the job matcher.
type JobDetails struct {
	JobID    string            `json:"job_id"`
	VO       string            `json:"vo"`
	Owner    string            `json:"owner,omitempty"`
	Site     string            `json:"site,omitempty"`
	Manifest map[string]string `json:"manifest,omitempty"`
}

// MatchRequest is what a pilot advertises when asking for work.
type MatchRequest struct {
	Site string            `json:"site"`
	Tags []string          `json:"tags,omitempty"`
	Meta map[string]string `json:"meta,omitempty"`
}
