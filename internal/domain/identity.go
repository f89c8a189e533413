package domain

import "strings"

// TokenClass selects the lifetime and claim set of an access token.
type TokenClass string

const (
	TokenClassUser  TokenClass = "user"
	TokenClassPilot TokenClass = "pilot"
	TokenClassJob   TokenClass = "job"
)

// Identity is resolved once per issuance and embedded in issued tokens.
type Identity struct {
	Subject           string
	VO                string
	Group             string
	PreferredUsername string
	PilotStamp        string
	JobID             string
}

// QualifiedSubject is the token "sub" claim: "<vo>:<subject>".
func (i Identity) QualifiedSubject() string {
	return i.VO + ":" + i.Subject
}

// SplitQualifiedSubject reverses QualifiedSubject.
func SplitQualifiedSubject(sub string) (vo, subject string, ok bool) {
	vo, subject, ok = strings.Cut(sub, ":")
	if !ok || vo == "" || subject == "" {
		return "", "", false
	}
	return vo, subject, true
}

// Grant is a resolved scope: the capability set embedded in a token.
type Grant struct {
	VO         string
	Group      string
	Properties []string
	// Explicit records whether the properties were requested or defaulted to the group set.
	Explicit bool
}

// Scope renders the grant back into the scope grammar.
func (g Grant) Scope() string {
	parts := make([]string, 0, len(g.Properties)+2)
	parts = append(parts, "vo:"+g.VO)
	if g.Group != "" {
		parts = append(parts, "group:"+g.Group)
	}
	for _, p := range g.Properties {
		parts = append(parts, "property:"+p)
	}
	return strings.Join(parts, " ")
}

// HasProperty reports whether the grant carries property p.
func (g Grant) HasProperty(p string) bool {
	for _, candidate := range g.Properties {
		if candidate == p {
			return true
		}
	}
	return false
}

// IDTokenClaims are the only IdP artefacts kept against a flow record.
type IDTokenClaims struct {
	Subject           string `json:"sub"`
	Issuer            string `json:"iss"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
}
