// Package registry holds the read-only VO, group and property configuration
// consulted on every mint and refresh.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
)

var (
	// ErrUnknownVO is returned for a VO absent from the registry.
	ErrUnknownVO = errors.New("registry: unknown vo")
	// ErrUnknownGroup is returned for a group absent from its VO.
	ErrUnknownGroup = errors.New("registry: unknown group")
)

// Resolver is the capability-resolution interface the token core reads from.
type Resolver interface {
	LookupVO(name string) (VO, error)
	VONames() []string
	AvailableProperties() []string
}

// IdPConfig is the OIDC client configuration used for a VO.
type IdPConfig struct {
	URL          string   `yaml:"url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// User is a registered VO member keyed by its IdP subject.
type User struct {
	PreferredUsername string `yaml:"preferred_username"`
}

// Group is a capability bundle and its member subjects.
type Group struct {
	Properties []string `yaml:"properties"`
	Users      []string `yaml:"users"`
}

// VO is one virtual organization.
type VO struct {
	Name          string           `yaml:"-"`
	IdP           IdPConfig        `yaml:"idp"`
	DefaultGroup  string           `yaml:"default_group"`
	Users         map[string]User  `yaml:"users"`
	Groups        map[string]Group `yaml:"groups"`
	PilotGroup    string           `yaml:"pilot_group"`
	JobProperties []string         `yaml:"job_properties"`
}

// Group returns the named group.
func (v VO) Group(name string) (Group, error) {
	group, ok := v.Groups[name]
	if !ok {
		return Group{}, fmt.Errorf("%w: %s/%s", ErrUnknownGroup, v.Name, name)
	}
	return group, nil
}

// IsMember reports whether subject belongs to group.
func (v VO) IsMember(group, subject string) bool {
	g, ok := v.Groups[group]
	if !ok {
		return false
	}
	for _, member := range g.Users {
		if member == subject {
			return true
		}
	}
	return false
}

// SubjectByUsername finds the IdP subject registered under a preferred username.
func (v VO) SubjectByUsername(username string) (string, bool) {
	for sub, user := range v.Users {
		if user.PreferredUsername == username {
			return sub, true
		}
	}
	return "", false
}

// Registry is the YAML-backed Resolver.
type Registry struct {
	Properties []string      `yaml:"available_properties"`
	VOs        map[string]VO `yaml:"vos"`
}

var _ Resolver = (*Registry)(nil)

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a registry document.
func Parse(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	for name, vo := range reg.VOs {
		vo.Name = name
		reg.VOs[name] = vo
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate checks cross references between VOs, groups and properties.
func (r *Registry) Validate() error {
	if len(r.VOs) == 0 {
		return errors.New("registry: no vos configured")
	}
	known := make(map[string]struct{}, len(r.Properties))
	for _, p := range r.Properties {
		known[p] = struct{}{}
	}
	for name, vo := range r.VOs {
		if vo.IdP.URL == "" || vo.IdP.ClientID == "" {
			return fmt.Errorf("registry: vo %s: idp url and client_id are required", name)
		}
		if _, ok := vo.Groups[vo.DefaultGroup]; !ok {
			return fmt.Errorf("registry: vo %s: default_group %q is not a group", name, vo.DefaultGroup)
		}
		if vo.PilotGroup != "" {
			if _, ok := vo.Groups[vo.PilotGroup]; !ok {
				return fmt.Errorf("registry: vo %s: pilot_group %q is not a group", name, vo.PilotGroup)
			}
		}
		for groupName, group := range vo.Groups {
			for _, p := range group.Properties {
				if _, ok := known[p]; !ok {
					return fmt.Errorf("registry: vo %s: group %s: unknown property %q", name, groupName, p)
				}
			}
		}
		for _, p := range vo.JobProperties {
			if _, ok := known[p]; !ok {
				return fmt.Errorf("registry: vo %s: unknown job property %q", name, p)
			}
		}
	}
	return nil
}

// LookupVO returns the named VO.
func (r *Registry) LookupVO(name string) (VO, error) {
	vo, ok := r.VOs[name]
	if !ok {
		return VO{}, fmt.Errorf("%w: %s", ErrUnknownVO, name)
	}
	return vo, nil
}

// VONames lists configured VOs in a stable order.
func (r *Registry) VONames() []string {
	names := make([]string, 0, len(r.VOs))
	for name := range r.VOs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AvailableProperties lists every property the installation knows about.
func (r *Registry) AvailableProperties() []string {
	out := make([]string, len(r.Properties))
	copy(out, r.Properties)
	return out
}
