package service

import (
	"fmt"
	"sort"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/scope"
)

// PilotGrant is the matching-only grant embedded in pilot credentials.
func PilotGrant(vo registry.VO) (domain.Grant, error) {
	if vo.PilotGroup == "" {
		return domain.Grant{}, fmt.Errorf("%w: vo %s has no pilot group", domain.ErrInvalidRequest, vo.Name)
	}
	group, err := vo.Group(vo.PilotGroup)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	props, err := scope.Capabilities(group, nil)
	if err != nil {
		return domain.Grant{}, err
	}
	return domain.Grant{VO: vo.Name, Group: vo.PilotGroup, Properties: props}, nil
}

// JobGrant is the minimal grant embedded in job credentials.
func JobGrant(vo registry.VO) domain.Grant {
	props := append([]string(nil), vo.JobProperties...)
	sort.Strings(props)
	return domain.Grant{VO: vo.Name, Properties: props, Explicit: true}
}

// revalidate re-resolves the grant recorded on a refresh token against the
// current registry.
func revalidate(resolver registry.Resolver, token domain.RefreshToken) (domain.Grant, error) {
	stored, err := scope.FromStored(token.Scope)
	if err != nil {
		return domain.Grant{}, err
	}
	switch token.Kind {
	case domain.RefreshKindPilot:
		vo, err := resolver.LookupVO(stored.VO)
		if err != nil {
			return domain.Grant{}, err
		}
		current, err := PilotGrant(vo)
		if err != nil {
			return domain.Grant{}, err
		}
		if stored.Explicit {
			current.Properties = scope.Intersect(stored.Properties, current.Properties)
			current.Explicit = true
		}
		return current, nil
	case domain.RefreshKindJob:
		vo, err := resolver.LookupVO(stored.VO)
		if err != nil {
			return domain.Grant{}, err
		}
		current := JobGrant(vo)
		current.Properties = scope.Intersect(stored.Properties, current.Properties)
		return current, nil
	default:
		return scope.Revalidate(resolver, stored, token.Subject)
	}
}

// narrow restricts grant to a requested scope. The request may only drop
// properties; anything else is rejected.
func narrow(grant domain.Grant, raw string) (domain.Grant, error) {
	if raw == "" {
		return grant, nil
	}
	req, err := scope.Parse(raw)
	if err != nil {
		return domain.Grant{}, err
	}
	if req.VO != grant.VO || (req.Group != "" && req.Group != grant.Group) {
		return domain.Grant{}, fmt.Errorf("%w: scope does not match the original grant", domain.ErrInvalidRequest)
	}
	if len(req.Properties) == 0 {
		return grant, nil
	}
	kept := scope.Intersect(req.Properties, grant.Properties)
	if len(kept) != len(req.Properties) {
		return domain.Grant{}, fmt.Errorf("%w: scope exceeds the original grant", domain.ErrInvalidRequest)
	}
	grant.Properties = kept
	grant.Explicit = true
	return grant, nil
}
