// Package scope parses the "vo:/group:/property:" scope grammar and resolves
// it against a group's allowed capabilities.
package scope

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
)

const (
	voPrefix       = "vo:"
	groupPrefix    = "group:"
	propertyPrefix = "property:"
)

// Request is a parsed but unresolved scope.
type Request struct {
	VO         string
	Group      string
	Properties []string
}

// Parse splits a raw scope string. Exactly one vo is required, at most one
// group is allowed and any unknown token is rejected.
func Parse(raw string) (Request, error) {
	var req Request
	seen := map[string]struct{}{}
	for _, token := range strings.Fields(raw) {
		switch {
		case strings.HasPrefix(token, voPrefix):
			if req.VO != "" {
				return Request{}, fmt.Errorf("%w: only one vo may be requested", domain.ErrInvalidRequest)
			}
			req.VO = strings.TrimPrefix(token, voPrefix)
			if req.VO == "" {
				return Request{}, fmt.Errorf("%w: empty vo scope", domain.ErrInvalidRequest)
			}
		case strings.HasPrefix(token, groupPrefix):
			if req.Group != "" {
				return Request{}, fmt.Errorf("%w: only one group may be requested", domain.ErrInvalidRequest)
			}
			req.Group = strings.TrimPrefix(token, groupPrefix)
			if req.Group == "" {
				return Request{}, fmt.Errorf("%w: empty group scope", domain.ErrInvalidRequest)
			}
		case strings.HasPrefix(token, propertyPrefix):
			p := strings.TrimPrefix(token, propertyPrefix)
			if _, dup := seen[p]; dup || p == "" {
				continue
			}
			seen[p] = struct{}{}
			req.Properties = append(req.Properties, p)
		default:
			return Request{}, fmt.Errorf("%w: unrecognised scope %q", domain.ErrInvalidRequest, token)
		}
	}
	if req.VO == "" {
		return Request{}, fmt.Errorf("%w: a vo scope is required", domain.ErrInvalidRequest)
	}
	return req, nil
}

// Resolve maps a request to a Grant for subject. The subject must be a member
// of the selected group. With no explicit properties the group's full set is
// granted; explicit properties must all be allowed.
func Resolve(resolver registry.Resolver, req Request, subject string) (domain.Grant, error) {
	vo, err := resolver.LookupVO(req.VO)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	groupName := req.Group
	if groupName == "" {
		groupName = vo.DefaultGroup
	}
	group, err := vo.Group(groupName)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if !vo.IsMember(groupName, subject) {
		return domain.Grant{}, fmt.Errorf("%w: subject is not a member of %s", domain.ErrInvalidRequest, groupName)
	}
	props, err := Capabilities(group, req.Properties)
	if err != nil {
		return domain.Grant{}, err
	}
	return domain.Grant{
		VO:         vo.Name,
		Group:      groupName,
		Properties: props,
		Explicit:   len(req.Properties) > 0,
	}, nil
}

// Capabilities returns the properties to embed for a group. Requests outside
// the group's allowance fail.
func Capabilities(group registry.Group, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return sortedCopy(group.Properties), nil
	}
	allowed := toSet(group.Properties)
	var denied []string
	for _, p := range requested {
		if _, ok := allowed[p]; !ok {
			denied = append(denied, p)
		}
	}
	if len(denied) > 0 {
		return nil, fmt.Errorf("%w: properties not allowed for group: %s", domain.ErrInvalidRequest, strings.Join(denied, ","))
	}
	return sortedCopy(requested), nil
}

// ErrNoLongerMember is returned by Revalidate when the subject left the group.
var ErrNoLongerMember = errors.New("scope: subject no longer in group")

// Revalidate re-resolves a stored grant against the current registry. Removed
// capabilities are dropped; a default grant follows the group's current set.
func Revalidate(resolver registry.Resolver, stored domain.Grant, subject string) (domain.Grant, error) {
	vo, err := resolver.LookupVO(stored.VO)
	if err != nil {
		return domain.Grant{}, err
	}
	group, err := vo.Group(stored.Group)
	if err != nil {
		return domain.Grant{}, err
	}
	if !vo.IsMember(stored.Group, subject) {
		return domain.Grant{}, ErrNoLongerMember
	}
	if !stored.Explicit {
		stored.Properties = sortedCopy(group.Properties)
		return stored, nil
	}
	stored.Properties = Intersect(stored.Properties, group.Properties)
	return stored, nil
}

// Intersect returns the members of a also present in b, sorted.
func Intersect(a, b []string) []string {
	set := toSet(b)
	out := make([]string, 0, len(a))
	for _, p := range a {
		if _, ok := set[p]; ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Format renders a grant in request form for persistence: properties are
// written only when they were explicitly requested.
func Format(g domain.Grant) string {
	if g.Explicit {
		return g.Scope()
	}
	return domain.Grant{VO: g.VO, Group: g.Group}.Scope()
}

// FromStored parses a persisted request-form scope back into a grant.
func FromStored(raw string) (domain.Grant, error) {
	req, err := Parse(raw)
	if err != nil {
		return domain.Grant{}, err
	}
	return domain.Grant{
		VO:         req.VO,
		Group:      req.Group,
		Properties: req.Properties,
		Explicit:   len(req.Properties) > 0,
	}, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func sortedCopy(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)
	sort.Strings(out)
	return out
}
