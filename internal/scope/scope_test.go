package scope_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/scope"
)

func loadRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Load("../registry/testdata/registry.yaml")
	require.NoError(t, err)
	return reg
}

func TestParse(t *testing.T) {
	req, err := scope.Parse("vo:gridvo group:gridvo_admin property:NormalUser property:NormalUser")
	require.NoError(t, err)
	require.Equal(t, "gridvo", req.VO)
	require.Equal(t, "gridvo_admin", req.Group)
	require.Equal(t, []string{"NormalUser"}, req.Properties)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"missing vo":    "group:gridvo_user",
		"two vos":       "vo:a vo:b",
		"two groups":    "vo:a group:x group:y",
		"unknown token": "vo:a openid",
		"empty group":   "vo:a group:",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := scope.Parse(raw)
			require.True(t, errors.Is(err, domain.ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestResolveDefaultsToFullGroupSet(t *testing.T) {
	reg := loadRegistry(t)
	req, err := scope.Parse("vo:gridvo group:gridvo_admin")
	require.NoError(t, err)

	grant, err := scope.Resolve(reg, req, "sub-alice")
	require.NoError(t, err)
	require.False(t, grant.Explicit)
	require.Equal(t, []string{"NormalUser", "Operator", "ProxyManagement"}, grant.Properties)
}

func TestResolveUsesDefaultGroup(t *testing.T) {
	reg := loadRegistry(t)
	req, err := scope.Parse("vo:gridvo")
	require.NoError(t, err)

	grant, err := scope.Resolve(reg, req, "sub-bob")
	require.NoError(t, err)
	require.Equal(t, "gridvo_user", grant.Group)
}

func TestResolveSubsetAndSuperset(t *testing.T) {
	reg := loadRegistry(t)

	subset, err := scope.Parse("vo:gridvo group:gridvo_admin property:Operator")
	require.NoError(t, err)
	grant, err := scope.Resolve(reg, subset, "sub-alice")
	require.NoError(t, err)
	require.True(t, grant.Explicit)
	require.Equal(t, []string{"Operator"}, grant.Properties)

	superset, err := scope.Parse("vo:gridvo group:gridvo_user property:NormalUser property:Operator")
	require.NoError(t, err)
	_, err = scope.Resolve(reg, superset, "sub-bob")
	require.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestResolveRequiresMembership(t *testing.T) {
	reg := loadRegistry(t)
	req, err := scope.Parse("vo:gridvo group:gridvo_admin")
	require.NoError(t, err)

	_, err = scope.Resolve(reg, req, "sub-bob")
	require.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestRevalidateDropsRemovedProperty(t *testing.T) {
	reg := loadRegistry(t)
	stored := domain.Grant{VO: "gridvo", Group: "gridvo_admin", Properties: []string{"Operator", "ProxyManagement"}, Explicit: true}

	vo := reg.VOs["gridvo"]
	admin := vo.Groups["gridvo_admin"]
	admin.Properties = []string{"NormalUser", "Operator"}
	vo.Groups["gridvo_admin"] = admin
	reg.VOs["gridvo"] = vo

	grant, err := scope.Revalidate(reg, stored, "sub-alice")
	require.NoError(t, err)
	require.Equal(t, []string{"Operator"}, grant.Properties)
}

func TestFormatRoundTrip(t *testing.T) {
	defaulted := domain.Grant{VO: "gridvo", Group: "gridvo_user", Properties: []string{"NormalUser"}}
	require.Equal(t, "vo:gridvo group:gridvo_user", scope.Format(defaulted))

	explicit := domain.Grant{VO: "gridvo", Group: "gridvo_user", Properties: []string{"NormalUser"}, Explicit: true}
	back, err := scope.FromStored(scope.Format(explicit))
	require.NoError(t, err)
	require.Equal(t, explicit, back)
}
