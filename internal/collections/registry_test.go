package collections

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/config"
)

type fakeMembership struct {
	workspaces map[string]map[string]bool // user -> ws -> member
	projects   map[string]map[string]bool // user -> "ws/pr" -> member
}

func (f *fakeMembership) InWorkspace(userID, workspace string) bool {
	return f.workspaces[userID][workspace]
}

func (f *fakeMembership) InProject(userID, workspace, project string) bool {
	return f.projects[userID][workspace+"/"+project]
}

func testRegistry(t *testing.T, m Membership) *Registry {
	t.Helper()
	r, err := New(config.CollectionConfig{AccessCacheSize: 64, AccessCacheTTL: config.Duration(time.Minute)}, config.Secret("s3cr3t-salt"), m)
	require.NoError(t, err)
	return r
}

func TestResolveGlobalIsFixed(t *testing.T) {
	r := testRegistry(t, nil)
	name, err := r.Resolve(Global())
	require.NoError(t, err)
	assert.Equal(t, "global", name)
}

func TestResolveWorkspaceIsDeterministicAndUnguessable(t *testing.T) {
	r := testRegistry(t, nil)
	name1, err := r.Resolve(Workspace("acme"))
	require.NoError(t, err)
	name2, err := r.Resolve(Workspace("acme"))
	require.NoError(t, err)
	assert.Equal(t, name1, name2)
	assert.Regexp(t, `^ws_[0-9a-f]{16}$`, name1)
}

func TestResolveDifferentSaltsProduceDifferentNames(t *testing.T) {
	r1, err := New(config.CollectionConfig{}, config.Secret("salt-one"), nil)
	require.NoError(t, err)
	r2, err := New(config.CollectionConfig{}, config.Secret("salt-two"), nil)
	require.NoError(t, err)

	n1, _ := r1.Resolve(Workspace("acme"))
	n2, _ := r2.Resolve(Workspace("acme"))
	assert.NotEqual(t, n1, n2)
}

func TestResolveProjectIncludesWorkspace(t *testing.T) {
	r := testRegistry(t, nil)
	n1, err := r.Resolve(Project("ws1", "pr1"))
	require.NoError(t, err)
	n2, err := r.Resolve(Project("ws2", "pr1"))
	require.NoError(t, err)
	assert.NotEqual(t, n1, n2)
	assert.Regexp(t, `^proj_[0-9a-f]{16}$`, n1)
}

func TestEnsureIsIdempotent(t *testing.T) {
	r := testRegistry(t, nil)
	n1, err := r.Ensure(Workspace("acme"), "user-1")
	require.NoError(t, err)
	n2, err := r.Ensure(Workspace("acme"), "user-2")
	require.NoError(t, err)
	assert.Equal(t, n1, n2)

	rec, ok := r.Lookup(n1)
	require.True(t, ok)
	assert.Equal(t, "user-1", rec.CreatedBy, "first ensure wins")
}

func TestCanAccessGlobalAllowsAnyAuthenticatedUser(t *testing.T) {
	r := testRegistry(t, nil)
	assert.True(t, r.CanAccess("someone", Global()))
	assert.False(t, r.CanAccess("", Global()))
}

func TestCanAccessWorkspaceRequiresMembership(t *testing.T) {
	m := &fakeMembership{workspaces: map[string]map[string]bool{"u1": {"acme": true}}}
	r := testRegistry(t, m)

	assert.True(t, r.CanAccess("u1", Workspace("acme")))
	assert.False(t, r.CanAccess("u2", Workspace("acme")))
}

func TestCanAccessProjectRequiresBothMemberships(t *testing.T) {
	m := &fakeMembership{
		workspaces: map[string]map[string]bool{"u1": {"acme": true}},
		projects:   map[string]map[string]bool{"u1": {"acme/proj1": true}},
	}
	r := testRegistry(t, m)

	assert.True(t, r.CanAccess("u1", Project("acme", "proj1")))
	assert.False(t, r.CanAccess("u1", Project("acme", "proj2")))
}

func TestInvalidateAccessClearsCachedDecisions(t *testing.T) {
	m := &fakeMembership{workspaces: map[string]map[string]bool{"u1": {"acme": true}}}
	r := testRegistry(t, m)

	assert.True(t, r.CanAccess("u1", Workspace("acme")))
	m.workspaces["u1"]["acme"] = false
	r.InvalidateAccess("u1")
	assert.False(t, r.CanAccess("u1", Workspace("acme")))
}
