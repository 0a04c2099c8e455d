package authz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticMounts []string

func (s staticMounts) Mounts() []string { return s }

// evalTempDir returns a symlink-free temp dir (macOS /var -> /private/var).
func evalTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestIsAllowed(t *testing.T) {
	base := evalTempDir(t)
	data := filepath.Join(base, "data")
	data2 := filepath.Join(base, "data2")
	require.NoError(t, os.MkdirAll(filepath.Join(data, "movies"), 0o755))
	require.NoError(t, os.MkdirAll(data2, 0o755))

	a := New([]string{data})

	assert.True(t, a.IsAllowed(data))
	assert.True(t, a.IsAllowed(filepath.Join(data, "movies")))
	assert.False(t, a.IsAllowed(data2), "string prefix must not count as containment")
	assert.False(t, a.IsAllowed(base))
	assert.False(t, a.IsAllowed(""))
}

func TestIsAllowed_MissingPathJudgedByAncestor(t *testing.T) {
	base := evalTempDir(t)
	allowed := filepath.Join(base, "allowed")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(allowed, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(allowed, "escape")))

	a := New([]string{allowed})
	assert.True(t, a.IsAllowed(filepath.Join(allowed, "new", "backup")))
	assert.False(t, a.IsAllowed(filepath.Join(allowed, "escape", "new")))
	assert.False(t, a.IsAllowed(filepath.Join(outside, "new")))
}

func TestIsAllowed_FailsClosedOnSymlinkLoop(t *testing.T) {
	base := evalTempDir(t)
	loop := filepath.Join(base, "loop")
	require.NoError(t, os.Symlink(loop, loop))

	a := New([]string{base})
	assert.False(t, a.IsAllowed(filepath.Join(loop, "x")))
}

func TestIsAllowed_FollowsSymlinks(t *testing.T) {
	base := evalTempDir(t)
	allowed := filepath.Join(base, "allowed")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(allowed, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))

	escape := filepath.Join(allowed, "escape")
	require.NoError(t, os.Symlink(outside, escape))

	a := New([]string{allowed})
	assert.False(t, a.IsAllowed(escape), "symlink pointing outside the root must be rejected")

	inward := filepath.Join(outside, "inward")
	require.NoError(t, os.Symlink(allowed, inward))
	assert.True(t, a.IsAllowed(inward))
}

func TestIsAllowed_DiscoveredMountsRecomputedEachCall(t *testing.T) {
	base := evalTempDir(t)
	mnt := filepath.Join(base, "mnt", "usb")
	require.NoError(t, os.MkdirAll(mnt, 0o755))

	mounts := &mutableMounts{}
	a := New(nil, WithDiscoverer(mounts))

	assert.False(t, a.IsAllowed(mnt))
	mounts.set(mnt)
	assert.True(t, a.IsAllowed(mnt))
	mounts.set()
	assert.False(t, a.IsAllowed(mnt))
}

type mutableMounts struct{ paths []string }

func (m *mutableMounts) set(p ...string)  { m.paths = p }
func (m *mutableMounts) Mounts() []string { return m.paths }

func TestRootsDeduplicated(t *testing.T) {
	base := evalTempDir(t)
	a := New([]string{base, base + "/"}, WithDiscoverer(staticMounts{base}))
	assert.Equal(t, []string{base}, a.Roots())
}

func TestContains(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/data", "/data", true},
		{"/data", "/data/sub", true},
		{"/data", "/data/sub/deeper", true},
		{"/data", "/data2", false},
		{"/data", "/", false},
		{"/data/sub", "/data", false},
		{"/data", "/data/..hidden", true},
		{"/", "/anything", true},
	}
	for _, tt := range tests {
		t.Run(tt.root+"|"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Contains(tt.root, tt.path))
		})
	}
}

func TestCanonicalOrAbs(t *testing.T) {
	base := evalTempDir(t)
	real := filepath.Join(base, "real")
	require.NoError(t, os.MkdirAll(real, 0o755))
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(real, link))

	got, err := CanonicalOrAbs(filepath.Join(link, "new", "dir"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(real, "new", "dir"), got)
}

func TestListDir(t *testing.T) {
	base := evalTempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "zeta"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "alpha"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "b.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), nil, 0o644))

	a := New([]string{base})
	entries, err := a.ListDir(base)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta", "a.txt", "b.txt"}, names)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, filepath.Join(base, "alpha"), entries[0].Path)
}

func TestListDir_NotAllowed(t *testing.T) {
	a := New([]string{evalTempDir(t)})
	_, err := a.ListDir(evalTempDir(t))
	assert.ErrorIs(t, err, ErrNotAllowed)
}
