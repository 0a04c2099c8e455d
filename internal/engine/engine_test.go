package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeIncremental},
		{in: "incremental", want: ModeIncremental},
		{in: "full", want: ModeFull},
		{in: "FULL", wantErr: true},
		{in: "mirror", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDestRoot(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		dst    string
		mirror bool
		want   string
	}{
		{name: "mirror appends base", src: "/data/Movies", dst: "/backup", mirror: true, want: "/backup/Movies"},
		{name: "mirror already named", src: "/data/Movies", dst: "/backup/Movies", mirror: true, want: "/backup/Movies"},
		{name: "mirror trailing slash", src: "/data/Movies/", dst: "/backup/", mirror: true, want: "/backup/Movies"},
		{name: "no mirror", src: "/data/Movies", dst: "/backup", mirror: false, want: "/backup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DestRoot(tt.src, tt.dst, tt.mirror))
		})
	}
}

func TestDestRoot_SymlinkedSourceUsesTargetName(t *testing.T) {
	root := canonicalTemp(t)
	movies := filepath.Join(root, "movies")
	require.NoError(t, os.MkdirAll(movies, 0o755))
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(movies, link))
	backup := filepath.Join(root, "backup")

	assert.Equal(t, filepath.Join(backup, "movies"), DestRoot(link, backup, true))
	assert.Equal(t, filepath.Join(backup, "movies"), DestRoot(link, filepath.Join(backup, "movies"), true))
	assert.Equal(t, backup, DestRoot(link, backup, false))
}

func TestCheckNesting(t *testing.T) {
	root := canonicalTemp(t)
	src := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data2"), 0o755))

	t.Run("same dir", func(t *testing.T) {
		assert.ErrorIs(t, CheckNesting(src, src), ErrDestInsideSource)
	})
	t.Run("not yet existing child", func(t *testing.T) {
		assert.ErrorIs(t, CheckNesting(src, filepath.Join(src, "backup", "data")), ErrDestInsideSource)
	})
	t.Run("sibling sharing a prefix", func(t *testing.T) {
		assert.NoError(t, CheckNesting(src, filepath.Join(root, "data2", "data")))
	})
	t.Run("through symlink", func(t *testing.T) {
		link := filepath.Join(root, "alias")
		require.NoError(t, os.Symlink(src, link))
		assert.ErrorIs(t, CheckNesting(src, filepath.Join(link, "x")), ErrDestInsideSource)
	})
	t.Run("missing source", func(t *testing.T) {
		err := CheckNesting(filepath.Join(root, "nope"), filepath.Join(root, "out"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDestInsideSource)
	})
}
