package authz

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMounts = `sysfs /sys sysfs rw,nosuid,nodev,noexec,relatime 0 0
proc /proc proc rw,nosuid,nodev,noexec,relatime 0 0
/dev/sda1 / ext4 rw,relatime 0 0
tmpfs /run tmpfs rw,nosuid,nodev 0 0
/dev/sdb1 /mnt/media ext4 rw,relatime 0 0
/dev/sdc1 /mnt/My\040Disk xfs rw,relatime 0 0
overlay /var/lib/docker/overlay2/x/merged overlay rw 0 0
/dev/sdb1 /mnt/media ext4 rw,relatime 0 0
garbage
`

func TestParseMounts(t *testing.T) {
	got, err := parseMounts(strings.NewReader(sampleMounts))
	require.NoError(t, err)
	assert.Equal(t, []string{"/mnt/My Disk", "/mnt/media"}, got)
}

func TestMountDiscoverer_File(t *testing.T) {
	file := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(file, []byte(sampleMounts), 0o644))

	m := MountDiscoverer{MountsFile: file}
	assert.Equal(t, []string{"/mnt/My Disk", "/mnt/media"}, m.Mounts())
}

func TestMountDiscoverer_Fallback(t *testing.T) {
	dir := t.TempDir()
	exists := filepath.Join(dir, "srv")
	require.NoError(t, os.MkdirAll(exists, 0o755))

	m := MountDiscoverer{
		MountsFile: filepath.Join(dir, "missing"),
		Fallback:   []string{exists, filepath.Join(dir, "media")},
	}
	assert.Equal(t, []string{exists}, m.Mounts())
}

func TestUnescapeOctal(t *testing.T) {
	assert.Equal(t, "/mnt/a b", unescapeOctal(`/mnt/a\040b`))
	assert.Equal(t, "/mnt/plain", unescapeOctal("/mnt/plain"))
	assert.Equal(t, `/mnt/trail\04`, unescapeOctal(`/mnt/trail\04`))
}
