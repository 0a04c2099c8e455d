package authz

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"
)

// pseudoFilesystems are never offered as backup roots.
var pseudoFilesystems = map[string]struct{}{
	"proc": {}, "sysfs": {}, "tmpfs": {}, "devtmpfs": {}, "cgroup": {}, "cgroup2": {},
	"overlay": {}, "squashfs": {}, "debugfs": {}, "tracefs": {}, "securityfs": {},
	"ramfs": {}, "rootfs": {}, "fusectl": {}, "mqueue": {},
}

var systemMounts = map[string]struct{}{"/": {}, "/proc": {}, "/sys": {}, "/dev": {}}

// fallbackRoots are offered when the mount table cannot be read.
var fallbackRoots = []string{"/mnt", "/media", "/data", "/srv"}

// MountDiscoverer lists mounted data filesystems from a mounts table.
type MountDiscoverer struct {
	// MountsFile defaults to /proc/mounts.
	MountsFile string
	// Fallback defaults to /mnt, /media, /data and /srv.
	Fallback []string
}

// Mounts returns the mount points of real filesystems, excluding pseudo
// filesystems and system mounts. If the table is unreadable, the existing
// fallback directories are returned instead.
func (m MountDiscoverer) Mounts() []string {
	file := m.MountsFile
	if file == "" {
		file = "/proc/mounts"
	}
	f, err := os.Open(file)
	if err != nil {
		return m.fallback()
	}
	defer f.Close()

	mounts, err := parseMounts(f)
	if err != nil {
		return m.fallback()
	}
	return mounts
}

func (m MountDiscoverer) fallback() []string {
	candidates := m.Fallback
	if candidates == nil {
		candidates = fallbackRoots
	}
	var out []string
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// parseMounts reads fstab-formatted lines: device, mount point, fs type, ...
func parseMounts(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		mp := unescapeOctal(fields[1])
		if len(fields) > 2 {
			if _, pseudo := pseudoFilesystems[fields[2]]; pseudo {
				continue
			}
		}
		if !strings.HasPrefix(mp, "/") {
			continue
		}
		if _, sys := systemMounts[mp]; sys {
			continue
		}
		seen[mp] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for mp := range seen {
		out = append(out, mp)
	}
	sort.Strings(out)
	return out, nil
}

// unescapeOctal decodes the \040-style escapes the kernel uses for spaces
// and other special characters in mount points.
func unescapeOctal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
