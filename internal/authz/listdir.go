package authz

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// ListDir returns the entries of an allowed directory, directories first and
// then by name. Entries whose type cannot be determined are omitted.
func (a *Authorizer) ListDir(path string) ([]Entry, error) {
	if !a.IsAllowed(path) {
		return nil, fmt.Errorf("list %s: %w", path, ErrNotAllowed)
	}
	dir, err := Canonical(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", dir, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		full := filepath.Join(dir, d.Name())
		isDir := d.IsDir()
		if d.Type()&os.ModeSymlink != 0 {
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			isDir = info.IsDir()
		}
		entries = append(entries, Entry{Name: d.Name(), Path: full, IsDir: isDir})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}
