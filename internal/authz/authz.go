// Package authz decides whether a filesystem path lies inside the configured
// allow-list of root directories.
package authz

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotAllowed is returned by operations on paths outside the allow-list.
var ErrNotAllowed = errors.New("path is not inside an allowed root")

// Discoverer reports additional allowed roots at check time.
type Discoverer interface {
	Mounts() []string
}

// Authorizer gates source and destination paths. The effective allow-list is
// recomputed on every call so mounts that appear or vanish take effect
// without a restart.
type Authorizer struct {
	roots    []string
	discover Discoverer
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithDiscoverer adds dynamically discovered roots to the static list.
func WithDiscoverer(d Discoverer) Option {
	return func(a *Authorizer) { a.discover = d }
}

// New creates an Authorizer over the static roots.
func New(roots []string, opts ...Option) *Authorizer {
	a := &Authorizer{}
	for _, r := range roots {
		if r = strings.TrimSpace(r); r != "" {
			a.roots = append(a.roots, filepath.Clean(r))
		}
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Roots returns the effective allow-list, resolved and de-duplicated.
func (a *Authorizer) Roots() []string {
	candidates := append([]string(nil), a.roots...)
	if a.discover != nil {
		candidates = append(candidates, a.discover.Mounts()...)
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, r := range candidates {
		resolved, err := Canonical(r)
		if err != nil {
			// Unresolvable roots are still honored verbatim.
			resolved = filepath.Clean(r)
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
	}
	sort.Strings(out)
	return out
}

// IsAllowed reports whether path, after symlink resolution, equals or lies
// under an allowed root. A path that does not exist yet is judged by its
// deepest existing ancestor. Any other resolution failure means not allowed.
func (a *Authorizer) IsAllowed(path string) bool {
	if path == "" {
		return false
	}
	resolved, err := CanonicalOrAbs(path)
	if err != nil {
		slog.Debug("authorize: cannot resolve path", "path", path, "error", err)
		return false
	}
	for _, root := range a.Roots() {
		if Contains(root, resolved) {
			return true
		}
	}
	return false
}

// Canonical returns the absolute, symlink-free form of path.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// CanonicalOrAbs is Canonical for paths that may not exist yet: the deepest
// existing ancestor is resolved and the missing tail appended.
func CanonicalOrAbs(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var tail []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

// Contains reports whether path equals root or is a descendant of it. Both
// must be clean absolute paths; comparison is by path component, so /data2
// is not inside /data.
func Contains(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
