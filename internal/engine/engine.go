// Package engine walks a source tree and materializes placeholder files for
// it under a destination root.
package engine

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/bamsammich/backupq/internal/authz"
)

// Mode selects whether already-indexed files are skipped.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// ErrInvalidMode is returned by ParseMode for anything but incremental or full.
var ErrInvalidMode = errors.New("invalid mode")

// ErrDestInsideSource is returned when the destination root is the source or
// lies beneath it.
var ErrDestInsideSource = errors.New("destination is inside source")

// ParseMode maps a request mode to a Mode. Empty selects incremental.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeFull:
		return ModeFull, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// DestRoot returns the directory the source tree is mirrored into. Both
// paths are resolved first, so a symlinked source is mirrored under its
// target's name. With mirror set, that name is appended unless dst already
// ends with it.
func DestRoot(src, dst string, mirror bool) string {
	src = resolve(src)
	dst = resolve(dst)
	if mirror && filepath.Base(dst) != filepath.Base(src) {
		return filepath.Join(dst, filepath.Base(src))
	}
	return dst
}

// resolve canonicalizes p when possible and otherwise just cleans it.
func resolve(p string) string {
	if r, err := authz.CanonicalOrAbs(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}

// CheckNesting rejects a destination root that equals or descends from the
// source once both are resolved. destRoot need not exist yet.
func CheckNesting(src, destRoot string) error {
	s, err := authz.Canonical(src)
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}
	d, err := authz.CanonicalOrAbs(destRoot)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	if authz.Contains(s, d) {
		return ErrDestInsideSource
	}
	return nil
}
