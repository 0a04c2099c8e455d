package filter

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// compiledPattern is a validated doublestar glob.
type compiledPattern struct {
	glob     string
	original string
	anchored bool // matched against the full relative path
	dirOnly  bool // pattern ends with /
}

// compilePattern parses an rsync-style pattern. A leading or embedded slash
// anchors the glob to the walk root; otherwise it is matched against the
// base name at any depth.
func compilePattern(pattern string) (*compiledPattern, error) {
	cp := &compiledPattern{original: pattern}

	if strings.HasSuffix(pattern, "/") {
		cp.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}

	if strings.HasPrefix(pattern, "/") {
		cp.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	} else if strings.Contains(pattern, "/") {
		cp.anchored = true
	}

	if pattern == "" || !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", cp.original)
	}
	cp.glob = pattern
	return cp, nil
}

// match tests whether a slash-separated relative path matches this pattern.
func (cp *compiledPattern) match(relPath string, isDir bool) bool {
	if cp.dirOnly && !isDir {
		return false
	}
	name := relPath
	if !cp.anchored {
		name = path.Base(relPath)
	}
	ok, err := doublestar.Match(cp.glob, name)
	return err == nil && ok
}
