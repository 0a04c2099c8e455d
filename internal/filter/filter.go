package filter

import (
	"path"
	"strings"
)

// ImageExtensions are the lower-case extensions skipped when image
// filtering is enabled.
var ImageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".webp": {},
	".tiff": {},
	".svg":  {},
	".heic": {},
	".ico":  {},
}

// NfoExtension is skipped when nfo filtering is enabled.
const NfoExtension = ".nfo"

// Rule represents a single include or exclude glob rule.
type Rule struct {
	Pattern *compiledPattern
	Include bool // true=include, false=exclude
}

// Chain holds an ordered list of glob rules plus the per-task extension
// filters. A Chain is read-only once built; WithExtensions derives a copy for
// a task.
type Chain struct {
	rules  []Rule
	images bool
	nfo    bool
}

// NewChain creates an empty filter chain.
func NewChain() *Chain {
	return &Chain{}
}

// AddExclude adds an exclude rule for the given pattern.
func (c *Chain) AddExclude(pattern string) error {
	cp, err := compilePattern(pattern)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, Rule{Pattern: cp, Include: false})
	return nil
}

// AddInclude adds an include rule for the given pattern.
func (c *Chain) AddInclude(pattern string) error {
	cp, err := compilePattern(pattern)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, Rule{Pattern: cp, Include: true})
	return nil
}

// WithExtensions returns a copy of the chain that additionally skips image
// and/or .nfo files. The glob rules are shared with the receiver.
func (c *Chain) WithExtensions(images, nfo bool) *Chain {
	if c == nil {
		return &Chain{images: images, nfo: nfo}
	}
	return &Chain{rules: c.rules, images: images, nfo: nfo}
}

// Match returns true if the path should be INCLUDED (not filtered out).
// relPath is relative to the walk root and isDir indicates directories.
// Extension filters apply only to files and cannot be overridden by an
// include rule.
func (c *Chain) Match(relPath string, isDir bool) bool {
	if c == nil {
		return true
	}
	if !isDir && c.skipExtension(relPath) {
		return false
	}

	rel := path.Clean(strings.ReplaceAll(relPath, "\\", "/"))

	// First match wins.
	for _, rule := range c.rules {
		if rule.Pattern.match(rel, isDir) {
			return rule.Include
		}
	}
	return true
}

func (c *Chain) skipExtension(name string) bool {
	ext := extension(name)
	if ext == "" {
		return false
	}
	if c.images {
		if _, ok := ImageExtensions[ext]; ok {
			return true
		}
	}
	return c.nfo && ext == NfoExtension
}

// extension returns the lower-cased extension of the last path element. A
// leading or trailing dot does not make an extension, so ".nfo" has none.
func extension(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	i := strings.LastIndexByte(base, '.')
	if i <= 0 || i == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[i:])
}
