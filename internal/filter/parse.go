package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadFile reads glob rules from a file and appends them to the chain.
// Lines are "- pattern" (exclude), "+ pattern" (include) or a bare pattern
// (exclude). Blank lines and lines starting with # are ignored.
func (c *Chain) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open exclude file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		add := c.AddExclude
		pattern := line
		switch {
		case strings.HasPrefix(line, "+ "):
			add = c.AddInclude
			pattern = strings.TrimSpace(line[2:])
		case strings.HasPrefix(line, "- "):
			pattern = strings.TrimSpace(line[2:])
		}

		if err := add(pattern); err != nil {
			return fmt.Errorf("exclude file %s line %d: %w", path, lineNum, err)
		}
	}

	return scanner.Err()
}
