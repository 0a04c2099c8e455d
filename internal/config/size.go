package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count that may be written as an integer or a human-readable
// string such as "1M" or "512K".
type Size int64

// UnmarshalTOML implements toml.Unmarshaler.
func (s *Size) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		*s = Size(x)
		return nil
	case float64:
		*s = Size(x)
		return nil
	case string:
		n, err := ParseSize(x)
		if err != nil {
			return err
		}
		*s = Size(n)
		return nil
	default:
		return fmt.Errorf("invalid size %v (%T)", v, v)
	}
}

// ParseSize parses a human-readable size string into bytes.
// Supports: 100, 100B, 100K, 100KB, 100M, 100MB, 100G, 100T (case-insensitive).
// Uses powers of 1024.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	numStr := strings.ToUpper(s)
	if len(numStr) > 2 && strings.HasSuffix(numStr, "B") && strings.ContainsAny(numStr[len(numStr)-2:len(numStr)-1], "KMGT") {
		numStr = numStr[:len(numStr)-1]
	}

	multiplier := int64(1)
	switch numStr[len(numStr)-1] {
	case 'B':
		numStr = numStr[:len(numStr)-1]
	case 'K':
		multiplier = 1 << 10
		numStr = numStr[:len(numStr)-1]
	case 'M':
		multiplier = 1 << 20
		numStr = numStr[:len(numStr)-1]
	case 'G':
		multiplier = 1 << 30
		numStr = numStr[:len(numStr)-1]
	case 'T':
		multiplier = 1 << 40
		numStr = numStr[:len(numStr)-1]
	}

	if numStr == "" {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	// Try integer first, then float.
	if n, err := strconv.ParseInt(numStr, 10, 64); err == nil {
		return n * multiplier, nil
	}

	f, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	return int64(f * float64(multiplier)), nil
}
