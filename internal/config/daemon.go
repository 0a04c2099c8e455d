package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DiscoveryFileName is the server discovery file inside the data dir.
const DiscoveryFileName = "server.toml"

// Discovery holds connection info for a running server. `backupq add` and
// `backupq queue` read it to find the server when no --server is given.
type Discovery struct {
	Addr string `toml:"addr"`
	PID  int    `toml:"pid"`
}

// DiscoveryPath returns the path to the discovery file for dataDir.
func DiscoveryPath(dataDir string) string {
	return filepath.Join(dataDir, DiscoveryFileName)
}

// WriteDiscovery writes the discovery file, creating dataDir if needed.
func WriteDiscovery(dataDir string, d Discovery) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(d); err != nil {
		return fmt.Errorf("encode discovery: %w", err)
	}

	//nolint:gosec // G306: readable by local CLI users
	return os.WriteFile(DiscoveryPath(dataDir), buf.Bytes(), 0o644)
}

// ReadDiscovery reads the discovery file. Returns os.ErrNotExist if no
// server has written one.
func ReadDiscovery(dataDir string) (Discovery, error) {
	var d Discovery
	_, err := toml.DecodeFile(DiscoveryPath(dataDir), &d)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Discovery{}, os.ErrNotExist
		}
		return Discovery{}, err
	}
	return d, nil
}

// RemoveDiscovery removes the discovery file (best-effort).
func RemoveDiscovery(dataDir string) {
	os.Remove(DiscoveryPath(dataDir)) //nolint:errcheck // best-effort cleanup on shutdown
}
