// Package config loads the optional backupq configuration file and applies
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override the file.
const (
	EnvConfig       = "BACKUPQ_CONFIG"
	EnvRate         = "BACKUP_RATE"
	EnvAllowedRoots = "ALLOWED_ROOTS"
	EnvDataDir      = "DATA_DIR"
	EnvIndexBackend = "INDEX_BACKEND"
	EnvPort         = "APP_PORT"
)

// DefaultPort is the HTTP port when neither the file nor APP_PORT sets one.
const DefaultPort = 18008

// Config represents the backupq configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Backup   BackupConfig   `toml:"backup"`
	Index    IndexConfig    `toml:"index"`
	Progress ProgressConfig `toml:"progress"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen string `toml:"listen"`
	// OriginPatterns are host globs allowed to open the WebSocket stream
	// from another origin, e.g. "dash.example.com" or "*.lan".
	OriginPatterns []string `toml:"origin_patterns"`
}

// BackupConfig holds walk and authorization settings.
type BackupConfig struct {
	AllowedRoots    []string `toml:"allowed_roots"`
	DiscoverMounts  bool     `toml:"discover_mounts"`
	OpsPerSec       float64  `toml:"ops_per_sec"`
	PlaceholderSize Size     `toml:"placeholder_size"`
	Exclude         []string `toml:"exclude"`
	// ExcludeFrom names an rsync-style rules file.
	ExcludeFrom string `toml:"exclude_from"`
}

// IndexConfig selects and tunes the deduplication index.
type IndexConfig struct {
	Backend       string   `toml:"backend"`
	DataDir       string   `toml:"data_dir"`
	TailEntries   int      `toml:"tail_entries"`
	FlushSize     int      `toml:"flush_size"`
	FlushInterval Duration `toml:"flush_interval"`
	CacheSize     int      `toml:"cache_size"`
}

// ProgressConfig tunes the progress broadcaster.
type ProgressConfig struct {
	// LogFile defaults to service_log.txt inside the data dir.
	LogFile       string   `toml:"log_file"`
	ReplaySize    int      `toml:"replay_size"`
	MailboxSize   int      `toml:"mailbox_size"`
	FlushLines    int      `toml:"flush_lines"`
	FlushInterval Duration `toml:"flush_interval"`
	MaxLogBytes   Size     `toml:"max_log_bytes"`
	Echo          bool     `toml:"echo"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Level string `toml:"level"`
	// File, if set, receives JSON log records in addition to stderr.
	File string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Listen: fmt.Sprintf(":%d", DefaultPort)},
		Backup: BackupConfig{
			DiscoverMounts:  true,
			OpsPerSec:       20,
			PlaceholderSize: 1024,
		},
		Index: IndexConfig{
			Backend:       "memory",
			DataDir:       "/var/lib/backupq",
			TailEntries:   200_000,
			FlushSize:     100,
			FlushInterval: Duration(time.Second),
			CacheSize:     65_536,
		},
		Progress: ProgressConfig{
			ReplaySize:    2000,
			MailboxSize:   1000,
			FlushLines:    50,
			FlushInterval: Duration(time.Second),
			MaxLogBytes:   1_000_000,
			Echo:          true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Path returns the resolved path to the config file.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "backupq", "config.toml")
}

// Load reads the config file over the defaults, then applies environment
// overrides and validates the result. A missing file is not an error.
func Load() (Config, error) {
	cfg := Default()

	if path := Path(); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvRate); v != "" {
		rate, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRate, err)
		}
		c.Backup.OpsPerSec = rate
	}
	if v := os.Getenv(EnvAllowedRoots); v != "" {
		var roots []string
		for _, r := range filepath.SplitList(v) {
			if r = strings.TrimSpace(r); r != "" {
				roots = append(roots, r)
			}
		}
		c.Backup.AllowedRoots = roots
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Index.DataDir = v
	}
	if v := os.Getenv(EnvIndexBackend); v != "" {
		c.Index.Backend = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		c.Server.Listen = fmt.Sprintf(":%d", port)
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Index.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("index.backend: unknown backend %q", c.Index.Backend))
	}
	if c.Index.DataDir == "" {
		errs = append(errs, errors.New("index.data_dir: must be set"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen: must be set"))
	}
	if c.Backup.PlaceholderSize < 0 {
		errs = append(errs, errors.New("backup.placeholder_size: must not be negative"))
	}
	if c.Progress.MaxLogBytes < 0 {
		errs = append(errs, errors.New("progress.max_log_bytes: must not be negative"))
	}
	for name, v := range map[string]int{
		"index.tail_entries":    c.Index.TailEntries,
		"index.flush_size":      c.Index.FlushSize,
		"index.cache_size":      c.Index.CacheSize,
		"progress.replay_size":  c.Progress.ReplaySize,
		"progress.mailbox_size": c.Progress.MailboxSize,
		"progress.flush_lines":  c.Progress.FlushLines,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// ProgressLogPath returns where progress lines are persisted.
func (c Config) ProgressLogPath() string {
	if c.Progress.LogFile != "" {
		return c.Progress.LogFile
	}
	return filepath.Join(c.Index.DataDir, "service_log.txt")
}

// Duration is a time.Duration decoded from strings such as "1s" or "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
