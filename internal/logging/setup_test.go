package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreDefault(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "debug", want: slog.LevelDebug},
		{in: "WARN", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetup_TextOnly(t *testing.T) {
	restoreDefault(t)
	var buf bytes.Buffer

	logger, closer, err := Setup(Options{Level: "warn", Stderr: &buf})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	slog.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetup_VerboseAndFile(t *testing.T) {
	restoreDefault(t)
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "backupq.log")

	logger, closer, err := Setup(Options{Level: "error", Verbose: true, File: path, Stderr: &buf})
	require.NoError(t, err)
	logger.Debug("walking", "src", "/data")
	require.NoError(t, closer.Close())

	assert.Contains(t, buf.String(), "walking")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec))
	assert.Equal(t, "walking", rec["msg"])
	assert.Equal(t, "/data", rec["src"])
}

func TestSetup_BadLevel(t *testing.T) {
	_, _, err := Setup(Options{Level: "chatty"})
	assert.Error(t, err)
}
