package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[server]
base_url = "https://market.example.com/v1"
token = "secret"

[realtime]
initial_backoff = "250ms"
max_backoff = "5s"

[api]
rate_per_second = 2.5

[log]
level = "debug"
`

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://market.example.com/v1", cfg.Server.BaseURL)
	assert.Equal(t, "secret", cfg.Server.Token)
	assert.Equal(t, "/ws", cfg.Server.WSPath, "unset field keeps default")
	assert.Equal(t, 250*time.Millisecond, cfg.Realtime.InitialBackoff.Duration)
	assert.Equal(t, 5*time.Second, cfg.Realtime.MaxBackoff.Duration)
	assert.Equal(t, 2.5, cfg.API.RatePerSecond)
	assert.Equal(t, 5, cfg.API.Burst)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidBackoffRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "[realtime]\ninitial_backoff = \"10s\"\nmax_backoff = \"1s\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_backoff")
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[api]\ntimeout = \"soon\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8430", "ws://127.0.0.1:8430/ws"},
		{"https://market.example.com/v1/", "wss://market.example.com/v1/ws"},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Server.BaseURL = tt.base
		got, err := cfg.WSURL()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"info\"\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var levels []string
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			mu.Lock()
			levels = append(levels, c.Log.Level)
			mu.Unlock()
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range levels {
			if l == "debug" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
