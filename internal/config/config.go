// Package config loads bookingsync settings from a TOML file.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/homefix/bookingsync/internal/logging"
)

// Config is the full settings tree. Zero values are replaced by defaults in Load.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Realtime RealtimeConfig `toml:"realtime"`
	API      APIConfig      `toml:"api"`
	Log      LogConfig      `toml:"log"`
	Sim      SimConfig      `toml:"sim"`
}

// ServerConfig points the client at the marketplace backend.
type ServerConfig struct {
	BaseURL string `toml:"base_url"`
	WSPath  string `toml:"ws_path"`
	Token   string `toml:"token"`
}

// RealtimeConfig tunes the push transport.
type RealtimeConfig struct {
	InitialBackoff   Duration `toml:"initial_backoff"`
	MaxBackoff       Duration `toml:"max_backoff"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

// APIConfig tunes the REST collaborator client.
type APIConfig struct {
	Timeout       Duration `toml:"timeout"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// SimConfig configures the development backend started by `bookingsync serve`.
type SimConfig struct {
	ListenAddr      string   `toml:"listen_addr"`
	DBPath          string   `toml:"db_path"`
	Token           string   `toml:"token"`
	OfferTTL        Duration `toml:"offer_ttl"`
	VAPIDPublicKey  string   `toml:"vapid_public_key"`
	VAPIDPrivateKey string   `toml:"vapid_private_key"`
	VAPIDSubject    string   `toml:"vapid_subject"`
}

// Duration is a time.Duration that reads and writes as "30s" style text.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Default returns a config suitable for a local development backend.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://127.0.0.1:8430",
			WSPath:  "/ws",
		},
		Realtime: RealtimeConfig{
			InitialBackoff:   Duration{500 * time.Millisecond},
			MaxBackoff:       Duration{30 * time.Second},
			HandshakeTimeout: Duration{10 * time.Second},
		},
		API: APIConfig{
			Timeout:       Duration{15 * time.Second},
			RatePerSecond: 10,
			Burst:         5,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Sim: SimConfig{
			ListenAddr:   "127.0.0.1:8430",
			DBPath:       "bookingsync-sim.db",
			OfferTTL:     Duration{30 * time.Second},
			VAPIDSubject: "mailto:dev@localhost",
		},
	}
}

// Load reads path and fills unset fields from Default. A missing file is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	var fileCfg Config
	if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	merge(cfg, &fileCfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge copies every non-zero field of src over dst.
func merge(dst, src *Config) {
	setString(&dst.Server.BaseURL, src.Server.BaseURL)
	setString(&dst.Server.WSPath, src.Server.WSPath)
	setString(&dst.Server.Token, src.Server.Token)

	setDuration(&dst.Realtime.InitialBackoff, src.Realtime.InitialBackoff)
	setDuration(&dst.Realtime.MaxBackoff, src.Realtime.MaxBackoff)
	setDuration(&dst.Realtime.HandshakeTimeout, src.Realtime.HandshakeTimeout)

	setDuration(&dst.API.Timeout, src.API.Timeout)
	if src.API.RatePerSecond > 0 {
		dst.API.RatePerSecond = src.API.RatePerSecond
	}
	if src.API.Burst > 0 {
		dst.API.Burst = src.API.Burst
	}

	setString(&dst.Log.Level, src.Log.Level)
	setString(&dst.Log.Format, src.Log.Format)
	setString(&dst.Log.File, src.Log.File)
	setInt(&dst.Log.MaxSizeMB, src.Log.MaxSizeMB)
	setInt(&dst.Log.MaxBackups, src.Log.MaxBackups)
	setInt(&dst.Log.MaxAgeDays, src.Log.MaxAgeDays)

	setString(&dst.Sim.ListenAddr, src.Sim.ListenAddr)
	setString(&dst.Sim.DBPath, src.Sim.DBPath)
	setString(&dst.Sim.Token, src.Sim.Token)
	setDuration(&dst.Sim.OfferTTL, src.Sim.OfferTTL)
	setString(&dst.Sim.VAPIDPublicKey, src.Sim.VAPIDPublicKey)
	setString(&dst.Sim.VAPIDPrivateKey, src.Sim.VAPIDPrivateKey)
	setString(&dst.Sim.VAPIDSubject, src.Sim.VAPIDSubject)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *Duration, v Duration) {
	if v.Duration != 0 {
		*dst = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("invalid server.base_url: %w", err)
	}
	if c.Realtime.MaxBackoff.Duration < c.Realtime.InitialBackoff.Duration {
		return fmt.Errorf("realtime.max_backoff (%s) must be >= initial_backoff (%s)",
			c.Realtime.MaxBackoff, c.Realtime.InitialBackoff)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// WSURL derives the push endpoint from the REST base URL.
func (c *Config) WSURL() (string, error) {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.Server.WSPath
	return u.String(), nil
}

// LoggingOptions converts the log section for logging.Init.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// Watch reloads path whenever it changes and passes the new config to
// onChange. The parent directory is watched so editors that replace the file
// via rename are handled. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	log := logging.ForComponent(logging.CompConfig)
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config_reload_failed", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			log.Info("config_reloaded", slog.String("path", path))
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}
