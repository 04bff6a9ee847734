// Package logging configures the process-wide slog logger and hands out
// per-component child loggers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every record as the "component" attribute.
const (
	CompRealtime  = "realtime"
	CompRouter    = "router"
	CompBooking   = "booking"
	CompLifecycle = "lifecycle"
	CompAPI       = "api"
	CompSim       = "sim"
	CompTUI       = "tui"
	CompConfig    = "config"
	CompCLI       = "cli"
	CompBus       = "bus"
)

// Options controls where and how records are written.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	File       string // empty writes to Output (stderr by default)
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Output     io.Writer
}

var (
	mu     sync.RWMutex
	level  = new(slog.LevelVar)
	root   = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	closer io.Closer
)

// Init replaces the root logger. It is safe to call more than once; a
// previously opened log file is closed.
func Init(opts Options) error {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stderr
	var c io.Closer
	switch {
	case opts.File != "":
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out, c = lj, lj
	case opts.Output != nil:
		out = opts.Output
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(out, hopts)
	case "", "text":
		h = slog.NewTextHandler(out, hopts)
	default:
		return fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	mu.Lock()
	prev := closer
	root = slog.New(h)
	closer = c
	mu.Unlock()
	level.Set(lvl)

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// ForComponent returns a logger tagged with the given component name.
func ForComponent(component string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With(slog.String("component", component))
}

// SetLevel changes the level of every logger handed out so far.
func SetLevel(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	level.Set(lvl)
	return nil
}

// Level reports the current level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", name)
	}
}

// Close flushes and closes the log file, if any.
func Close() error {
	mu.Lock()
	c := closer
	closer = nil
	mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
