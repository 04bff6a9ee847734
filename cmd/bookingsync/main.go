package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/homefix/bookingsync/internal/config"
	"github.com/homefix/bookingsync/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdout)
	_ = logging.Close()
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return nil
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(ctx, rest, stdout)
	case "watch":
		return runWatch(ctx, rest, stdout)
	case "demo":
		return runDemo(ctx, rest, stdout)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "bookingsync %s\n", Version)
		return nil
	case "help", "--help", "-h":
		usage(stdout)
		return nil
	default:
		usage(stdout)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: bookingsync <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Run the development booking backend")
	fmt.Fprintln(w, "  watch     Follow one identity's bookings live")
	fmt.Fprintln(w, "  demo      Run a full booking lifecycle against an in-process backend")
	fmt.Fprintln(w, "  version   Print the version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'bookingsync <command> -h' for command options.")
}

// parseFlags parses args and rejects positional arguments.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return nil
}

// setup loads the config, initialises logging and, when the config comes from
// a file, follows it so log level changes apply without a restart.
func setup(ctx context.Context, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.LoggingOptions()); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, nil
	}

	log := logging.ForComponent(logging.CompCLI)
	go func() {
		err := config.Watch(ctx, path, func(c *config.Config) {
			if err := logging.SetLevel(c.Log.Level); err != nil {
				log.Warn("log_level_rejected", slog.String("level", c.Log.Level), slog.String("error", err.Error()))
				return
			}
			log.Info("log_level_applied", slog.String("level", c.Log.Level))
		})
		if err != nil {
			log.Warn("config_watch_stopped", slog.String("error", err.Error()))
		}
	}()
	return cfg, nil
}
