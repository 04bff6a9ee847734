package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/homefix/bookingsync/internal/config"
	"github.com/homefix/bookingsync/internal/logging"
	"github.com/homefix/bookingsync/internal/simserver"
)

// buildSimServer parses serve flags over the loaded config and opens the
// backend. The caller runs and closes it.
func buildSimServer(ctx context.Context, args []string, stdout io.Writer) (*simserver.Server, string, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "", "Path to a TOML config file")
	listenAddr := fs.String("listen", "", "Listen address (overrides sim.listen_addr)")
	dbPath := fs.String("db", "", "SQLite database path (overrides sim.db_path)")
	token := fs.String("token", "", "Bearer token required on every request")
	offerTTL := fs.Duration("offer-ttl", 0, "How long a technician has to answer a job offer")

	fs.Usage = func() {
		fmt.Fprintln(stdout, "Usage: bookingsync serve [options]")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Run the development backend: REST endpoints, the push channel and web push.")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Options:")
		fs.PrintDefaults()
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Examples:")
		fmt.Fprintln(stdout, "  bookingsync serve")
		fmt.Fprintln(stdout, "  bookingsync serve --listen 127.0.0.1:9000 --offer-ttl 45s")
		fmt.Fprintln(stdout, "  bookingsync serve --config bookingsync.toml")
	}

	if err := parseFlags(fs, args); err != nil {
		return nil, "", err
	}
	if *offerTTL < 0 {
		return nil, "", fmt.Errorf("--offer-ttl must be >= 0")
	}

	cfg, err := setup(ctx, *configPath)
	if err != nil {
		return nil, "", err
	}
	opts := simOptions(cfg)
	if *listenAddr != "" {
		opts.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		opts.DBPath = *dbPath
	}
	if *token != "" {
		opts.Token = *token
	}
	if *offerTTL > 0 {
		opts.OfferTTL = *offerTTL
	}

	srv, err := simserver.New(opts)
	if err != nil {
		return nil, "", err
	}
	return srv, opts.ListenAddr, nil
}

func simOptions(cfg *config.Config) simserver.Options {
	return simserver.Options{
		ListenAddr:      cfg.Sim.ListenAddr,
		DBPath:          cfg.Sim.DBPath,
		Token:           cfg.Sim.Token,
		OfferTTL:        cfg.Sim.OfferTTL.Duration,
		VAPIDPublicKey:  cfg.Sim.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Sim.VAPIDPrivateKey,
		VAPIDSubject:    cfg.Sim.VAPIDSubject,
	}
}

func runServe(ctx context.Context, args []string, stdout io.Writer) error {
	srv, addr, err := buildSimServer(ctx, args, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logging.ForComponent(logging.CompCLI).Warn("sim_close_failed", slog.String("error", err.Error()))
		}
	}()

	fmt.Fprintf(stdout, "bookingsync backend: http://%s\n", addr)
	fmt.Fprintln(stdout, "Press Ctrl+C to stop.")
	return srv.Run(ctx)
}
