package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/rclonepool/core/balancer"
	"github.com/pyropy/rclonepool/core/config"
	"github.com/pyropy/rclonepool/core/manifest"
	"github.com/pyropy/rclonepool/core/pool"
	"github.com/pyropy/rclonepool/core/transport"
	"github.com/pyropy/rclonepool/lib/logger"
)

// Exit codes: 0 success, 1 generic failure, 2 misuse, 3 not found,
// 4 partial failure.
const (
	exitFailure  = 1
	exitMisuse   = 2
	exitNotFound = 3
	exitPartial  = 4
)

var log, _ = logger.New("rclonepool")

func main() {
	app := &cli.App{
		Name:  "rclonepool",
		Usage: "distribute files as chunks across multiple rclone remotes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file path",
			},
		},
		Commands: []*cli.Command{
			initCmd,
			uploadCmd,
			downloadCmd,
			lsCmd,
			deleteCmd,
			statusCmd,
			serveCmd,
			verifyCmd,
			repairCmd,
			orphansCmd,
			rebalanceCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	switch {
	case errors.Is(err, pool.ErrNotFound), errors.Is(err, manifest.ErrManifestNotFound):
		return exitNotFound
	case errors.Is(err, config.ErrConfigInvalid):
		return exitMisuse
	}
	return exitFailure
}

// newPool wires the component stack from the config file. The returned
// cleanup releases the manifest disk cache.
func newPool(c *cli.Context, seed bool) (*pool.Pool, func(), error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}

	rc, err := transport.NewRclone(cfg, log.Named("transport"))
	if err != nil {
		return nil, nil, err
	}
	tr := transport.NewRetrier(rc, cfg.MaxRetries,
		time.Duration(cfg.RetryDelay*float64(time.Second)), log.Named("retry"))

	store, err := manifest.NewStore(cfg, tr, log.Named("manifest"))
	if err != nil {
		return nil, nil, err
	}

	bal := balancer.New(cfg, tr, log.Named("balancer"))
	if seed {
		bal.Seed(c.Context)
	}

	p := pool.New(cfg, tr, store, bal, log.Named("pool"))
	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Warnw("closing manifest store", "err", err)
		}
	}
	return p, cleanup, nil
}

// signalContext cancels on SIGINT/SIGTERM for long-running commands.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
