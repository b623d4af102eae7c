package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/zeusync/decksync/internal/config"
	"github.com/zeusync/decksync/internal/injector"
)

const Version = "0.1.0"

const usage = `Decksync command-line client.

Keeps a local cache of your documents in sync with the record service. Without
a service token every command works on the local-only scratchpad.

Usage:
    decksync list [--sort=<sort>] [--config=<path>]
    decksync create <name> [--config=<path>]
    decksync rename <id> <name> [--config=<path>]
    decksync delete <id> [--config=<path>]
    decksync select <id> [--config=<path>]
    decksync import <export_id> [--config=<path>]
    decksync slides <id> [--config=<path>]
    decksync add-slide <id> <title> [--config=<path>]
    decksync add-image <id> <slide_id> <file> [--config=<path>]
    decksync watch [--config=<path>]
    decksync -h | --help
    decksync --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML configuration file. DECKSYNC_* variables override it.
    --sort=<sort>      Order by name, lastViewed or created. Remembered for later runs.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "decksync:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts docopt.Opts) error {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	app, cleanup, err := injector.InitializeApp(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() {
		if err := app.Close(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintln(os.Stderr, "decksync: closing:", err)
		}
	}()

	cmd := &commands{app: app, out: os.Stdout}
	return cmd.dispatch(ctx, opts)
}
