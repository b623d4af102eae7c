package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/zeusync/decksync/internal/config"
	"github.com/zeusync/decksync/internal/core/auth"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/server"
)

const usage = `Decksync development record service.

Keeps records and uploaded assets in memory and pushes every change to
realtime subscribers of the same account.

Usage:
    decksync-server [--listen=<addr>] [--config=<path>]
    decksync-server token <account> [--ttl=<ttl>] [--config=<path>]
    decksync-server -h | --help

Options:
    -h --help          Show this screen.
    --listen=<addr>    Listen address, overrides server.listen_addr.
    --config=<path>    YAML configuration file.
    --ttl=<ttl>        Token lifetime with units: m, h. Defaults to server.token_ttl.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		panic(err)
	}
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	if token, _ := opts.Bool("token"); token {
		account, _ := opts.String("<account>")
		if err := issueToken(cfg, account, opts); err != nil {
			fmt.Println("Error issuing token:", err)
			os.Exit(1)
		}
		return
	}

	logger := log.New(log.ParseLevel(cfg.Log.Level))
	serverConfig := server.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	if listen, _ := opts.String("--listen"); listen != "" {
		serverConfig.ListenAddr = listen
	}
	serverConfig.Secret = []byte(cfg.Server.Secret)

	srv, err := server.NewServer(serverConfig, server.WithLogger(logger))
	if err != nil {
		fmt.Println("Error creating server:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)

	if err := srv.Start(ctx); err != nil {
		fmt.Println("Error starting server:", err)
		os.Exit(1)
	}

	<-stopCh
	cancel()
	if err := srv.Close(); err != nil {
		fmt.Println("Error stopping server:", err)
	}
	_ = logger.Sync()
}

func issueToken(cfg *config.Config, account string, opts docopt.Opts) error {
	ttl := cfg.Server.TokenTTL
	if raw, _ := opts.String("--ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		ttl = parsed
	}
	token, err := auth.IssueToken([]byte(cfg.Server.Secret), account, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
