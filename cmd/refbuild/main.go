package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"refbuild/internal/cli"
	"refbuild/internal/config"
	"refbuild/internal/logging"
	"refbuild/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log, sink, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	defer sink.Close()

	store, err := storage.New(config.Resolve(cfg.Paths.DatabasePath, ""))
	if err != nil {
		log.Error("failed to open database", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(ctx, cfg, log, store, sink)
	defer root.Close()

	if err := cli.Execute(ctx, root, os.Args[1:]); err != nil {
		log.Error("command failed", "error", err)
		return 1
	}
	return 0
}
