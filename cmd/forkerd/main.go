// Command forkerd is the ForkerGo replication service: it wires the engine's
// capability dependencies (spec §9) to their production implementations and
// runs the core pipeline until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/engine"
	"github.com/forkerdotnet/forkergo/internal/platform"
	"github.com/forkerdotnet/forkergo/internal/storage/jobstore"
)

func main() {
	configPath := os.Getenv("FORKER_CONFIG")

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(cfg.Logging.Level)

	common.PrintBanner(cfg, logger)

	clock := platform.NewSystemClock()
	fs := platform.NewOSFilesystem()
	hasher := platform.NewSHA256Hasher()
	events := platform.NewPollingEventSource(cfg.Engine.SourceDir, cfg.Engine.DirScanInterval(), fs, logger)

	store, err := jobstore.Open(cfg.Engine.StorePath, clock, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	e := engine.New(cfg.Engine, logger, engine.Dependencies{
		Clock: clock, Fs: fs, Hasher: hasher, Events: events, Store: store,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("engine failed to start")
	}

	<-ctx.Done()

	common.PrintShutdownBanner(logger)
	e.Stop()
	logger.Info().Msg("forkerd stopped")
}
