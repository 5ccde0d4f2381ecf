package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	audioimpl "github.com/foxseedlab/fieldsync/external/audio"
	backendimpl "github.com/foxseedlab/fieldsync/external/backend"
	configloader "github.com/foxseedlab/fieldsync/external/config"
	connectivityimpl "github.com/foxseedlab/fieldsync/external/connectivity"
	"github.com/foxseedlab/fieldsync/external/localapi"
	"github.com/foxseedlab/fieldsync/external/logging"
	repositoryimpl "github.com/foxseedlab/fieldsync/external/repository"
	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/foxseedlab/fieldsync/internal/interview"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/foxseedlab/fieldsync/internal/syncer"
	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"
)

const audioCleanupTimeout = 10 * time.Second

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	closeLog := initLogger(cfg)
	defer closeLog()
	slog.Info("startup: configuration loaded", "env", cfg.Env, "device_id", cfg.DeviceID, "store_driver", cfg.StoreDriver)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: starting agent")
	if err := runAgent(injector); err != nil {
		slog.Error("agent stopped with error", "error", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) func() {
	logger, closer := logging.New(cfg)
	slog.SetDefault(logger)
	return func() {
		if err := closer.Close(); err != nil {
			slog.Error("log file close failed", "error", err)
		}
	}
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	backendimpl.RegisterDI(injector)
	connectivityimpl.RegisterDI(injector)
	syncer.RegisterDI(injector)
	interview.RegisterDI(injector)
	localapi.RegisterDI(injector)

	return injector
}

func runAgent(injector do.Injector) error {
	repo, err := do.Invoke[repository.Repository](injector)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("record store close failed", "error", err)
		}
	}()

	controller, err := do.Invoke[*audio.Controller](injector)
	if err != nil {
		return err
	}
	cleanupCtx, cancel := context.WithTimeout(context.Background(), audioCleanupTimeout)
	if err := controller.Cleanup(cleanupCtx); err != nil {
		slog.Warn("stale recording cleanup failed", "error", err)
	}
	cancel()

	engine, err := do.Invoke[*syncer.Engine](injector)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg := do.MustInvoke[*config.Config](injector); cfg.LocalAPIAddr != "" {
		server, err := do.Invoke[*localapi.Server](injector)
		if err != nil {
			return err
		}
		g.Go(func() error { return server.Run(gctx) })
	} else {
		slog.Warn("LOCAL_API_ADDR is empty; interviews can only be driven by an embedding program")
	}
	g.Go(func() error {
		slog.Info("startup: entering sync loop")
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	runErr := g.Wait()
	slog.Info("shutting down")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), audioCleanupTimeout)
	defer cancelStop()
	if controller.State() == audio.StateRecording || controller.State() == audio.StatePaused {
		if res, err := controller.Stop(stopCtx); err != nil {
			slog.Warn("recording stop on shutdown failed", "error", err, "uri", res.URI)
		}
	}
	return runErr
}
