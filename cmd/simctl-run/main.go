package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/simctl/internal/core/domain"
	"github.com/yndnr/simctl/internal/infra/buildinfo"
	"github.com/yndnr/simctl/internal/infra/confloader"
	"github.com/yndnr/simctl/internal/infra/shutdown"
	"github.com/yndnr/simctl/internal/runner"
	"github.com/yndnr/simctl/internal/runner/config"
	"github.com/yndnr/simctl/internal/telemetry/logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "simctl-run",
		Usage:   "Run a lock-step simulation",
		Version: buildinfo.String(),
		Flags:   runFlags(),
		Action:  run,
	}
}

func run(c *cli.Context) error {
	cfg, loader, err := loadConfig(c)
	if err != nil {
		return err
	}

	log, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	log.Info("starting simctl-run",
		"version", buildinfo.Version,
		"commit", buildinfo.Get().Commit,
		"config", loader.FilePath())
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	shutdownHandler := shutdown.NewHandler(30 * time.Second)
	ctx, stop := shutdownHandler.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	r := runner.New(cfg,
		runner.WithLoader(loader),
		runner.WithLogger(log),
		runner.WithShutdown(shutdownHandler),
		runner.WithSignals(true))

	if err := r.Run(ctx); err != nil {
		if class := domain.Class(err); class != domain.ClassNone {
			log.Error("run aborted", "class", string(class), "code", domain.GetErrorCode(err))
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("interrupted: %w", err)
		}
		return err
	}

	log.Info("run completed", "run_id", r.RunID())
	return nil
}

// loadConfig loads configuration from defaults, file, environment and
// flags.
func loadConfig(c *cli.Context) (*config.Config, *confloader.Loader, error) {
	cfg := config.Default()

	opts := []confloader.Option{
		confloader.WithDefaults(config.Defaults()),
		confloader.WithFlags(flagOverrides(c)),
	}
	if path := c.String("config"); path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}

	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if err := config.Verify(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}

// initLogger initializes the structured logger and installs it as the
// default.
func initLogger(cfg *config.Config) (logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	logger.SetDefault(log)
	return log, nil
}
