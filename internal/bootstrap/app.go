// Package bootstrap wires configuration, logging and component lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"mockexchange/internal/config"
	"mockexchange/internal/core"
	"mockexchange/pkg/logging"
)

// App holds the core dependencies shared by every component.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
}

// NewApp creates a new App instance by bootstrapping all dependencies.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	return &App{
		Cfg:    cfg,
		Logger: logger,
	}, nil
}

// Runner is a component with a blocking Run loop that exits on ctx cancel.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Run starts every runner in an error group and blocks until all of them
// return or a termination signal arrives. The first runner error cancels the
// shared context, which stops the rest.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "components", len(runners))
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", r.Name(), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}
