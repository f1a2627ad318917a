package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grenmap/grenmap-node/internal/config"
	"github.com/grenmap/grenmap-node/internal/pipeline"
)

// loadConfig reads the config file and env file named by the global flags
// and applies the --db override.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	return cfg, nil
}

// setupLogging installs a text slog handler on the command's stderr at the
// configured level, or Debug with --verbose.
func setupLogging(cmd *cobra.Command, opts *RootOptions, cfg *config.Config) *slog.Logger {
	logLevel, err := cfg.SlogLevel()
	if err != nil {
		logLevel = slog.LevelInfo
	}
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openPipeline loads the configuration, lets adjust change it, and opens
// the node database behind a Pipeline. The caller closes the Pipeline.
func openPipeline(ctx context.Context, cmd *cobra.Command, opts *RootOptions, adjust func(*config.Config)) (*pipeline.Pipeline, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}
	logger := setupLogging(cmd, opts, cfg)

	logger.Debug("opening database", "path", cfg.Database.Path, "lock", cfg.Lock.Backend)
	p, err := pipeline.Open(ctx, cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return p, nil
}

func closePipeline(p *pipeline.Pipeline) {
	if err := p.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM or when the
// command's own context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
