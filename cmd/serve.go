package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/devserve/internal/config"
	"github.com/conneroisu/devserve/internal/logging"
	"github.com/conneroisu/devserve/internal/network"
	"github.com/conneroisu/devserve/internal/server"
)

const defaultShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the development server with live reload",
	Long: `Start the development server. Every supported file under the root is built
once at startup and again whenever it or one of its dependencies changes;
connected browsers reload, refresh stylesheets or show the compile error.

Examples:
  devserve serve                                  # Serve the built output of ./
  devserve serve --root site --port 3001          # Watch ./site
  devserve serve --proxy http://localhost:3000    # Proxy an application server
  devserve serve --exclude 'drafts/**'            # Ignore a directory`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addServerFlags(serveCmd)
	addWatchFlags(serveCmd)
	addBuildFlags(serveCmd)
	addProxyFlags(serveCmd)
	if err := bindFlags(serveCmd.Flags(), viper.GetViper(), serveFlagKeys); err != nil {
		panic(err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	for _, w := range config.ValidateConfig(cfg).Warnings {
		logger.Info(context.Background(), "configuration warning", "field", w.Field, "message", w.Message)
	}

	state := network.NewState(logger)
	srv, err := server.New(cfg, state, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Proxy.Origin != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Starting devserve at http://%s (proxying %s)\n", cfg.Address(), cfg.Proxy.Origin)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Starting devserve at http://%s (serving %s)\n", cfg.Address(), cfg.OutputPath())
	}

	startErr := srv.Start(ctx)

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	if startErr != nil {
		return errors.Join(startErr, shutdownErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	return nil
}

func newLogger(cfg config.LogConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Format,
		Output: os.Stderr,
	}), nil
}
