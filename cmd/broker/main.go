package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"subuser_broker/internal/config"
	"subuser_broker/internal/httpapi"
	"subuser_broker/internal/storage"
	"subuser_broker/internal/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "broker",
		Short:        "Issues API keys and manages per-server subuser permissions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.{json,yaml} or /etc/broker)")

	root.AddCommand(newServeCmd(&configFile), newMigrateCmd(&configFile), newKeygenCmd())
	return root
}

func newServeCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, *configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("port", "", "listen port")
	flags.String("db-driver", "", "database driver (postgres or sqlite)")
	flags.String("database-url", "", "database DSN or sqlite file path")
	flags.String("redis", "", "Redis address; empty disables rate limiting")
	flags.String("upstream", "", "upstream platform base URL")
	flags.String("log-level", "", "debug, info, warn or error")
	return cmd
}

func newMigrateCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, *configFile)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("db-driver", "", "database driver (postgres or sqlite)")
	cmd.Flags().String("database-url", "", "database DSN or sqlite file path")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 key for database.encryption_key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storage.GenerateKey(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}

	cmd.Flags().IntVar(&size, "size", 32, "key size in bytes (16, 24 or 32)")
	return cmd
}

func migrate(ctx context.Context, cfg *config.Config) error {
	logger := utils.NewLogger("broker", utils.ParseLogLevel(cfg.Log.Level))

	db, err := storage.NewDB(ctx, storage.DBConfig{
		Driver:      cfg.Database.Driver,
		DSN:         cfg.Database.URL,
		AutoMigrate: true,
	})
	if err != nil {
		return err
	}
	logger.Info("Migrations applied", "driver", db.Driver())
	return db.Close()
}

// serve runs the HTTP server until ctx is done, then drains in-flight
// requests within the configured shutdown timeout.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := utils.NewLogger("broker", utils.ParseLogLevel(cfg.Log.Level))

	// Startup must not be cut short by the shutdown signal context.
	handler, deps, err := httpapi.NewRouter(context.WithoutCancel(ctx), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("Failed to release resources", "error", err)
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Broker listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
	return nil
}
