package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sarus-health/mailqueue/internal/app"
	"github.com/sarus-health/mailqueue/internal/config"
	"github.com/sarus-health/mailqueue/internal/version"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "mailqueue",
		Short:        "Durable email delivery queue with retry",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		serveCmd(&configPath),
		processCmd(&configPath),
		listCmd(&configPath),
		statsCmd(&configPath),
		removeCmd(&configPath),
		enqueueCmd(&configPath),
		tokenCmd(&configPath),
		migrateCmd(&configPath),
		versionCmd(),
	)
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			slog.SetDefault(app.NewLogger(cfg.Log, os.Stdout))

			application, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("create app: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- application.Run()
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sig)

			select {
			case err := <-errCh:
				return err
			case s := <-sig:
				slog.Info("shutting down", "signal", s.String())
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := application.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			slog.Info("server stopped")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "mailqueue", version.String())
		},
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
