package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/stsync/internal/api"
	"github.com/tildaslashalef/stsync/internal/app"
	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/utils"
)

// ServeCommand returns the CLI command running the scheduler and HTTP API
func ServeCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sync scheduler and the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides STSYNC_SERVER_ADDR)",
			},
			&cli.BoolFlag{
				Name:  "no-scheduler",
				Usage: "Serve the API without running scheduled syncs",
			},
		},
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if _, err := application.RecoverStaleRuns(ctx); err != nil {
				loggy.Warn("Failed to recover stale sync runs", "error", err)
			}

			if _, ok := application.Engine(); !ok {
				utils.PrintWarning("Sync engine not configured: sync routes will answer 503")
			} else if !c.Bool("no-scheduler") {
				if err := application.Scheduler.Start(ctx); err != nil {
					return fmt.Errorf("failed to start scheduler: %w", err)
				}
			}

			serverCfg := application.Config.Server
			if addr := c.String("addr"); addr != "" {
				serverCfg.Addr = addr
			}
			srv := api.NewServer(serverCfg, application.Handler(version))

			serverErr := make(chan error, 1)
			go func() {
				loggy.Info("HTTP server listening", "addr", serverCfg.Addr)
				serverErr <- srv.ListenAndServe()
			}()

			utils.PrintSuccess("stsync serving on " + serverCfg.Addr)

			select {
			case <-ctx.Done():
				loggy.Info("Shutdown signal received")
			case err := <-serverErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				loggy.Error("HTTP server shutdown failed", "error", err)
			}
			return nil
		},
	}
}
