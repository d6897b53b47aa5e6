package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/stsync/internal/app"
	"github.com/tildaslashalef/stsync/internal/commands"
)

// Version information - populated at build time
var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
	Author     = "unknown"
	Email      = "unknown"
)

func main() {
	cliApp := &cli.App{
		Name:  "stsync",
		Usage: "Mirror ServiceTitan reference data into a local database",
		Description: "stsync pulls technicians, teams, zones, job types and the pricebook from ServiceTitan " +
			"into SQLite or PostgreSQL.\n\n" +
			"Use 'stsync sync run' for one-off syncs and 'stsync serve' to run the scheduler and HTTP API.",
		Version: fmt.Sprintf("%s (%s)", Version, CommitHash),
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Authors: []*cli.Author{
			{
				Name:  Author,
				Email: Email,
			},
		},
		Before: func(c *cli.Context) error {
			switch c.Args().First() {
			case "", "init", "help", "h":
				// init writes the configuration the other commands load
				return nil
			case "migrate":
				if _, err := app.Init(); err != nil {
					return fmt.Errorf("failed to initialize application: %w", err)
				}
				return nil
			}

			application, err := app.New(c.Context)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			// Store the app instance in the context for later use
			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			if app, ok := c.App.Metadata["app"].(*app.App); ok {
				return app.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(),
			commands.MigrateCommand(),
			commands.SyncCommand(),
			commands.ServeCommand(Version),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
