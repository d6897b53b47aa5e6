package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/database"
	"github.com/tildaslashalef/stsync/internal/utils"
)

// MigrateCommand returns the CLI command for database migrations
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage database migrations",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					store, err := openStore(c.Context)
					if err != nil {
						return err
					}
					defer store.Close()

					utils.PrintInfo("Applying embedded migrations")

					applied, err := store.Migrate()
					if err != nil {
						utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
						return fmt.Errorf("failed to apply migrations: %w", err)
					}

					if applied > 0 {
						utils.PrintSuccess(fmt.Sprintf("Applied %d migration(s) successfully!", applied))
					} else {
						utils.PrintSuccess("Database schema is already up-to-date")
					}
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Revert the last migration",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to revert",
						Value: 1,
					},
				},
				Action: func(c *cli.Context) error {
					steps := c.Int("steps")
					if steps < 1 {
						return fmt.Errorf("steps must be at least 1")
					}

					store, err := openStore(c.Context)
					if err != nil {
						return err
					}
					defer store.Close()

					utils.PrintWarning(fmt.Sprintf("Reverting %d embedded migration(s)", steps))

					if err := store.Revert(steps); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to revert migrations: %s", err))
						return fmt.Errorf("failed to revert migrations: %w", err)
					}

					utils.PrintSuccess("Migration(s) reverted successfully!")
					return nil
				},
			},
		},
	}
}

// openStore opens the configured database without wiring the rest of the app
func openStore(ctx context.Context) (*database.Store, error) {
	cfg, err := config.Get()
	if err != nil {
		return nil, err
	}

	store, err := database.Open(ctx, cfg.Database)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to open database: %s", err))
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}
