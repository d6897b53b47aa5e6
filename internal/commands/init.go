package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/database"
	"github.com/tildaslashalef/stsync/internal/utils"
)

// InitCommand returns the CLI command for initializing stsync
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the stsync environment",
		Description: "Writes a sample .env into the configuration directory and applies " +
			"the database schema. Run it once before the first sync, and again after " +
			"upgrading to pick up new migrations.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Configuration directory (default: ~/.stsync)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing .env, keeping a dated backup",
			},
		},
		Action: func(c *cli.Context) error {
			utils.PrintHeading("Initializing stsync")

			configDir := c.String("dir")
			if configDir == "" {
				homeDir, err := os.UserHomeDir()
				if err != nil {
					utils.PrintError(fmt.Sprintf("Failed to get user home directory: %s", err))
					return fmt.Errorf("failed to get user home directory: %w", err)
				}
				configDir = filepath.Join(homeDir, ".stsync")
			}
			utils.PrintInfo("Configuration directory: " + utils.Path(configDir))

			configFilePath, err := config.WriteSampleEnv(configDir, c.Bool("force"))
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to write configuration file: %s", err))
				return fmt.Errorf("failed to write configuration file: %w", err)
			}

			cfg, err := config.LoadFromEnv(configDir, configFilePath)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to load configuration: %s", err))
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			utils.PrintInfo("Initializing database...")
			store, err := database.Open(c.Context, cfg.Database)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to initialize database: %s", err))
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer store.Close()

			utils.PrintInfo("Applying database migrations...")
			applied, err := store.Migrate()
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
				return fmt.Errorf("failed to apply migrations: %w", err)
			}

			utils.PrintSuccess("stsync initialized successfully!")
			if applied > 0 {
				utils.PrintSuccess(fmt.Sprintf("Applied %d new migration(s)", applied))
			} else {
				utils.PrintInfo("Database schema is already up-to-date")
			}

			utils.PrintInfo("Configuration file: " + utils.Path(configFilePath))
			if cfg.Database.Driver == config.DriverSQLite {
				utils.PrintInfo("Database location: " + utils.Path(cfg.Database.Path))
			}
			if !cfg.ServiceTitan.Configured() {
				utils.PrintWarning("ServiceTitan credentials are empty: fill in STSYNC_ST_* in " + utils.Path(configFilePath))
			}
			fmt.Fprintln(utils.Output)
			utils.PrintInfo("Run " + utils.Command("stsync sync run --full") + " for the first import, or " +
				utils.Command("stsync serve") + " to start the scheduler and API.")

			return nil
		},
	}
}
