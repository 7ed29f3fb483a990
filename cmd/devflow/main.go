// Command devflow runs the DevFlow Pro server and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/logger"
	"github.com/pandeptwidyaop/devflow/internal/upgrade"
	"github.com/pandeptwidyaop/devflow/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "devflow",
	Short:        "Server and deployment management",
	SilenceUsage: true,
	// serve is the default action
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
		check, _ := cmd.Flags().GetBool("check")
		if !check {
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		release, err := upgrade.NewChecker().Latest(ctx)
		if err != nil {
			return err
		}
		if upgrade.NeedsUpgrade(version.Version, release.TagName) {
			fmt.Fprintf(cmd.OutOrStdout(), "Update available: %s %s\n", release.TagName, release.HTMLURL)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Up to date")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadConfig()
		db, err := database.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()

		pending, err := db.PendingMigrations()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to migrate")
			return nil
		}
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		for _, name := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated: %s\n", name)
		}
		log.Info().Int("count", len(pending)).Msg("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	versionCmd.Flags().Bool("check", false, "check GitHub for a newer release")

	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd, backupCmd, serviceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when the file cannot be read.
func loadConfig() (*config.Config, zerolog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg, _ = config.Load("")
		log := logger.New(cfg.Logging)
		log.Warn().Err(err).Str("path", configPath).Msg("could not load config, using defaults")
		return cfg, log
	}
	return cfg, logger.New(cfg.Logging)
}

func openDB(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
