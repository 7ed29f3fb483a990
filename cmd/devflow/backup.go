package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup maintenance",
}

var backupRunCmd = &cobra.Command{
	Use:   "run <schedule-id>",
	Short: "Run a backup schedule now and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid schedule id %q", args[0])
		}

		cfg, log := loadConfig()
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		a, err := newApp(cfg, db, log)
		if err != nil {
			return err
		}
		b, err := a.svc.Schedules.RunSync(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backup #%d %s: %s (%s)\n", b.ID, b.Status, b.StoragePath, humanize.Bytes(uint64(max(b.SizeBytes, 0))))
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupRunCmd)
}
