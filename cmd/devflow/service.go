package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pandeptwidyaop/devflow/internal/service"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the devflow systemd unit",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install, enable and start the systemd unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _ := loadConfig()
		unit := service.DefaultConfig()

		if cmd.Flags().Changed("config") {
			abs, err := filepath.Abs(configPath)
			if err != nil {
				return err
			}
			unit.ConfigPath = abs
			unit.WorkingDir = filepath.Dir(abs)
		}
		if user, _ := cmd.Flags().GetString("user"); user != "" {
			unit.User = user
		}
		for _, p := range []string{filepath.Dir(cfg.Database.Path), cfg.Backup.LocalPath} {
			if abs, err := filepath.Abs(p); err == nil && abs != unit.WorkingDir {
				unit.DataDirs = append(unit.DataDirs, abs)
			}
		}

		if err := service.NewManager().Install(unit); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %s.service (config %s)\n", service.UnitName, unit.ConfigPath)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the systemd unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := service.NewManager().Uninstall(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.service\n", service.UnitName)
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the systemd unit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := service.NewManager().Status()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Installed: %t\n", st.Installed)
		fmt.Fprintf(out, "Enabled:   %t\n", st.Enabled)
		fmt.Fprintf(out, "Running:   %t (%s/%s)\n", st.Running, st.ActiveState, st.SubState)
		if service.UnderSystemd() {
			fmt.Fprintln(out, "This process was started by systemd")
		}
		return nil
	},
}

func init() {
	serviceInstallCmd.Flags().String("user", "", "system user the unit runs as (default root)")
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStatusCmd)
}
