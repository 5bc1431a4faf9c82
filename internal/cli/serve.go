package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mendhq/mend/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Manage the mend daemon",
	Long:  `Start, stop, and manage the mend background daemon.`,
}

var foregroundFlag bool
var portFlag int

func init() {
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	serveCmd.AddCommand(serveInstallCmd)

	serveStartCmd.Flags().BoolVar(&foregroundFlag, "foreground", false, "Run in foreground (don't daemonize)")
	serveStartCmd.Flags().IntVar(&portFlag, "port", 0, "Server port (default from config or 4170)")
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mend daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if portFlag > 0 {
			appConfig.Server.Port = portFlag
		}
		return server.StartDaemon(appConfig, foregroundFlag)
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the mend daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := server.StopDaemon(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
		return nil
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon process status",
	RunE: func(cmd *cobra.Command, args []string) error {
		running, pid, uptime, err := server.DaemonStatus()
		if err != nil {
			return err
		}

		if running {
			fmt.Fprintf(cmd.OutOrStdout(), "daemon is running (PID %d, uptime %s)\n", pid, uptime.Round(time.Second))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
		}
		return nil
	},
}

var serveInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install as systemd user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.InstallSystemdService()
	},
}
