package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mendhq/mend/internal/server"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and incident summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()

		running, pid, uptime, err := server.DaemonStatus()
		if err != nil {
			return err
		}
		if !running {
			fmt.Fprintln(w, "daemon is not running")
			return nil
		}
		fmt.Fprintf(w, "daemon is running (PID %d, uptime %s)\n", pid, uptime.Round(time.Second))

		var st server.StatusResponse
		if err := newDaemonClient().get("/status", &st); err != nil {
			return err
		}

		fmt.Fprintf(w, "endpoint: %s\n", st.Endpoint)
		fmt.Fprintf(w, "apps: %d\n", st.Apps)
		if len(st.Incidents) > 0 {
			fmt.Fprintln(w, "incidents:")
			for _, status := range []string{"open", "analyzing", "pr_created", "resolved"} {
				if n := st.Incidents[status]; n > 0 {
					fmt.Fprintf(w, "  %-10s %d\n", status, n)
				}
			}
		}

		busy := make([]string, 0, len(st.Queues))
		for name, depth := range st.Queues {
			if depth > 0 {
				busy = append(busy, fmt.Sprintf("  %-10s %d", name, depth))
			}
		}
		if len(busy) > 0 {
			sort.Strings(busy)
			fmt.Fprintln(w, "queued work:")
			for _, line := range busy {
				fmt.Fprintln(w, line)
			}
		}
		return nil
	},
}
