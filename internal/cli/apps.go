package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mendhq/mend/internal/ingest"
	"github.com/mendhq/mend/internal/store"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage connected applications",
	Long: `Connect, inspect, and disconnect monitored applications.

Connecting an app registers its GitHub repository and opens a setup PR
that adds the error-reporting snippet. Once the PR is merged and the app
is deployed, its runtime errors flow into mend as incidents.`,
	Example: `  mend apps connect shop
  mend apps list
  mend apps logs shop --channel deploy`,
}

var logChannelFlag string
var logLimitFlag int

func init() {
	appsCmd.AddCommand(appsConnectCmd)
	appsCmd.AddCommand(appsListCmd)
	appsCmd.AddCommand(appsShowCmd)
	appsCmd.AddCommand(appsDisconnectCmd)
	appsCmd.AddCommand(appsLogsCmd)

	appsLogsCmd.Flags().StringVar(&logChannelFlag, "channel", "", "Filter by channel (pipeline, deploy)")
	appsLogsCmd.Flags().IntVar(&logLimitFlag, "limit", 100, "Maximum entries to show")
}

var appsConnectCmd = &cobra.Command{
	Use:   "connect [name]",
	Short: "Connect an application",
	Long: `Register an application for remediation.

Launches an interactive form for the app name, GitHub repository, and
default branch. The daemon answers with the app's webhook key and opens
a setup PR against the repository in the background.`,
	Example: `  mend apps connect
  mend apps connect shop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var name, repo string
		branch := "main"
		if len(args) > 0 {
			name = args[0]
		}

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("App name").
					Value(&name).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("name is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("GitHub repository (owner/name)").
					Value(&repo).
					Validate(func(s string) error {
						owner, repoName, ok := strings.Cut(s, "/")
						if !ok || owner == "" || repoName == "" {
							return fmt.Errorf("use the owner/name form")
						}
						return nil
					}),
				huh.NewInput().
					Title("Default branch").
					Value(&branch),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("form cancelled: %w", err)
		}

		c := newDaemonClient()
		var app store.App
		if err := c.post("/apps", map[string]string{
			"name":           name,
			"repo":           repo,
			"default_branch": branch,
		}, &app); err != nil {
			return err
		}
		c.triggerPoll()

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Connected %q (%s).\n\n", app.Name, app.Repo())
		fmt.Fprintf(w, "  webhook key: %s\n\n", app.WebhookKey)
		fmt.Fprintln(w, "The key authenticates the app's error reports and is shown only once.")
		fmt.Fprintf(w, "A setup PR with the reporting snippet is being opened; track it with 'mend apps show %s'.\n", app.Name)
		return nil
	},
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		var apps []store.App
		if err := newDaemonClient().get("/apps", &apps); err != nil {
			return err
		}
		if len(apps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No apps connected.")
			return nil
		}

		rows := make([][]string, 0, len(apps))
		for _, app := range apps {
			rows = append(rows, []string{app.Name, app.Repo(), string(app.Stage), app.LiveURL})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"NAME", "REPOSITORY", "STAGE", "LIVE URL"}, rows))
		return nil
	},
}

var appsShowCmd = &cobra.Command{
	Use:   "show <app>",
	Short: "Show one application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		app, err := resolveApp(c, args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s (%s)\n", app.Name, app.ID)
		fmt.Fprintf(w, "  repository: %s (branch %s)\n", app.Repo(), app.DefaultBranch)
		fmt.Fprintf(w, "  stage:      %s\n", app.Stage)
		if app.SetupPRURL != "" {
			fmt.Fprintf(w, "  setup PR:   %s\n", app.SetupPRURL)
		}
		if app.LiveURL != "" {
			fmt.Fprintf(w, "  live at:    %s\n", app.LiveURL)
		}

		var incidents []store.Incident
		if err := c.get("/apps/"+app.ID+"/incidents", &incidents); err != nil {
			return err
		}
		if len(incidents) == 0 {
			fmt.Fprintln(w, "\nNo incidents.")
			return nil
		}

		rows := make([][]string, 0, len(incidents))
		for _, inc := range incidents {
			rows = append(rows, []string{
				shortID(inc.ID), string(inc.Status), fmt.Sprintf("%d", inc.Occurrences),
				inc.LastSeenAt.Local().Format("Jan 02 15:04"), truncate(inc.Message, 48),
			})
		}
		fmt.Fprintln(w, renderTable([]string{"ID", "STATUS", "COUNT", "LAST SEEN", "MESSAGE"}, rows))
		return nil
	},
}

var appsDisconnectCmd = &cobra.Command{
	Use:   "disconnect <app>",
	Short: "Disconnect an application",
	Long: `Disconnect an application and discard its incidents and logs.

The repository itself is untouched; only mend's records are removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		app, err := resolveApp(c, args[0])
		if err != nil {
			return err
		}
		if err := c.del("/apps/" + app.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Disconnected %q. Incidents and logs removed.\n", app.Name)
		return nil
	},
}

var appsLogsCmd = &cobra.Command{
	Use:   "logs <app>",
	Short: "Show an application's activity feed",
	Example: `  mend apps logs shop
  mend apps logs shop --channel deploy --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		app, err := resolveApp(c, args[0])
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/apps/%s/logs?limit=%d", app.ID, logLimitFlag)
		if logChannelFlag != "" {
			path += "&channel=" + logChannelFlag
		}
		var entries []ingest.LogEntry
		if err := c.get(path, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No activity.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n",
				e.Time.Local().Format("Jan 02 15:04:05"), e.Channel, e.Line)
		}
		return nil
	},
}

// resolveApp matches arg against app ids and names, so commands accept
// either.
func resolveApp(c *daemonClient, arg string) (*store.App, error) {
	var apps []store.App
	if err := c.get("/apps", &apps); err != nil {
		return nil, err
	}
	var prefix []*store.App
	for i := range apps {
		app := &apps[i]
		if app.ID == arg || app.Name == arg {
			return app, nil
		}
		if strings.HasPrefix(app.ID, arg) {
			prefix = append(prefix, app)
		}
	}
	switch len(prefix) {
	case 1:
		return prefix[0], nil
	case 0:
		return nil, fmt.Errorf("no app matching %q", arg)
	default:
		return nil, fmt.Errorf("%q matches %d apps, use the full id", arg, len(prefix))
	}
}

func renderTable(headers []string, rows [][]string) *table.Table {
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
