package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mendhq/mend/internal/reports"
	"github.com/mendhq/mend/internal/store"
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Inspect and manage incidents",
	Long: `List, inspect, retry, and resolve incidents.

An incident is one deduplicated error condition: repeated reports with
the same fingerprint fold into it. Incidents move from open through
analyzing to pr_created, and resolve when the fix PR merges or when you
resolve them by hand.`,
	Example: `  mend incidents list --status open
  mend incidents show 4f2a
  mend incidents retry 4f2a`,
}

var incidentsAppFlag string
var incidentsStatusFlag string

func init() {
	incidentsCmd.AddCommand(incidentsListCmd)
	incidentsCmd.AddCommand(incidentsShowCmd)
	incidentsCmd.AddCommand(incidentsRetryCmd)
	incidentsCmd.AddCommand(incidentsResolveCmd)
	incidentsCmd.AddCommand(incidentsDeleteCmd)

	incidentsListCmd.Flags().StringVar(&incidentsAppFlag, "app", "", "Filter by app name or id")
	incidentsListCmd.Flags().StringVar(&incidentsStatusFlag, "status", "", "Filter by status (open, analyzing, pr_created, resolved)")
}

// incidentDetail mirrors the daemon's GET /incidents/{id} response.
type incidentDetail struct {
	Incident *store.Incident `json:"incident"`
	Analysis *store.Analysis `json:"analysis,omitempty"`
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()

		var params []string
		if incidentsAppFlag != "" {
			app, err := resolveApp(c, incidentsAppFlag)
			if err != nil {
				return err
			}
			params = append(params, "app="+app.ID)
		}
		if incidentsStatusFlag != "" {
			params = append(params, "status="+incidentsStatusFlag)
		}
		path := "/incidents"
		if len(params) > 0 {
			path += "?" + strings.Join(params, "&")
		}

		var incidents []store.Incident
		if err := c.get(path, &incidents); err != nil {
			return err
		}
		if len(incidents) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No incidents.")
			return nil
		}

		appNames := map[string]string{}
		var apps []store.App
		if err := c.get("/apps", &apps); err == nil {
			for _, app := range apps {
				appNames[app.ID] = app.Name
			}
		}

		rows := make([][]string, 0, len(incidents))
		for _, inc := range incidents {
			rows = append(rows, []string{
				shortID(inc.ID), appNames[inc.AppID], string(inc.Status),
				fmt.Sprintf("%d", inc.Occurrences),
				inc.LastSeenAt.Local().Format("Jan 02 15:04"),
				truncate(inc.Message, 48),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"ID", "APP", "STATUS", "COUNT", "LAST SEEN", "MESSAGE"}, rows))
		return nil
	},
}

var incidentsShowCmd = &cobra.Command{
	Use:   "show <incident>",
	Short: "Show one incident with its latest analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		id, err := resolveIncident(c, args[0])
		if err != nil {
			return err
		}

		var detail incidentDetail
		if err := c.get("/incidents/"+id, &detail); err != nil {
			return err
		}
		inc := detail.Incident

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "incident %s\n", inc.ID)
		fmt.Fprintf(w, "  status:      %s\n", inc.Status)
		fmt.Fprintf(w, "  kind:        %s (%s)\n", inc.Kind, inc.Source)
		fmt.Fprintf(w, "  message:     %s\n", inc.Message)
		fmt.Fprintf(w, "  occurrences: %d, last seen %s\n", inc.Occurrences, inc.LastSeenAt.Local().Format("Jan 02 15:04:05"))
		if inc.LastErrorKind != "" {
			fmt.Fprintf(w, "  last run:    failed (%s): %s\n", inc.LastErrorKind, inc.LastErrorDetail)
		}
		if inc.ResolvedAt != nil {
			fmt.Fprintf(w, "  resolved:    %s\n", inc.ResolvedAt.Local().Format("Jan 02 15:04:05"))
		}

		if a := detail.Analysis; a != nil {
			fmt.Fprintln(w, "\nlatest analysis:")
			fmt.Fprintf(w, "  model:      %s\n", a.Model)
			if a.Inconclusive {
				fmt.Fprintln(w, "  verdict:    inconclusive")
			}
			if a.RootCause != "" {
				fmt.Fprintf(w, "  root cause: %s\n", a.RootCause)
			}
			if a.SuspectCommit != "" {
				fmt.Fprintf(w, "  suspect:    %s\n", shortID(a.SuspectCommit))
			}
			if a.PRURL != "" {
				fmt.Fprintf(w, "  fix PR:     %s\n", a.PRURL)
			}
		}

		var report reports.Report
		if err := c.get("/incidents/"+id+"/report", &report); err == nil && report.Body != "" {
			fmt.Fprintln(w, "\n"+strings.TrimSpace(report.Body))
		}
		return nil
	},
}

var incidentsRetryCmd = &cobra.Command{
	Use:   "retry <incident>",
	Short: "Queue a failed incident for another analysis run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		id, err := resolveIncident(c, args[0])
		if err != nil {
			return err
		}
		if err := c.post("/incidents/"+id+"/retry", nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "retry queued")
		return nil
	},
}

var incidentsResolveCmd = &cobra.Command{
	Use:   "resolve <incident>",
	Short: "Mark an incident resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		id, err := resolveIncident(c, args[0])
		if err != nil {
			return err
		}
		var inc store.Incident
		if err := c.post("/incidents/"+id+"/resolve", nil, &inc); err != nil {
			return err
		}
		c.triggerPoll()
		fmt.Fprintf(cmd.OutOrStdout(), "incident %s resolved\n", shortID(inc.ID))
		return nil
	},
}

var incidentsDeleteCmd = &cobra.Command{
	Use:   "delete <incident>",
	Short: "Delete an incident and its analyses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		id, err := resolveIncident(c, args[0])
		if err != nil {
			return err
		}
		if err := c.del("/incidents/" + id); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "incident deleted")
		return nil
	},
}

// resolveIncident expands an id prefix to the full incident id.
func resolveIncident(c *daemonClient, arg string) (string, error) {
	var incidents []store.Incident
	if err := c.get("/incidents", &incidents); err != nil {
		return "", err
	}
	var matches []string
	for _, inc := range incidents {
		if inc.ID == arg {
			return inc.ID, nil
		}
		if strings.HasPrefix(inc.ID, arg) {
			matches = append(matches, inc.ID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no incident matching %q", arg)
	default:
		return "", fmt.Errorf("%q matches %d incidents, use the full id", arg, len(matches))
	}
}
