package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sentinel/cmd/internal/notify"
	v1 "sentinel/shared/contracts/realtime/v1"
)

// AlertsOptions holds flags for the alerts command.
type AlertsOptions struct {
	*RootOptions
	OpenOnly bool
	Limit    int
	Timeout  time.Duration
}

// NewAlertsCommand creates the alerts command.
func NewAlertsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AlertsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent alerts",
		Long: `List the most recent alerts known to the platform, newest first.
Requests go through the authenticated gateway, so an expired access token is
refreshed transparently.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlerts(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.OpenOnly, "open", false, "only alerts that are not resolved")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum alerts to print (0 for all)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall timeout")

	return cmd
}

func runAlerts(cmd *cobra.Command, opts *AlertsOptions) error {
	out := opts.formatter(cmd)
	if opts.Limit < 0 {
		return out.Error(NewExitError(ExitCommandError, "--limit must be >= 0"))
	}

	a, err := opts.newApp(cmd)
	if err != nil {
		return out.Error(err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	alerts, err := a.RecentAlerts(ctx)
	if err != nil {
		return out.Error(commandError("list alerts failed", err))
	}
	alerts = filterAlerts(alerts, opts.OpenOnly, opts.Limit)

	return out.Success(alerts, formatAlerts(alerts))
}

func filterAlerts(alerts []v1.AlertEvent, openOnly bool, limit int) []v1.AlertEvent {
	kept := make([]v1.AlertEvent, 0, len(alerts))
	for _, a := range alerts {
		if openOnly && a.Status == v1.StatusResolved {
			continue
		}
		kept = append(kept, a)
		if limit > 0 && len(kept) == limit {
			break
		}
	}
	return kept
}

func formatAlerts(alerts []v1.AlertEvent) string {
	if len(alerts) == 0 {
		return "no alerts"
	}
	var b strings.Builder
	for i, a := range alerts {
		if i > 0 {
			b.WriteByte('\n')
		}
		n := notify.FromAlert(a)
		status := a.Status
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(&b, "%s  %-7s %-8s %-12s %s", a.CreatedAt.Local().Format("2006-01-02 15:04:05"), n.Urgency, a.Severity, status, n.Title)
	}
	return b.String()
}
