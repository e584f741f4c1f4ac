package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	MetricsAddr       string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live alerts as notifications",
		Long: `Open the push channel for the stored session and print every new alert
as a notification. Critical alerts are shown as errors for 10s, warnings for 5s
and everything else as info for 5s.

watch exits 0 on SIGINT/SIGTERM or when the session is logged out elsewhere in
this process, and 1 when the session is terminated by a failed refresh.

Example:
  sentinel watch
  sentinel watch --format json --metrics-addr 127.0.0.1:9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	cmd.Flags().IntVar(&opts.ReconnectAttempts, "reconnect-attempts", 0, "reconnect attempts after an unexpected close (overrides SENTINEL_RECONNECT_ATTEMPTS)")
	cmd.Flags().DurationVar(&opts.ReconnectDelay, "reconnect-delay", 0, "delay between reconnect attempts (overrides SENTINEL_RECONNECT_DELAY)")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	out := opts.formatter(cmd)

	cfg, err := opts.config(cmd)
	if err != nil {
		return out.Error(err)
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if cmd.Flags().Changed("reconnect-attempts") {
		cfg.ReconnectAttempts = opts.ReconnectAttempts
	}
	if cmd.Flags().Changed("reconnect-delay") {
		cfg.ReconnectDelay = opts.ReconnectDelay
	}

	a, err := opts.newAppWith(cmd, cfg)
	if err != nil {
		return out.Error(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Watch(ctx); err != nil && !errors.Is(err, ctx.Err()) {
		return out.Error(commandError("watch ended", err))
	}
	return nil
}
