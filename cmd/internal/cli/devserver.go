package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sentinel/cmd/internal/app"
	"sentinel/cmd/internal/devserver"
)

// DevServerOptions holds flags for the devserver command.
type DevServerOptions struct {
	*RootOptions
	Addr         string
	EmitInterval time.Duration
	AccessTTL    time.Duration
}

// NewDevServerCommand creates the devserver command.
func NewDevServerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DevServerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local platform API with simulated alerts",
		Long: `Run an in-memory stand-in for the platform API: login, refresh with
rotation, logout, /api/me, recent alerts and the /ws push channel. Alerts are
simulated every --emit-interval and can be injected with POST /dev/alerts.

Settings are read from SENTINEL_DEV_* variables; flags override them.

Example:
  sentinel devserver --addr 127.0.0.1:8088 --access-ttl 30s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevServer(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides SENTINEL_DEV_ADDR)")
	cmd.Flags().DurationVar(&opts.EmitInterval, "emit-interval", 0, "simulated alert interval, 0 disables (overrides SENTINEL_DEV_EMIT_INTERVAL)")
	cmd.Flags().DurationVar(&opts.AccessTTL, "access-ttl", 0, "access token lifetime (overrides SENTINEL_DEV_ACCESS_TTL)")

	return cmd
}

func runDevServer(cmd *cobra.Command, opts *DevServerOptions) error {
	cfg, err := devserver.LoadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "load devserver config", err)
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = opts.Addr
	}
	if flags.Changed("emit-interval") {
		cfg.EmitInterval = opts.EmitInterval
	}
	if flags.Changed("access-ttl") {
		cfg.AccessTTL = opts.AccessTTL
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid devserver config", err)
	}

	clientCfg, err := opts.config(cmd)
	if err != nil {
		return err
	}
	log := app.NewLogger(clientCfg.LogLevel, clientCfg.LogFormat, cmd.ErrOrStderr()).With("component", "devserver")

	srv, err := devserver.New(log, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "start devserver", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "devserver failed", err)
	}
	return nil
}
