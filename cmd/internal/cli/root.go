// Package cli implements the sentinel command line.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"sentinel/cmd/internal/app"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	APIURL    string
	StateFile string
	LogLevel  string
	LogFormat string
	Format    string // "text" | "json"
	NoColor   bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the sentinel CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "sentinel",
		Short:         "Sentinel - live alerts for the monitoring platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Sentinel signs in to the monitoring platform, keeps the session fresh
and turns pushed alerts into desktop-style notifications in the terminal.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.APIURL, "api-url", "", "platform API base url (overrides SENTINEL_API_URL)")
	cmd.PersistentFlags().StringVar(&opts.StateFile, "state-file", "", `session state file, or "memory" (overrides SENTINEL_STATE_FILE)`)
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug|info|warn|error")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format: json|text|pretty")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable ANSI colors")

	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewWhoamiCommand(opts))
	cmd.AddCommand(NewAlertsCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewDevServerCommand(opts))

	return cmd
}

// config loads SENTINEL_* variables and applies the flags set on cmd.
func (o *RootOptions) config(cmd *cobra.Command) (app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return app.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}

	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.APIURL = o.APIURL
	}
	if flags.Changed("state-file") {
		cfg.StateFile = o.StateFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.LogFormat
	}
	if flags.Changed("no-color") {
		cfg.NoColor = o.NoColor
	}
	cfg.NotifyFormat = o.Format

	cfg, err = cfg.Normalize()
	if err != nil {
		return app.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// newApp builds the client runtime for cmd. Logs go to stderr and
// notifications to stdout.
func (o *RootOptions) newApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.config(cmd)
	if err != nil {
		return nil, err
	}
	return o.newAppWith(cmd, cfg)
}

func (o *RootOptions) newAppWith(cmd *cobra.Command, cfg app.Config) (*app.App, error) {
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	slog.SetDefault(log)

	a, err := app.New(cfg, log, cmd.OutOrStdout())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "start client", err)
	}
	return a, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
