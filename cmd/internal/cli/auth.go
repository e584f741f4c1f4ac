package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sentinel/cmd/internal/auth/session"
)

// PasswordEnv is read when neither --password nor --password-stdin is given.
const PasswordEnv = "SENTINEL_PASSWORD"

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	Username      string
	Password      string
	PasswordStdin bool
	Timeout       time.Duration
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Sign in to the platform API. The access token, profile and refresh
cookie are kept in the state file so later commands reuse the session.

Example:
  sentinel login -u admin --password-stdin < pass.txt
  SENTINEL_PASSWORD=admin sentinel login -u admin`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Username, "username", "u", "", "username (required)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (prefer --password-stdin or "+PasswordEnv+")")
	cmd.Flags().BoolVar(&opts.PasswordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall timeout")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func runLogin(cmd *cobra.Command, opts *LoginOptions) error {
	out := opts.formatter(cmd)

	password, err := opts.password(cmd)
	if err != nil {
		return out.Error(err)
	}

	a, err := opts.newApp(cmd)
	if err != nil {
		return out.Error(err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	profile, err := a.Login(ctx, strings.TrimSpace(opts.Username), password)
	if err != nil {
		return out.Error(commandError("login failed", err))
	}
	return out.Success(profile, fmt.Sprintf("logged in as %s (%s)", profile.Username, profile.Role))
}

func (o *LoginOptions) password(cmd *cobra.Command) (string, error) {
	switch {
	case o.PasswordStdin:
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", WrapExitError(ExitCommandError, "read password from stdin", err)
		}
		return line, nil
	case o.Password != "":
		return o.Password, nil
	case os.Getenv(PasswordEnv) != "":
		return os.Getenv(PasswordEnv), nil
	default:
		return "", NewExitError(ExitCommandError, "password required: use --password-stdin, --password or "+PasswordEnv)
	}
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:           "logout",
		Short:         "Revoke the session and clear stored credentials",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			a, err := rootOpts.newApp(cmd)
			if err != nil {
				return out.Error(err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			username := a.Session().Snapshot().Profile.Username
			if err := a.Logout(ctx); err != nil {
				return out.Error(commandError("logout failed", err))
			}
			return out.Success(map[string]string{"username": username}, "logged out")
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "time allowed for server-side revocation")

	return cmd
}

// NewWhoamiCommand creates the whoami command.
func NewWhoamiCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:           "whoami",
		Short:         "Confirm the session and print the current profile",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			a, err := rootOpts.newApp(cmd)
			if err != nil {
				return out.Error(err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			profile, err := a.Whoami(ctx)
			if err != nil {
				return out.Error(commandError("whoami failed", err))
			}
			return out.Success(profile, describeProfile(profile))
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")

	return cmd
}

func describeProfile(p session.Profile) string {
	flags := []string{}
	if session.IsAdmin(p.Role) {
		flags = append(flags, "admin")
	}
	if session.IsSuperAdmin(p.Role) {
		flags = append(flags, "superadmin")
	}
	line := fmt.Sprintf("%s (id %d, role %s)", p.Username, p.ID, p.Role)
	if len(flags) > 0 {
		line += " [" + strings.Join(flags, ",") + "]"
	}
	return line
}
