package cli

import (
	"github.com/spf13/cobra"
)

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Issue a deploy token and log in to the registry",
		Long: `Issues a short-lived deploy token for the Fly app, stores it in the state file
and logs the image builder in to the Fly registry. A stored token is reused.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}
			return p.Login(cmd.Context())
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the local token and revoke all deploy tokens",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}
			return p.Logout(cmd.Context())
		},
	}
}

func newBuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build and push the task image, and provision the machine",
		Long: `Builds the task directory into an image and pushes it when its content changed
since the last deploy. Creates the machine that runs tasks if none exists yet.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}
			return p.Build(cmd.Context())
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	var noBuild bool

	cmd := &cobra.Command{
		Use:   "run <file> [args...]",
		Short: "Run a file on the machine and stream its logs",
		Long: `Builds like 'flydo build', then runs <file> with the configured runner
(default "bun run") on the machine. Arguments after <file> are passed to it
unchanged. <file> is relative to the current directory and must be inside the
task directory.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if !noBuild {
				if err := p.Build(ctx); err != nil {
					return err
				}
			}
			return p.Run(ctx, args[0], args[1:])
		},
	}

	cmd.Flags().BoolVar(&noBuild, "no-build", false, "Skip the build step")
	// Flags after <file> belong to the task.
	cmd.Flags().SetInterspersed(false)
	return cmd
}
