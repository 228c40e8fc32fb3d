package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold a task directory",
		Long: `Creates a Dockerfile, .dockerignore, package.json, tsconfig.json and an example
task in dir (default: the current directory), installs dependencies with bun
and makes dir the task directory. Existing files are left untouched.`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}
			if _, err := p.Init(cmd.Context(), dir); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			fmt.Fprintln(out, a.styles.title.Render("Next steps:"))
			fmt.Fprintln(out, "  1. flydo login")
			fmt.Fprintln(out, "  2. flydo run example.ts")
			return nil
		},
	}
}
