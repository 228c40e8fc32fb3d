package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/picklr-io/flydo/internal/tasks"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored progress and pending changes",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}
			s, err := p.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), a.styles, a.cfg.Builder, s)
			return nil
		},
	}
}

func printStatus(w io.Writer, st styles, builder string, s *tasks.Status) {
	row := func(label, value string) {
		if value == "" {
			value = st.muted.Render("(none)")
		}
		fmt.Fprintln(w, st.label.Render(label)+value)
	}

	fmt.Fprintln(w, st.title.Render("flydo status"))
	row("state file", s.StateFile)
	row("task dir", s.Workdir)
	row("fly config", s.FlyConfig)
	row("builder", builder)
	row("token", s.Token)
	row("machine", s.MachineID)
	row("deployed", s.Hash)

	if s.Pending {
		row("changes", st.warn.Render("pending, next build pushes a new image"))
	} else {
		row("changes", st.success.Render("none"))
	}
}
