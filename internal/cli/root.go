package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/picklr-io/flydo/internal/changes"
	"github.com/picklr-io/flydo/internal/config"
	"github.com/picklr-io/flydo/internal/container"
	"github.com/picklr-io/flydo/internal/execx"
	"github.com/picklr-io/flydo/internal/failure"
	"github.com/picklr-io/flydo/internal/logging"
	"github.com/picklr-io/flydo/internal/platform"
	"github.com/picklr-io/flydo/internal/project"
	"github.com/picklr-io/flydo/internal/state"
	"github.com/picklr-io/flydo/internal/supervisor"
	"github.com/picklr-io/flydo/internal/tasks"
)

// Replaced in tests.
var (
	getwd       = os.Getwd
	commandFunc execx.CommandFunc
)

// app is what every command works with. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	sup    *supervisor.Supervisor
	cfg    *config.Config
	root   string
	cwd    string
	store  *state.Store
	styles styles
}

// Execute runs flydo with the process arguments. Interrupts cancel the
// returned context's work and stop the active process before exiting.
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(supervisor.WithCancel(cancel))
	stop := sup.Watch()
	defer stop()
	defer sup.Shutdown()

	cmd := newRootCmd(sup)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		printError(cmd.ErrOrStderr(), newStyles(noColorRequested(cmd)), err)
	}
	return err
}

func newRootCmd(sup *supervisor.Supervisor) *cobra.Command {
	a := &app{sup: sup, styles: newStyles(false)}

	cmd := &cobra.Command{
		Use:   "flydo",
		Short: "Run TypeScript tasks on Fly.io machines",
		Long: `flydo builds the task directory of a git project into an image, pushes it to
the Fly.io registry and runs single files on a dedicated machine while
streaming its logs.

The image is rebuilt only when the task directory changed since the last
deploy, and progress is kept in a state file so an interrupted command
resumes where it stopped.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("state-file", state.DefaultFileName, "State file, relative to the project root (env FLYDO_STATE_FILE)")
	flags.String("builder", container.Podman, "Image builder: podman, docker or docker-api")
	flags.StringP("fly-config", "c", "", "Fly config file (default: discovered by fly)")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.Bool("no-color", false, "Disable colored output")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return failure.Wrap(failure.Usage, "parse flags", err)
	})

	cmd.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newBuildCmd(a),
		newRunCmd(a),
		newStatusCmd(a),
		newInitCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cwd, err := getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	root, err := project.FindRoot(cwd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.LoadOptions{Root: root, Flags: cmd.Flags()})
	if err != nil {
		return failure.Wrap(failure.Usage, "load configuration", err)
	}

	logging.InitWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	logging.Debug("resolved project", "root", root, "cwd", cwd, "builder", cfg.Builder)

	a.cfg = cfg
	a.root = root
	a.cwd = cwd
	a.styles = newStyles(cfg.NoColor)

	var opts []state.Option
	if cfg.StateEncryptionKey != "" {
		opts = append(opts, state.WithEncryptionKey(cfg.StateEncryptionKey))
	}
	a.store = state.NewStore(state.ResolvePath(root, cfg.StateFile), opts...)
	return nil
}

// runnerOptions registers every tool call with the supervisor so an interrupt
// waits for it to be reaped.
func (a *app) runnerOptions(extra ...execx.Option) []execx.Option {
	return append([]execx.Option{
		execx.WithCommandFunc(commandFunc),
		execx.WithTracker(a.sup),
	}, extra...)
}

func (a *app) newDetector(dir string) tasks.Detector {
	return changes.NewDetector(a.store, dir, changes.WithExclude(a.cfg.Exclude...))
}

// pipeline wires the task pipeline for cmd. Builder and platform output goes
// to the command's streams.
func (a *app) pipeline(cmd *cobra.Command) (*tasks.Pipeline, error) {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	builder, err := container.New(a.cfg.Builder, out, a.runnerOptions()...)
	if err != nil {
		return nil, failure.Wrap(failure.Usage, "select builder", err)
	}

	fly := platform.NewFly(
		execx.New(a.cfg.Fly, a.runnerOptions(execx.WithDir(a.root))...),
		platform.WithDir(a.root),
		platform.WithOutput(out, errOut),
	)

	install := func(ctx context.Context, dir string) error {
		return execx.New("bun", a.runnerOptions(execx.WithDir(dir))...).Stream(ctx, out, errOut, "install")
	}

	return tasks.New(tasks.Deps{
		Store:       a.store,
		Platform:    fly,
		Builder:     builder,
		Supervisor:  a.sup,
		NewDetector: a.newDetector,
		Reporter:    newReporter(out, a.styles),
		Install:     install,
		Stdout:      out,
		Stderr:      errOut,
	}, tasks.Options{
		Root:         a.root,
		Cwd:          a.cwd,
		FlyConfig:    a.cfg.FlyConfig,
		TokenTTL:     a.cfg.TokenTTL,
		Registry:     a.cfg.Registry,
		RegistryUser: a.cfg.RegistryUser,
		ImageSuffix:  a.cfg.ImageSuffix,
		Platform:     a.cfg.Platform,
		Dockerfile:   a.cfg.Dockerfile,
		Runner:       a.cfg.RunnerArgs(),
	}), nil
}

// usageArgs classifies positional argument errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return failure.Wrap(failure.Usage, "parse arguments", check(cmd, args))
	}
}

// noColorRequested reads --no-color when setup never ran.
func noColorRequested(cmd *cobra.Command) bool {
	v, err := cmd.PersistentFlags().GetBool("no-color")
	return err == nil && v
}

// printError writes the one-line diagnostic for err.
func printError(w io.Writer, st styles, err error) {
	if failure.Is(err, failure.Interrupted) {
		fmt.Fprintln(w, st.warn.Render("Interrupted"))
		return
	}
	fmt.Fprintln(w, st.err.Render("Error:")+" "+err.Error())
}
