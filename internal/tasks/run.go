package tasks

import (
	"context"
	"errors"

	"github.com/picklr-io/flydo/internal/failure"
	"github.com/picklr-io/flydo/internal/logging"
	"github.com/picklr-io/flydo/internal/project"
	"github.com/picklr-io/flydo/internal/state"
)

// ErrNotProvisioned is returned by Run before any machine was created.
var ErrNotProvisioned = errors.New("no machine provisioned, run `flydo build` first")

// Run executes file with args on the provisioned machine while streaming its
// logs. file is relative to the invocation directory.
func (p *Pipeline) Run(ctx context.Context, file string, args []string) error {
	st, err := p.Store.Read()
	if err != nil {
		return err
	}

	id := st.Get(state.KeyMachineID)
	if id == "" {
		return failure.Wrap(failure.NotProvisioned, "run", ErrNotProvisioned)
	}

	rel, err := project.RelativeTo(p.workdir(st), p.opts.Cwd, file)
	if err != nil {
		return failure.Wrap(failure.Usage, "run", err)
	}

	cfg, ref, err := p.imageRef(ctx)
	if err != nil {
		return err
	}

	entrypoint := make([]string, 0, len(p.opts.Runner)+1+len(args))
	entrypoint = append(entrypoint, p.opts.Runner...)
	entrypoint = append(entrypoint, rel)
	entrypoint = append(entrypoint, args...)

	follower := p.Platform.FollowLogs(cfg, id)
	following := true
	if err := p.Supervisor.Start(follower); err != nil {
		following = false
		logging.Warn("failed to follow machine logs", "error", err)
	}

	p.Reporter.Step("Running " + rel + " on machine " + id)
	runErr := p.Platform.UpdateMachine(ctx, id, ref.Remote, entrypoint, cfg)
	if runErr == nil {
		// The update returns once the machine started; logs keep flowing
		// until the entrypoint exits.
		runErr = p.Platform.WaitStopped(ctx, id, cfg)
	}

	if following {
		if err := p.Supervisor.Stop(); err != nil {
			logging.Warn("failed to stop log follower", "error", err)
		}
	}

	if runErr != nil {
		return classify(failure.Run, "execute", runErr)
	}

	p.Reporter.Done("Finished " + rel)
	return nil
}
