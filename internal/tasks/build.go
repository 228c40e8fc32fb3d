package tasks

import (
	"context"

	"github.com/picklr-io/flydo/internal/container"
	"github.com/picklr-io/flydo/internal/failure"
	"github.com/picklr-io/flydo/internal/logging"
	"github.com/picklr-io/flydo/internal/platform"
	"github.com/picklr-io/flydo/internal/state"
)

// Build publishes a new image when the tracked directory changed, and
// provisions a machine when none exists. The two gates are independent: a
// saved hash with a failed machine creation resumes at machine creation.
func (p *Pipeline) Build(ctx context.Context) error {
	st, err := p.Store.Read()
	if err != nil {
		return err
	}

	dir := p.workdir(st)
	detector := p.NewDetector(dir)

	changed, err := detector.HasChanges(ctx)
	if err != nil {
		return classify(failure.Deploy, "detect changes", err)
	}

	// Resolved on first use; neither gate may need it.
	var (
		cfg string
		ref platform.ImageRef
	)
	resolve := func() error {
		if cfg != "" {
			return nil
		}
		var err error
		cfg, ref, err = p.imageRef(ctx)
		return err
	}

	if changed {
		if err := resolve(); err != nil {
			return err
		}
		if err := p.publish(ctx, st, dir, ref); err != nil {
			return err
		}
		if err := detector.SaveDeployHash(ctx); err != nil {
			return classify(failure.Deploy, "save deploy hash", err)
		}
		p.Reporter.Done("Deployed " + ref.Remote)
	} else {
		p.Reporter.Skip("No changes detected, skipping build")
	}

	if st.Has(state.KeyMachineID) {
		logging.Debug("machine already provisioned", "machine", st.Get(state.KeyMachineID))
		return nil
	}

	if err := resolve(); err != nil {
		return err
	}

	p.Reporter.Step("Creating machine")
	id, err := p.Platform.CreateMachine(ctx, ref.Remote, cfg)
	if err != nil {
		return classify(failure.Deploy, "create machine", err)
	}
	if err := p.Store.Set(state.KeyMachineID, id); err != nil {
		return err
	}

	p.Reporter.Done("Created machine " + id)
	return nil
}

func (p *Pipeline) publish(ctx context.Context, st state.State, dir string, ref platform.ImageRef) error {
	p.Reporter.Step("Changes detected, building " + ref.LocalTag)
	err := p.Builder.Build(ctx, container.BuildOptions{
		Tag:        ref.LocalTag,
		Platform:   p.opts.Platform,
		ContextDir: dir,
		Dockerfile: p.opts.Dockerfile,
		Stdout:     p.Stdout,
		Stderr:     p.Stderr,
	})
	if err != nil {
		return classify(failure.Deploy, "build image", err)
	}

	// Daemon logins do not survive the process that made them.
	if cu, ok := p.Builder.(container.CredentialUser); ok && st.Has(state.KeyToken) {
		cu.UseCredentials(p.opts.RegistryUser, st.Get(state.KeyToken), p.opts.Registry)
	}

	p.Reporter.Step("Pushing " + ref.Remote)
	if err := p.Builder.Push(ctx, ref.LocalTag, ref.Remote); err != nil {
		return classify(failure.Deploy, "push image", err)
	}
	return nil
}
