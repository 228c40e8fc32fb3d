package tasks

import (
	"context"
	"path/filepath"

	"github.com/picklr-io/flydo/internal/failure"
	"github.com/picklr-io/flydo/internal/logging"
	"github.com/picklr-io/flydo/internal/project"
	"github.com/picklr-io/flydo/internal/state"
)

// Init scaffolds a task directory at dir, relative to the invocation
// directory, and makes it the tracked directory. dir must lie inside the
// project root.
func (p *Pipeline) Init(ctx context.Context, dir string) (*project.ScaffoldResult, error) {
	rel, err := project.RelativeTo(p.opts.Root, p.opts.Cwd, dir)
	if err != nil {
		return nil, failure.Wrap(failure.Usage, "init", err)
	}
	target := p.abs(rel)

	p.Reporter.Step("Scaffolding " + target)
	res, err := project.Scaffold(target)
	if err != nil {
		return nil, err
	}
	for _, name := range res.Created {
		p.Reporter.Done("Created " + name)
	}
	for _, name := range res.Skipped {
		p.Reporter.Skip(name + " exists, leaving it alone")
	}

	if err := p.Store.Set(state.KeyWorkdir, rel); err != nil {
		return nil, err
	}

	cfg, err := p.ResolveConfig(ctx)
	if err != nil {
		return nil, err
	}
	logging.Debug("tracking task directory", "workdir", rel, "config", cfg)

	if p.Install != nil {
		p.Reporter.Step("Installing dependencies")
		if err := p.Install(ctx, target); err != nil {
			logging.Warn("dependency install failed", "dir", filepath.ToSlash(rel), "error", err)
		}
	}
	return res, nil
}
