// Package tasks implements the flydo workflow: login, logout, build, run,
// status and init. Every step reads and writes the state store around the
// external call it makes, so an interrupted invocation resumes where it
// stopped.
package tasks

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"

	"github.com/picklr-io/flydo/internal/container"
	"github.com/picklr-io/flydo/internal/failure"
	"github.com/picklr-io/flydo/internal/platform"
	"github.com/picklr-io/flydo/internal/state"
)

// Platform is the remote platform the tasks deploy to.
type Platform interface {
	ValidateConfig(ctx context.Context, path string) (string, error)
	IssueToken(ctx context.Context, ttl, cfg string) (string, error)
	RevokeTokens(ctx context.Context, cfg string) error
	CreateMachine(ctx context.Context, image, cfg string) (string, error)
	UpdateMachine(ctx context.Context, id, image string, entrypoint []string, cfg string) error
	WaitStopped(ctx context.Context, id, cfg string) error
	FollowLogs(cfg, machineID string) *exec.Cmd
	AppName(cfg string) (string, error)
}

// Builder builds and publishes the task image.
type Builder interface {
	Build(ctx context.Context, opts container.BuildOptions) error
	Push(ctx context.Context, local, remote string) error
	RegistryLogin(ctx context.Context, user, token, host string) error
}

// Store persists progress between invocations.
type Store interface {
	Path() string
	Read() (state.State, error)
	Write(updates state.Updates) error
	Set(key, value string) error
	Delete(keys ...string) error
}

// Detector gates the build on content changes.
type Detector interface {
	HasChanges(ctx context.Context) (bool, error)
	SaveDeployHash(ctx context.Context) error
}

// Supervisor owns the background log follower.
type Supervisor interface {
	Start(cmd *exec.Cmd) error
	Stop() error
}

// Reporter shows progress to the operator.
type Reporter interface {
	Step(msg string)
	Done(msg string)
	Skip(msg string)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Store      Store
	Platform   Platform
	Builder    Builder
	Supervisor Supervisor
	// NewDetector returns a change detector for the tracked directory.
	NewDetector func(dir string) Detector
	Reporter    Reporter
	// Install, when set, runs after init scaffolds a directory.
	Install func(ctx context.Context, dir string) error
	// Stdout and Stderr receive builder output. Nil leaves the builder's
	// own default.
	Stdout io.Writer
	Stderr io.Writer
}

// Options are the settings the tasks read.
type Options struct {
	// Root is the project root; state paths are relative to it.
	Root string
	// Cwd is where flydo was invoked; file arguments are relative to it.
	Cwd string
	// FlyConfig is an explicit platform config path.
	FlyConfig    string
	TokenTTL     string
	Registry     string
	RegistryUser string
	ImageSuffix  string
	Platform     string
	Dockerfile   string
	// Runner is the command prefix of the remote entrypoint, e.g. ["bun", "run"].
	Runner []string
}

// Pipeline runs the tasks.
type Pipeline struct {
	Deps
	opts Options
}

// New returns a pipeline. A nil Reporter discards progress.
func New(deps Deps, opts Options) *Pipeline {
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	if opts.Cwd == "" {
		opts.Cwd = opts.Root
	}
	return &Pipeline{Deps: deps, opts: opts}
}

// ResolveConfig returns the platform config path. A persisted path is used as
// is; otherwise the platform validates the config and the path is persisted.
func (p *Pipeline) ResolveConfig(ctx context.Context) (string, error) {
	st, err := p.Store.Read()
	if err != nil {
		return "", err
	}

	if p.opts.FlyConfig == "" {
		if saved := st.Get(state.KeyFlyConfigFile); saved != "" {
			return p.abs(saved), nil
		}
	}

	path, err := p.Platform.ValidateConfig(ctx, p.opts.FlyConfig)
	if err != nil {
		return "", classify(failure.ConfigInvalid, "validate platform config", err)
	}

	if err := p.Store.Set(state.KeyFlyConfigFile, path); err != nil {
		return "", err
	}
	return path, nil
}

// imageRef resolves the platform config and derives the image names from its app.
func (p *Pipeline) imageRef(ctx context.Context) (string, platform.ImageRef, error) {
	cfg, err := p.ResolveConfig(ctx)
	if err != nil {
		return "", platform.ImageRef{}, err
	}

	app, err := p.Platform.AppName(cfg)
	if err != nil {
		return "", platform.ImageRef{}, classify(failure.ConfigInvalid, "read platform config", err)
	}
	return cfg, platform.NewImageRef(app, p.opts.Registry, p.opts.ImageSuffix), nil
}

// workdir returns the tracked directory: the persisted workdir, or the
// project root when none is set.
func (p *Pipeline) workdir(st state.State) string {
	if wd := st.Get(state.KeyWorkdir); wd != "" {
		return p.abs(wd)
	}
	return p.opts.Root
}

func (p *Pipeline) abs(path string) string {
	path = filepath.FromSlash(path)
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.opts.Root, path)
}

// classify wraps err as kind unless something below already classified it,
// so state failures keep their own exit status.
func classify(kind failure.Kind, phase string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return failure.Wrap(failure.Interrupted, phase, err)
	}
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	return failure.Wrap(kind, phase, err)
}

type nopReporter struct{}

func (nopReporter) Step(string) {}
func (nopReporter) Done(string) {}
func (nopReporter) Skip(string) {}
