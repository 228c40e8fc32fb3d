package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/flydo/internal/container"
	"github.com/picklr-io/flydo/internal/failure"
	"github.com/picklr-io/flydo/internal/platform"
	"github.com/picklr-io/flydo/internal/state"
)

type fakePlatform struct {
	calls []string

	validated   string
	validateErr error
	token       string
	issueErr    error
	revokeErr   error
	machineID   string
	createErr   error
	updateErr   error
	waitErr     error
	onWait      func()
	app         string

	entrypoint []string
	image      string
}

func (f *fakePlatform) ValidateConfig(_ context.Context, path string) (string, error) {
	f.calls = append(f.calls, "validate "+path)
	if f.validateErr != nil {
		return "", f.validateErr
	}
	return f.validated, nil
}

func (f *fakePlatform) IssueToken(_ context.Context, ttl, cfg string) (string, error) {
	f.calls = append(f.calls, "issue "+ttl+" "+cfg)
	return f.token, f.issueErr
}

func (f *fakePlatform) RevokeTokens(_ context.Context, cfg string) error {
	f.calls = append(f.calls, "revoke "+cfg)
	return f.revokeErr
}

func (f *fakePlatform) CreateMachine(_ context.Context, image, cfg string) (string, error) {
	f.calls = append(f.calls, "create "+image)
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.machineID, nil
}

func (f *fakePlatform) UpdateMachine(_ context.Context, id, image string, entrypoint []string, cfg string) error {
	f.calls = append(f.calls, "update "+id)
	f.image = image
	f.entrypoint = entrypoint
	return f.updateErr
}

func (f *fakePlatform) WaitStopped(_ context.Context, id, cfg string) error {
	f.calls = append(f.calls, "wait "+id)
	if f.onWait != nil {
		f.onWait()
	}
	return f.waitErr
}

func (f *fakePlatform) FollowLogs(cfg, machineID string) *exec.Cmd {
	f.calls = append(f.calls, "logs "+machineID)
	return exec.Command("fly", "logs", "-c", cfg, "--machine", machineID)
}

func (f *fakePlatform) AppName(string) (string, error) {
	return f.app, nil
}

type fakeBuilder struct {
	calls    []string
	built    container.BuildOptions
	buildErr error
	pushErr  error
	loginErr error
	creds    string
}

func (b *fakeBuilder) Build(_ context.Context, opts container.BuildOptions) error {
	b.calls = append(b.calls, "build "+opts.Tag)
	b.built = opts
	return b.buildErr
}

func (b *fakeBuilder) Push(_ context.Context, local, remote string) error {
	b.calls = append(b.calls, "push "+local+" "+remote)
	return b.pushErr
}

func (b *fakeBuilder) RegistryLogin(_ context.Context, user, token, host string) error {
	b.calls = append(b.calls, "login "+user+" "+token+" "+host)
	return b.loginErr
}

// credBuilder also accepts credentials for pushes, like the API builder.
type credBuilder struct {
	fakeBuilder
}

func (b *credBuilder) UseCredentials(user, token, host string) {
	b.creds = user + ":" + token + "@" + host
}

type fakeDetector struct {
	store   *state.Store
	changed bool
	err     error
	hash    string
}

func (d *fakeDetector) HasChanges(context.Context) (bool, error) {
	return d.changed, d.err
}

func (d *fakeDetector) SaveDeployHash(context.Context) error {
	d.changed = false
	return d.store.Set(state.KeyHash, d.hash)
}

type fakeSupervisor struct {
	started  []*exec.Cmd
	stopped  int
	startErr error
}

func (s *fakeSupervisor) Start(cmd *exec.Cmd) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, cmd)
	return nil
}

func (s *fakeSupervisor) Stop() error {
	s.stopped++
	return nil
}

type fixture struct {
	root     string
	store    *state.Store
	platform *fakePlatform
	builder  *fakeBuilder
	detector *fakeDetector
	super    *fakeSupervisor
	dirs     []string
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store := state.NewStore(filepath.Join(root, state.DefaultFileName))

	f := &fixture{
		root:  root,
		store: store,
		platform: &fakePlatform{
			validated: filepath.Join(root, "fly.toml"),
			token:     "FlyV1 fm2_abc",
			machineID: "1781973f024389",
			app:       "cron-jobs",
		},
		builder:  &fakeBuilder{},
		detector: &fakeDetector{store: store, changed: true, hash: "deadbeef"},
		super:    &fakeSupervisor{},
	}
	f.pipeline = f.build(t, Options{})
	return f
}

func (f *fixture) build(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Root == "" {
		opts.Root = f.root
	}
	opts.TokenTTL = "24h"
	opts.Registry = "registry.fly.io"
	opts.RegistryUser = "x"
	opts.ImageSuffix = "tasks"
	opts.Platform = "linux/amd64"
	opts.Runner = []string{"bun", "run"}

	return New(Deps{
		Store:      f.store,
		Platform:   f.platform,
		Builder:    f.builder,
		Supervisor: f.super,
		NewDetector: func(dir string) Detector {
			f.dirs = append(f.dirs, dir)
			return f.detector
		},
		Stdout: &f.stdout,
		Stderr: &f.stderr,
	}, opts)
}

func (f *fixture) state(t *testing.T) state.State {
	t.Helper()
	st, err := f.store.Read()
	require.NoError(t, err)
	return st
}

func TestResolveConfig_ValidatesAndPersists(t *testing.T) {
	f := newFixture(t)

	cfg, err := f.pipeline.ResolveConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.root, "fly.toml"), cfg)
	assert.Equal(t, cfg, f.state(t).Get(state.KeyFlyConfigFile))

	// The persisted path is reused without validating again.
	_, err = f.pipeline.ResolveConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"validate "}, f.platform.calls)
}

func TestResolveConfig_RelativePersistedPath(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyFlyConfigFile, "deploy/fly.toml"))

	cfg, err := f.pipeline.ResolveConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.root, "deploy", "fly.toml"), cfg)
	assert.Empty(t, f.platform.calls)
}

func TestResolveConfig_ExplicitPathWins(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyFlyConfigFile, "old.toml"))
	p := f.build(t, Options{FlyConfig: "staging.toml"})

	_, err := p.ResolveConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"validate staging.toml"}, f.platform.calls)
}

func TestResolveConfig_Invalid(t *testing.T) {
	f := newFixture(t)
	f.platform.validateErr = errors.New("no such file fly.toml")

	_, err := f.pipeline.ResolveConfig(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.ConfigInvalid, failure.KindOf(err))
	assert.Equal(t, failure.ExitConfigInvalid, failure.ExitCode(err))
	assert.False(t, f.state(t).Has(state.KeyFlyConfigFile))
}

func TestLogin_IssuesAndPersistsToken(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.pipeline.Login(context.Background()))

	assert.Equal(t, "FlyV1 fm2_abc", f.state(t).Get(state.KeyToken))
	assert.Contains(t, f.platform.calls, "issue 24h "+filepath.Join(f.root, "fly.toml"))
	assert.Equal(t, []string{"login x FlyV1 fm2_abc registry.fly.io"}, f.builder.calls)
}

func TestLogin_ReusesToken(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyToken, "existing"))

	require.NoError(t, f.pipeline.Login(context.Background()))

	assert.Empty(t, f.platform.calls)
	assert.Equal(t, []string{"login x existing registry.fly.io"}, f.builder.calls)
}

func TestLogin_IssueFailure(t *testing.T) {
	f := newFixture(t)
	f.platform.issueErr = errors.New("unauthorized")

	err := f.pipeline.Login(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Auth, failure.KindOf(err))
	assert.Contains(t, err.Error(), "issue deploy token")
	assert.False(t, f.state(t).Has(state.KeyToken))
	assert.Empty(t, f.builder.calls)
}

func TestLogin_RegistryFailureKeepsToken(t *testing.T) {
	f := newFixture(t)
	f.builder.loginErr = errors.New("denied")

	err := f.pipeline.Login(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Auth, failure.KindOf(err))
	assert.Contains(t, err.Error(), "registry login")
	assert.Equal(t, "FlyV1 fm2_abc", f.state(t).Get(state.KeyToken))
}

func TestLogout_ClearsTokenEvenWhenRevokeFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyToken, "abc"))
	f.platform.revokeErr = errors.New("fly tokens revoke failed")

	err := f.pipeline.Logout(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Auth, failure.KindOf(err))
	assert.Equal(t, failure.ExitAuth, failure.ExitCode(err))
	assert.False(t, f.state(t).Has(state.KeyToken))
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyToken, "abc"))

	require.NoError(t, f.pipeline.Logout(context.Background()))
	assert.False(t, f.state(t).Has(state.KeyToken))
	assert.Contains(t, f.platform.calls, "revoke "+filepath.Join(f.root, "fly.toml"))
}

func TestBuild_Fresh(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.pipeline.Build(context.Background()))

	st := f.state(t)
	assert.Equal(t, "deadbeef", st.Get(state.KeyHash))
	assert.Equal(t, "1781973f024389", st.Get(state.KeyMachineID))
	assert.Equal(t, []string{
		"build cron-jobs-tasks:latest",
		"push cron-jobs-tasks:latest registry.fly.io/cron-jobs:tasks",
	}, f.builder.calls)
	assert.Equal(t, f.root, f.builder.built.ContextDir)
	assert.Equal(t, "linux/amd64", f.builder.built.Platform)
	assert.Same(t, &f.stdout, f.builder.built.Stdout)
	assert.Same(t, &f.stderr, f.builder.built.Stderr)
	assert.Contains(t, f.platform.calls, "create registry.fly.io/cron-jobs:tasks")
}

func TestBuild_SecondBuildSkips(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pipeline.Build(context.Background()))
	before := f.state(t)
	f.builder.calls = nil
	f.platform.calls = nil

	require.NoError(t, f.pipeline.Build(context.Background()))

	assert.Empty(t, f.builder.calls)
	assert.Empty(t, f.platform.calls)
	assert.Equal(t, before, f.state(t))
}

func TestBuild_ResumesMachineCreation(t *testing.T) {
	f := newFixture(t)
	f.platform.createErr = errors.New("capacity")

	err := f.pipeline.Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Deploy, failure.KindOf(err))
	assert.Equal(t, "deadbeef", f.state(t).Get(state.KeyHash))
	assert.False(t, f.state(t).Has(state.KeyMachineID))

	f.platform.createErr = nil
	f.builder.calls = nil
	require.NoError(t, f.pipeline.Build(context.Background()))
	assert.Empty(t, f.builder.calls)
	assert.Equal(t, "1781973f024389", f.state(t).Get(state.KeyMachineID))
}

func TestBuild_PushFailureKeepsHash(t *testing.T) {
	f := newFixture(t)
	f.builder.pushErr = errors.New("unauthorized")

	err := f.pipeline.Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Deploy, failure.KindOf(err))
	assert.Contains(t, err.Error(), "push image")
	assert.False(t, f.state(t).Has(state.KeyHash))
	assert.NotContains(t, f.platform.calls, "create registry.fly.io/cron-jobs:tasks")
}

func TestBuild_UsesTrackedWorkdir(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyWorkdir, "jobs"))

	require.NoError(t, f.pipeline.Build(context.Background()))
	assert.Equal(t, []string{filepath.Join(f.root, "jobs")}, f.dirs)
	assert.Equal(t, filepath.Join(f.root, "jobs"), f.builder.built.ContextDir)
}

func TestBuild_DetectorFailure(t *testing.T) {
	f := newFixture(t)
	f.detector.err = errors.New("failed to read a.ts: permission denied")

	err := f.pipeline.Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Deploy, failure.KindOf(err))
	assert.Empty(t, f.builder.calls)
}

func TestBuild_Interrupted(t *testing.T) {
	f := newFixture(t)
	f.builder.buildErr = context.Canceled

	err := f.pipeline.Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Interrupted, failure.KindOf(err))
	assert.Equal(t, failure.ExitInterrupted, failure.ExitCode(err))
}

func TestBuild_PassesCredentialsToPush(t *testing.T) {
	f := newFixture(t)
	cb := &credBuilder{}
	f.pipeline.Builder = cb
	require.NoError(t, f.store.Set(state.KeyToken, "tok"))

	require.NoError(t, f.pipeline.Build(context.Background()))
	assert.Equal(t, "x:tok@registry.fly.io", cb.creds)
}

func TestBuild_CorruptState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.store.Path(), []byte("{not json"), 0o600))

	err := f.pipeline.Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.StateCorrupt, failure.KindOf(err))
	assert.Empty(t, f.builder.calls)
}

func TestRun_NotProvisioned(t *testing.T) {
	f := newFixture(t)

	err := f.pipeline.Run(context.Background(), "example.ts", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotProvisioned)
	assert.Equal(t, failure.NotProvisioned, failure.KindOf(err))
	assert.Empty(t, f.platform.calls)
	assert.Empty(t, f.builder.calls)
	assert.Empty(t, f.super.started)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Write(state.Updates{
		state.KeyMachineID: state.Value("m1"),
		state.KeyWorkdir:   state.Value("jobs"),
	}))
	p := f.build(t, Options{Cwd: filepath.Join(f.root, "jobs", "daily")})
	stoppedAtWait := -1
	f.platform.onWait = func() { stoppedAtWait = f.super.stopped }

	require.NoError(t, p.Run(context.Background(), "report.ts", []string{"--since", "last week"}))

	assert.Equal(t, []string{"bun", "run", "daily/report.ts", "--since", "last week"}, f.platform.entrypoint)
	assert.Equal(t, "registry.fly.io/cron-jobs:tasks", f.platform.image)
	require.Len(t, f.super.started, 1)
	assert.Equal(t, "fly logs -c "+filepath.Join(f.root, "fly.toml")+" --machine m1",
		strings.Join(f.super.started[0].Args, " "))
	assert.Equal(t, 1, f.super.stopped)

	// The follower is started before the machine runs and outlives the
	// update until the machine has stopped.
	logs := indexOf(f.platform.calls, "logs m1")
	update := indexOf(f.platform.calls, "update m1")
	wait := indexOf(f.platform.calls, "wait m1")
	assert.Less(t, logs, update)
	assert.Less(t, update, wait)
	assert.Zero(t, stoppedAtWait)
}

func TestRun_MachineFailed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyMachineID, "m1"))
	f.platform.waitErr = fmt.Errorf("machine m1: %w", platform.ErrMachineFailed)

	err := f.pipeline.Run(context.Background(), "example.ts", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, platform.ErrMachineFailed)
	assert.Equal(t, failure.ExitRun, failure.ExitCode(err))
	assert.Equal(t, 1, f.super.stopped)
}

func TestRun_InterruptedWhileWaiting(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyMachineID, "m1"))
	f.platform.waitErr = fmt.Errorf("failed to wait for machine m1: %w", context.Canceled)

	err := f.pipeline.Run(context.Background(), "example.ts", nil)
	require.Error(t, err)
	assert.Equal(t, failure.Interrupted, failure.KindOf(err))
}

func TestRun_Failure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyMachineID, "m1"))
	f.platform.updateErr = errors.New("machine exited with code 1")

	err := f.pipeline.Run(context.Background(), "example.ts", nil)
	require.Error(t, err)
	assert.Equal(t, failure.Run, failure.KindOf(err))
	assert.Equal(t, failure.ExitRun, failure.ExitCode(err))
	assert.Equal(t, 1, f.super.stopped)
	assert.NotContains(t, f.platform.calls, "wait m1")
}

func TestRun_FollowerFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(state.KeyMachineID, "m1"))
	f.super.startErr = errors.New("exec: \"fly\": executable file not found in $PATH")

	require.NoError(t, f.pipeline.Run(context.Background(), "example.ts", nil))
	assert.Contains(t, f.platform.calls, "update m1")
	assert.Zero(t, f.super.stopped)
}

func TestRun_FileOutsideWorkdir(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Write(state.Updates{
		state.KeyMachineID: state.Value("m1"),
		state.KeyWorkdir:   state.Value("jobs"),
	}))

	err := f.pipeline.Run(context.Background(), "scripts/other.ts", nil)
	require.Error(t, err)
	assert.Equal(t, failure.Usage, failure.KindOf(err))
	assert.NotContains(t, f.platform.calls, "update m1")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Write(state.Updates{
		state.KeyToken:         state.Value("FlyV1 secret"),
		state.KeyMachineID:     state.Value("m1"),
		state.KeyHash:          state.Value("deadbeef"),
		state.KeyFlyConfigFile: state.Value("fly.toml"),
	}))
	f.detector.changed = false

	s, err := f.pipeline.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Status{
		StateFile: f.store.Path(),
		Token:     "FlyV********",
		Workdir:   f.root,
		FlyConfig: filepath.Join(f.root, "fly.toml"),
		MachineID: "m1",
		Hash:      "deadbeef",
	}, s)
	assert.Empty(t, f.platform.calls)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", maskToken(""))
	assert.Equal(t, "***", maskToken("abc"))
	assert.Equal(t, "abcd********", maskToken("abcdefghijklmnop"))
}

func TestInit(t *testing.T) {
	f := newFixture(t)
	var installed string
	f.pipeline.Install = func(_ context.Context, dir string) error {
		installed = dir
		return errors.New("bun: command not found")
	}

	res, err := f.pipeline.Init(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Contains(t, res.Created, "Dockerfile")
	assert.FileExists(t, filepath.Join(f.root, "jobs", "example.ts"))
	assert.Equal(t, filepath.Join(f.root, "jobs"), installed)

	st := f.state(t)
	assert.Equal(t, "jobs", st.Get(state.KeyWorkdir))
	assert.Equal(t, filepath.Join(f.root, "fly.toml"), st.Get(state.KeyFlyConfigFile))
}

func TestInit_OutsideRoot(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Init(context.Background(), filepath.Join(f.root, "..", "elsewhere"))
	require.Error(t, err)
	assert.Equal(t, failure.Usage, failure.KindOf(err))
	assert.Empty(t, f.platform.calls)
}

func indexOf(calls []string, want string) int {
	for i, c := range calls {
		if c == want {
			return i
		}
	}
	return -1
}
