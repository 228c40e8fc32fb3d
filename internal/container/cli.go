package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/picklr-io/flydo/internal/execx"
	"github.com/picklr-io/flydo/internal/logging"
)

// CLIBuilder drives podman or the docker CLI.
type CLIBuilder struct {
	name   string
	runner *execx.Runner
}

// NewCLIBuilder returns a builder for the podman or docker binary behind runner.
func NewCLIBuilder(name string, runner *execx.Runner) *CLIBuilder {
	return &CLIBuilder{name: name, runner: runner}
}

// Name returns "podman" or "docker".
func (b *CLIBuilder) Name() string {
	return b.name
}

// Build runs `<tool> build`.
func (b *CLIBuilder) Build(ctx context.Context, opts BuildOptions) error {
	platform, err := ParsePlatform(opts.Platform)
	if err != nil {
		return err
	}

	args := []string{
		"build",
		"-t", opts.Tag,
		"--platform=" + FormatPlatform(platform),
		"-f", filepath.Join(opts.ContextDir, opts.dockerfile()),
		opts.ContextDir,
	}

	logging.Debug("building image", "builder", b.name, "tag", opts.Tag, "context", opts.ContextDir)
	if err := b.runner.Stream(ctx, writerOr(opts.Stdout, os.Stdout), writerOr(opts.Stderr, os.Stderr), args...); err != nil {
		return fmt.Errorf("failed to build image %s: %w", opts.Tag, err)
	}
	return nil
}

// Push publishes local under the remote name. Podman pushes to a different
// destination directly; docker needs the tag first.
func (b *CLIBuilder) Push(ctx context.Context, local, remote string) error {
	if b.name == Docker {
		if _, err := b.runner.Output(ctx, "tag", local, remote); err != nil {
			return fmt.Errorf("failed to tag image %s as %s: %w", local, remote, err)
		}
		if _, err := b.runner.Output(ctx, "push", remote); err != nil {
			return fmt.Errorf("failed to push image %s: %w", remote, err)
		}
		return nil
	}

	if _, err := b.runner.Output(ctx, "push", local, remote); err != nil {
		return fmt.Errorf("failed to push image %s: %w", remote, err)
	}
	return nil
}

// RegistryLogin logs in with the token on stdin so it never shows up in the
// process list.
func (b *CLIBuilder) RegistryLogin(ctx context.Context, user, token, host string) error {
	_, err := b.runner.OutputInput(ctx, strings.NewReader(token), "login", "-u", user, "--password-stdin", host)
	if err != nil {
		return fmt.Errorf("failed to log in to %s: %w", host, err)
	}
	return nil
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}
