package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/picklr-io/flydo/internal/logging"
)

// engineAPI is the part of the Docker Engine client the builder uses.
type engineAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
}

// APIBuilder talks to a Docker-compatible daemon over its HTTP API.
type APIBuilder struct {
	client engineAPI
	out    io.Writer

	// Credentials from the last RegistryLogin, sent with every push.
	auth *registry.AuthConfig
}

// NewAPIBuilder connects using the standard DOCKER_HOST environment. Build
// and push progress goes to out, or stdout when out is nil.
func NewAPIBuilder(out io.Writer) (*APIBuilder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newAPIBuilder(cli, writerOr(out, os.Stdout)), nil
}

func newAPIBuilder(api engineAPI, out io.Writer) *APIBuilder {
	return &APIBuilder{client: api, out: out}
}

// Build sends the context directory, honoring .dockerignore, to the daemon.
func (b *APIBuilder) Build(ctx context.Context, opts BuildOptions) error {
	platform, err := ParsePlatform(opts.Platform)
	if err != nil {
		return err
	}

	excludes, err := readDockerignore(opts.ContextDir)
	if err != nil {
		return err
	}
	excludes, err = keepBuildFiles(excludes, opts.dockerfile())
	if err != nil {
		return err
	}

	tar, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return fmt.Errorf("failed to create build context tar: %w", err)
	}
	defer tar.Close()

	logging.Debug("building image", "builder", DockerAPI, "tag", opts.Tag, "context", opts.ContextDir)
	resp, err := b.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{opts.Tag},
		Dockerfile: opts.dockerfile(),
		Platform:   FormatPlatform(platform),
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", opts.Tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, writerOr(opts.Stdout, b.out), 0, false, nil); err != nil {
		return fmt.Errorf("failed to build image %s: %w", opts.Tag, err)
	}
	return nil
}

// Push tags local as remote and pushes it with the stored registry credentials.
func (b *APIBuilder) Push(ctx context.Context, local, remote string) error {
	if err := b.client.ImageTag(ctx, local, remote); err != nil {
		return fmt.Errorf("failed to tag image %s as %s: %w", local, remote, err)
	}

	var opts image.PushOptions
	if b.auth != nil {
		encoded, err := registry.EncodeAuthConfig(*b.auth)
		if err != nil {
			return fmt.Errorf("failed to encode registry auth: %w", err)
		}
		opts.RegistryAuth = encoded
	}

	rc, err := b.client.ImagePush(ctx, remote, opts)
	if err != nil {
		return fmt.Errorf("failed to push image %s: %w", remote, err)
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, b.out, 0, false, nil); err != nil {
		return fmt.Errorf("failed to push image %s: %w", remote, err)
	}
	return nil
}

// RegistryLogin validates the credentials with the daemon and keeps them for Push.
func (b *APIBuilder) RegistryLogin(ctx context.Context, user, token, host string) error {
	auth := registry.AuthConfig{
		Username:      user,
		Password:      token,
		ServerAddress: host,
	}
	if _, err := b.client.RegistryLogin(ctx, auth); err != nil {
		return fmt.Errorf("failed to log in to %s: %w", host, err)
	}
	b.auth = &auth
	return nil
}

// UseCredentials sets the push credentials without contacting the daemon.
// The daemon keeps no login between invocations, so a build in a later
// process restores the persisted token this way.
func (b *APIBuilder) UseCredentials(user, token, host string) {
	b.auth = &registry.AuthConfig{
		Username:      user,
		Password:      token,
		ServerAddress: host,
	}
}

func readDockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open .dockerignore: %w", err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse .dockerignore: %w", err)
	}
	return patterns, nil
}

// keepBuildFiles re-includes .dockerignore and the Dockerfile when the ignore
// patterns exclude them; the daemon needs both in the context.
func keepBuildFiles(excludes []string, dockerfile string) ([]string, error) {
	if len(excludes) == 0 {
		return excludes, nil
	}
	pm, err := patternmatcher.New(excludes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse .dockerignore: %w", err)
	}

	for _, name := range []string{".dockerignore", filepath.ToSlash(dockerfile)} {
		excluded, err := pm.MatchesOrParentMatches(name)
		if err != nil {
			return nil, fmt.Errorf("failed to match %s against .dockerignore: %w", name, err)
		}
		if excluded {
			excludes = append(excludes, "!"+name)
		}
	}
	return excludes, nil
}
